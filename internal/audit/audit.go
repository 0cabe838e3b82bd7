// Package audit records what happened to documents.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ecm/internal/event"
	"ecm/internal/logging"
	"ecm/internal/repository"
)

// LogEntry is one audited event.
type LogEntry struct {
	ID           string         `json:"id"`
	EventID      string         `json:"eventId"`
	EventDate    time.Time      `json:"eventDate"`
	DocUUID      string         `json:"docUUID,omitempty"`
	DocPath      string         `json:"docPath,omitempty"`
	DocType      string         `json:"docType,omitempty"`
	DocLifeCycle string         `json:"docLifeCycle,omitempty"`
	Category     string         `json:"category,omitempty"`
	Principal    string         `json:"principalName,omitempty"`
	Comment      string         `json:"comment,omitempty"`
	Repository   string         `json:"repositoryId,omitempty"`
	Extended     map[string]any `json:"extended,omitempty"`
}

// Store persists log entries.
type Store interface {
	Add(ctx context.Context, entries ...*LogEntry) error
	// ByDocument returns the entries of a document, oldest first.
	ByDocument(ctx context.Context, docUUID string, pq repository.PageQuery) (*repository.PageResult[*LogEntry], error)
	Count(ctx context.Context) (int, error)
}

// NewEntry builds the entry describing ev.
func NewEntry(ev *event.Event) *LogEntry {
	e := &LogEntry{
		ID:         uuid.NewString(),
		EventID:    ev.Name,
		EventDate:  ev.Time.UTC(),
		Category:   ev.Category,
		Principal:  ev.Principal.Name,
		Comment:    ev.Comment,
		Repository: ev.Repository,
	}
	if e.EventDate.IsZero() {
		e.EventDate = time.Now().UTC()
	}
	if doc := ev.Doc; doc != nil {
		e.DocUUID = doc.ID
		e.DocPath = doc.Path
		e.DocType = doc.Type
		e.DocLifeCycle = doc.LifeCycleState
	}
	if len(ev.Properties) > 0 {
		e.Extended = make(map[string]any, len(ev.Properties))
		for k, v := range ev.Properties {
			e.Extended[k] = v
		}
	}
	return e
}

// Listener writes an entry for every completed event. Pre-operation events are skipped
// since the operation may still be aborted.
type Listener struct {
	store Store
	log   *zap.Logger
}

var _ event.Listener = (*Listener)(nil)

func NewListener(store Store, log *zap.Logger) *Listener {
	if log == nil {
		log = logging.Nop()
	}
	return &Listener{store: store, log: log.With(logging.Component("audit"))}
}

func (l *Listener) HandleEvent(ctx context.Context, ev *event.Event) error {
	if event.IsPreOperation(ev.Name) {
		return nil
	}
	if err := l.store.Add(ctx, NewEntry(ev)); err != nil {
		l.log.Error("writing audit entry failed", logging.Event(ev.Name), zap.String("doc_id", ev.DocID()), logging.ErrorMessage(err))
		return err
	}
	return nil
}
