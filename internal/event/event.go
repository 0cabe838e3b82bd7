// Package event dispatches repository events to synchronous listeners and schedules
// asynchronous listeners as work.
package event

import (
	"context"
	"strings"
	"time"

	"ecm/internal/model"
	"ecm/internal/security"
)

// Event names.
const (
	EmptyDocumentModelCreated  = "emptyDocumentModelCreated"
	AboutToCreate              = "aboutToCreate"
	DocumentCreated            = "documentCreated"
	BeforeDocumentModification = "beforeDocumentModification"
	DocumentModified           = "documentModified"
	AboutToRemove              = "aboutToRemove"
	DocumentRemoved            = "documentRemoved"
	AboutToMove                = "aboutToMove"
	DocumentMoved              = "documentMoved"
	AboutToCopy                = "aboutToCopy"
	DocumentCreatedByCopy      = "documentCreatedByCopy"
	AboutToCheckIn             = "aboutToCheckIn"
	DocumentCheckedIn          = "documentCheckedIn"
	AboutToCheckOut            = "aboutToCheckout"
	DocumentCheckedOut         = "documentCheckedOut"
	BeforeRestoringDocument    = "beforeRestoringDocument"
	DocumentRestored           = "documentRestored"
	DocumentLocked             = "documentLocked"
	DocumentUnlocked           = "documentUnlocked"
	DocumentSecurityUpdated    = "documentSecurityUpdated"
	LifeCycleTransition        = "lifecycle_transition_event"
	AddedToCollection          = "addedToCollection"
	RemovedFromCollection      = "removedFromCollection"
)

// Event categories.
const (
	CategoryDocument   = "eventDocumentCategory"
	CategoryCollection = "eventCollectionCategory"
)

// Well-known property keys.
const (
	PropTransition   = "transition"
	PropFrom         = "from"
	PropTo           = "to"
	PropDestination  = "destination"
	PropSource       = "source"
	PropCollection   = "collectionId"
	PropVersionID    = "versionId"
	PropVersionLabel = "versionLabel"
)

// Event describes something that happened, or is about to happen, to a document.
type Event struct {
	Name       string
	Doc        *model.Document
	Principal  security.Principal
	Repository string
	SessionID  string
	Category   string
	Comment    string
	Time       time.Time
	Properties map[string]any

	canceled bool
}

// New returns an event of the document category.
func New(name string, doc *model.Document, p security.Principal) *Event {
	ev := &Event{
		Name:       name,
		Doc:        doc,
		Principal:  p,
		Category:   CategoryDocument,
		Time:       time.Now(),
		Properties: map[string]any{},
	}
	if doc != nil {
		ev.Repository = doc.Repository
		ev.SessionID = doc.SessionID
	}
	return ev
}

// With sets a property and returns the event.
func (e *Event) With(key string, v any) *Event {
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	e.Properties[key] = v
	return e
}

// Cancel stops the dispatch to the remaining listeners of a pre-operation event
// and makes Fire fail.
func (e *Event) Cancel() {
	e.canceled = true
}

// IsCanceled reports whether a listener canceled the event.
func (e *Event) IsCanceled() bool {
	return e.canceled
}

// DocID returns the id of the event document, "" when none.
func (e *Event) DocID() string {
	if e.Doc == nil {
		return ""
	}
	return e.Doc.ID
}

// IsPreOperation reports whether the event is fired before the operation it announces,
// in which case a listener error aborts the operation.
func IsPreOperation(name string) bool {
	return strings.HasPrefix(name, "about") || strings.HasPrefix(name, "before") || name == EmptyDocumentModelCreated
}

// Listener handles events.
type Listener interface {
	HandleEvent(ctx context.Context, ev *Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev *Event) error

func (f ListenerFunc) HandleEvent(ctx context.Context, ev *Event) error {
	return f(ctx, ev)
}
