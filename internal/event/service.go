package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"ecm/internal/logging"
	"ecm/internal/model"
	"ecm/internal/security"
	"ecm/internal/work"
)

// ErrCanceled is returned by Fire when a listener canceled a pre-operation event.
const ErrCanceled = errors.ConstError("event canceled")

// CategoryListenerWork is the work category of asynchronous listener calls.
const CategoryListenerWork = "eventListener"

// Scheduler queues asynchronous listener work; *work.Manager implements it.
type Scheduler interface {
	Schedule(ctx context.Context, w work.Work, s work.Scheduling) (bool, error)
}

type registration struct {
	name     string
	listener Listener
	events   map[string]bool
	async    bool
}

func (r *registration) accepts(name string) bool {
	return len(r.events) == 0 || r.events[name]
}

// Service dispatches events. Listeners are called in registration order.
type Service struct {
	log *zap.Logger

	mu        sync.RWMutex
	listeners []*registration
	scheduler Scheduler
}

// NewService returns a service without listeners. Asynchronous listeners run inline until
// a scheduler is set.
func NewService(log *zap.Logger) *Service {
	if log == nil {
		log = logging.Nop()
	}
	return &Service{log: log.With(logging.Component("event"))}
}

// SetScheduler makes asynchronous listeners run as work.
func (s *Service) SetScheduler(sch Scheduler) {
	s.mu.Lock()
	s.scheduler = sch
	s.mu.Unlock()
}

func (s *Service) add(name string, l Listener, async bool, events []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.listeners {
		if r.name == name {
			return errors.AlreadyExistsf("event listener %s", name)
		}
	}
	r := &registration{name: name, listener: l, events: map[string]bool{}, async: async}
	for _, e := range events {
		r.events[e] = true
	}
	s.listeners = append(s.listeners, r)
	return nil
}

// AddListener registers a synchronous listener for events, all events when none is given.
func (s *Service) AddListener(name string, l Listener, events ...string) error {
	return s.add(name, l, false, events)
}

// AddAsyncListener registers a listener called outside of the operation, as work.
func (s *Service) AddAsyncListener(name string, l Listener, events ...string) error {
	return s.add(name, l, true, events)
}

// RemoveListener unregisters a listener.
func (s *Service) RemoveListener(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.listeners {
		if r.name == name {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// ListenerNames returns the registered listeners in call order.
func (s *Service) ListenerNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.listeners))
	for i, r := range s.listeners {
		names[i] = r.name
	}
	return names
}

func (s *Service) listener(name string) *registration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.listeners {
		if r.name == name {
			return r
		}
	}
	return nil
}

// Fire calls the synchronous listeners then schedules the asynchronous ones. For a
// pre-operation event the first listener error, or a cancellation, stops the dispatch
// and is returned so the operation aborts. Errors of other events are logged.
func (s *Service) Fire(ctx context.Context, ev *Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.mu.RLock()
	regs := append([]*registration(nil), s.listeners...)
	sch := s.scheduler
	s.mu.RUnlock()

	pre := IsPreOperation(ev.Name)
	var async []*registration
	for _, r := range regs {
		if !r.accepts(ev.Name) {
			continue
		}
		if r.async {
			async = append(async, r)
			continue
		}
		err := r.listener.HandleEvent(ctx, ev)
		if pre && ev.IsCanceled() {
			return errors.Annotatef(ErrCanceled, "%s by listener %s", ev.Name, r.name)
		}
		if err == nil {
			continue
		}
		if pre {
			return errors.Annotatef(err, "listener %s on %s", r.name, ev.Name)
		}
		s.log.Error("event listener failed",
			logging.Event(ev.Name),
			zap.String("listener", r.name),
			zap.String("doc_id", ev.DocID()),
			logging.ErrorMessage(err),
		)
	}

	for _, r := range async {
		w := newListenerWork(s, r.name, ev)
		if sch == nil {
			w.call(ctx)
			continue
		}
		if _, err := sch.Schedule(ctx, w, work.Enqueue); err != nil {
			s.log.Error("scheduling async listener failed", logging.Event(ev.Name), zap.String("listener", r.name), logging.ErrorMessage(err))
		}
	}
	return nil
}

// RegisterWorkFactory lets m rebuild listener work scheduled before a restart.
func (s *Service) RegisterWorkFactory(m *work.Manager) {
	m.RegisterFactory(CategoryListenerWork, func(d work.Descriptor) (work.Work, error) {
		return &listenerWork{desc: d, service: s}, nil
	})
}

// listenerWork calls one asynchronous listener. The event travels in the descriptor params;
// its document is a snapshot when the work runs in the process that fired it and a bare
// reference (id and repository) after a rebuild.
type listenerWork struct {
	desc    work.Descriptor
	ev      *Event
	service *Service
}

func newListenerWork(s *Service, listener string, ev *Event) *listenerWork {
	d := work.NewDescriptor(CategoryListenerWork, "Listener "+listener+" on "+ev.Name)
	d.Repository = ev.Repository
	d.DocID = ev.DocID()
	d.Principal = ev.Principal.Name
	d.Params["listener"] = listener
	d.Params["event"] = ev.Name
	d.Params["category"] = ev.Category
	d.Params["comment"] = ev.Comment
	d.Params["session"] = ev.SessionID
	d.Params["time"] = ev.Time.UTC().Format(time.RFC3339Nano)
	for k, v := range ev.Properties {
		switch v.(type) {
		case string, bool, int, int64, float64:
			d.Params["p."+k] = fmt.Sprint(v)
		}
	}
	snapshot := *ev
	if ev.Doc != nil {
		snapshot.Doc = ev.Doc.Clone()
	}
	return &listenerWork{desc: d, ev: &snapshot, service: s}
}

func (w *listenerWork) Descriptor() *work.Descriptor { return &w.desc }

func (w *listenerWork) event() *Event {
	if w.ev != nil {
		return w.ev
	}
	d := w.desc
	ev := &Event{
		Name:       d.Param("event"),
		Principal:  security.Principal{Name: d.Principal},
		Repository: d.Repository,
		SessionID:  d.Param("session"),
		Category:   d.Param("category"),
		Comment:    d.Param("comment"),
		Properties: map[string]any{},
	}
	ev.Time, _ = time.Parse(time.RFC3339Nano, d.Param("time"))
	if d.DocID != "" {
		ev.Doc = &model.Document{ID: d.DocID, Repository: d.Repository}
	}
	for k, v := range d.Params {
		if len(k) > 2 && k[:2] == "p." {
			ev.Properties[k[2:]] = v
		}
	}
	return ev
}

func (w *listenerWork) Run(ctx context.Context, wc *work.Context) error {
	s := w.service
	if s == nil {
		return errors.NotValidf("listener work without event service")
	}
	r := s.listener(w.desc.Param("listener"))
	if r == nil {
		return errors.NotFoundf("event listener %s", w.desc.Param("listener"))
	}
	return r.listener.HandleEvent(ctx, w.event())
}

func (w *listenerWork) call(ctx context.Context) {
	if err := w.Run(ctx, nil); err != nil {
		w.service.log.Error("async event listener failed", logging.Event(w.desc.Param("event")), zap.String("listener", w.desc.Param("listener")), logging.ErrorMessage(err))
	}
}
