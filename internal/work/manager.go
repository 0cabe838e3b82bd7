package work

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ecm/internal/logging"
)

var tracer = otel.Tracer("ecm/internal/work")

// ErrShutdown is returned when scheduling on a manager that was shut down.
const ErrShutdown = errors.ConstError("work manager is shut down")

type queue struct {
	desc       QueueDescriptor
	wake       chan struct{}
	processing atomic.Bool
}

// Manager dispatches scheduled work to the goroutines of its queues.
type Manager struct {
	queuing Queuing
	log     *zap.Logger
	clock   clock.Clock
	metrics *Metrics
	poll    time.Duration

	mu         sync.Mutex
	factories  map[string]Factory
	queues     map[string]*queue
	byCategory map[string]string
	pending    map[string]Work
	running    map[string]context.CancelFunc
	started    bool
	stopping   bool

	active     atomic.Int64
	stop       chan struct{}
	workCtx    context.Context
	cancelWork context.CancelFunc
	group      *errgroup.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used to timestamp work.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

// WithMetrics exports queue activity.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithPollInterval sets how often idle workers look for work scheduled by other nodes.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.poll = d }
}

// NewManager returns a stopped manager on q.
func NewManager(q Queuing, log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	m := &Manager{
		queuing:    q,
		log:        log.With(logging.Component("work")),
		clock:      clock.WallClock,
		poll:       time.Second,
		factories:  map[string]Factory{},
		queues:     map[string]*queue{},
		byCategory: map[string]string{},
		pending:    map[string]Work{},
		running:    map[string]context.CancelFunc{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterQueue adds a queue. Queues must be registered before Start.
func (m *Manager) RegisterQueue(d QueueDescriptor) error {
	if err := d.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.NotValidf("registering queue %s on a started manager", d.ID)
	}
	if _, ok := m.queues[d.ID]; ok {
		return errors.AlreadyExistsf("queue %s", d.ID)
	}
	for _, c := range d.Categories {
		if other, ok := m.byCategory[c]; ok {
			return errors.AlreadyExistsf("category %s in queue %s", c, other)
		}
	}
	q := &queue{desc: d, wake: make(chan struct{}, d.MaxThreads)}
	q.processing.Store(true)
	m.queues[d.ID] = q
	for _, c := range d.Categories {
		m.byCategory[c] = d.ID
	}
	return nil
}

// RegisterFactory sets how work of category is rebuilt from its descriptor.
func (m *Manager) RegisterFactory(category string, f Factory) {
	m.mu.Lock()
	m.factories[category] = f
	m.mu.Unlock()
}

// QueueID returns the queue serving category.
func (m *Manager) QueueID(category string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueIDLocked(category)
}

func (m *Manager) queueIDLocked(category string) string {
	if id, ok := m.byCategory[category]; ok {
		return id
	}
	return DefaultQueueID
}

// QueueIDs returns the registered queues, sorted.
func (m *Manager) QueueIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.queues))
	for id := range m.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) queue(id string) (*queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[id]
	if !ok {
		return nil, errors.NotFoundf("work queue %s", id)
	}
	return q, nil
}

// Start reschedules suspended work and launches the queue workers.
func (m *Manager) Start(ctx context.Context) error {
	if _, err := m.queue(DefaultQueueID); err != nil {
		if err := m.RegisterQueue(QueueDescriptor{ID: DefaultQueueID, MaxThreads: 4}); err != nil {
			return err
		}
	}
	ids := m.QueueIDs()

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.NotValidf("starting a started work manager")
	}
	m.started = true
	m.mu.Unlock()

	n, err := m.queuing.Init(ctx, ids)
	if err != nil {
		return errors.Annotate(err, "initializing work queuing")
	}
	if n > 0 {
		m.log.Info("rescheduled suspended work", logging.Event("work_reschedule"), zap.Int("count", n))
	}
	for _, id := range ids {
		size, err := m.queuing.QueueSize(ctx, id, StateScheduled)
		if err == nil {
			m.metrics.addScheduled(id, size)
		}
	}

	m.stop = make(chan struct{})
	m.workCtx, m.cancelWork = context.WithCancel(context.WithoutCancel(ctx))
	m.group = new(errgroup.Group)
	for _, id := range ids {
		q, _ := m.queue(id)
		for i := 0; i < q.desc.MaxThreads; i++ {
			m.group.Go(func() error {
				m.worker(q)
				return nil
			})
		}
	}
	m.log.Info("work manager started", logging.Event("work_manager_start"), zap.Strings("queues", ids))
	return nil
}

func (m *Manager) stopped() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

func (m *Manager) wait(q *queue) {
	timer := time.NewTimer(m.poll)
	defer timer.Stop()
	select {
	case <-m.stop:
	case <-q.wake:
	case <-timer.C:
	}
}

func (m *Manager) worker(q *queue) {
	for !m.stopped() {
		if !q.processing.Load() {
			m.wait(q)
			continue
		}
		m.active.Add(1)
		d, err := m.queuing.Next(m.workCtx, q.desc.ID)
		if err != nil || d == nil {
			m.active.Add(-1)
			if err != nil {
				m.log.Error("polling work queue failed", logging.Event("work_poll"), zap.String("queue", q.desc.ID), logging.ErrorMessage(err))
			}
			m.wait(q)
			continue
		}
		m.run(q, d)
		m.active.Add(-1)
	}
}

func (m *Manager) take(d *Descriptor) (Work, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.pending[d.ID]; ok {
		delete(m.pending, d.ID)
		return w, nil
	}
	f, ok := m.factories[d.Category]
	if !ok {
		return nil, errors.NotFoundf("work factory for category %s", d.Category)
	}
	return f(*d)
}

func safeRun(ctx context.Context, w Work, wc *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("work panicked: %v", r)
		}
	}()
	return w.Run(ctx, wc)
}

func (m *Manager) run(q *queue, d *Descriptor) {
	qid := q.desc.ID
	log := m.log.With(zap.String("work_id", d.ID), zap.String("category", d.Category), zap.String("queue", qid))
	ctx, cancel := context.WithCancel(m.workCtx)
	m.mu.Lock()
	m.running[d.ID] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.running, d.ID)
		m.mu.Unlock()
	}()

	ctx, span := tracer.Start(ctx, "work "+d.Category,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("ecm.work.id", d.ID),
			attribute.String("ecm.work.queue", qid),
		),
	)
	defer span.End()

	start := time.Now()
	d.Started = m.clock.Now()
	m.metrics.started(qid)
	log.Debug("work started", logging.Event("work_start"))

	w, err := m.take(d)
	if err == nil {
		err = safeRun(ctx, w, &Context{Log: log, manager: m, desc: d})
	}
	d.Completed = m.clock.Now()
	switch {
	case err == nil:
		d.State = StateCompleted
		log.Debug("work completed", logging.Event("work_completed"), logging.Status("success"), logging.Duration(start))
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		d.State = StateCanceled
		log.Info("work canceled", logging.Event("work_canceled"), logging.Duration(start))
	default:
		d.State = StateFailed
		d.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, d.Error)
		log.Error("work failed", logging.Event("work_failed"), logging.Status("failed"), logging.Duration(start), logging.ErrorMessage(err))
	}
	m.metrics.finished(qid, d.State)

	bg, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := m.queuing.SetCompleted(bg, qid, d); err != nil {
		log.Error("recording work completion failed", logging.Event("work_completed"), logging.ErrorMessage(err))
	}
}

// Schedule queues w according to s. It returns false when s decided not to schedule.
func (m *Manager) Schedule(ctx context.Context, w Work, s Scheduling) (bool, error) {
	d := w.Descriptor()
	if d.Category == "" {
		return false, errors.NotValidf("work without category")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return false, ErrShutdown
	}
	qid := m.queueIDLocked(d.Category)
	q := m.queues[qid]
	m.mu.Unlock()

	switch s {
	case CancelScheduled:
		removed, err := m.queuing.RemoveScheduled(ctx, qid, d.ID)
		if err != nil {
			return false, err
		}
		if removed != nil {
			m.metrics.addScheduled(qid, -1)
			m.mu.Lock()
			delete(m.pending, d.ID)
			m.mu.Unlock()
		}
	case IfNotScheduled, IfNotRunning, IfNotRunningOrScheduled:
		st, err := m.queuing.State(ctx, d.ID)
		if err != nil {
			return false, err
		}
		if (st == StateScheduled && s != IfNotRunning) || (st == StateRunning && s != IfNotScheduled) {
			return false, nil
		}
	}

	d.State = StateScheduled
	d.Scheduled = m.clock.Now()
	d.Started, d.Completed, d.Error = time.Time{}, time.Time{}, ""
	m.mu.Lock()
	m.pending[d.ID] = w
	m.mu.Unlock()
	if err := m.queuing.Schedule(ctx, qid, d); err != nil {
		m.mu.Lock()
		delete(m.pending, d.ID)
		m.mu.Unlock()
		return false, err
	}
	m.metrics.addScheduled(qid, 1)
	if q != nil {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return true, nil
}

// Find returns the descriptor of a known work.
func (m *Manager) Find(ctx context.Context, workID string) (*Descriptor, error) {
	return m.queuing.Find(ctx, workID)
}

// State returns the state of a work, StateUnknown when never scheduled or cleared.
func (m *Manager) State(ctx context.Context, workID string) (State, error) {
	return m.queuing.State(ctx, workID)
}

// ListWorkIDs returns the ids of the queue's work in state.
func (m *Manager) ListWorkIDs(ctx context.Context, queueID string, state State) ([]string, error) {
	if _, err := m.queue(queueID); err != nil {
		return nil, err
	}
	return m.queuing.ListWorkIDs(ctx, queueID, state)
}

// QueueSize returns the number of the queue's work in state.
func (m *Manager) QueueSize(ctx context.Context, queueID string, state State) (int, error) {
	if _, err := m.queue(queueID); err != nil {
		return 0, err
	}
	return m.queuing.QueueSize(ctx, queueID, state)
}

// Suspend stops processing the queue and sets its scheduled work aside. Running work completes.
func (m *Manager) Suspend(ctx context.Context, queueID string) (int, error) {
	q, err := m.queue(queueID)
	if err != nil {
		return 0, err
	}
	q.processing.Store(false)
	n, err := m.queuing.Suspend(ctx, queueID)
	m.metrics.addScheduled(queueID, -n)
	m.log.Info("work queue suspended", logging.Event("work_queue_suspend"), zap.String("queue", queueID), zap.Int("count", n))
	return n, err
}

// Resume reschedules the suspended work of the queue and processes it again.
func (m *Manager) Resume(ctx context.Context, queueID string) (int, error) {
	q, err := m.queue(queueID)
	if err != nil {
		return 0, err
	}
	n, err := m.queuing.Resume(ctx, queueID)
	m.metrics.addScheduled(queueID, n)
	q.processing.Store(true)
	for i := 0; i < q.desc.MaxThreads; i++ {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return n, err
}

// IsProcessing reports whether the queue runs its work.
func (m *Manager) IsProcessing(queueID string) bool {
	q, err := m.queue(queueID)
	return err == nil && q.processing.Load()
}

// ClearCompleted forgets the queue's done work completed before the given time, all of it for a zero time.
func (m *Manager) ClearCompleted(ctx context.Context, queueID string, before time.Time) error {
	if _, err := m.queue(queueID); err != nil {
		return err
	}
	return m.queuing.ClearCompleted(ctx, queueID, before)
}

func (m *Manager) idle(ctx context.Context) (bool, error) {
	if m.active.Load() > 0 {
		return false, nil
	}
	for _, id := range m.QueueIDs() {
		running, err := m.queuing.QueueSize(ctx, id, StateRunning)
		if err != nil || running > 0 {
			return false, err
		}
		if !m.IsProcessing(id) {
			continue
		}
		scheduled, err := m.queuing.QueueSize(ctx, id, StateScheduled)
		if err != nil || scheduled > 0 {
			return false, err
		}
	}
	return true, nil
}

// AwaitCompletion blocks until no processing queue holds scheduled or running work.
func (m *Manager) AwaitCompletion(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		idle, err := m.idle(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Annotate(ctx.Err(), "awaiting work completion")
		case <-ticker.C:
		}
	}
}

// Shutdown stops the workers and suspends scheduled work so a later Start reschedules it.
// Running work gets until ctx is done to complete, then its context is canceled.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopping {
		m.stopping = true
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	close(m.stop)
	m.mu.Unlock()
	defer m.cancelWork()

	for _, id := range m.QueueIDs() {
		n, err := m.queuing.Suspend(ctx, id)
		if err != nil {
			m.log.Error("suspending work queue failed", logging.Event("work_shutdown"), zap.String("queue", id), logging.ErrorMessage(err))
			continue
		}
		m.metrics.addScheduled(id, -n)
	}

	done := make(chan struct{})
	go func() {
		_ = m.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info("work manager stopped", logging.Event("work_shutdown"), logging.Status("success"))
		return nil
	case <-ctx.Done():
		m.cancelWork()
		<-done
		m.log.Warn("work manager stopped with canceled work", logging.Event("work_shutdown"), logging.Status("timeout"))
		return errors.Annotate(ctx.Err(), "shutting down work manager")
	}
}
