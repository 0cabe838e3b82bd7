package work

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
)

// Queuing keeps the scheduled, running and completed work of every queue.
type Queuing interface {
	// Init moves work suspended by a previous shutdown back to the scheduled lists.
	Init(ctx context.Context, queueIDs []string) (int, error)
	// Schedule appends d to the queue and marks it scheduled.
	Schedule(ctx context.Context, queueID string, d *Descriptor) error
	// Next takes the oldest scheduled work and marks it running. It returns nil when the queue is empty.
	Next(ctx context.Context, queueID string) (*Descriptor, error)
	// SetCompleted records the final state of d, which must be a done state.
	SetCompleted(ctx context.Context, queueID string, d *Descriptor) error
	// RemoveScheduled cancels a scheduled work. It returns nil when the work was not scheduled.
	RemoveScheduled(ctx context.Context, queueID, workID string) (*Descriptor, error)
	// Find returns the stored descriptor, NotFound when unknown.
	Find(ctx context.Context, workID string) (*Descriptor, error)
	// State returns StateUnknown for unknown work.
	State(ctx context.Context, workID string) (State, error)
	ListWorkIDs(ctx context.Context, queueID string, state State) ([]string, error)
	QueueSize(ctx context.Context, queueID string, state State) (int, error)
	// Suspend moves the scheduled work aside until Resume or the next Init.
	Suspend(ctx context.Context, queueID string) (int, error)
	Resume(ctx context.Context, queueID string) (int, error)
	// ClearCompleted forgets done work completed before the given time, or all of it for a zero time.
	ClearCompleted(ctx context.Context, queueID string, before time.Time) error
}

func checkListable(state State) error {
	switch state {
	case StateScheduled, StateRunning, StateCompleted:
		return nil
	}
	return errors.NotSupportedf("listing work in state %s", state)
}

type memQueue struct {
	scheduled []string
	suspended []string
	running   map[string]bool
	done      map[string]bool
}

// MemoryQueuing keeps work state in process memory.
type MemoryQueuing struct {
	mu     sync.Mutex
	data   map[string]*Descriptor
	queues map[string]*memQueue
}

var _ Queuing = (*MemoryQueuing)(nil)

// NewMemoryQueuing returns an empty in-process queuing.
func NewMemoryQueuing() *MemoryQueuing {
	return &MemoryQueuing{data: map[string]*Descriptor{}, queues: map[string]*memQueue{}}
}

func (m *MemoryQueuing) queue(id string) *memQueue {
	q, ok := m.queues[id]
	if !ok {
		q = &memQueue{running: map[string]bool{}, done: map[string]bool{}}
		m.queues[id] = q
	}
	return q
}

func copyDescriptor(d *Descriptor) *Descriptor {
	c := *d
	if d.Params != nil {
		c.Params = make(map[string]string, len(d.Params))
		for k, v := range d.Params {
			c.Params[k] = v
		}
	}
	return &c
}

func (m *MemoryQueuing) Init(_ context.Context, queueIDs []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range queueIDs {
		q := m.queue(id)
		n += len(q.suspended)
		q.scheduled = append(q.scheduled, q.suspended...)
		q.suspended = nil
	}
	return n, nil
}

func (m *MemoryQueuing) Schedule(_ context.Context, queueID string, d *Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := copyDescriptor(d)
	c.State = StateScheduled
	m.data[d.ID] = c
	q := m.queue(queueID)
	delete(q.done, d.ID)
	q.scheduled = append(q.scheduled, d.ID)
	return nil
}

func (m *MemoryQueuing) Next(_ context.Context, queueID string) (*Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(queueID)
	for len(q.scheduled) > 0 {
		id := q.scheduled[0]
		q.scheduled = q.scheduled[1:]
		d, ok := m.data[id]
		if !ok {
			continue
		}
		d.State = StateRunning
		q.running[id] = true
		return copyDescriptor(d), nil
	}
	return nil, nil
}

func (m *MemoryQueuing) SetCompleted(_ context.Context, queueID string, d *Descriptor) error {
	if !d.State.Done() {
		return errors.NotValidf("completion state %s", d.State)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(queueID)
	delete(q.running, d.ID)
	q.done[d.ID] = true
	m.data[d.ID] = copyDescriptor(d)
	return nil
}

func (m *MemoryQueuing) RemoveScheduled(_ context.Context, queueID, workID string) (*Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(queueID)
	for i, id := range q.scheduled {
		if id != workID {
			continue
		}
		q.scheduled = append(q.scheduled[:i], q.scheduled[i+1:]...)
		d := m.data[id]
		d.State = StateCanceled
		d.Completed = time.Now()
		q.done[id] = true
		return copyDescriptor(d), nil
	}
	return nil, nil
}

func (m *MemoryQueuing) Find(_ context.Context, workID string) (*Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[workID]
	if !ok {
		return nil, errors.NotFoundf("work %s", workID)
	}
	return copyDescriptor(d), nil
}

func (m *MemoryQueuing) State(_ context.Context, workID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.data[workID]; ok {
		return d.State, nil
	}
	return StateUnknown, nil
}

func (m *MemoryQueuing) ids(q *memQueue, state State) []string {
	var ids []string
	switch state {
	case StateScheduled:
		ids = append(ids, q.scheduled...)
	case StateRunning:
		for id := range q.running {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	case StateCompleted:
		for id := range q.done {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}
	return ids
}

func (m *MemoryQueuing) ListWorkIDs(_ context.Context, queueID string, state State) ([]string, error) {
	if err := checkListable(state); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids(m.queue(queueID), state), nil
}

func (m *MemoryQueuing) QueueSize(_ context.Context, queueID string, state State) (int, error) {
	if err := checkListable(state); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(queueID)
	switch state {
	case StateScheduled:
		return len(q.scheduled), nil
	case StateRunning:
		return len(q.running), nil
	default:
		return len(q.done), nil
	}
}

func (m *MemoryQueuing) Suspend(_ context.Context, queueID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(queueID)
	n := len(q.scheduled)
	q.suspended = append(q.suspended, q.scheduled...)
	q.scheduled = nil
	return n, nil
}

func (m *MemoryQueuing) Resume(_ context.Context, queueID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(queueID)
	n := len(q.suspended)
	q.scheduled = append(q.scheduled, q.suspended...)
	q.suspended = nil
	return n, nil
}

func (m *MemoryQueuing) ClearCompleted(_ context.Context, queueID string, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(queueID)
	for id := range q.done {
		d := m.data[id]
		if !before.IsZero() && d != nil && !d.Completed.Before(before) {
			continue
		}
		delete(q.done, id)
		delete(m.data, id)
	}
	return nil
}
