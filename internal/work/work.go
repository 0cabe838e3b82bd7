// Package work runs asynchronous work instances on named queues. Work state is kept by a
// Queuing backend (memory or Redis) so that scheduled work survives a restart when the
// backend is shared.
package work

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// State of a work instance.
type State int

const (
	StateUnknown State = iota
	StateScheduled
	StateRunning
	StateCompleted
	StateCanceled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "SCHEDULED"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateCanceled:
		return "CANCELED"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Done reports whether the work will not run anymore.
func (s State) Done() bool {
	return s == StateCompleted || s == StateCanceled || s == StateFailed
}

// Scheduling tells Schedule how to deal with an existing work of the same id.
type Scheduling int

const (
	// Enqueue always schedules.
	Enqueue Scheduling = iota
	// CancelScheduled cancels a scheduled work of the same id first.
	CancelScheduled
	// IfNotScheduled skips when a work of the same id is scheduled.
	IfNotScheduled
	// IfNotRunning skips when a work of the same id is running.
	IfNotRunning
	// IfNotRunningOrScheduled skips when a work of the same id is scheduled or running.
	IfNotRunningOrScheduled
)

// Descriptor is the persisted part of a work instance.
type Descriptor struct {
	ID         string            `json:"id"`
	Category   string            `json:"category"`
	Title      string            `json:"title,omitempty"`
	Repository string            `json:"repository,omitempty"`
	DocID      string            `json:"docId,omitempty"`
	Principal  string            `json:"principal,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	State      State             `json:"state"`
	Scheduled  time.Time         `json:"scheduled"`
	Started    time.Time         `json:"started,omitempty"`
	Completed  time.Time         `json:"completed,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// NewDescriptor returns a descriptor with a random id.
func NewDescriptor(category, title string) Descriptor {
	return Descriptor{ID: uuid.NewString(), Category: category, Title: title, Params: map[string]string{}}
}

// Param returns a parameter or "".
func (d *Descriptor) Param(name string) string {
	return d.Params[name]
}

// Work is a unit of asynchronous processing.
type Work interface {
	Descriptor() *Descriptor
	Run(ctx context.Context, wc *Context) error
}

// Factory rebuilds a work from its persisted descriptor.
type Factory func(d Descriptor) (Work, error)

// Context is handed to a running work.
type Context struct {
	Log     *zap.Logger
	manager *Manager
	desc    *Descriptor
}

// Descriptor returns the descriptor of the running work.
func (c *Context) Descriptor() *Descriptor {
	return c.desc
}

// Schedule schedules follow-up work on the manager running this one.
func (c *Context) Schedule(ctx context.Context, w Work, s Scheduling) (bool, error) {
	return c.manager.Schedule(ctx, w, s)
}

// QueueDescriptor configures a queue: the categories it serves and its parallelism.
type QueueDescriptor struct {
	ID         string   `json:"id" yaml:"id"`
	Name       string   `json:"name,omitempty" yaml:"name"`
	MaxThreads int      `json:"maxThreads" yaml:"maxThreads"`
	Categories []string `json:"categories,omitempty" yaml:"categories"`
}

// DefaultQueueID is the queue serving categories no other queue claims.
const DefaultQueueID = "default"

// DefaultQueues returns the queues of a standard repository.
func DefaultQueues(threads int) []QueueDescriptor {
	if threads <= 0 {
		threads = 4
	}
	return []QueueDescriptor{
		{ID: DefaultQueueID, Name: "Default queue", MaxThreads: threads},
		{ID: "fulltextUpdater", Name: "Fulltext updater", MaxThreads: 1, Categories: []string{CategoryFulltextExtractor}},
		{ID: "pictureViewsGeneration", Name: "Picture views generation", MaxThreads: 1, Categories: []string{CategoryPictureViews}},
	}
}

func (q QueueDescriptor) validate() error {
	if q.ID == "" || strings.ContainsAny(q.ID, ": ") {
		return errors.NotValidf("queue id %q", q.ID)
	}
	if q.MaxThreads <= 0 {
		return errors.NotValidf("queue %s max threads %d", q.ID, q.MaxThreads)
	}
	return nil
}
