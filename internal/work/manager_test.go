package work

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jujuerrors "github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type funcWork struct {
	desc Descriptor
	run  func(ctx context.Context, wc *Context) error
}

func newFuncWork(id, category string, run func(ctx context.Context, wc *Context) error) *funcWork {
	return &funcWork{desc: Descriptor{ID: id, Category: category}, run: run}
}

func (w *funcWork) Descriptor() *Descriptor { return &w.desc }

func (w *funcWork) Run(ctx context.Context, wc *Context) error { return w.run(ctx, wc) }

func noop(context.Context, *Context) error { return nil }

func startManager(t *testing.T, q Queuing, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithPollInterval(20 * time.Millisecond)}, opts...)
	m := NewManager(q, nil, opts...)
	require.NoError(t, m.RegisterQueue(QueueDescriptor{ID: DefaultQueueID, MaxThreads: 2}))
	require.NoError(t, m.RegisterQueue(QueueDescriptor{ID: "slow", MaxThreads: 1, Categories: []string{"slow"}}))
	require.NoError(t, m.Start(context.Background()))
	return m
}

func shutdown(t *testing.T, m *Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}

func await(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.AwaitCompletion(ctx))
}

func TestManager_RunsWork(t *testing.T) {
	defer goleak.VerifyNone(t)
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	m := startManager(t, NewMemoryQueuing(), WithMetrics(metrics))
	defer shutdown(t, m)
	ctx := context.Background()

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		ok, err := m.Schedule(ctx, newFuncWork("", "misc", func(ctx context.Context, wc *Context) error {
			assert.NotEmpty(t, wc.Descriptor().ID)
			ran.Add(1)
			return nil
		}), Enqueue)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	failing := newFuncWork("bad", "misc", func(context.Context, *Context) error { return errors.New("boom") })
	_, err = m.Schedule(ctx, failing, Enqueue)
	require.NoError(t, err)
	panicking := newFuncWork("panic", "misc", func(context.Context, *Context) error { panic("oops") })
	_, err = m.Schedule(ctx, panicking, Enqueue)
	require.NoError(t, err)

	await(t, m)
	assert.Equal(t, int32(5), ran.Load())

	d, err := m.Find(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, d.State)
	assert.Equal(t, "boom", d.Error)
	assert.False(t, d.Completed.Before(d.Started))

	d, err = m.Find(ctx, "panic")
	require.NoError(t, err)
	assert.Contains(t, d.Error, "work panicked: oops")

	done, err := m.QueueSize(ctx, DefaultQueueID, StateCompleted)
	require.NoError(t, err)
	assert.Equal(t, 7, done)
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.completed.WithLabelValues(DefaultQueueID)))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.failed.WithLabelValues(DefaultQueueID)))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.running.WithLabelValues(DefaultQueueID)))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.scheduled.WithLabelValues(DefaultQueueID)))
}

func TestManager_QueueRouting(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := startManager(t, NewMemoryQueuing())
	defer shutdown(t, m)

	assert.Equal(t, "slow", m.QueueID("slow"))
	assert.Equal(t, DefaultQueueID, m.QueueID("anything"))
	assert.Equal(t, []string{DefaultQueueID, "slow"}, m.QueueIDs())

	_, err := m.QueueSize(context.Background(), "missing", StateScheduled)
	assert.True(t, jujuerrors.Is(err, jujuerrors.NotFound))
	assert.True(t, jujuerrors.Is(m.RegisterQueue(QueueDescriptor{ID: "late", MaxThreads: 1}), jujuerrors.NotValid))
}

func TestManager_RegisterQueueValidation(t *testing.T) {
	m := NewManager(NewMemoryQueuing(), nil)
	require.NoError(t, m.RegisterQueue(QueueDescriptor{ID: "a", MaxThreads: 1, Categories: []string{"x"}}))

	assert.True(t, jujuerrors.Is(m.RegisterQueue(QueueDescriptor{ID: "a", MaxThreads: 1}), jujuerrors.AlreadyExists))
	assert.True(t, jujuerrors.Is(m.RegisterQueue(QueueDescriptor{ID: "b", MaxThreads: 1, Categories: []string{"x"}}), jujuerrors.AlreadyExists))
	assert.True(t, jujuerrors.Is(m.RegisterQueue(QueueDescriptor{ID: "c", MaxThreads: 0}), jujuerrors.NotValid))
	assert.True(t, jujuerrors.Is(m.RegisterQueue(QueueDescriptor{ID: "d:e", MaxThreads: 1}), jujuerrors.NotValid))
}

// blocker holds the single slow thread until released.
func blocker(started chan<- struct{}, release <-chan struct{}) func(context.Context, *Context) error {
	return func(ctx context.Context, _ *Context) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TestManager_Scheduling(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := startManager(t, NewMemoryQueuing())
	defer shutdown(t, m)
	ctx := context.Background()

	started, release := make(chan struct{}), make(chan struct{})
	_, err := m.Schedule(ctx, newFuncWork("running", "slow", blocker(started, release)), Enqueue)
	require.NoError(t, err)
	<-started

	st, err := m.State(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st)

	var ranQueued atomic.Int32
	queued := func(context.Context, *Context) error { ranQueued.Add(1); return nil }
	ok, err := m.Schedule(ctx, newFuncWork("queued", "slow", queued), Enqueue)
	require.NoError(t, err)
	assert.True(t, ok)

	tests := []struct {
		name string
		id   string
		s    Scheduling
		want bool
	}{
		{"if not scheduled skips scheduled", "queued", IfNotScheduled, false},
		{"if not running or scheduled skips scheduled", "queued", IfNotRunningOrScheduled, false},
		{"if not running skips running", "running", IfNotRunning, false},
		{"if not running or scheduled skips running", "running", IfNotRunningOrScheduled, false},
		{"if not scheduled accepts unknown", "fresh", IfNotScheduled, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := m.Schedule(ctx, newFuncWork(tt.id, "slow", noop), tt.s)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	ok, err = m.Schedule(ctx, newFuncWork("queued", "slow", queued), CancelScheduled)
	require.NoError(t, err)
	assert.True(t, ok)
	ids, err := m.ListWorkIDs(ctx, "slow", StateScheduled)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh", "queued"}, ids)

	close(release)
	await(t, m)
	assert.Equal(t, int32(1), ranQueued.Load(), "canceled instance never runs")
}

func TestManager_SuspendResume(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := startManager(t, NewMemoryQueuing())
	defer shutdown(t, m)
	ctx := context.Background()

	_, err := m.Suspend(ctx, "slow")
	require.NoError(t, err)
	assert.False(t, m.IsProcessing("slow"))

	var ran atomic.Int32
	for _, id := range []string{"a", "b"} {
		_, err := m.Schedule(ctx, newFuncWork(id, "slow", func(context.Context, *Context) error {
			ran.Add(1)
			return nil
		}), Enqueue)
		require.NoError(t, err)
	}
	await(t, m)
	assert.Zero(t, ran.Load())

	n, err := m.Suspend(ctx, "slow")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = m.Resume(ctx, "slow")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	await(t, m)
	assert.Equal(t, int32(2), ran.Load())
}

func TestManager_ClearCompleted(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := startManager(t, NewMemoryQueuing())
	defer shutdown(t, m)
	ctx := context.Background()

	_, err := m.Schedule(ctx, newFuncWork("w", "misc", noop), Enqueue)
	require.NoError(t, err)
	await(t, m)

	require.NoError(t, m.ClearCompleted(ctx, DefaultQueueID, time.Now().Add(-time.Hour)))
	st, _ := m.State(ctx, "w")
	assert.Equal(t, StateCompleted, st, "completed after the limit")

	require.NoError(t, m.ClearCompleted(ctx, DefaultQueueID, time.Time{}))
	st, _ = m.State(ctx, "w")
	assert.Equal(t, StateUnknown, st)
	_, err = m.Find(ctx, "w")
	assert.True(t, jujuerrors.Is(err, jujuerrors.NotFound))
}

func TestManager_ShutdownSuspendsAndCancels(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := NewMemoryQueuing()
	m := startManager(t, q)
	ctx := context.Background()

	started := make(chan struct{})
	_, err := m.Schedule(ctx, newFuncWork("long", "slow", blocker(started, nil)), Enqueue)
	require.NoError(t, err)
	<-started
	_, err = m.Schedule(ctx, newFuncWork("waiting", "slow", noop), Enqueue)
	require.NoError(t, err)

	sctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = m.Shutdown(sctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	st, _ := q.State(ctx, "long")
	assert.Equal(t, StateCanceled, st)

	_, err = m.Schedule(ctx, newFuncWork("late", "misc", noop), Enqueue)
	assert.ErrorIs(t, err, ErrShutdown)
	require.NoError(t, m.Shutdown(ctx))

	// a new manager on the same queuing picks the suspended work up
	var ran sync.WaitGroup
	ran.Add(1)
	next := NewManager(q, nil, WithPollInterval(20*time.Millisecond))
	next.RegisterFactory("slow", func(d Descriptor) (Work, error) {
		return newFuncWork(d.ID, d.Category, func(context.Context, *Context) error {
			ran.Done()
			return nil
		}), nil
	})
	require.NoError(t, next.RegisterQueue(QueueDescriptor{ID: "slow", MaxThreads: 1, Categories: []string{"slow"}}))
	require.NoError(t, next.Start(ctx))
	defer shutdown(t, next)
	ran.Wait()
	await(t, next)
	st, _ = q.State(ctx, "waiting")
	assert.Equal(t, StateCompleted, st)
}

func TestManager_MissingFactory(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := NewMemoryQueuing()
	ctx := context.Background()
	require.NoError(t, q.Schedule(ctx, DefaultQueueID, &Descriptor{ID: "orphan", Category: "unknown"}))

	m := startManager(t, q)
	defer shutdown(t, m)
	await(t, m)

	d, err := m.Find(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, d.State)
	assert.Contains(t, d.Error, "work factory for category unknown not found")
}

func TestManager_ScheduleValidation(t *testing.T) {
	m := NewManager(NewMemoryQueuing(), nil)
	_, err := m.Schedule(context.Background(), newFuncWork("x", "", noop), Enqueue)
	assert.True(t, jujuerrors.Is(err, jujuerrors.NotValid))
}

func TestManager_ContextSchedulesFollowUp(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := startManager(t, NewMemoryQueuing())
	defer shutdown(t, m)
	ctx := context.Background()

	var followed atomic.Bool
	_, err := m.Schedule(ctx, newFuncWork("first", "misc", func(ctx context.Context, wc *Context) error {
		_, err := wc.Schedule(ctx, newFuncWork("second", "slow", func(context.Context, *Context) error {
			followed.Store(true)
			return nil
		}), Enqueue)
		return err
	}), Enqueue)
	require.NoError(t, err)
	assert.Eventually(t, followed.Load, 5*time.Second, 10*time.Millisecond)
	await(t, m)
}
