package work

import (
	"context"
	"testing"
	"time"

	mr "github.com/alicebob/miniredis/v2"
	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisQueuing(t *testing.T) (*mr.Miniredis, *RedisQueuing) {
	m, err := mr.Run()
	require.NoError(t, err)
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { client.Close() })
	return m, NewRedisQueuing(client, "ecm:")
}

func TestRedisQueuing_Lifecycle(t *testing.T) {
	m, q := newRedisQueuing(t)
	ctx := context.Background()

	for _, id := range []string{"w1", "w2"} {
		require.NoError(t, q.Schedule(ctx, "default", &Descriptor{ID: id, Category: "misc", Params: map[string]string{"k": id}}))
	}
	assert.Equal(t, "Q", m.HGet("ecm:work:state", "w1"))
	ids, err := q.ListWorkIDs(ctx, "default", StateScheduled)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1", "w2"}, ids)

	d, err := q.Next(ctx, "default")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "w1", d.ID)
	assert.Equal(t, "w1", d.Param("k"))
	assert.Equal(t, StateRunning, d.State)
	assert.Equal(t, "R", m.HGet("ecm:work:state", "w1"))
	ok, _ := m.SIsMember("ecm:work:run:default", "w1")
	assert.True(t, ok)

	d.State = StateCompleted
	d.Completed = time.UnixMilli(1700000000000)
	require.NoError(t, q.SetCompleted(ctx, "default", d))
	assert.Equal(t, "C1700000000000", m.HGet("ecm:work:state", "w1"))
	n, err := q.QueueSize(ctx, "default", StateCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, _ = q.QueueSize(ctx, "default", StateRunning)
	assert.Zero(t, n)

	canceled, err := q.RemoveScheduled(ctx, "default", "w2")
	require.NoError(t, err)
	require.NotNil(t, canceled)
	assert.Equal(t, "X", m.HGet("ecm:work:state", "w2"))
	st, err := q.State(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, st)

	again, err := q.RemoveScheduled(ctx, "default", "w2")
	require.NoError(t, err)
	assert.Nil(t, again)

	d, err = q.Next(ctx, "default")
	require.NoError(t, err)
	assert.Nil(t, d)

	found, err := q.Find(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, found.State)
	_, err = q.Find(ctx, "nope")
	assert.True(t, errors.Is(err, errors.NotFound))
	st, _ = q.State(ctx, "nope")
	assert.Equal(t, StateUnknown, st)

	require.NoError(t, q.ClearCompleted(ctx, "default", time.UnixMilli(1600000000000)))
	st, _ = q.State(ctx, "w1")
	assert.Equal(t, StateCompleted, st, "completed after the limit")
	require.NoError(t, q.ClearCompleted(ctx, "default", time.Time{}))
	st, _ = q.State(ctx, "w1")
	assert.Equal(t, StateUnknown, st)
	assert.False(t, m.Exists("ecm:work:done:default"))

	_, err = q.ListWorkIDs(ctx, "default", StateFailed)
	assert.True(t, errors.Is(err, errors.NotSupported))
	assert.True(t, errors.Is(q.SetCompleted(ctx, "default", &Descriptor{ID: "x", State: StateRunning}), errors.NotValid))
}

func TestRedisQueuing_FailedState(t *testing.T) {
	m, q := newRedisQueuing(t)
	ctx := context.Background()
	require.NoError(t, q.Schedule(ctx, "default", &Descriptor{ID: "f", Category: "misc"}))
	d, err := q.Next(ctx, "default")
	require.NoError(t, err)
	d.State, d.Error, d.Completed = StateFailed, "boom", time.Now()
	require.NoError(t, q.SetCompleted(ctx, "default", d))
	assert.Equal(t, "F", m.HGet("ecm:work:state", "f"))

	found, err := q.Find(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, "boom", found.Error)

	require.NoError(t, q.ClearCompleted(ctx, "default", time.Now().Add(time.Hour)))
	st, _ := q.State(ctx, "f")
	assert.Equal(t, StateUnknown, st)
}

func TestRedisQueuing_SuspendAndInit(t *testing.T) {
	m, q := newRedisQueuing(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Schedule(ctx, "default", &Descriptor{ID: id, Category: "misc"}))
	}

	n, err := q.Suspend(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, m.Exists("ecm:work:queue:default"))
	assert.True(t, m.Exists("ecm:work:prev:default"))

	n, err = q.Init(ctx, []string{"default", "other"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	ids, err := q.ListWorkIDs(ctx, "default", StateScheduled)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids, "order is kept")
}

func TestRedisQueuing_WithManager(t *testing.T) {
	_, q := newRedisQueuing(t)
	ctx := context.Background()
	m := NewManager(q, nil, WithPollInterval(20*time.Millisecond))
	require.NoError(t, m.Start(ctx))
	defer shutdown(t, m)

	done := make(chan string, 1)
	_, err := m.Schedule(ctx, newFuncWork("r1", "misc", func(_ context.Context, wc *Context) error {
		done <- wc.Descriptor().ID
		return nil
	}), Enqueue)
	require.NoError(t, err)
	assert.Equal(t, "r1", <-done)
	await(t, m)

	st, err := m.State(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st)
}
