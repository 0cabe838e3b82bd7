package work

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
)

// Redis state codes. A completed state is followed by the completion time in millis.
const (
	stateScheduled = "Q"
	stateRunning   = "R"
	stateCanceled  = "X"
	stateCompleted = "C"
	stateFailed    = "F"
)

// RedisQueuing keeps work state in Redis, under "<namespace>work:":
//
//	data          hash  work id -> JSON descriptor
//	state         hash  work id -> Q, R, X, C<millis> or F
//	queue:<queue> list  scheduled work ids, oldest at the tail
//	prev:<queue>  list  work ids suspended by a shutdown
//	run:<queue>   set   running work ids
//	done:<queue>  set   completed, canceled and failed work ids
type RedisQueuing struct {
	client *redis.Client
	prefix string
}

var _ Queuing = (*RedisQueuing)(nil)

// NewRedisQueuing returns a queuing storing its keys under namespace + "work:".
func NewRedisQueuing(client *redis.Client, namespace string) *RedisQueuing {
	return &RedisQueuing{client: client, prefix: namespace + "work:"}
}

func (r *RedisQueuing) dataKey() string              { return r.prefix + "data" }
func (r *RedisQueuing) stateKey() string             { return r.prefix + "state" }
func (r *RedisQueuing) scheduledKey(q string) string { return r.prefix + "queue:" + q }
func (r *RedisQueuing) suspendedKey(q string) string { return r.prefix + "prev:" + q }
func (r *RedisQueuing) runningKey(q string) string   { return r.prefix + "run:" + q }
func (r *RedisQueuing) completedKey(q string) string { return r.prefix + "done:" + q }

func stateCode(d *Descriptor) string {
	switch d.State {
	case StateScheduled:
		return stateScheduled
	case StateRunning:
		return stateRunning
	case StateCanceled:
		return stateCanceled
	case StateFailed:
		return stateFailed
	}
	return stateCompleted + strconv.FormatInt(d.Completed.UnixMilli(), 10)
}

func parseState(code string) State {
	if code == "" {
		return StateUnknown
	}
	switch code[:1] {
	case stateScheduled:
		return StateScheduled
	case stateRunning:
		return StateRunning
	case stateCanceled:
		return StateCanceled
	case stateCompleted:
		return StateCompleted
	case stateFailed:
		return StateFailed
	}
	return StateUnknown
}

func (r *RedisQueuing) load(ctx context.Context, workID string) (*Descriptor, error) {
	b, err := r.client.HGet(ctx, r.dataKey(), workID).Bytes()
	if err == redis.Nil {
		return nil, errors.NotFoundf("work %s", workID)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "loading work %s", workID)
	}
	var d Descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, errors.Annotatef(err, "decoding work %s", workID)
	}
	return &d, nil
}

func (r *RedisQueuing) Init(ctx context.Context, queueIDs []string) (int, error) {
	total := 0
	for _, q := range queueIDs {
		n, err := r.Resume(ctx, q)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (r *RedisQueuing) Schedule(ctx context.Context, queueID string, d *Descriptor) error {
	c := copyDescriptor(d)
	c.State = StateScheduled
	b, err := json.Marshal(c)
	if err != nil {
		return errors.Trace(err)
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.dataKey(), d.ID, b)
	pipe.HSet(ctx, r.stateKey(), d.ID, stateScheduled)
	pipe.SRem(ctx, r.completedKey(queueID), d.ID)
	pipe.LPush(ctx, r.scheduledKey(queueID), d.ID)
	_, err = pipe.Exec(ctx)
	return errors.Annotatef(err, "scheduling work %s", d.ID)
}

func (r *RedisQueuing) Next(ctx context.Context, queueID string) (*Descriptor, error) {
	for {
		id, err := r.client.RPop(ctx, r.scheduledKey(queueID)).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Annotatef(err, "polling queue %s", queueID)
		}
		d, err := r.load(ctx, id)
		if errors.Is(err, errors.NotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		pipe := r.client.TxPipeline()
		pipe.SAdd(ctx, r.runningKey(queueID), id)
		pipe.HSet(ctx, r.stateKey(), id, stateRunning)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, errors.Annotatef(err, "marking work %s running", id)
		}
		d.State = StateRunning
		return d, nil
	}
}

func (r *RedisQueuing) SetCompleted(ctx context.Context, queueID string, d *Descriptor) error {
	if !d.State.Done() {
		return errors.NotValidf("completion state %s", d.State)
	}
	b, err := json.Marshal(d)
	if err != nil {
		return errors.Trace(err)
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.dataKey(), d.ID, b)
	pipe.SRem(ctx, r.runningKey(queueID), d.ID)
	pipe.SAdd(ctx, r.completedKey(queueID), d.ID)
	pipe.HSet(ctx, r.stateKey(), d.ID, stateCode(d))
	_, err = pipe.Exec(ctx)
	return errors.Annotatef(err, "completing work %s", d.ID)
}

func (r *RedisQueuing) RemoveScheduled(ctx context.Context, queueID, workID string) (*Descriptor, error) {
	n, err := r.client.LRem(ctx, r.scheduledKey(queueID), 0, workID).Result()
	if err != nil {
		return nil, errors.Annotatef(err, "removing work %s", workID)
	}
	if n == 0 {
		return nil, nil
	}
	d, err := r.load(ctx, workID)
	if err != nil {
		return nil, err
	}
	d.State = StateCanceled
	d.Completed = time.Now()
	if err := r.SetCompleted(ctx, queueID, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *RedisQueuing) Find(ctx context.Context, workID string) (*Descriptor, error) {
	d, err := r.load(ctx, workID)
	if err != nil {
		return nil, err
	}
	if st, err := r.State(ctx, workID); err == nil && st != StateUnknown {
		d.State = st
	}
	return d, nil
}

func (r *RedisQueuing) State(ctx context.Context, workID string) (State, error) {
	code, err := r.client.HGet(ctx, r.stateKey(), workID).Result()
	if err == redis.Nil {
		return StateUnknown, nil
	}
	if err != nil {
		return StateUnknown, errors.Annotatef(err, "work %s state", workID)
	}
	return parseState(code), nil
}

func (r *RedisQueuing) ListWorkIDs(ctx context.Context, queueID string, state State) ([]string, error) {
	if err := checkListable(state); err != nil {
		return nil, err
	}
	var ids []string
	var err error
	switch state {
	case StateScheduled:
		ids, err = r.client.LRange(ctx, r.scheduledKey(queueID), 0, -1).Result()
		// oldest first
		for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
			ids[i], ids[j] = ids[j], ids[i]
		}
	case StateRunning:
		ids, err = r.client.SMembers(ctx, r.runningKey(queueID)).Result()
		sort.Strings(ids)
	default:
		ids, err = r.client.SMembers(ctx, r.completedKey(queueID)).Result()
		sort.Strings(ids)
	}
	return ids, errors.Annotatef(err, "listing queue %s", queueID)
}

func (r *RedisQueuing) QueueSize(ctx context.Context, queueID string, state State) (int, error) {
	if err := checkListable(state); err != nil {
		return 0, err
	}
	var n int64
	var err error
	switch state {
	case StateScheduled:
		n, err = r.client.LLen(ctx, r.scheduledKey(queueID)).Result()
	case StateRunning:
		n, err = r.client.SCard(ctx, r.runningKey(queueID)).Result()
	default:
		n, err = r.client.SCard(ctx, r.completedKey(queueID)).Result()
	}
	return int(n), errors.Annotatef(err, "sizing queue %s", queueID)
}

func (r *RedisQueuing) move(ctx context.Context, from, to string) (int, error) {
	for n := 0; ; n++ {
		err := r.client.RPopLPush(ctx, from, to).Err()
		if err == redis.Nil {
			return n, nil
		}
		if err != nil {
			return n, errors.Annotatef(err, "moving %s to %s", from, to)
		}
	}
}

func (r *RedisQueuing) Suspend(ctx context.Context, queueID string) (int, error) {
	return r.move(ctx, r.scheduledKey(queueID), r.suspendedKey(queueID))
}

func (r *RedisQueuing) Resume(ctx context.Context, queueID string) (int, error) {
	return r.move(ctx, r.suspendedKey(queueID), r.scheduledKey(queueID))
}

func (r *RedisQueuing) completionTime(ctx context.Context, id string) (time.Time, error) {
	code, err := r.client.HGet(ctx, r.stateKey(), id).Result()
	if err != nil && err != redis.Nil {
		return time.Time{}, errors.Trace(err)
	}
	if len(code) > 1 && code[:1] == stateCompleted {
		if ms, err := strconv.ParseInt(code[1:], 10, 64); err == nil {
			return time.UnixMilli(ms), nil
		}
	}
	d, err := r.load(ctx, id)
	if err != nil {
		return time.Time{}, nil
	}
	return d.Completed, nil
}

func (r *RedisQueuing) ClearCompleted(ctx context.Context, queueID string, before time.Time) error {
	ids, err := r.client.SMembers(ctx, r.completedKey(queueID)).Result()
	if err != nil {
		return errors.Annotatef(err, "listing completed work of %s", queueID)
	}
	var drop []string
	for _, id := range ids {
		if !before.IsZero() {
			at, err := r.completionTime(ctx, id)
			if err != nil {
				return err
			}
			if !at.Before(before) {
				continue
			}
		}
		drop = append(drop, id)
	}
	if len(drop) == 0 {
		return nil
	}
	members := make([]any, len(drop))
	for i, id := range drop {
		members[i] = id
	}
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, r.completedKey(queueID), members...)
	pipe.HDel(ctx, r.stateKey(), drop...)
	pipe.HDel(ctx, r.dataKey(), drop...)
	_, err = pipe.Exec(ctx)
	return errors.Annotatef(err, "clearing completed work of %s", queueID)
}
