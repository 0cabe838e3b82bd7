package cache

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
)

// Redis stores entries under "<namespace>cache:<name>:<key>" with a TTL, so several
// repository nodes share them.
type Redis struct {
	client *redis.Client
	name   string
	prefix string
	ttl    time.Duration
}

var _ Cache = (*Redis)(nil)

// NewRedis returns a cache named name on client. A zero ttl keeps entries until invalidated.
func NewRedis(client *redis.Client, namespace, name string, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		name:   name,
		prefix: namespace + "cache:" + name + ":",
		ttl:    ttl,
	}
}

func (r *Redis) Name() string { return r.name }

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Annotatef(err, "cache %s get", r.name)
	}
	return b, true, nil
}

func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	return errors.Annotatef(r.client.Set(ctx, r.key(key), value, r.ttl).Err(), "cache %s put", r.name)
}

func (r *Redis) HasEntry(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, errors.Annotatef(err, "cache %s exists", r.name)
	}
	return n > 0, nil
}

func (r *Redis) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return errors.Annotatef(r.client.Del(ctx, full...).Err(), "cache %s invalidate", r.name)
}

func (r *Redis) InvalidateAll(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return errors.Annotatef(err, "cache %s invalidate all", r.name)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return errors.Annotatef(err, "cache %s scan", r.name)
	}
	if len(batch) > 0 {
		return errors.Annotatef(r.client.Del(ctx, batch...).Err(), "cache %s invalidate all", r.name)
	}
	return nil
}
