package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisPrefix = "courier"

// Redis is a redis-backed implementation of Cache for multi-node deployments.
// Each tag is a set holding the keys written under it; invalidation deletes
// the tag set and every key it names.
type Redis struct {
	log    *zap.SugaredLogger
	client *redis.Client
}

func NewRedis(c *config.Config, opts *redis.Options) *Redis {
	return &Redis{
		log:    c.Logger("cache/redis"),
		client: redis.NewClient(opts),
	}
}

func (r *Redis) Put(ctx context.Context, key Key, tags []string, value []byte) error {
	k := r.entryKey(key.String())
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, k, value, 0)
	for _, tag := range tags {
		pipe.SAdd(ctx, r.tagKey(tag), k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: error writing %s: %w", k, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, r.entryKey(key.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: error reading %s: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) Invalidate(ctx context.Context, tags ...string) error {
	for _, tag := range tags {
		tk := r.tagKey(tag)
		keys, err := r.client.SMembers(ctx, tk).Result()
		if err != nil {
			return fmt.Errorf("cache: error reading tag %s: %w", tag, err)
		}
		pipe := r.client.TxPipeline()
		if len(keys) != 0 {
			pipe.Del(ctx, keys...)
		}
		pipe.Del(ctx, tk)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("cache: error invalidating tag %s: %w", tag, err)
		}
	}
	r.log.Debugf("invalidated tags %v", tags)
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) entryKey(k string) string {
	return fmt.Sprintf("%s:entry:%s", redisPrefix, k)
}

func (r *Redis) tagKey(tag string) string {
	return fmt.Sprintf("%s:tag:%s", redisPrefix, tag)
}
