package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/stevedore-project/stevedore/internal/dcontext"
)

const redisKeyPrefix = "stevedore:manifests:"

// redisCache is a ManifestCache shared between registry instances through
// redis.
type redisCache struct {
	pool *redis.Pool
	ttl  time.Duration
}

// NewRedis builds a ManifestCache over a redis instance. Entries expire
// after ttl.
func NewRedis(addr, password string, db int, ttl time.Duration) ManifestCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	pool := &redis.Pool{
		MaxIdle:     3,
		IdleTimeout: 4 * time.Minute,
		Dial: func() (redis.Conn, error) {
			opts := []redis.DialOption{redis.DialDatabase(db)}
			if password != "" {
				opts = append(opts, redis.DialPassword(password))
			}
			return redis.Dial("tcp", addr, opts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	return &redisCache{pool: pool, ttl: ttl}
}

func (r *redisCache) Get(ctx context.Context, key string) (Entry, bool) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		dcontext.GetLogger(ctx).Warnf("redis cache unavailable: %v", err)
		return Entry{}, false
	}
	defer conn.Close()

	raw, err := redis.Bytes(conn.Do("GET", redisKeyPrefix+key))
	if err != nil {
		if err != redis.ErrNil {
			dcontext.GetLogger(ctx).Warnf("redis cache read failed: %v", err)
		}
		return Entry{}, false
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		dcontext.GetLogger(ctx).Warnf("redis cache entry corrupt: %v", err)
		return Entry{}, false
	}
	return e, true
}

func (r *redisCache) Set(ctx context.Context, key string, e Entry) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		dcontext.GetLogger(ctx).Warnf("redis cache unavailable: %v", err)
		return
	}
	defer conn.Close()

	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	if _, err := conn.Do("SETEX", redisKeyPrefix+key, int(r.ttl.Seconds()), raw); err != nil {
		dcontext.GetLogger(ctx).Warnf("redis cache write failed: %v", err)
	}
}
