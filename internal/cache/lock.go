package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while it still holds our token, so
// an expired lock taken over by another holder is left alone.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker is a distributed lock over SET NX PX
type Locker struct {
	cache *Cache
	ttl   time.Duration
	retry time.Duration
}

// Locker returns a distributed locker whose locks expire after ttl
func (c *Cache) Locker(ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = TTLLock
	}
	return &Locker{cache: c, ttl: ttl, retry: 25 * time.Millisecond}
}

// Lock blocks until key is acquired or ctx ends
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	if !l.cache.enabled {
		return nil, ErrDisabled
	}

	full := l.cache.key("lock", key)
	token := uuid.New().String()
	for {
		ok, err := l.cache.client.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() {
		// The caller's context may already be done.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		releaseScript.Run(ctx, l.cache.client, []string{full}, token)
	}, nil
}
