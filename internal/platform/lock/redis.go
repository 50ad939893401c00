package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "organmatch:lock:"

// releaseScript deletes the key only if it still holds our token, so an
// expired lock taken over by another owner is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every process using the same Redis.
// Each key is held with SET NX PX; the TTL bounds how long a crashed holder
// can block others.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithTTL sets the lease length of each key.
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) { l.ttl = ttl }
}

// WithRetryInterval sets how long to wait between acquisition attempts.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(l *RedisLocker) { l.retry = d }
}

func NewRedisLocker(client redis.UniversalClient, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{client: client, ttl: 10 * time.Second, retry: 25 * time.Millisecond}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *RedisLocker) acquire(ctx context.Context, key, token string) error {
	for {
		ok, err := l.client.SetNX(ctx, redisKeyPrefix+key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return nil
		}
		t := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("lock %s: %w", key, ctx.Err())
		case <-t.C:
		}
	}
}

func (l *RedisLocker) release(key, token string) error {
	// Release must run even when the caller's context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := releaseScript.Run(ctx, l.client, []string{redisKeyPrefix + key}, token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(keys))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			_ = l.release(held[i], token)
		}
		held = held[:0]
	}
	for _, k := range keys {
		if err := l.acquire(ctx, k, token); err != nil {
			releaseAll()
			return nil, err
		}
		held = append(held, k)
	}
	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

// Health pings Redis.
func (l *RedisLocker) Health(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

var _ Locker = (*RedisLocker)(nil)
