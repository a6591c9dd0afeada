package redisclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
)

// Locker serializes work on one key across replicas.
type Locker interface {
	WithKeyLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type redisKeyLocker struct {
	client  *redis.Client
	ttl     time.Duration
	backoff time.Duration
}

// NewRedisKeyLocker creates a locker backed by one Redis key per lock.
// The TTL bounds how long a crashed holder can keep others waiting.
func NewRedisKeyLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisKeyLocker{
		client:  client,
		ttl:     ttl,
		backoff: 50 * time.Millisecond,
	}
}

// CustomerLockKey is the lease key for one chat customer.
func CustomerLockKey(customerID string) string {
	return fmt.Sprintf("lock:customer:%s", customerID)
}

// SlotLockKey guards the bookings of one shop day. Appointments on the same
// day may overlap without sharing a start time, so the day is the unit.
func SlotLockKey(tenantID, day string) string {
	return fmt.Sprintf("lock:slot:%s:%s", tenantID, day)
}

// WithKeyLock waits for the lease until ctx is done, then runs fn with a
// context bounded by the lease TTL.
func (l *redisKeyLocker) WithKeyLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}

	defer func() {
		// release even if ctx was cancelled while fn ran
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = l.release(relCtx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *redisKeyLocker) acquire(ctx context.Context, key, token string) error {
	wait := l.backoff
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrLockNotAcquired, ctx.Err())
		case <-timer.C:
		}
		if wait < time.Second {
			wait *= 2
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisKeyLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

type localKey struct {
	sem  chan struct{}
	refs int
}

type localKeyLocker struct {
	mu   sync.Mutex
	keys map[string]*localKey
}

// NewLocalKeyLocker serializes work on one key inside this process only.
// It stands in for the Redis locker when a single replica runs.
func NewLocalKeyLocker() Locker {
	return &localKeyLocker{keys: make(map[string]*localKey)}
}

func (l *localKeyLocker) WithKeyLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	k, ok := l.keys[key]
	if !ok {
		k = &localKey{sem: make(chan struct{}, 1)}
		l.keys[key] = k
	}
	k.refs++
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		k.refs--
		if k.refs == 0 {
			delete(l.keys, key)
		}
		l.mu.Unlock()
	}()

	select {
	case k.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrLockNotAcquired, ctx.Err())
	}
	defer func() { <-k.sem }()

	return fn(ctx)
}
