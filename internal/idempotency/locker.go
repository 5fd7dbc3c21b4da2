package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yukia3e/trading-agent-signer/internal/config"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

// Locker serializes work per idempotency key. The returned function releases
// the lock and must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type keyedEntry struct {
	// sem holds one token while the key is locked
	sem  chan struct{}
	refs int
}

// KeyedLocker is an in-process keyed mutex. Waiters give up when their ctx is
// done. Entries are dropped once no caller holds or waits on them.
type KeyedLocker struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{entries: make(map[string]*keyedEntry)}
}

func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	funcName := util.FuncName()

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, util.WrapErrorForLog(packageName, funcName,
			errs.Network("idempotency_lock_timeout", "timed out waiting for idempotency lock", ctx.Err()))
	}
	return func() {
		<-e.sem
		l.release(key, e)
	}, nil
}

func (l *KeyedLocker) release(key string, e *keyedEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// size is the number of keys currently tracked.
func (l *KeyedLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

const (
	redisLockPrefix      = "lock:idempotency:"
	minRedisLockLease    = time.Minute
	redisLockPollBackoff = 50 * time.Millisecond
)

// Deletes the lock only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a SET NX lock shared by every process using the same redis.
// The lock expires on its own so a crashed holder cannot wedge a key forever.
type RedisLocker struct {
	client *redis.Client
	lease  time.Duration
}

// NewRedisLocker holds each lock for lease. Leases shorter than a minute are
// raised so a slow remote signer or RPC cannot outlive the lock.
func NewRedisLocker(client *redis.Client, lease time.Duration) *RedisLocker {
	switch {
	case lease <= 0:
		lease = config.DefaultIdempotencyLockLease
	case lease < minRedisLockLease:
		lease = minRedisLockLease
	}
	return &RedisLocker{client: client, lease: lease}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	funcName := util.FuncName()

	token, err := util.RandomHex(16)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, err)
	}
	lockKey := redisLockPrefix + key
	ticker := time.NewTicker(redisLockPollBackoff)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.lease).Result()
		if err != nil {
			return nil, util.WrapErrorForLog(packageName, funcName,
				errs.Network("idempotency_lock_unavailable", "failed to acquire idempotency lock", err))
		}
		if ok {
			return func() {
				// release with a fresh context; the caller's may already be done
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{lockKey}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, util.WrapErrorForLog(packageName, funcName,
				errs.Network("idempotency_lock_timeout", "timed out waiting for idempotency lock", ctx.Err()))
		case <-ticker.C:
		}
	}
}
