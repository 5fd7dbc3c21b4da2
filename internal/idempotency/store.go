// Package idempotency records the outcome of every successful signed action
// under its caller supplied key so that a retry replays the original result
// instead of signing and broadcasting again.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yukia3e/trading-agent-signer/internal/config"
	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

const packageName = "idempotency"

// ErrKeyExists is returned by Set when a result is already recorded for the key.
var ErrKeyExists = errors.New("idempotency key already recorded")

// Store maps idempotency keys to result snapshots.
type Store interface {
	// Get returns nil without error when nothing is recorded for key.
	Get(ctx context.Context, key string) (*model.ExecutionResult, error)
	// Set records result once; a second Set for the same key returns ErrKeyExists.
	Set(ctx context.Context, key string, result model.ExecutionResult) error
}

func encode(result model.ExecutionResult) ([]byte, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return b, nil
}

func decode(b []byte) (*model.ExecutionResult, error) {
	var result model.ExecutionResult
	if err := json.Unmarshal(b, &result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &result, nil
}

// Config selects and parameterizes a backend.
type Config struct {
	Backend   string
	RedisAddr string
	// TTL bounds how long a recorded result is replayed.
	TTL time.Duration
	// LockLease bounds how long a redis lock survives a holder that never
	// releases it.
	LockLease time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		Backend:   config.GetIdempotencyBackend(),
		RedisAddr: config.GetRedisAddr(),
		TTL:       config.GetIdempotencyTTL(),
		LockLease: config.GetIdempotencyLockLease(),
	}
}

// New builds the store and the matching Locker. The redis backend shares both
// the records and the per-key locks across processes.
func New(ctx context.Context, cfg Config) (Store, Locker, error) {
	funcName := util.FuncName()

	switch cfg.Backend {
	case "", config.IdempotencyBackendMemory:
		return NewMemoryStore(cfg.TTL), NewKeyedLocker(), nil
	case config.IdempotencyBackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, util.WrapErrorForLog(packageName, funcName,
				errs.Network("idempotency_backend_unreachable", "redis is unreachable", err))
		}
		return NewRedisStore(client, cfg.TTL), NewRedisLocker(client, cfg.LockLease), nil
	default:
		return nil, nil, errs.Configuration("unsupported_idempotency_backend",
			fmt.Sprintf("unsupported IDEMPOTENCY_BACKEND %q", cfg.Backend))
	}
}
