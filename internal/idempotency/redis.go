package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

const redisKeyPrefix = "idempotency:"

// RedisStore shares records between processes. Set relies on SET NX so only
// the first writer for a key wins.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*model.ExecutionResult, error) {
	funcName := util.FuncName()

	val, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName,
			errs.Network("idempotency_backend_unavailable", "failed to read idempotency record", err))
	}
	result, err := decode(val)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, err)
	}
	return result, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, result model.ExecutionResult) error {
	funcName := util.FuncName()

	b, err := encode(result)
	if err != nil {
		return util.WrapErrorForLog(packageName, funcName, err)
	}
	ok, err := s.client.SetNX(ctx, redisKeyPrefix+key, b, s.ttl).Result()
	if err != nil {
		return util.WrapErrorForLog(packageName, funcName,
			errs.Network("idempotency_backend_unavailable", "failed to write idempotency record", err))
	}
	if !ok {
		return util.WrapErrorForLog(packageName, funcName, ErrKeyExists)
	}
	return nil
}
