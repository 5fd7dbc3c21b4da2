package idempotency

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

const memoryCleanupInterval = 10 * time.Minute

// MemoryStore keeps encoded snapshots in process memory. Values are stored as
// JSON so a replay never shares maps with the original result.
type MemoryStore struct {
	c *gocache.Cache
}

// NewMemoryStore keeps records for ttl, or for the process lifetime when ttl is zero.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	expiration := ttl
	if expiration <= 0 {
		expiration = gocache.NoExpiration
	}
	return &MemoryStore{c: gocache.New(expiration, memoryCleanupInterval)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*model.ExecutionResult, error) {
	funcName := util.FuncName()

	val, found := m.c.Get(key)
	if !found {
		return nil, nil
	}
	b, ok := val.([]byte)
	if !ok {
		return nil, nil
	}
	result, err := decode(b)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, err)
	}
	return result, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, result model.ExecutionResult) error {
	funcName := util.FuncName()

	b, err := encode(result)
	if err != nil {
		return util.WrapErrorForLog(packageName, funcName, err)
	}
	if err := m.c.Add(key, b, gocache.DefaultExpiration); err != nil {
		return util.WrapErrorForLog(packageName, funcName, ErrKeyExists)
	}
	return nil
}
