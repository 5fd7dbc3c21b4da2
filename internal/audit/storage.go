package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/yukia3e/trading-agent-signer/internal/config"
	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

// Storage persists ledger rows. Append must read the latest row, build the
// next one from it and insert it as one atomic step; the storage assigns IDs.
type Storage interface {
	Append(ctx context.Context, build func(last *model.AuditEvent) model.AuditEvent) (model.AuditEvent, error)
	// Events returns all rows ordered by ID.
	Events(ctx context.Context) ([]model.AuditEvent, error)
	Close() error
}

type MemoryStorage struct {
	mu     sync.RWMutex
	events []model.AuditEvent
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) Append(_ context.Context, build func(last *model.AuditEvent) model.AuditEvent) (model.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var last *model.AuditEvent
	if n := len(m.events); n > 0 {
		last = &m.events[n-1]
	}
	e := build(last)
	e.ID = int64(len(m.events)) + 1
	m.events = append(m.events, e)
	return e, nil
}

func (m *MemoryStorage) Events(_ context.Context) ([]model.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AuditEvent, len(m.events))
	copy(out, m.events)
	return out, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

type Config struct {
	Storage     string
	DBPath      string
	PostgresDSN string
}

func ConfigFromEnv() Config {
	cfg := Config{
		Storage: config.GetAuditStorage(),
		DBPath:  config.GetAuditDBPath(),
	}
	if cfg.Storage == config.AuditStoragePostgres {
		cfg.PostgresDSN = config.MustGetAuditPostgresDSN()
	}
	return cfg
}

// New opens the configured storage and wraps it in a Ledger.
func New(ctx context.Context, cfg Config, opts ...Option) (*Ledger, error) {
	funcName := util.FuncName()

	var (
		storage Storage
		err     error
	)
	switch cfg.Storage {
	case "", config.AuditStorageMemory:
		storage = NewMemoryStorage()
	case config.AuditStorageBadger:
		storage, err = OpenBadgerStorage(cfg.DBPath)
	case config.AuditStoragePostgres:
		storage, err = OpenPostgresStorage(ctx, cfg.PostgresDSN)
	default:
		return nil, errs.Configuration("unsupported_audit_storage",
			fmt.Sprintf("unsupported AUDIT_STORAGE %q", cfg.Storage))
	}
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, err)
	}
	return NewLedger(storage, opts...), nil
}
