// Package audit is the append-only, hash-chained record of every authorization
// outcome. Each row stores the hash of the row before it, so editing any stored
// row breaks the chain from that row onward, which Verify detects.
package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

const (
	packageName = "audit"

	// DefaultAppendTimeout bounds one durable append.
	DefaultAppendTimeout = 5 * time.Second
)

// Ledger serializes appends so that every row chains onto the true latest row.
type Ledger struct {
	mu            sync.Mutex
	storage       Storage
	now           func() time.Time
	appendTimeout time.Duration
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithAppendTimeout replaces DefaultAppendTimeout.
func WithAppendTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.appendTimeout = d
		}
	}
}

func NewLedger(storage Storage, opts ...Option) *Ledger {
	l := &Ledger{storage: storage, now: time.Now, appendTimeout: DefaultAppendTimeout}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append chains entry onto the latest stored row and persists it.
func (l *Ledger) Append(ctx context.Context, entry model.AuditEntry) (model.AuditEvent, error) {
	funcName := util.FuncName()

	summaryJSON, err := canonicalJSON(summaryOrEmpty(entry.Summary))
	if err != nil {
		return model.AuditEvent{}, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to encode summary: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, l.appendTimeout)
	defer cancel()

	l.mu.Lock()
	defer l.mu.Unlock()

	var hashErr error
	event, err := l.storage.Append(ctx, func(last *model.AuditEvent) model.AuditEvent {
		prev := model.GenesisHash
		if last != nil && last.EventHash != "" {
			prev = last.EventHash
		}
		e := model.AuditEvent{
			TimestampMs:  l.now().UnixMilli(),
			RequestID:    entry.RequestID,
			Action:       entry.Action,
			OK:           entry.OK,
			ErrorCode:    entry.ErrorCode,
			Mode:         entry.Mode,
			Venue:        entry.Venue,
			Exchange:     entry.Exchange,
			MarketType:   entry.MarketType,
			SummaryJSON:  string(summaryJSON),
			PreviousHash: prev,
		}
		e.EventHash, hashErr = EventHash(e, prev)
		return e
	})
	if hashErr != nil {
		return model.AuditEvent{}, util.WrapErrorForLog(packageName, funcName, hashErr)
	}
	if err != nil {
		log.Error().Err(err).Str("request_id", entry.RequestID).Str("action", string(entry.Action)).
			Msg(util.WrapLogMessage(packageName, funcName, "failed to append audit event"))
		return model.AuditEvent{}, util.WrapErrorForLog(packageName, funcName, err)
	}
	return event, nil
}

// Events returns every stored row in append order.
func (l *Ledger) Events(ctx context.Context) ([]model.AuditEvent, error) {
	funcName := util.FuncName()

	events, err := l.storage.Events(ctx)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, err)
	}
	return events, nil
}

func (l *Ledger) Close() error {
	return l.storage.Close()
}

// EventHash is SHA-256 over the canonical JSON of the row's fields with prev as
// the previous hash.
func EventHash(e model.AuditEvent, prev string) (string, error) {
	material, err := canonicalJSON(map[string]any{
		"previous_hash": prev,
		"timestamp":     e.TimestampMs,
		"request_id":    e.RequestID,
		"action":        string(e.Action),
		"ok":            e.OK,
		"error_code":    e.ErrorCode,
		"mode":          e.Mode,
		"venue":         e.Venue,
		"exchange":      e.Exchange,
		"market_type":   e.MarketType,
		"summary":       e.SummaryJSON,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode hash material: %w", err)
	}
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON is compact JSON with map keys sorted and no HTML escaping.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func summaryOrEmpty(summary map[string]any) map[string]any {
	if summary == nil {
		return map[string]any{}
	}
	return summary
}
