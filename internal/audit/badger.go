package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

const badgerEventPrefix = "audit/events/"

// BadgerStorage keeps rows in an embedded badger database keyed by a
// zero padded ID, so key order is append order.
type BadgerStorage struct {
	db *badger.DB
}

func OpenBadgerStorage(path string) (*BadgerStorage, error) {
	return openBadger(badger.DefaultOptions(path))
}

func openBadger(opts badger.Options) (*BadgerStorage, error) {
	funcName := util.FuncName()

	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to open badger database: %w", err))
	}
	return &BadgerStorage{db: db}, nil
}

func badgerKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", badgerEventPrefix, id))
}

func (s *BadgerStorage) Append(_ context.Context, build func(last *model.AuditEvent) model.AuditEvent) (model.AuditEvent, error) {
	funcName := util.FuncName()

	var event model.AuditEvent
	err := s.db.Update(func(txn *badger.Txn) error {
		last, err := lastEvent(txn)
		if err != nil {
			return err
		}
		event = build(last)
		event.ID = 1
		if last != nil {
			event.ID = last.ID + 1
		}
		value, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to encode audit event: %w", err)
		}
		return txn.Set(badgerKey(event.ID), value)
	})
	if err != nil {
		return model.AuditEvent{}, util.WrapErrorForLog(packageName, funcName, err)
	}
	return event, nil
}

func lastEvent(txn *badger.Txn) (*model.AuditEvent, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = []byte(badgerEventPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(append([]byte(badgerEventPrefix), 0xFF))
	if !it.ValidForPrefix(opts.Prefix) {
		return nil, nil
	}
	var e model.AuditEvent
	if err := it.Item().Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode audit event: %w", err)
	}
	return &e, nil
}

func (s *BadgerStorage) Events(_ context.Context) ([]model.AuditEvent, error) {
	funcName := util.FuncName()

	var events []model.AuditEvent
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerEventPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var e model.AuditEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("failed to decode audit event %s: %w", it.Item().Key(), err)
			}
			events = append(events, e)
		}
		return nil
	})
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, err)
	}
	return events, nil
}

func (s *BadgerStorage) Close() error {
	return s.db.Close()
}
