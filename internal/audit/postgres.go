package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

// Transaction scoped advisory lock taken around read-last + insert, so
// several processes can share one ledger table.
const postgresAppendLockID = 0x61756469

type auditEventRow struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	TsMs         int64  `gorm:"not null;index"`
	RequestID    string `gorm:"not null;index"`
	Action       string `gorm:"not null"`
	OK           bool   `gorm:"not null"`
	ErrorCode    *string
	Mode         *string
	Venue        *string
	Exchange     *string
	MarketType   *string
	SummaryJSON  string `gorm:"type:text;not null"`
	PreviousHash string `gorm:"size:64;not null"`
	EventHash    string `gorm:"size:64;not null;uniqueIndex"`
}

func (auditEventRow) TableName() string {
	return "audit_events"
}

func rowFromEvent(e model.AuditEvent) auditEventRow {
	return auditEventRow{
		ID:           e.ID,
		TsMs:         e.TimestampMs,
		RequestID:    e.RequestID,
		Action:       string(e.Action),
		OK:           e.OK,
		ErrorCode:    e.ErrorCode,
		Mode:         e.Mode,
		Venue:        e.Venue,
		Exchange:     e.Exchange,
		MarketType:   e.MarketType,
		SummaryJSON:  e.SummaryJSON,
		PreviousHash: e.PreviousHash,
		EventHash:    e.EventHash,
	}
}

func (r auditEventRow) event() model.AuditEvent {
	return model.AuditEvent{
		ID:           r.ID,
		TimestampMs:  r.TsMs,
		RequestID:    r.RequestID,
		Action:       model.ActionKind(r.Action),
		OK:           r.OK,
		ErrorCode:    r.ErrorCode,
		Mode:         r.Mode,
		Venue:        r.Venue,
		Exchange:     r.Exchange,
		MarketType:   r.MarketType,
		SummaryJSON:  r.SummaryJSON,
		PreviousHash: r.PreviousHash,
		EventHash:    r.EventHash,
	}
}

type PostgresStorage struct {
	db *gorm.DB
}

func OpenPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	funcName := util.FuncName()

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to connect to postgres: %w", err))
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.WithContext(ctx).AutoMigrate(&auditEventRow{}); err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to migrate audit_events: %w", err))
	}
	return &PostgresStorage{db: db}, nil
}

func (s *PostgresStorage) Append(ctx context.Context, build func(last *model.AuditEvent) model.AuditEvent) (model.AuditEvent, error) {
	funcName := util.FuncName()

	var event model.AuditEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", postgresAppendLockID).Error; err != nil {
			return fmt.Errorf("failed to lock audit_events: %w", err)
		}
		var last *model.AuditEvent
		var row auditEventRow
		err := tx.Order("id DESC").Take(&row).Error
		switch {
		case err == nil:
			e := row.event()
			last = &e
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return fmt.Errorf("failed to read last audit event: %w", err)
		}

		next := rowFromEvent(build(last))
		next.ID = 0
		if err := tx.Create(&next).Error; err != nil {
			return fmt.Errorf("failed to insert audit event: %w", err)
		}
		event = next.event()
		return nil
	})
	if err != nil {
		return model.AuditEvent{}, util.WrapErrorForLog(packageName, funcName, err)
	}
	return event, nil
}

func (s *PostgresStorage) Events(ctx context.Context) ([]model.AuditEvent, error) {
	funcName := util.FuncName()

	var rows []auditEventRow
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to list audit events: %w", err))
	}
	events := make([]model.AuditEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.event())
	}
	return events, nil
}

func (s *PostgresStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
