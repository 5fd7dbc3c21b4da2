package model

import "time"

// GenesisHash is the previous hash of the first ledger row.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// AuditEntry is what components submit to the ledger.
type AuditEntry struct {
	RequestID  string
	Action     ActionKind
	OK         bool
	ErrorCode  *string
	Mode       *string
	Venue      *string
	Exchange   *string
	MarketType *string
	Summary    map[string]any
}

// AuditEvent is a stored ledger row. SummaryJSON is kept as stored so that
// verification hashes exactly the persisted bytes.
type AuditEvent struct {
	ID           int64      `json:"id"`
	TimestampMs  int64      `json:"ts_ms"`
	RequestID    string     `json:"request_id"`
	Action       ActionKind `json:"action"`
	OK           bool       `json:"ok"`
	ErrorCode    *string    `json:"error_code"`
	Mode         *string    `json:"mode"`
	Venue        *string    `json:"venue"`
	Exchange     *string    `json:"exchange"`
	MarketType   *string    `json:"market_type"`
	SummaryJSON  string     `json:"summary_json"`
	PreviousHash string     `json:"previous_hash"`
	EventHash    string     `json:"event_hash"`
}

func (e AuditEvent) Timestamp() time.Time {
	return time.UnixMilli(e.TimestampMs).UTC()
}
