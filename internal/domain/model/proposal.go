package model

import (
	"encoding/json"
	"time"
)

type ProposalState string

const (
	ProposalStatePending   ProposalState = "PENDING"
	ProposalStateConfirmed ProposalState = "CONFIRMED"
	ProposalStateCancelled ProposalState = "CANCELLED"
	// ProposalStateExpired is derived from ExpiresAt and never stored.
	ProposalStateExpired ProposalState = "EXPIRED"
)

// ExecutionProposal is a pending human approval request for a high risk action.
type ExecutionProposal struct {
	RequestID    string
	ConfirmToken string
	Kind         ActionKind
	Payload      json.RawMessage
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ConfirmedAt  *time.Time
	CancelledAt  *time.Time
	State        ProposalState
}

// EffectiveState folds expiry into the stored state.
func (p ExecutionProposal) EffectiveState(now time.Time) ProposalState {
	if p.State == ProposalStatePending && !now.Before(p.ExpiresAt) {
		return ProposalStateExpired
	}
	return p.State
}

// ProposalSummary is the listing view; it never carries the confirm token.
type ProposalSummary struct {
	RequestID string     `json:"request_id"`
	Kind      ActionKind `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}
