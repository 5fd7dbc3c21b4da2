// Package proposal holds two-phase execution approvals in process memory.
package proposal

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

const (
	packageName = "proposal"

	requestIDBytes    = 12
	confirmTokenBytes = 16
)

type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is safe for concurrent use. Expiry is evaluated lazily on access.
type Store struct {
	mu    sync.Mutex
	items map[string]*model.ExecutionProposal
	now   func() time.Time
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		items: map[string]*model.ExecutionProposal{},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a PENDING proposal. The returned value is the only place the
// confirm token is ever disclosed.
func (s *Store) Create(kind model.ActionKind, payload json.RawMessage, ttl time.Duration) (model.ExecutionProposal, error) {
	funcName := util.FuncName()

	requestID, err := util.RandomHex(requestIDBytes)
	if err != nil {
		return model.ExecutionProposal{}, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to generate request id: %w", err))
	}
	token, err := util.RandomHex(confirmTokenBytes)
	if err != nil {
		return model.ExecutionProposal{}, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to generate confirm token: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	p := &model.ExecutionProposal{
		RequestID:    requestID,
		ConfirmToken: token,
		Kind:         kind,
		Payload:      append(json.RawMessage(nil), payload...),
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		State:        model.ProposalStatePending,
	}
	s.items[requestID] = p
	return *p, nil
}

// Get returns a copy of the proposal with its effective state.
func (s *Store) Get(requestID string) (model.ExecutionProposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.items[requestID]
	if !ok {
		return model.ExecutionProposal{}, false
	}
	out := *p
	out.State = p.EffectiveState(s.now())
	return out, true
}

// Confirm moves a proposal to CONFIRMED exactly once and returns it for execution.
func (s *Store) Confirm(requestID, confirmToken string) (model.ExecutionProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.items[requestID]
	if !ok {
		return model.ExecutionProposal{}, errs.Proposal("proposal_not_found", "Unknown request_id")
	}
	now := s.now()
	if p.EffectiveState(now) == model.ProposalStateExpired {
		return model.ExecutionProposal{}, errs.Proposal("proposal_expired", "Proposal expired")
	}
	switch p.State {
	case model.ProposalStateCancelled:
		return model.ExecutionProposal{}, errs.Proposal("proposal_cancelled", "Proposal cancelled")
	case model.ProposalStateConfirmed:
		return model.ExecutionProposal{}, errs.Proposal("proposal_already_confirmed", "Proposal already confirmed")
	}
	if subtle.ConstantTimeCompare([]byte(p.ConfirmToken), []byte(confirmToken)) != 1 {
		return model.ExecutionProposal{}, errs.Proposal("invalid_confirm_token", "Invalid confirm_token")
	}

	p.State = model.ProposalStateConfirmed
	p.ConfirmedAt = util.Pointer(now)
	return *p, nil
}

// Cancel moves a PENDING proposal to CANCELLED. Expired proposals may still be
// cancelled so they drop out of listings explicitly.
func (s *Store) Cancel(requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.items[requestID]
	if !ok {
		return errs.Proposal("proposal_not_found", "Unknown request_id")
	}
	switch p.State {
	case model.ProposalStateConfirmed:
		return errs.Proposal("proposal_already_confirmed", "Proposal already confirmed")
	case model.ProposalStateCancelled:
		return errs.Proposal("proposal_cancelled", "Proposal already cancelled")
	}

	p.State = model.ProposalStateCancelled
	p.CancelledAt = util.Pointer(s.now())
	return nil
}

// ListPending returns live PENDING proposals, oldest first, without tokens.
func (s *Store) ListPending() []model.ProposalSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]model.ProposalSummary, 0, len(s.items))
	for _, p := range s.items {
		if p.EffectiveState(now) != model.ProposalStatePending {
			continue
		}
		out = append(out, model.ProposalSummary{
			RequestID: p.RequestID,
			Kind:      p.Kind,
			CreatedAt: p.CreatedAt,
			ExpiresAt: p.ExpiresAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
