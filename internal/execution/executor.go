// Package execution is the authorization pipeline in front of every signing
// capable action: execution gates, optional human approval, business policy,
// idempotent replay, signing, broadcast and audit.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/yukia3e/trading-agent-signer/internal/audit"
	"github.com/yukia3e/trading-agent-signer/internal/codec"
	"github.com/yukia3e/trading-agent-signer/internal/config"
	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/domain/repository"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
	"github.com/yukia3e/trading-agent-signer/internal/idempotency"
	"github.com/yukia3e/trading-agent-signer/internal/metrics"
	"github.com/yukia3e/trading-agent-signer/internal/policy"
	"github.com/yukia3e/trading-agent-signer/internal/proposal"
	"github.com/yukia3e/trading-agent-signer/internal/signer"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

const (
	packageName = "execution"

	modeLive = "live"

	// recordTimeout bounds the idempotency write and audit append after an
	// action has executed.
	recordTimeout = 10 * time.Second
	// recordAttempts is how often the idempotency write is tried.
	recordAttempts = 2
)

type Settings struct {
	LiveTradingEnabled bool
	TradingHalted      bool
	Mode               model.ExecutionMode
	Approval           model.ApprovalMode
	ProposalTTL        time.Duration
	SlippagePct        float64
}

func SettingsFromEnv() Settings {
	return Settings{
		LiveTradingEnabled: config.IsLiveTradingEnabled(),
		TradingHalted:      config.IsTradingHalted(),
		Mode:               config.GetExecutionMode(),
		Approval:           config.GetApprovalMode(),
		ProposalTTL:        config.GetProposalTTL(),
		SlippagePct:        config.GetDEXSlippagePct(),
	}
}

// Deps are the process wide collaborators. Quoter, Orders and Policy are
// optional; actions needing a missing one fail with a configuration error.
type Deps struct {
	Signer      signer.Signer
	Proposals   *proposal.Store
	Idempotency idempotency.Store
	Locker      idempotency.Locker
	Ledger      *audit.Ledger
	Broadcaster repository.Broadcaster
	Chain       repository.ChainReader
	Quoter      repository.SwapQuoter
	Orders      repository.OrderPlacer
	Policy      repository.BusinessPolicy
	Metrics     *metrics.Recorder
}

type Executor struct {
	deps     Deps
	settings Settings
}

func New(deps Deps, settings Settings) (*Executor, error) {
	switch {
	case deps.Signer == nil:
		return nil, errs.Configuration("missing_signer", "executor requires a signer")
	case deps.Proposals == nil:
		return nil, errs.Configuration("missing_proposal_store", "executor requires a proposal store")
	case deps.Idempotency == nil || deps.Locker == nil:
		return nil, errs.Configuration("missing_idempotency_store", "executor requires an idempotency store and locker")
	case deps.Ledger == nil:
		return nil, errs.Configuration("missing_audit_ledger", "executor requires an audit ledger")
	}
	if settings.ProposalTTL <= 0 {
		settings.ProposalTTL = config.DefaultProposalTTL
	}
	return &Executor{deps: deps, settings: settings}, nil
}

// Outcome is either a finished result or a pending approval.
type Outcome struct {
	Result  *model.ExecutionResult
	Pending *model.PendingApproval
}

// Data is what the response envelope carries.
func (o Outcome) Data() any {
	if o.Pending != nil {
		return o.Pending
	}
	if o.Result != nil {
		return o.Result
	}
	return nil
}

// action describes one request flowing through run.
type action struct {
	kind       model.ActionKind
	venue      model.Venue
	key        string
	request    any
	exchange   string
	marketType string
	// summary is recorded on failure; it must hold request fields only
	summary  map[string]any
	validate func(ctx context.Context, p repository.BusinessPolicy) error
	// execute does the irreversible work; auditID derives the audit request
	// id when the caller supplied no idempotency key
	execute func(ctx context.Context) (model.ExecutionResult, error)
	auditID func(result model.ExecutionResult) string
}

// run applies the gates in order: live trading, halt, venue, approval,
// business policy, then per key lock and replay before any signing.
func (e *Executor) run(ctx context.Context, a action, approved bool) (Outcome, error) {
	funcName := util.FuncName()

	if err := e.requireLiveAllowed(a.venue); err != nil {
		return Outcome{}, e.fail(ctx, a, err)
	}

	if !approved && e.settings.Approval == model.ApprovalModeApproveEach {
		pending, err := e.propose(a)
		if err != nil {
			return Outcome{}, util.WrapErrorForLog(packageName, funcName, err)
		}
		e.deps.Metrics.Execution(string(a.kind), metrics.OutcomePending)
		return Outcome{Pending: pending}, nil
	}

	if e.deps.Policy != nil && a.validate != nil {
		if err := a.validate(ctx, e.deps.Policy); err != nil {
			return Outcome{}, e.fail(ctx, a, err)
		}
	}

	if a.key != "" {
		unlock, err := e.deps.Locker.Lock(ctx, a.key)
		if err != nil {
			return Outcome{}, e.fail(ctx, a, err)
		}
		defer unlock()

		cached, err := e.deps.Idempotency.Get(ctx, a.key)
		if err != nil {
			return Outcome{}, e.fail(ctx, a, err)
		}
		if cached != nil {
			log.Info().Str("idempotency_key", a.key).Str("action", string(a.kind)).
				Msg(util.WrapLogMessage(packageName, funcName, "replaying recorded result"))
			e.deps.Metrics.Execution(string(a.kind), metrics.OutcomeReplayed)
			return Outcome{Result: cached}, nil
		}
	}

	result, err := a.execute(ctx)
	if err != nil {
		return Outcome{}, e.fail(ctx, a, err)
	}

	// The action is irreversible from here on. Recording runs detached from
	// the caller so a cancelled request still leaves its replay record.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	// Recorded before the audit row so a retry can never repeat the broadcast.
	var recordErr error
	if a.key != "" {
		recordErr = e.record(recordCtx, a.key, result)
	}

	requestID := a.key
	if requestID == "" {
		requestID = a.auditID(result)
	}
	entry := e.auditEntry(a, requestID, true, nil, result.Summary)
	_, appendErr := e.deps.Ledger.Append(recordCtx, entry)
	if appendErr == nil {
		e.deps.Metrics.AuditAppend(true)
	}
	resultContext := map[string]any{"request_id": requestID, "tx_hash": result.TxHash, "order_id": result.OrderID}
	if recordErr != nil {
		e.deps.Metrics.Execution(string(a.kind), metrics.OutcomeError)
		log.Error().Err(recordErr).Str("idempotency_key", a.key).Str("tx_hash", result.TxHash).Str("order_id", result.OrderID).
			Msg(util.WrapLogMessage(packageName, funcName, "action executed but its idempotency record could not be written"))
		return Outcome{}, util.WrapErrorForLog(packageName, funcName, &errs.Error{
			Kind:    errs.KindExecution,
			Code:    "idempotency_record_failed",
			Message: "action executed but its idempotency record could not be written; do not retry",
			Context: resultContext,
			Err:     recordErr,
		})
	}
	if appendErr != nil {
		e.deps.Metrics.Execution(string(a.kind), metrics.OutcomeError)
		return Outcome{}, util.WrapErrorForLog(packageName, funcName, &errs.Error{
			Kind:    errs.KindExecution,
			Code:    "audit_append_failed",
			Message: "action executed but the audit record could not be written",
			Context: resultContext,
			Err:     appendErr,
		})
	}
	e.deps.Metrics.Execution(string(a.kind), metrics.OutcomeOK)

	log.Info().Str("action", string(a.kind)).Str("request_id", requestID).Str("tx_hash", result.TxHash).Str("order_id", result.OrderID).
		Msg(util.WrapLogMessage(packageName, funcName, "action executed"))
	return Outcome{Result: &result}, nil
}

func (e *Executor) requireLiveAllowed(venue model.Venue) error {
	if !e.settings.LiveTradingEnabled {
		return errs.New(errs.KindExecution, "live_trading_disabled", "LIVE_TRADING_ENABLED=false (live execution is disabled)", nil)
	}
	if e.settings.TradingHalted {
		return errs.New(errs.KindExecution, "trading_halted", "TRADING_HALTED=true (live execution is halted)", nil)
	}
	if !policy.VenueAllowed(e.settings.Mode, venue) {
		return errs.PolicyViolation("execution_mode_blocked", "execution blocked by EXECUTION_MODE", map[string]any{
			"mode":  string(e.settings.Mode),
			"venue": string(venue),
		})
	}
	return nil
}

func (e *Executor) propose(a action) (*model.PendingApproval, error) {
	funcName := util.FuncName()

	payload, err := json.Marshal(a.request)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to encode proposal payload: %w", err))
	}
	p, err := e.deps.Proposals.Create(a.kind, payload, e.settings.ProposalTTL)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, err)
	}
	e.deps.Metrics.Proposal("created")
	log.Info().Str("request_id", p.RequestID).Str("kind", string(a.kind)).Time("expires_at", p.ExpiresAt).
		Msg(util.WrapLogMessage(packageName, funcName, "execution proposal created"))
	return &model.PendingApproval{
		ApprovalRequired: true,
		RequestID:        p.RequestID,
		ConfirmToken:     p.ConfirmToken,
		ExpiresAt:        p.ExpiresAt.Unix(),
		Kind:             p.Kind,
	}, nil
}

// fail records a rejected or failed action and returns err unchanged.
// The idempotency store is never touched on this path.
func (e *Executor) fail(ctx context.Context, a action, err error) error {
	funcName := util.FuncName()

	code := errs.CodeOf(err)
	if code == "" {
		code = "internal_error"
	}
	if errs.Is(err, errs.KindPolicyViolation) {
		e.deps.Metrics.PolicyViolation(code)
	}
	e.deps.Metrics.Execution(string(a.kind), metrics.OutcomeError)

	requestID := a.key
	if requestID == "" {
		requestID = uuid.NewString()
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	entry := e.auditEntry(a, requestID, false, &code, a.summary)
	if _, appendErr := e.deps.Ledger.Append(auditCtx, entry); appendErr != nil {
		log.Error().Err(appendErr).Str("request_id", requestID).
			Msg(util.WrapLogMessage(packageName, funcName, "failed to audit failed action"))
	} else {
		e.deps.Metrics.AuditAppend(false)
	}
	log.Warn().Str("action", string(a.kind)).Str("request_id", requestID).Str("code", code).Bool("retryable", errs.IsRetryable(err)).
		Msg(util.WrapLogMessage(packageName, funcName, "action failed"))
	return util.WrapErrorForLog(packageName, funcName, err)
}

func (e *Executor) auditEntry(a action, requestID string, ok bool, code *string, summary map[string]any) model.AuditEntry {
	entry := model.AuditEntry{
		RequestID: requestID,
		Action:    a.kind,
		OK:        ok,
		ErrorCode: code,
		Mode:      util.Pointer(modeLive),
		Venue:     util.Pointer(string(a.venue)),
		Summary:   summary,
	}
	if a.exchange != "" {
		entry.Exchange = util.Pointer(a.exchange)
	}
	if a.marketType != "" {
		entry.MarketType = util.Pointer(a.marketType)
	}
	return entry
}

// record writes the replay record for key, trying again once on failure.
// A result already recorded for key counts as success.
func (e *Executor) record(ctx context.Context, key string, result model.ExecutionResult) error {
	funcName := util.FuncName()

	var err error
	for attempt := 1; attempt <= recordAttempts; attempt++ {
		err = e.deps.Idempotency.Set(ctx, key, result)
		if err == nil || errors.Is(err, idempotency.ErrKeyExists) {
			return nil
		}
		log.Warn().Err(err).Str("idempotency_key", key).Int("attempt", attempt).
			Msg(util.WrapLogMessage(packageName, funcName, "failed to record idempotency result"))
	}
	return err
}

// signAndBroadcast lets business policy judge the signing intent of tx, then
// signs it with the configured signer and submits it.
func (e *Executor) signAndBroadcast(ctx context.Context, chain, key string, tx *model.UnsignedTransaction) (string, error) {
	funcName := util.FuncName()

	if e.deps.Broadcaster == nil {
		return "", errs.Configuration("missing_broadcaster", "no chain broadcaster configured")
	}
	if e.deps.Policy != nil {
		if err := e.deps.Policy.ValidateSignIntent(ctx, codec.BuildIntent(tx)); err != nil {
			return "", util.WrapErrorForLog(packageName, funcName, err)
		}
	}
	if key != "" {
		ctx = signer.WithSessionID(ctx, key)
	}
	started := time.Now()
	signed, err := e.deps.Signer.SignTransaction(ctx, tx)
	e.deps.Metrics.ObserveSign(string(e.deps.Signer.Kind()), started, err)
	if err != nil {
		return "", util.WrapErrorForLog(packageName, funcName, err)
	}
	txHash, err := e.deps.Broadcaster.SendRawTransaction(ctx, chain, signed.Bytes())
	if err != nil {
		return "", util.WrapErrorForLog(packageName, funcName, err)
	}
	return txHash, nil
}

// signerAddress resolves the signing address and lets business policy veto it.
func (e *Executor) signerAddress(ctx context.Context) (common.Address, error) {
	funcName := util.FuncName()

	addr, err := e.deps.Signer.Address(ctx)
	if err != nil {
		return common.Address{}, util.WrapErrorForLog(packageName, funcName, err)
	}
	if e.deps.Policy != nil {
		if err := e.deps.Policy.ValidateSignerAddress(ctx, addr); err != nil {
			return common.Address{}, util.WrapErrorForLog(packageName, funcName, err)
		}
	}
	return addr, nil
}
