package model

import "strings"

type ExecutionMode string

const (
	ExecutionModeDEX    ExecutionMode = "dex"
	ExecutionModeCEX    ExecutionMode = "cex"
	ExecutionModeHybrid ExecutionMode = "hybrid"
	ExecutionModeAuto   ExecutionMode = "auto"
)

func ParseExecutionMode(s string) ExecutionMode {
	return ExecutionMode(strings.ToLower(strings.TrimSpace(s)))
}

type Venue string

const (
	VenueDEX Venue = "dex"
	VenueCEX Venue = "cex"
)

type ApprovalMode string

const (
	ApprovalModeAuto        ApprovalMode = "auto"
	ApprovalModeApproveEach ApprovalMode = "approve_each"
)

type ActionKind string

const (
	ActionTransferNative  ActionKind = "transfer_native"
	ActionSwapTokens      ActionKind = "swap_tokens"
	ActionPlaceCexOrder   ActionKind = "place_cex_order"
	ActionSignTransaction ActionKind = "sign_transaction"
)

// TransferRequest moves native currency. Amount is a human decimal string in ether units.
type TransferRequest struct {
	Chain          string `json:"chain"`
	To             string `json:"to_address"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type SwapRequest struct {
	Chain          string `json:"chain"`
	FromToken      string `json:"from_token"`
	ToToken        string `json:"to_token"`
	Amount         string `json:"amount"`
	Rationale      string `json:"rationale,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type CexOrderRequest struct {
	Exchange       string  `json:"exchange"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Amount         string  `json:"amount"`
	OrderType      string  `json:"order_type"`
	Price          *string `json:"price,omitempty"`
	MarketType     string  `json:"market_type"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

// SignRequest signs and broadcasts a caller supplied transaction.
type SignRequest struct {
	Chain          string    `json:"chain"`
	Tx             TxRequest `json:"tx"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// SwapQuoteRequest is handed to the quote collaborator.
type SwapQuoteRequest struct {
	Chain       string
	FromToken   string
	ToToken     string
	Amount      string
	From        string
	SlippagePct float64
}

// CexOrder is the normalized acknowledgement of an exchange order.
type CexOrder struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ExecutionResult is the snapshot returned to the caller and cached for replay.
type ExecutionResult struct {
	Action         ActionKind     `json:"action"`
	Venue          Venue          `json:"venue"`
	Mode           string         `json:"mode"`
	Chain          string         `json:"chain,omitempty"`
	Exchange       string         `json:"exchange,omitempty"`
	TxHash         string         `json:"tx_hash,omitempty"`
	OrderID        string         `json:"order_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Summary        map[string]any `json:"summary"`
}

// PendingApproval is returned instead of a result when approve-each is active.
type PendingApproval struct {
	ApprovalRequired bool       `json:"approval_required"`
	RequestID        string     `json:"request_id"`
	ConfirmToken     string     `json:"confirm_token"`
	ExpiresAt        int64      `json:"expires_at"`
	Kind             ActionKind `json:"kind"`
}
