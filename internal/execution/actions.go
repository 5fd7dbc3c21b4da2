package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yukia3e/trading-agent-signer/internal/codec"
	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/domain/repository"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

const nativeTransferGas = 21000

// TransferNative sends native currency from the signer address.
func (e *Executor) TransferNative(ctx context.Context, req model.TransferRequest) (Outcome, error) {
	return e.transferNative(ctx, req, false)
}

func (e *Executor) transferNative(ctx context.Context, req model.TransferRequest, approved bool) (Outcome, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	summary := map[string]any{
		"venue":           string(model.VenueDEX),
		"chain":           req.Chain,
		"to_address":      req.To,
		"amount":          req.Amount,
		"idempotency_key": key,
	}
	return e.run(ctx, action{
		kind:    model.ActionTransferNative,
		venue:   model.VenueDEX,
		key:     key,
		request: req,
		summary: summary,
		validate: func(ctx context.Context, p repository.BusinessPolicy) error {
			return p.ValidateTransfer(ctx, req)
		},
		execute: func(ctx context.Context) (model.ExecutionResult, error) {
			txHash, err := e.executeTransfer(ctx, req, key)
			if err != nil {
				return model.ExecutionResult{}, err
			}
			out := copySummary(summary)
			out["tx_hash"] = txHash
			return model.ExecutionResult{
				Action:         model.ActionTransferNative,
				Venue:          model.VenueDEX,
				Mode:           modeLive,
				Chain:          req.Chain,
				TxHash:         txHash,
				IdempotencyKey: key,
				Summary:        out,
			}, nil
		},
		auditID: func(r model.ExecutionResult) string { return "native:" + r.TxHash },
	}, approved)
}

func (e *Executor) executeTransfer(ctx context.Context, req model.TransferRequest, key string) (string, error) {
	funcName := util.FuncName()

	chainID, err := model.ChainID(req.Chain)
	if err != nil {
		return "", err
	}
	if !common.IsHexAddress(req.To) {
		return "", errs.Validation("invalid_to_address", "to_address is not a hex address", map[string]any{"to_address": req.To})
	}
	to := common.HexToAddress(req.To)
	value, err := toAtomic(req.Amount, nativeDecimals)
	if err != nil {
		return "", err
	}
	from, err := e.signerAddress(ctx)
	if err != nil {
		return "", util.WrapErrorForLog(packageName, funcName, err)
	}
	if e.deps.Chain == nil {
		return "", errs.Configuration("missing_chain_reader", "no chain reader configured")
	}
	nonce, err := e.deps.Chain.PendingNonceAt(ctx, req.Chain, from)
	if err != nil {
		return "", util.WrapErrorForLog(packageName, funcName, err)
	}
	gasPrice, err := e.deps.Chain.SuggestGasPrice(ctx, req.Chain)
	if err != nil {
		return "", util.WrapErrorForLog(packageName, funcName, err)
	}

	tx := &model.UnsignedTransaction{
		Type:     model.TxTypeLegacy,
		ChainID:  chainID,
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      nativeTransferGas,
		GasPrice: gasPrice,
	}
	return e.signAndBroadcast(ctx, req.Chain, key, tx)
}

// SwapTokens signs and broadcasts the swap transaction built by the quoter.
func (e *Executor) SwapTokens(ctx context.Context, req model.SwapRequest) (Outcome, error) {
	return e.swapTokens(ctx, req, false)
}

func (e *Executor) swapTokens(ctx context.Context, req model.SwapRequest, approved bool) (Outcome, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	summary := map[string]any{
		"venue":           string(model.VenueDEX),
		"chain":           req.Chain,
		"from_token":      req.FromToken,
		"to_token":        req.ToToken,
		"amount":          req.Amount,
		"idempotency_key": key,
	}
	return e.run(ctx, action{
		kind:    model.ActionSwapTokens,
		venue:   model.VenueDEX,
		key:     key,
		request: req,
		summary: summary,
		validate: func(ctx context.Context, p repository.BusinessPolicy) error {
			return p.ValidateSwap(ctx, req)
		},
		execute: func(ctx context.Context) (model.ExecutionResult, error) {
			txHash, err := e.executeSwap(ctx, req, key)
			if err != nil {
				return model.ExecutionResult{}, err
			}
			out := copySummary(summary)
			out["tx_hash"] = txHash
			return model.ExecutionResult{
				Action:         model.ActionSwapTokens,
				Venue:          model.VenueDEX,
				Mode:           modeLive,
				Chain:          req.Chain,
				TxHash:         txHash,
				IdempotencyKey: key,
				Summary:        out,
			}, nil
		},
		auditID: func(r model.ExecutionResult) string { return "dex:" + r.TxHash },
	}, approved)
}

func (e *Executor) executeSwap(ctx context.Context, req model.SwapRequest, key string) (string, error) {
	funcName := util.FuncName()

	if e.deps.Quoter == nil {
		return "", errs.Configuration("missing_swap_quoter", "no swap quoter configured")
	}
	chainID, err := model.ChainID(req.Chain)
	if err != nil {
		return "", err
	}
	if _, err := parseAmount(req.Amount, "amount"); err != nil {
		return "", err
	}
	from, err := e.signerAddress(ctx)
	if err != nil {
		return "", util.WrapErrorForLog(packageName, funcName, err)
	}
	txReq, err := e.deps.Quoter.BuildSwapTx(ctx, model.SwapQuoteRequest{
		Chain:       req.Chain,
		FromToken:   req.FromToken,
		ToToken:     req.ToToken,
		Amount:      req.Amount,
		From:        from.Hex(),
		SlippagePct: e.settings.SlippagePct,
	})
	if err != nil {
		return "", util.WrapErrorForLog(packageName, funcName, err)
	}
	if txReq == nil || strings.TrimSpace(txReq.To) == "" {
		return "", errs.Validation("missing_router_address", "swap transaction has no router address", nil)
	}
	if !common.IsHexAddress(txReq.To) {
		return "", errs.Validation("invalid_router_address", "swap router is not a hex address", map[string]any{"router": txReq.To})
	}
	if e.deps.Policy != nil {
		if err := e.deps.Policy.ValidateRouterAddress(ctx, req.Chain, common.HexToAddress(txReq.To)); err != nil {
			return "", util.WrapErrorForLog(packageName, funcName, err)
		}
	}
	tx, err := e.buildTx(ctx, req.Chain, chainID, from, *txReq)
	if err != nil {
		return "", util.WrapErrorForLog(packageName, funcName, err)
	}
	return e.signAndBroadcast(ctx, req.Chain, key, tx)
}

// SignAndBroadcast authorizes a caller supplied transaction. Missing nonce and
// gas price are filled from the chain.
func (e *Executor) SignAndBroadcast(ctx context.Context, req model.SignRequest) (Outcome, error) {
	return e.signTransaction(ctx, req, false)
}

func (e *Executor) signTransaction(ctx context.Context, req model.SignRequest, approved bool) (Outcome, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	summary := map[string]any{
		"venue":           string(model.VenueDEX),
		"chain":           req.Chain,
		"to_address":      req.Tx.To,
		"idempotency_key": key,
	}
	if req.Tx.Value != nil {
		summary["value"] = req.Tx.Value.Big().String()
	}
	return e.run(ctx, action{
		kind:    model.ActionSignTransaction,
		venue:   model.VenueDEX,
		key:     key,
		request: req,
		summary: summary,
		execute: func(ctx context.Context) (model.ExecutionResult, error) {
			txHash, err := e.executeSign(ctx, req, key)
			if err != nil {
				return model.ExecutionResult{}, err
			}
			out := copySummary(summary)
			out["tx_hash"] = txHash
			return model.ExecutionResult{
				Action:         model.ActionSignTransaction,
				Venue:          model.VenueDEX,
				Mode:           modeLive,
				Chain:          req.Chain,
				TxHash:         txHash,
				IdempotencyKey: key,
				Summary:        out,
			}, nil
		},
		auditID: func(r model.ExecutionResult) string { return "tx:" + r.TxHash },
	}, approved)
}

func (e *Executor) executeSign(ctx context.Context, req model.SignRequest, key string) (string, error) {
	funcName := util.FuncName()

	chainID, err := model.ChainID(req.Chain)
	if err != nil {
		return "", err
	}
	from, err := e.signerAddress(ctx)
	if err != nil {
		return "", util.WrapErrorForLog(packageName, funcName, err)
	}
	tx, err := e.buildTx(ctx, req.Chain, chainID, from, req.Tx)
	if err != nil {
		return "", util.WrapErrorForLog(packageName, funcName, err)
	}
	return e.signAndBroadcast(ctx, req.Chain, key, tx)
}

// buildTx fills the nonce and, when no fee field is present, a legacy gas
// price before handing the request to the codec.
func (e *Executor) buildTx(ctx context.Context, chain string, chainID *big.Int, from common.Address, req model.TxRequest) (*model.UnsignedTransaction, error) {
	funcName := util.FuncName()

	needNonce := req.Nonce == nil
	needPrice := req.GasPrice == nil && req.MaxFeePerGas == nil && req.MaxPriorityFeePerGas == nil
	if (needNonce || needPrice) && e.deps.Chain == nil {
		return nil, errs.Configuration("missing_chain_reader", "no chain reader configured")
	}
	if needNonce {
		nonce, err := e.deps.Chain.PendingNonceAt(ctx, chain, from)
		if err != nil {
			return nil, util.WrapErrorForLog(packageName, funcName, err)
		}
		req.Nonce = model.QuantityFromUint64(nonce)
	}
	if needPrice {
		price, err := e.deps.Chain.SuggestGasPrice(ctx, chain)
		if err != nil {
			return nil, util.WrapErrorForLog(packageName, funcName, err)
		}
		req.GasPrice = model.NewQuantity(price)
	}
	tx, err := codec.Build(req, chainID)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, err)
	}
	return tx, nil
}

// PlaceCexOrder places an exchange order. The idempotency key doubles as the
// client order id so the exchange deduplicates as well.
func (e *Executor) PlaceCexOrder(ctx context.Context, req model.CexOrderRequest) (Outcome, error) {
	return e.placeCexOrder(ctx, req, false)
}

func (e *Executor) placeCexOrder(ctx context.Context, req model.CexOrderRequest, approved bool) (Outcome, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	req.Side = strings.ToLower(strings.TrimSpace(req.Side))
	req.OrderType = strings.ToLower(strings.TrimSpace(req.OrderType))
	if req.OrderType == "" {
		req.OrderType = "market"
	}
	if req.MarketType == "" {
		req.MarketType = "spot"
	}
	summary := map[string]any{
		"exchange":        req.Exchange,
		"market_type":     req.MarketType,
		"symbol":          req.Symbol,
		"side":            req.Side,
		"amount":          req.Amount,
		"order_type":      req.OrderType,
		"idempotency_key": key,
	}
	if req.Price != nil {
		summary["price"] = *req.Price
	}
	return e.run(ctx, action{
		kind:       model.ActionPlaceCexOrder,
		venue:      model.VenueCEX,
		key:        key,
		request:    req,
		exchange:   req.Exchange,
		marketType: req.MarketType,
		summary:    summary,
		validate: func(ctx context.Context, p repository.BusinessPolicy) error {
			return p.ValidateCexOrder(ctx, req)
		},
		execute: func(ctx context.Context) (model.ExecutionResult, error) {
			order, err := e.executeCexOrder(ctx, req, key)
			if err != nil {
				return model.ExecutionResult{}, err
			}
			out := copySummary(summary)
			out["order"] = map[string]any{"id": order.ID, "status": order.Status}
			return model.ExecutionResult{
				Action:         model.ActionPlaceCexOrder,
				Venue:          model.VenueCEX,
				Mode:           modeLive,
				Exchange:       req.Exchange,
				OrderID:        order.ID,
				IdempotencyKey: key,
				Summary:        out,
			}, nil
		},
		auditID: func(r model.ExecutionResult) string {
			return fmt.Sprintf("cex:%s:%s", req.Exchange, r.OrderID)
		},
	}, approved)
}

func (e *Executor) executeCexOrder(ctx context.Context, req model.CexOrderRequest, key string) (*model.CexOrder, error) {
	funcName := util.FuncName()

	if e.deps.Orders == nil {
		return nil, errs.Configuration("missing_order_placer", "no exchange order placer configured")
	}
	if strings.TrimSpace(req.Exchange) == "" || strings.TrimSpace(req.Symbol) == "" {
		return nil, errs.Validation("invalid_order", "exchange and symbol are required", nil)
	}
	if req.Side != "buy" && req.Side != "sell" {
		return nil, errs.Validation("invalid_order_side", "side must be buy or sell", map[string]any{"side": req.Side})
	}
	if _, err := parseAmount(req.Amount, "amount"); err != nil {
		return nil, err
	}
	switch req.OrderType {
	case "market":
	case "limit":
		if req.Price == nil {
			return nil, errs.Validation("missing_limit_price", "limit orders require a price", nil)
		}
		if _, err := parseAmount(*req.Price, "price"); err != nil {
			return nil, err
		}
	default:
		return nil, errs.Validation("invalid_order_type", "order_type must be market or limit", map[string]any{"order_type": req.OrderType})
	}

	order, err := e.deps.Orders.PlaceOrder(ctx, req, key)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, err)
	}
	if order == nil || order.ID == "" {
		return nil, errs.New(errs.KindExecution, "missing_order_id", "exchange returned no order id", nil)
	}
	return order, nil
}

// ConfirmProposal consumes an approved proposal and executes the stored
// action once, with approval bypassed. The proposal's request id serves as
// the idempotency key when the original request carried none.
func (e *Executor) ConfirmProposal(ctx context.Context, requestID, confirmToken string) (Outcome, error) {
	funcName := util.FuncName()

	p, err := e.deps.Proposals.Confirm(requestID, confirmToken)
	if err != nil {
		e.deps.Metrics.Proposal("confirm_rejected")
		return Outcome{}, util.WrapErrorForLog(packageName, funcName, err)
	}
	e.deps.Metrics.Proposal("confirmed")

	switch p.Kind {
	case model.ActionTransferNative:
		var req model.TransferRequest
		if err := json.Unmarshal(p.Payload, &req); err != nil {
			return Outcome{}, util.WrapErrorForLog(packageName, funcName, badPayload(p, err))
		}
		req.IdempotencyKey = keyOrRequestID(req.IdempotencyKey, p.RequestID)
		return e.transferNative(ctx, req, true)
	case model.ActionSwapTokens:
		var req model.SwapRequest
		if err := json.Unmarshal(p.Payload, &req); err != nil {
			return Outcome{}, util.WrapErrorForLog(packageName, funcName, badPayload(p, err))
		}
		req.IdempotencyKey = keyOrRequestID(req.IdempotencyKey, p.RequestID)
		return e.swapTokens(ctx, req, true)
	case model.ActionPlaceCexOrder:
		var req model.CexOrderRequest
		if err := json.Unmarshal(p.Payload, &req); err != nil {
			return Outcome{}, util.WrapErrorForLog(packageName, funcName, badPayload(p, err))
		}
		req.IdempotencyKey = keyOrRequestID(req.IdempotencyKey, p.RequestID)
		return e.placeCexOrder(ctx, req, true)
	case model.ActionSignTransaction:
		var req model.SignRequest
		if err := json.Unmarshal(p.Payload, &req); err != nil {
			return Outcome{}, util.WrapErrorForLog(packageName, funcName, badPayload(p, err))
		}
		req.IdempotencyKey = keyOrRequestID(req.IdempotencyKey, p.RequestID)
		return e.signTransaction(ctx, req, true)
	default:
		return Outcome{}, errs.Proposal("unknown_proposal_kind", fmt.Sprintf("unknown proposal kind %q", p.Kind))
	}
}

func (e *Executor) CancelProposal(requestID string) error {
	funcName := util.FuncName()

	if err := e.deps.Proposals.Cancel(requestID); err != nil {
		return util.WrapErrorForLog(packageName, funcName, err)
	}
	e.deps.Metrics.Proposal("cancelled")
	return nil
}

func (e *Executor) ListPending() []model.ProposalSummary {
	return e.deps.Proposals.ListPending()
}

func keyOrRequestID(key, requestID string) string {
	if k := strings.TrimSpace(key); k != "" {
		return k
	}
	return requestID
}

func badPayload(p model.ExecutionProposal, err error) error {
	return &errs.Error{
		Kind:    errs.KindProposal,
		Code:    "invalid_proposal_payload",
		Message: "stored proposal payload could not be decoded",
		Context: map[string]any{"request_id": p.RequestID, "kind": string(p.Kind)},
		Err:     err,
	}
}

func copySummary(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
