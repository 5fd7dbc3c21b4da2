// Package codec builds canonical EVM transaction encodings and signing digests,
// and assembles signed raw transactions from detached secp256k1 signatures.
package codec

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

const packageName = "codec"

// Build validates a wire transaction and returns its canonical form.
// A non-nil chainID overrides the request's chainId.
func Build(req model.TxRequest, chainID *big.Int) (*model.UnsignedTransaction, error) {
	funcName := util.FuncName()

	txType, err := detectType(req)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, err)
	}

	cid := chainID
	if cid == nil {
		cid = req.ChainID.Big()
	}
	if cid == nil {
		return nil, util.WrapErrorForLog(packageName, funcName, missing("chainId"))
	}
	if cid.Sign() <= 0 {
		return nil, util.WrapErrorForLog(packageName, funcName, errs.Validation("invalid_chain_id", "chain id must be positive", map[string]any{"chain_id": cid.String()}))
	}

	tx := &model.UnsignedTransaction{
		Type:    txType,
		ChainID: new(big.Int).Set(cid),
		Value:   new(big.Int),
	}

	if tx.Nonce, err = requiredUint64(req.Nonce, "nonce"); err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, err)
	}
	if tx.Gas, err = requiredUint64(req.Gas, "gas"); err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, err)
	}
	if v := req.Value.Big(); v != nil {
		tx.Value = v
	}

	switch txType {
	case model.TxTypeLegacy:
		if req.MaxFeePerGas != nil || req.MaxPriorityFeePerGas != nil {
			return nil, util.WrapErrorForLog(packageName, funcName, feeConflict(txType))
		}
		if tx.GasPrice = req.GasPrice.Big(); tx.GasPrice == nil {
			return nil, util.WrapErrorForLog(packageName, funcName, missing("gasPrice"))
		}
		if len(req.AccessList) > 0 {
			return nil, util.WrapErrorForLog(packageName, funcName, errs.Validation("access_list_not_supported", "legacy transactions cannot carry an access list", nil))
		}
	case model.TxTypeDynamicFee:
		if req.GasPrice != nil {
			return nil, util.WrapErrorForLog(packageName, funcName, feeConflict(txType))
		}
		if tx.MaxPriorityFeePerGas = req.MaxPriorityFeePerGas.Big(); tx.MaxPriorityFeePerGas == nil {
			return nil, util.WrapErrorForLog(packageName, funcName, missing("maxPriorityFeePerGas"))
		}
		if tx.MaxFeePerGas = req.MaxFeePerGas.Big(); tx.MaxFeePerGas == nil {
			return nil, util.WrapErrorForLog(packageName, funcName, missing("maxFeePerGas"))
		}
		tx.AccessList = req.AccessList
	}

	if tx.To, err = parseTo(req.To); err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, err)
	}
	if tx.Data, err = parseData(req.Data); err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, err)
	}

	return tx, nil
}

func detectType(req model.TxRequest) (model.TxType, error) {
	if t := req.Type.Big(); t != nil {
		switch {
		case t.Cmp(big.NewInt(int64(model.TxTypeLegacy))) == 0:
			return model.TxTypeLegacy, nil
		case t.Cmp(big.NewInt(int64(model.TxTypeDynamicFee))) == 0:
			return model.TxTypeDynamicFee, nil
		default:
			return 0, errs.Validation("unsupported_tx_type", fmt.Sprintf("unsupported tx type: %s (supported: 0, 2)", t), map[string]any{"type": t.String()})
		}
	}
	if req.MaxFeePerGas != nil || req.MaxPriorityFeePerGas != nil {
		if req.GasPrice != nil {
			return 0, feeConflict(model.TxTypeDynamicFee)
		}
		return model.TxTypeDynamicFee, nil
	}
	return model.TxTypeLegacy, nil
}

func requiredUint64(q *model.Quantity, field string) (uint64, error) {
	v := q.Big()
	if v == nil {
		return 0, missing(field)
	}
	return model.ParseUint64Quantity(v, field)
}

func parseTo(s string) (*common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if !common.IsHexAddress(s) {
		return nil, errs.Validation("invalid_to", "to must be a 20 byte hex address", map[string]any{"to": s})
	}
	return util.Pointer(common.HexToAddress(s)), nil
}

func parseData(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return []byte{}, nil
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode("0x" + s[2:])
	if err != nil {
		return nil, errs.Validation("invalid_data", fmt.Sprintf("data is not valid hex: %v", err), nil)
	}
	return b, nil
}

func missing(field string) error {
	return errs.Validation("missing_field", fmt.Sprintf("missing required tx field: %s", field), map[string]any{"field": field})
}

func feeConflict(t model.TxType) error {
	return errs.Validation("fee_scheme_conflict", "exactly one fee scheme must be populated for the transaction type", map[string]any{"type": int(t)})
}
