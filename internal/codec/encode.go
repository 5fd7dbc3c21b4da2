package codec

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

// SigningPayload returns the canonical unsigned encoding whose keccak256 is signed.
//
//	legacy:  rlp([nonce, gasPrice, gas, to, value, data, chainId, "", ""])   (EIP-155)
//	type 2:  0x02 || rlp([chainId, nonce, tip, feeCap, gas, to, value, data, accessList])
func SigningPayload(tx *model.UnsignedTransaction) ([]byte, error) {
	funcName := util.FuncName()

	if err := checkShape(tx); err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, err)
	}

	var (
		b   []byte
		err error
	)
	switch tx.Type {
	case model.TxTypeLegacy:
		b, err = rlp.EncodeToBytes([]any{
			tx.Nonce,
			tx.GasPrice,
			tx.Gas,
			toBytes(tx.To),
			value(tx),
			data(tx),
			tx.ChainID,
			uint(0),
			uint(0),
		})
	case model.TxTypeDynamicFee:
		b, err = rlp.EncodeToBytes(dynamicFeeFields(tx))
		if err == nil {
			b = append([]byte{byte(model.TxTypeDynamicFee)}, b...)
		}
	}
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to rlp encode: %w", err))
	}
	return b, nil
}

// Digest is keccak256(SigningPayload(tx)).
func Digest(tx *model.UnsignedTransaction) (common.Hash, error) {
	payload, err := SigningPayload(tx)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(payload), nil
}

// Assemble appends sig to tx and returns the broadcast-ready encoding.
// sig is normalized first, so callers may pass a raw high-S signature together
// with its matching recovery id.
func Assemble(tx *model.UnsignedTransaction, sig Signature) (model.SignedTransaction, error) {
	funcName := util.FuncName()

	if err := checkShape(tx); err != nil {
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, err)
	}
	sig, err := NormalizeSignature(sig)
	if err != nil {
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, err)
	}

	var raw []byte
	switch tx.Type {
	case model.TxTypeLegacy:
		raw, err = rlp.EncodeToBytes([]any{
			tx.Nonce,
			tx.GasPrice,
			tx.Gas,
			toBytes(tx.To),
			value(tx),
			data(tx),
			LegacyV(tx.ChainID, sig.RecoveryID),
			sig.R,
			sig.S,
		})
	case model.TxTypeDynamicFee:
		fields := append(dynamicFeeFields(tx), uint64(sig.RecoveryID), sig.R, sig.S)
		raw, err = rlp.EncodeToBytes(fields)
		if err == nil {
			raw = append([]byte{byte(model.TxTypeDynamicFee)}, raw...)
		}
	}
	if err != nil {
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to rlp encode: %w", err))
	}
	return model.NewSignedTransaction(raw), nil
}

// LegacyV is the EIP-155 v value: recoveryID + 35 + 2*chainID.
func LegacyV(chainID *big.Int, recoveryID byte) *big.Int {
	v := new(big.Int).Mul(chainID, big.NewInt(2))
	return v.Add(v, big.NewInt(35+int64(recoveryID)))
}

func dynamicFeeFields(tx *model.UnsignedTransaction) []any {
	return []any{
		tx.ChainID,
		tx.Nonce,
		tx.MaxPriorityFeePerGas,
		tx.MaxFeePerGas,
		tx.Gas,
		toBytes(tx.To),
		value(tx),
		data(tx),
		tx.AccessList,
	}
}

func checkShape(tx *model.UnsignedTransaction) error {
	if tx == nil {
		return errs.Validation("missing_transaction", "transaction is nil", nil)
	}
	if tx.ChainID == nil || tx.ChainID.Sign() <= 0 {
		return missing("chainId")
	}
	switch tx.Type {
	case model.TxTypeLegacy:
		if tx.GasPrice == nil {
			return missing("gasPrice")
		}
		if tx.MaxFeePerGas != nil || tx.MaxPriorityFeePerGas != nil {
			return feeConflict(tx.Type)
		}
	case model.TxTypeDynamicFee:
		if tx.MaxPriorityFeePerGas == nil {
			return missing("maxPriorityFeePerGas")
		}
		if tx.MaxFeePerGas == nil {
			return missing("maxFeePerGas")
		}
		if tx.GasPrice != nil {
			return feeConflict(tx.Type)
		}
	default:
		return errs.Validation("unsupported_tx_type", fmt.Sprintf("unsupported tx type: %d (supported: 0, 2)", tx.Type), map[string]any{"type": int(tx.Type)})
	}
	for _, q := range []*big.Int{tx.Value, tx.GasPrice, tx.MaxFeePerGas, tx.MaxPriorityFeePerGas} {
		if q != nil && q.Sign() < 0 {
			return errs.Validation("invalid_quantity", "quantities must be non-negative", nil)
		}
	}
	return nil
}

func toBytes(to *common.Address) []byte {
	if to == nil {
		return []byte{}
	}
	return to.Bytes()
}

func value(tx *model.UnsignedTransaction) *big.Int {
	if tx.Value == nil {
		return new(big.Int)
	}
	return tx.Value
}

func data(tx *model.UnsignedTransaction) []byte {
	if tx.Data == nil {
		return []byte{}
	}
	return tx.Data
}
