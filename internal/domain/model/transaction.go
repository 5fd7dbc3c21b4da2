package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

type TxType uint8

const (
	TxTypeLegacy     TxType = 0
	TxTypeDynamicFee TxType = 2
)

// UnsignedTransaction is a validated transaction ready for encoding.
// Legacy transactions populate GasPrice only; dynamic fee transactions populate
// MaxPriorityFeePerGas and MaxFeePerGas only.
type UnsignedTransaction struct {
	Type                 TxType
	ChainID              *big.Int
	Nonce                uint64
	To                   *common.Address // nil means contract creation
	Value                *big.Int
	Gas                  uint64
	GasPrice             *big.Int // legacy
	MaxPriorityFeePerGas *big.Int // a.k.a. gasTipCap
	MaxFeePerGas         *big.Int // a.k.a. gasFeeCap
	Data                 []byte
	AccessList           types.AccessList
}

// EffectiveGasPrice is the price ceiling the sender commits to: gasPrice for
// legacy transactions and maxFeePerGas for dynamic fee transactions.
func (tx *UnsignedTransaction) EffectiveGasPrice() *big.Int {
	if tx.Type == TxTypeDynamicFee {
		return tx.MaxFeePerGas
	}
	return tx.GasPrice
}

// TxRequest is the loosely typed wire form of a transaction, as produced by quote
// builders and sent to remote signers. Numeric fields accept numbers or hex strings.
type TxRequest struct {
	Type                 *Quantity        `json:"type,omitempty"`
	ChainID              *Quantity        `json:"chainId,omitempty"`
	Nonce                *Quantity        `json:"nonce,omitempty"`
	To                   string           `json:"to,omitempty"`
	Value                *Quantity        `json:"value,omitempty"`
	Gas                  *Quantity        `json:"gas,omitempty"`
	GasPrice             *Quantity        `json:"gasPrice,omitempty"`
	MaxPriorityFeePerGas *Quantity        `json:"maxPriorityFeePerGas,omitempty"`
	MaxFeePerGas         *Quantity        `json:"maxFeePerGas,omitempty"`
	Data                 string           `json:"data,omitempty"`
	AccessList           types.AccessList `json:"accessList,omitempty"`
}

// ToRequest converts a validated transaction back to its wire form.
func (tx *UnsignedTransaction) ToRequest() TxRequest {
	req := TxRequest{
		Type:       QuantityFromUint64(uint64(tx.Type)),
		ChainID:    NewQuantity(tx.ChainID),
		Nonce:      QuantityFromUint64(tx.Nonce),
		Value:      NewQuantity(tx.Value),
		Gas:        QuantityFromUint64(tx.Gas),
		AccessList: tx.AccessList,
	}
	if tx.To != nil {
		req.To = tx.To.Hex()
	}
	if len(tx.Data) > 0 {
		req.Data = hexutil.Encode(tx.Data)
	}
	if tx.Type == TxTypeDynamicFee {
		req.MaxPriorityFeePerGas = NewQuantity(tx.MaxPriorityFeePerGas)
		req.MaxFeePerGas = NewQuantity(tx.MaxFeePerGas)
	} else {
		req.GasPrice = NewQuantity(tx.GasPrice)
	}
	return req
}

// SignedTransaction is the broadcast-ready encoding. It is immutable: the raw
// bytes are copied in and out.
type SignedTransaction struct {
	raw []byte
}

func NewSignedTransaction(raw []byte) SignedTransaction {
	return SignedTransaction{raw: append([]byte(nil), raw...)}
}

func (s SignedTransaction) Bytes() []byte {
	return append([]byte(nil), s.raw...)
}

func (s SignedTransaction) Hex() string {
	return hexutil.Encode(s.raw)
}

func (s SignedTransaction) Len() int {
	return len(s.raw)
}

const IntentTypeEVMTransaction = "evm_transaction"

// SigningIntent describes what is about to be signed without carrying any secret,
// so policy engines and remote signer logs can reason about risk without
// decoding raw transaction bytes.
type SigningIntent struct {
	IntentType  string   `json:"intent_type"`
	ChainID     *big.Int `json:"chain_id"`
	To          *string  `json:"to"`
	ValueWei    *big.Int `json:"value_wei"`
	DataHex     string   `json:"data_hex"`
	DataBytes   int      `json:"data_bytes"`
	Gas         uint64   `json:"gas"`
	GasPriceWei *big.Int `json:"gas_price_wei"`
	MaxFeeWei   *big.Int `json:"max_fee_wei,omitempty"`
	Nonce       uint64   `json:"nonce"`
}
