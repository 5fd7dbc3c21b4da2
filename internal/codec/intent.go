package codec

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
)

// BuildIntent projects tx into its non-secret SigningIntent.
func BuildIntent(tx *model.UnsignedTransaction) model.SigningIntent {
	intent := model.SigningIntent{
		IntentType: model.IntentTypeEVMTransaction,
		ChainID:    copyBig(tx.ChainID),
		ValueWei:   copyBig(value(tx)),
		DataHex:    hexutil.Encode(data(tx)),
		DataBytes:  len(tx.Data),
		Gas:        tx.Gas,
		Nonce:      tx.Nonce,
	}
	if tx.To != nil {
		to := tx.To.Hex()
		intent.To = &to
	}
	switch tx.Type {
	case model.TxTypeLegacy:
		intent.GasPriceWei = copyBig(tx.GasPrice)
	case model.TxTypeDynamicFee:
		intent.MaxFeeWei = copyBig(tx.MaxFeePerGas)
	}
	return intent
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
