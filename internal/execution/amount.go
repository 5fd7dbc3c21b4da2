package execution

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/yukia3e/trading-agent-signer/internal/errs"
)

const nativeDecimals = 18

// parseAmount accepts a positive human decimal such as "0.25".
func parseAmount(amount, field string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return decimal.Decimal{}, errs.Validation("invalid_amount", "amount is not a decimal number", map[string]any{
			"field": field,
			"value": amount,
		})
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, errs.Validation("invalid_amount", "amount must be positive", map[string]any{
			"field": field,
			"value": amount,
		})
	}
	return d, nil
}

// toAtomic converts a human amount into base units. Amounts finer than the
// smallest unit are rejected rather than rounded.
func toAtomic(amount string, decimals int32) (*big.Int, error) {
	d, err := parseAmount(amount, "amount")
	if err != nil {
		return nil, err
	}
	shifted := d.Shift(decimals)
	if !shifted.IsInteger() {
		return nil, errs.Validation("invalid_amount", "amount has more precision than the asset supports", map[string]any{
			"value":    amount,
			"decimals": decimals,
		})
	}
	return shifted.BigInt(), nil
}
