package model

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/yukia3e/trading-agent-signer/internal/errs"
)

// Quantity is a non-negative integer that upstream quote and RPC APIs return
// either as a JSON number or as a decimal / 0x-prefixed hex string.
type Quantity struct {
	v *big.Int
}

func NewQuantity(v *big.Int) *Quantity {
	if v == nil {
		return nil
	}
	return &Quantity{v: new(big.Int).Set(v)}
}

func QuantityFromUint64(v uint64) *Quantity {
	return &Quantity{v: new(big.Int).SetUint64(v)}
}

// Big returns a copy; nil for a nil Quantity.
func (q *Quantity) Big() *big.Int {
	if q == nil || q.v == nil {
		return nil
	}
	return new(big.Int).Set(q.v)
}

func (q Quantity) MarshalJSON() ([]byte, error) {
	if q.v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(hexutil.EncodeBig(q.v))
}

func (q *Quantity) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		q.v = nil
		return nil
	}
	var v any
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		v = str
	} else {
		v = json.Number(s)
	}
	parsed, err := ParseQuantity(v, "quantity")
	if err != nil {
		return err
	}
	q.v = parsed
	return nil
}

// ParseQuantity accepts native integers, *big.Int, json.Number, integral floats
// and decimal or 0x-prefixed hex strings. Booleans, negatives and anything else
// are validation errors naming the field.
func ParseQuantity(v any, field string) (*big.Int, error) {
	invalid := func(reason string) error {
		return errs.Validation("invalid_quantity", fmt.Sprintf("invalid integer field %s: %s", field, reason), map[string]any{"field": field})
	}

	var out *big.Int
	switch x := v.(type) {
	case nil:
		return nil, errs.Validation("missing_field", fmt.Sprintf("missing required tx field: %s", field), map[string]any{"field": field})
	case bool:
		return nil, invalid("boolean is not an integer")
	case int:
		out = big.NewInt(int64(x))
	case int64:
		out = big.NewInt(x)
	case uint64:
		out = new(big.Int).SetUint64(x)
	case uint:
		out = new(big.Int).SetUint64(uint64(x))
	case *big.Int:
		if x == nil {
			return nil, errs.Validation("missing_field", fmt.Sprintf("missing required tx field: %s", field), map[string]any{"field": field})
		}
		out = new(big.Int).Set(x)
	case float64:
		f := new(big.Float).SetFloat64(x)
		if !f.IsInt() {
			return nil, invalid("not an integer")
		}
		out, _ = f.Int(nil)
	case json.Number:
		return ParseQuantity(string(x), field)
	case string:
		s := strings.ToLower(strings.TrimSpace(x))
		if s == "" {
			return nil, invalid("empty string")
		}
		var ok bool
		if strings.HasPrefix(s, "0x") {
			if len(s) == 2 {
				return nil, invalid("empty hex string")
			}
			out, ok = new(big.Int).SetString(s[2:], 16)
		} else {
			out, ok = new(big.Int).SetString(s, 10)
			if !ok {
				f, _, err := big.ParseFloat(s, 10, 256, big.ToNearestEven)
				if err == nil && f.IsInt() {
					out, _ = f.Int(nil)
					ok = true
				}
			}
		}
		if !ok {
			return nil, invalid("not a decimal or 0x-hex integer")
		}
	default:
		return nil, invalid(fmt.Sprintf("unsupported type %T", v))
	}

	if out.Sign() < 0 {
		return nil, invalid("negative")
	}
	return out, nil
}

// ParseUint64Quantity is ParseQuantity bounded to uint64 (nonce, gas).
func ParseUint64Quantity(v any, field string) (uint64, error) {
	b, err := ParseQuantity(v, field)
	if err != nil {
		return 0, err
	}
	if !b.IsUint64() {
		return 0, errs.Validation("invalid_quantity", fmt.Sprintf("invalid integer field %s: overflows uint64", field), map[string]any{"field": field})
	}
	return b.Uint64(), nil
}
