package model

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yukia3e/trading-agent-signer/internal/errs"
)

func TestParseQuantity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       any
		want     *big.Int
		wantCode string
	}{
		{name: "native int", in: 21000, want: big.NewInt(21000)},
		{name: "uint64", in: uint64(5), want: big.NewInt(5)},
		{name: "hex string", in: "0x5208", want: big.NewInt(21000)},
		{name: "upper hex prefix", in: "0X5208", want: big.NewInt(21000)},
		{name: "decimal string", in: " 1000000000 ", want: big.NewInt(1_000_000_000)},
		{name: "zero hex", in: "0x0", want: big.NewInt(0)},
		{name: "json number", in: json.Number("42"), want: big.NewInt(42)},
		{name: "integral float", in: float64(3), want: big.NewInt(3)},
		{name: "nil", in: nil, wantCode: "missing_field"},
		{name: "bool", in: true, wantCode: "invalid_quantity"},
		{name: "negative", in: -1, wantCode: "invalid_quantity"},
		{name: "negative string", in: "-7", wantCode: "invalid_quantity"},
		{name: "garbage", in: "0xzz", wantCode: "invalid_quantity"},
		{name: "bare prefix", in: "0x", wantCode: "invalid_quantity"},
		{name: "fraction", in: 1.5, wantCode: "invalid_quantity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseQuantity(tt.in, "gas")
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, errs.KindValidation, errs.KindOf(err))
				assert.Equal(t, tt.wantCode, errs.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Zero(t, tt.want.Cmp(got), "want %s got %s", tt.want, got)
		})
	}
}

func TestQuantityJSON(t *testing.T) {
	t.Parallel()

	var req TxRequest
	err := json.Unmarshal([]byte(`{"nonce":5,"gas":"0x5208","gasPrice":"1000000000","value":null}`), &req)
	require.NoError(t, err)

	assert.Equal(t, int64(5), req.Nonce.Big().Int64())
	assert.Equal(t, int64(21000), req.Gas.Big().Int64())
	assert.Equal(t, int64(1_000_000_000), req.GasPrice.Big().Int64())
	assert.Nil(t, req.Value.Big())

	out, err := json.Marshal(req.Gas)
	require.NoError(t, err)
	assert.JSONEq(t, `"0x5208"`, string(out))

	err = json.Unmarshal([]byte(`{"gas":true}`), &req)
	assert.Error(t, err)
}

func TestParseUint64QuantityOverflow(t *testing.T) {
	t.Parallel()

	_, err := ParseUint64Quantity("0x10000000000000000", "nonce")
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}
