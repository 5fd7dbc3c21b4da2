package execution

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yukia3e/trading-agent-signer/internal/errs"
)

func TestEnvelope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data any
		err  error
		want map[string]any
	}{
		{
			name: "success",
			data: map[string]string{"tx_hash": "0xabc"},
			want: map[string]any{"ok": true, "data": map[string]any{"tx_hash": "0xabc"}},
		},
		{
			name: "success without data",
			want: map[string]any{"ok": true, "data": map[string]any{}},
		},
		{
			name: "classified error",
			err: fmt.Errorf("wrapped: %w", errs.PolicyViolation("to_not_allowed", "recipient is not allow-listed", map[string]any{
				"to": "0x02",
			})),
			want: map[string]any{"ok": false, "error": map[string]any{
				"code":      "to_not_allowed",
				"message":   "recipient is not allow-listed",
				"kind":      "policy_violation",
				"retryable": false,
				"data":      map[string]any{"to": "0x02"},
			}},
		},
		{
			name: "network error is retryable and hides the cause",
			err:  errs.Network("rpc_unreachable", "chain rpc is unreachable", errors.New("dial tcp 10.0.0.1:8545: secret-host")),
			want: map[string]any{"ok": false, "error": map[string]any{
				"code":      "rpc_unreachable",
				"message":   "chain rpc is unreachable",
				"kind":      "network",
				"retryable": true,
				"data":      map[string]any{},
			}},
		},
		{
			name: "unclassified error",
			err:  errors.New("private key 0xdeadbeef"),
			want: map[string]any{"ok": false, "error": map[string]any{
				"code":      "internal_error",
				"message":   "internal error",
				"kind":      "execution",
				"retryable": false,
				"data":      map[string]any{},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			body, err := Envelope(tt.data, tt.err)
			require.NoError(t, err)

			var got map[string]any
			require.NoError(t, json.Unmarshal(body, &got))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Envelope() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestToAtomic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		amount   string
		decimals int32
		want     string
		wantCode string
	}{
		{name: "half ether", amount: "0.5", decimals: 18, want: "500000000000000000"},
		{name: "whole units", amount: "12", decimals: 6, want: "12000000"},
		{name: "surrounding spaces", amount: " 1.25 ", decimals: 2, want: "125"},
		{name: "smallest unit", amount: "0.000000000000000001", decimals: 18, want: "1"},
		{name: "too precise", amount: "0.0000001", decimals: 6, wantCode: "invalid_amount"},
		{name: "zero", amount: "0", decimals: 18, wantCode: "invalid_amount"},
		{name: "negative", amount: "-1", decimals: 18, wantCode: "invalid_amount"},
		{name: "not a number", amount: "lots", decimals: 18, wantCode: "invalid_amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := toAtomic(tt.amount, tt.decimals)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, errs.CodeOf(err))
				assert.Equal(t, errs.KindValidation, errs.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}
