// Package policy holds the signer-side transaction rules and the venue gate.
package policy

import (
	"math/big"
	"sort"
	"strings"

	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
)

// Validate checks tx against cfg, in order, and returns the first violation:
// contract creation, chain id, recipient, value, gas, gas price, calldata size.
func Validate(tx *model.UnsignedTransaction, cfg model.SignerPolicyConfig) error {
	if cfg.DisallowContractCreation && tx.To == nil {
		return errs.PolicyViolation(
			"contract_creation_not_allowed",
			"Contract creation tx (missing 'to') is disallowed by signer policy.",
			map[string]any{},
		)
	}

	if len(cfg.AllowedChainIDs) > 0 {
		if tx.ChainID == nil || !tx.ChainID.IsInt64() || !contains(cfg.AllowedChainIDs, tx.ChainID.Int64()) {
			return errs.PolicyViolation(
				"chain_id_not_allowed",
				"Transaction chain_id is not allowlisted by signer policy.",
				map[string]any{"chain_id": bigString(tx.ChainID), "allowed_chain_ids": sortedChainIDs(cfg.AllowedChainIDs)},
			)
		}
	}

	if len(cfg.AllowedToAddresses) > 0 && tx.To != nil {
		to := strings.ToLower(tx.To.Hex())
		if _, ok := cfg.AllowedToAddresses[to]; !ok {
			return errs.PolicyViolation(
				"to_not_allowed",
				"Transaction recipient/contract address is not allowlisted by signer policy.",
				map[string]any{"to": tx.To.Hex(), "allowed_to_addresses": sortedAddresses(cfg.AllowedToAddresses)},
			)
		}
	}

	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}
	if cfg.MaxValueWei != nil && value.Cmp(cfg.MaxValueWei) > 0 {
		return errs.PolicyViolation(
			"value_too_large",
			"Transaction value exceeds signer policy limit.",
			map[string]any{"value_wei": value.String(), "max_value_wei": cfg.MaxValueWei.String()},
		)
	}

	if cfg.MaxGas != nil && *cfg.MaxGas > 0 && tx.Gas > 0 && tx.Gas > *cfg.MaxGas {
		return errs.PolicyViolation(
			"gas_too_large",
			"Transaction gas exceeds signer policy limit.",
			map[string]any{"gas": tx.Gas, "max_gas": *cfg.MaxGas},
		)
	}

	if gp := tx.EffectiveGasPrice(); cfg.MaxGasPriceWei != nil && cfg.MaxGasPriceWei.Sign() > 0 && gp != nil && gp.Sign() > 0 && gp.Cmp(cfg.MaxGasPriceWei) > 0 {
		return errs.PolicyViolation(
			"gas_price_too_large",
			"Transaction gas price exceeds signer policy limit.",
			map[string]any{"gas_price_wei": gp.String(), "max_gas_price_wei": cfg.MaxGasPriceWei.String()},
		)
	}

	if cfg.MaxDataBytes != nil && uint64(len(tx.Data)) > *cfg.MaxDataBytes {
		return errs.PolicyViolation(
			"data_too_large",
			"Transaction calldata exceeds signer policy limit.",
			map[string]any{"data_bytes": len(tx.Data), "max_data_bytes": *cfg.MaxDataBytes},
		)
	}

	return nil
}

// VenueAllowed is the execution-mode gate. Unknown modes deny.
func VenueAllowed(mode model.ExecutionMode, venue model.Venue) bool {
	switch mode {
	case model.ExecutionModeHybrid:
		return venue == model.VenueDEX || venue == model.VenueCEX
	case model.ExecutionModeDEX:
		return venue == model.VenueDEX
	case model.ExecutionModeCEX:
		return venue == model.VenueCEX
	default:
		return false
	}
}

func contains(set map[int64]struct{}, v int64) bool {
	_, ok := set[v]
	return ok
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func sortedChainIDs(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedAddresses(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
