package model

import "math/big"

// SignerPolicyConfig is loaded once and never mutated. An empty allow-list or a
// nil ceiling leaves that dimension unrestricted.
type SignerPolicyConfig struct {
	AllowedChainIDs          map[int64]struct{}
	AllowedToAddresses       map[string]struct{} // lowercase 0x-hex
	MaxValueWei              *big.Int
	MaxGas                   *uint64
	MaxGasPriceWei           *big.Int
	MaxDataBytes             *uint64
	DisallowContractCreation bool
}

func (c SignerPolicyConfig) HasRules() bool {
	return len(c.AllowedChainIDs) > 0 ||
		len(c.AllowedToAddresses) > 0 ||
		c.MaxValueWei != nil ||
		c.MaxGas != nil ||
		c.MaxGasPriceWei != nil ||
		c.MaxDataBytes != nil ||
		c.DisallowContractCreation
}
