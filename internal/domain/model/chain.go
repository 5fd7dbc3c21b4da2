package model

import (
	"math/big"
	"sort"
	"strings"

	"github.com/yukia3e/trading-agent-signer/internal/errs"
)

const (
	BlockchainDecimalEthereum     = 1
	BlockchainDecimalOptimism     = 10
	BlockchainDecimalPolygon      = 137
	BlockchainDecimalBase         = 8453
	BlockchainDecimalArbitrum     = 42161
	BlockchainDecimalAmoy         = 80002
	BlockchainDecimalHardhatLocal = 1337
)

var chainIDByName = map[string]int64{
	"ethereum": BlockchainDecimalEthereum,
	"optimism": BlockchainDecimalOptimism,
	"polygon":  BlockchainDecimalPolygon,
	"base":     BlockchainDecimalBase,
	"arbitrum": BlockchainDecimalArbitrum,
	"amoy":     BlockchainDecimalAmoy,
	"hardhat":  BlockchainDecimalHardhatLocal,
}

// ChainID resolves a chain name such as "ethereum" or "base".
func ChainID(chain string) (*big.Int, error) {
	id, ok := chainIDByName[strings.ToLower(strings.TrimSpace(chain))]
	if !ok {
		return nil, errs.Validation("unsupported_chain", "unsupported chain", map[string]any{
			"chain":     chain,
			"supported": SupportedChains(),
		})
	}
	return big.NewInt(id), nil
}

func SupportedChains() []string {
	names := make([]string, 0, len(chainIDByName))
	for name := range chainIDByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
