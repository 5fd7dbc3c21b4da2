package devsigner

import (
	"context"
	"crypto/ecdsa"
	"encoding/asn1"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/yukia3e/trading-agent-signer/internal/codec"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

// Party produces DER encoded ECDSA signatures over 32 byte digests.
type Party interface {
	Address(ctx context.Context) (common.Address, error)
	SignDigest(ctx context.Context, digest common.Hash) ([]byte, error)
}

type derSignature struct {
	R, S *big.Int
}

// LocalParty signs with an in-memory key.
type LocalParty struct {
	mu    sync.RWMutex
	key   *ecdsa.PrivateKey
	highS bool
}

// NewLocalParty returns a party for key. With highS set every signature is
// returned as its N - s twin.
func NewLocalParty(key *ecdsa.PrivateKey, highS bool) *LocalParty {
	return &LocalParty{key: key, highS: highS}
}

// Rotate swaps the signing key, as an MPC party would after a reshare.
func (p *LocalParty) Rotate(key *ecdsa.PrivateKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.key = key
}

func (p *LocalParty) Address(_ context.Context) (common.Address, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return crypto.PubkeyToAddress(p.key.PublicKey), nil
}

func (p *LocalParty) SignDigest(_ context.Context, digest common.Hash) ([]byte, error) {
	funcName := util.FuncName()

	p.mu.RLock()
	key := p.key
	p.mu.RUnlock()

	compact, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to sign digest: %w", err))
	}
	sig, err := codec.SignatureFromCompact(compact)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, err)
	}
	if p.highS {
		sig.S = new(big.Int).Sub(codec.CurveOrder(), sig.S)
	}

	der, err := asn1.Marshal(derSignature{R: sig.R, S: sig.S})
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to encode signature: %w", err))
	}
	return der, nil
}
