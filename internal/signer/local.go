package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/yukia3e/trading-agent-signer/internal/codec"
	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

type localSigner struct {
	kind    Kind
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewLocal signs with a hex encoded secp256k1 private key held in memory.
func NewLocal(privateKeyHex string) (Signer, error) {
	funcName := util.FuncName()

	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if privateKeyHex == "" {
		return nil, util.WrapErrorForLog(packageName, funcName, errs.Configuration("missing_private_key", "PRIVATE_KEY environment variable not set"))
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, errs.Wrap(errs.KindConfiguration, "invalid_private_key", "PRIVATE_KEY is not a valid secp256k1 key", err))
	}
	return newLocalSigner(KindEnvPrivateKey, key), nil
}

func newLocalSigner(kind Kind, key *ecdsa.PrivateKey) *localSigner {
	return &localSigner{
		kind:    kind,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

func (s *localSigner) Kind() Kind { return s.kind }

func (s *localSigner) sealed() {}

func (s *localSigner) Address(_ context.Context) (common.Address, error) {
	return s.address, nil
}

func (s *localSigner) SignTransaction(_ context.Context, tx *model.UnsignedTransaction) (model.SignedTransaction, error) {
	funcName := util.FuncName()

	digest, err := codec.Digest(tx)
	if err != nil {
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, err)
	}
	compact, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, errs.Signature("local_sign_failed", "failed to sign digest", fmt.Errorf("crypto.Sign: %w", err)))
	}
	sig, err := codec.SignatureFromCompact(compact)
	if err != nil {
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, err)
	}

	signed, err := codec.Assemble(tx, sig)
	if err != nil {
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, err)
	}
	return signed, nil
}
