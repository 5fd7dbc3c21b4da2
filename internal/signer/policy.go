package signer

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
	"github.com/yukia3e/trading-agent-signer/internal/policy"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

// PolicySigner rejects transactions that violate cfg before the inner signer
// sees them.
type PolicySigner struct {
	inner Signer
	cfg   model.SignerPolicyConfig
}

func WithPolicy(inner Signer, cfg model.SignerPolicyConfig) *PolicySigner {
	return &PolicySigner{inner: inner, cfg: cfg}
}

// MaybeWithPolicy wraps inner when policy is enabled or any rule is configured.
// With neither, inner is returned unchanged.
func MaybeWithPolicy(inner Signer, enabled bool, cfg model.SignerPolicyConfig) Signer {
	if !enabled && !cfg.HasRules() {
		return inner
	}
	return WithPolicy(inner, cfg)
}

func (p *PolicySigner) Kind() Kind { return p.inner.Kind() }

func (p *PolicySigner) sealed() {}

func (p *PolicySigner) Inner() Signer { return p.inner }

func (p *PolicySigner) Address(ctx context.Context) (common.Address, error) {
	return p.inner.Address(ctx)
}

func (p *PolicySigner) SignTransaction(ctx context.Context, tx *model.UnsignedTransaction) (model.SignedTransaction, error) {
	funcName := util.FuncName()

	if err := policy.Validate(tx, p.cfg); err != nil {
		log.Warn().Str("code", errs.CodeOf(err)).Str("signer", string(p.inner.Kind())).Msg(util.WrapLogMessage(packageName, funcName, "signer policy violation"))
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, err)
	}
	return p.inner.SignTransaction(ctx, tx)
}
