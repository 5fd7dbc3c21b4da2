// Package signer holds the closed set of transaction signers: a local key, an
// encrypted keystore, a remote signing service and a two-party MPC signer.
package signer

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
)

const packageName = "signer"

type Kind string

const (
	KindEnvPrivateKey Kind = "env_private_key"
	KindKeystore      Kind = "keystore"
	KindRemote        Kind = "remote"
	KindMPC           Kind = "cb_mpc_2pc"
)

// Signer authorizes transactions. Implementations live in this package only.
type Signer interface {
	Kind() Kind
	// Address is idempotent and may be cached after the first successful call.
	Address(ctx context.Context) (common.Address, error)
	// SignTransaction signs tx for tx.ChainID and returns the broadcast-ready encoding
	// with a low-S signature.
	SignTransaction(ctx context.Context, tx *model.UnsignedTransaction) (model.SignedTransaction, error)

	sealed()
}

type sessionIDKey struct{}

// WithSessionID attaches the correlation id sent to the MPC party. Callers pass
// their idempotency key so a retried signing round reuses the same session.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

func sessionID(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}
