package repository

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
)

// Broadcaster submits already signed transactions.
type Broadcaster interface {
	// SendRawTransaction broadcasts raw and returns the transaction hash
	SendRawTransaction(ctx context.Context, chain string, raw []byte) (string, error)
}

// ChainReader supplies the chain state needed to build native transfers.
type ChainReader interface {
	PendingNonceAt(ctx context.Context, chain string, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context, chain string) (*big.Int, error)
}

// SwapQuoter builds an unsigned swap transaction from a venue quote (e.g. an aggregator API).
type SwapQuoter interface {
	BuildSwapTx(ctx context.Context, req model.SwapQuoteRequest) (*model.TxRequest, error)
}

// OrderPlacer places authenticated exchange orders.
type OrderPlacer interface {
	// PlaceOrder uses clientOrderID for exchange side deduplication when non-empty
	PlaceOrder(ctx context.Context, req model.CexOrderRequest, clientOrderID string) (*model.CexOrder, error)
}

// BusinessPolicy is the business rule layer evaluated before the signer policy.
type BusinessPolicy interface {
	ValidateTransfer(ctx context.Context, req model.TransferRequest) error
	ValidateSwap(ctx context.Context, req model.SwapRequest) error
	ValidateCexOrder(ctx context.Context, req model.CexOrderRequest) error
	ValidateSignerAddress(ctx context.Context, address common.Address) error
	// ValidateRouterAddress vets the contract a swap quote wants us to call.
	ValidateRouterAddress(ctx context.Context, chain string, router common.Address) error
	// ValidateSignIntent judges the fully built transaction just before signing.
	ValidateSignIntent(ctx context.Context, intent model.SigningIntent) error
}

// SecretDecrypter unwraps an encrypted secret such as a keystore passphrase.
type SecretDecrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}
