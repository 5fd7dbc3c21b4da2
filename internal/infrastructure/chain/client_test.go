package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yukia3e/trading-agent-signer/internal/errs"
)

type mockBackend struct {
	mu      sync.Mutex
	nonce   uint64
	price   *big.Int
	sendErr error
	sent    []*types.Transaction
	closed  bool
}

func (m *mockBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return m.nonce, nil
}

func (m *mockBackend) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return m.price, nil
}

func (m *mockBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, tx)
	return nil
}

func (m *mockBackend) Close() {
	m.closed = true
}

func newTestClient(backend *mockBackend, dials *int) *Client {
	return New(time.Second,
		WithRPCURLs(map[string]string{"base": "http://base.invalid"}),
		WithDialer(func(_ context.Context, url string) (Backend, error) {
			*dials++
			return backend, nil
		}),
	)
}

func signedRaw(t *testing.T) ([]byte, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress("0x0000000000000000000000000000000000000002")
	tx := types.NewTx(&types.LegacyTx{Nonce: 5, GasPrice: big.NewInt(1_000_000_000), Gas: 21000, To: &to, Value: big.NewInt(0)})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(8453)), key)
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)
	return raw, signed.Hash().Hex()
}

func TestClient_SendRawTransaction(t *testing.T) {
	t.Parallel()
	backend := &mockBackend{}
	dials := 0
	c := newTestClient(backend, &dials)

	raw, wantHash := signedRaw(t)
	hash, err := c.SendRawTransaction(context.Background(), "Base", raw)
	require.NoError(t, err)
	assert.Equal(t, wantHash, hash)
	require.Len(t, backend.sent, 1)

	_, err = c.SendRawTransaction(context.Background(), "base", raw)
	require.NoError(t, err)
	assert.Equal(t, 1, dials)

	c.Close()
	assert.True(t, backend.closed)
}

func TestClient_SendRawTransaction_Errors(t *testing.T) {
	t.Parallel()

	t.Run("garbage", func(t *testing.T) {
		t.Parallel()
		dials := 0
		c := newTestClient(&mockBackend{}, &dials)
		_, err := c.SendRawTransaction(context.Background(), "base", []byte{0x01, 0x02})
		assert.Equal(t, "invalid_raw_transaction", errs.CodeOf(err))
		assert.Zero(t, dials)
	})

	t.Run("missing rpc url", func(t *testing.T) {
		t.Parallel()
		dials := 0
		c := newTestClient(&mockBackend{}, &dials)
		raw, _ := signedRaw(t)
		_, err := c.SendRawTransaction(context.Background(), "polygon", raw)
		assert.Equal(t, errs.KindConfiguration, errs.KindOf(err))
		assert.Equal(t, "missing_rpc_url", errs.CodeOf(err))
	})

	t.Run("rpc failure is retryable", func(t *testing.T) {
		t.Parallel()
		dials := 0
		c := newTestClient(&mockBackend{sendErr: errors.New("connection reset")}, &dials)
		raw, _ := signedRaw(t)
		_, err := c.SendRawTransaction(context.Background(), "base", raw)
		assert.Equal(t, "broadcast_failed", errs.CodeOf(err))
		assert.True(t, errs.IsRetryable(err))
	})
}

func TestClient_Reader(t *testing.T) {
	t.Parallel()
	dials := 0
	c := newTestClient(&mockBackend{nonce: 7, price: big.NewInt(42)}, &dials)

	nonce, err := c.PendingNonceAt(context.Background(), "base", common.Address{})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), nonce)

	price, err := c.SuggestGasPrice(context.Background(), "base")
	require.NoError(t, err)
	assert.Equal(t, int64(42), price.Int64())
}
