package signer

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yukia3e/trading-agent-signer/internal/codec"
	"github.com/yukia3e/trading-agent-signer/internal/devsigner"
	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

const (
	hardhatKey     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	hardhatAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func hardhat(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()

	key, err := crypto.HexToECDSA(hardhatKey)
	require.NoError(t, err)
	return key
}

func legacyTx() *model.UnsignedTransaction {
	return &model.UnsignedTransaction{
		Type:     model.TxTypeLegacy,
		ChainID:  big.NewInt(1),
		Nonce:    7,
		To:       util.Pointer(common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")),
		Value:    big.NewInt(1_000_000_000_000_000),
		Gas:      21000,
		GasPrice: big.NewInt(20_000_000_000),
	}
}

func dynamicTx() *model.UnsignedTransaction {
	return &model.UnsignedTransaction{
		Type:                 model.TxTypeDynamicFee,
		ChainID:              big.NewInt(8453),
		Nonce:                2,
		To:                   util.Pointer(common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")),
		Value:                big.NewInt(0),
		Gas:                  120000,
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		MaxFeePerGas:         big.NewInt(40_000_000_000),
		Data:                 common.FromHex("0xa9059cbb"),
	}
}

func senderOf(t *testing.T, signed model.SignedTransaction, chainID *big.Int) common.Address {
	t.Helper()

	var decoded types.Transaction
	require.NoError(t, decoded.UnmarshalBinary(signed.Bytes()))
	_, _, s := decoded.RawSignatureValues()
	assert.True(t, codec.IsLowS(s), "signature must be low-S")
	from, err := types.Sender(types.LatestSignerForChainID(chainID), &decoded)
	require.NoError(t, err)
	return from
}

func devsignerServer(t *testing.T, party devsigner.Party, opts devsigner.Options) (*devsigner.Server, *httptest.Server) {
	t.Helper()

	ds := devsigner.New(party, opts)
	srv := httptest.NewServer(ds.Router())
	t.Cleanup(srv.Close)
	return ds, srv
}

type countingSigner struct {
	Signer
	calls atomic.Int32
}

func (c *countingSigner) SignTransaction(ctx context.Context, tx *model.UnsignedTransaction) (model.SignedTransaction, error) {
	c.calls.Add(1)
	return c.Signer.SignTransaction(ctx, tx)
}

type stubDecrypter struct {
	plaintext []byte
	err       error
	got       []byte
}

func (s *stubDecrypter) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	s.got = ciphertext
	return s.plaintext, s.err
}

func TestNewLocal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		key      string
		wantCode string
	}{
		{name: "success", key: hardhatKey},
		{name: "success - 0x prefix", key: "0x" + hardhatKey},
		{name: "error - missing", key: "  ", wantCode: "missing_private_key"},
		{name: "error - invalid", key: "zz", wantCode: "invalid_private_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, err := NewLocal(tt.key)
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, errs.KindConfiguration, errs.KindOf(err))
				assert.Equal(t, tt.wantCode, errs.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, KindEnvPrivateKey, s.Kind())
			addr, err := s.Address(context.Background())
			require.NoError(t, err)
			assert.Equal(t, hardhatAddress, addr.Hex())
		})
	}
}

func TestLocalSigner_SignTransaction(t *testing.T) {
	t.Parallel()

	s, err := NewLocal(hardhatKey)
	require.NoError(t, err)

	for _, tx := range []*model.UnsignedTransaction{legacyTx(), dynamicTx()} {
		signed, err := s.SignTransaction(context.Background(), tx)
		require.NoError(t, err)
		assert.Equal(t, common.HexToAddress(hardhatAddress), senderOf(t, signed, tx.ChainID))
	}
}

func writeKeystore(t *testing.T, key *ecdsa.PrivateKey, passphrase string) string {
	t.Helper()

	keyJSON, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}, passphrase, keystore.LightScryptN, keystore.LightScryptP)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keystore.json")
	require.NoError(t, os.WriteFile(path, keyJSON, 0o600))
	return path
}

func TestNewKeystore(t *testing.T) {
	t.Parallel()

	path := writeKeystore(t, hardhat(t), "s3cret")

	tests := []struct {
		name        string
		cfg         KeystoreConfig
		wantCode    string
		checkUnwrap bool
	}{
		{name: "success - plain passphrase", cfg: KeystoreConfig{Path: path, Passphrase: "s3cret"}},
		{
			name: "success - kms wrapped passphrase",
			cfg: KeystoreConfig{
				Path:                 path,
				Passphrase:           "ignored",
				PassphraseCiphertext: base64.StdEncoding.EncodeToString([]byte("wrapped")),
				Decrypter:            &stubDecrypter{plaintext: []byte("s3cret")},
			},
			checkUnwrap: true,
		},
		{name: "error - missing path", cfg: KeystoreConfig{Passphrase: "s3cret"}, wantCode: "missing_keystore_path"},
		{name: "error - missing passphrase", cfg: KeystoreConfig{Path: path}, wantCode: "missing_keystore_password"},
		{name: "error - wrong passphrase", cfg: KeystoreConfig{Path: path, Passphrase: "nope"}, wantCode: "keystore_decrypt_failed"},
		{name: "error - file missing", cfg: KeystoreConfig{Path: path + ".missing", Passphrase: "s3cret"}, wantCode: "keystore_not_found"},
		{
			name:     "error - ciphertext without decrypter",
			cfg:      KeystoreConfig{Path: path, PassphraseCiphertext: "d3JhcHBlZA=="},
			wantCode: "missing_kms_decrypter",
		},
		{
			name: "error - kms failure",
			cfg: KeystoreConfig{
				Path:                 path,
				PassphraseCiphertext: "d3JhcHBlZA==",
				Decrypter:            &stubDecrypter{err: errors.New("permission denied")},
			},
			wantCode: "keystore_password_unwrap_failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, err := NewKeystore(context.Background(), tt.cfg)
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, errs.KindConfiguration, errs.KindOf(err))
				assert.Equal(t, tt.wantCode, errs.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, KindKeystore, s.Kind())

			signed, err := s.SignTransaction(context.Background(), dynamicTx())
			require.NoError(t, err)
			assert.Equal(t, common.HexToAddress(hardhatAddress), senderOf(t, signed, big.NewInt(8453)))

			if tt.checkUnwrap {
				assert.Equal(t, []byte("wrapped"), tt.cfg.Decrypter.(*stubDecrypter).got)
			}
		})
	}
}

func TestRemoteSigner(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		_, srv := devsignerServer(t, devsigner.NewLocalParty(hardhat(t), false), devsigner.Options{})
		s, err := NewRemote(srv.Client(), srv.URL+"/", time.Second)
		require.NoError(t, err)

		for _, tx := range []*model.UnsignedTransaction{legacyTx(), dynamicTx()} {
			signed, err := s.SignTransaction(context.Background(), tx)
			require.NoError(t, err)
			assert.Equal(t, common.HexToAddress(hardhatAddress), senderOf(t, signed, tx.ChainID))
		}
	})

	t.Run("error - remote veto", func(t *testing.T) {
		t.Parallel()

		_, srv := devsignerServer(t, devsigner.NewLocalParty(hardhat(t), false), devsigner.Options{
			Policy: &model.SignerPolicyConfig{AllowedChainIDs: map[int64]struct{}{137: {}}},
		})
		s, err := NewRemote(srv.Client(), srv.URL, time.Second)
		require.NoError(t, err)

		_, err = s.SignTransaction(context.Background(), legacyTx())
		require.Error(t, err)
		assert.Equal(t, errs.KindPolicyViolation, errs.KindOf(err))
		assert.Equal(t, "remote_signer_rejected", errs.CodeOf(err))
	})

	t.Run("error - tampered transaction", func(t *testing.T) {
		t.Parallel()

		other, err := NewLocal(hardhatKey)
		require.NoError(t, err)
		tampered := legacyTx()
		tampered.To = util.Pointer(common.HexToAddress("0x00000000000000000000000000000000000000ee"))
		signedOther, err := other.SignTransaction(context.Background(), tampered)
		require.NoError(t, err)

		mux := http.NewServeMux()
		mux.HandleFunc("/address", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"address":"` + hardhatAddress + `"}`))
		})
		mux.HandleFunc("/sign_transaction", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"rawTransactionHex":"` + signedOther.Hex() + `"}`))
		})
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)

		s, err := NewRemote(srv.Client(), srv.URL, time.Second)
		require.NoError(t, err)
		_, err = s.SignTransaction(context.Background(), legacyTx())
		require.Error(t, err)
		assert.Equal(t, errs.KindSignature, errs.KindOf(err))
		assert.Equal(t, "signed_payload_mismatch", errs.CodeOf(err))
	})

	t.Run("error - server failure", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/address" {
				_, _ = w.Write([]byte(`{"address":"` + hardhatAddress + `"}`))
				return
			}
			w.WriteHeader(http.StatusBadGateway)
		}))
		t.Cleanup(srv.Close)

		s, err := NewRemote(srv.Client(), srv.URL, time.Second)
		require.NoError(t, err)
		_, err = s.SignTransaction(context.Background(), legacyTx())
		require.Error(t, err)
		assert.True(t, errs.IsRetryable(err))
		assert.Equal(t, "remote_signer_unavailable", errs.CodeOf(err))
	})

	t.Run("error - missing raw transaction", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/address" {
				_, _ = w.Write([]byte(`{"address":"` + hardhatAddress + `"}`))
				return
			}
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		t.Cleanup(srv.Close)

		s, err := NewRemote(srv.Client(), srv.URL, time.Second)
		require.NoError(t, err)
		_, err = s.SignTransaction(context.Background(), legacyTx())
		assert.Equal(t, "malformed_remote_response", errs.CodeOf(err))
	})

	t.Run("error - missing url", func(t *testing.T) {
		t.Parallel()

		_, err := NewRemote(nil, " ", time.Second)
		assert.Equal(t, "missing_remote_signer_url", errs.CodeOf(err))
	})
}

func TestMPCSigner(t *testing.T) {
	t.Parallel()

	t.Run("success - high-S party output is normalized", func(t *testing.T) {
		t.Parallel()

		ds, srv := devsignerServer(t, devsigner.NewLocalParty(hardhat(t), true), devsigner.Options{})
		s, err := NewMPC(srv.Client(), srv.URL, time.Second)
		require.NoError(t, err)

		for _, tx := range []*model.UnsignedTransaction{legacyTx(), dynamicTx()} {
			signed, err := s.SignTransaction(WithSessionID(context.Background(), "idem-1"), tx)
			require.NoError(t, err)
			assert.Equal(t, common.HexToAddress(hardhatAddress), senderOf(t, signed, tx.ChainID))
		}
		assert.Equal(t, 2, ds.SessionCount("idem-1"))
	})

	t.Run("stale address fails once then re-resolves", func(t *testing.T) {
		t.Parallel()

		party := devsigner.NewLocalParty(hardhat(t), false)
		_, srv := devsignerServer(t, party, devsigner.Options{})
		s, err := NewMPC(srv.Client(), srv.URL, time.Second)
		require.NoError(t, err)

		_, err = s.Address(context.Background())
		require.NoError(t, err)

		rotated, err := crypto.GenerateKey()
		require.NoError(t, err)
		party.Rotate(rotated)

		_, err = s.SignTransaction(context.Background(), legacyTx())
		require.Error(t, err)
		assert.Equal(t, errs.KindSignature, errs.KindOf(err))
		assert.Equal(t, "recovery_id_mismatch", errs.CodeOf(err))

		signed, err := s.SignTransaction(context.Background(), legacyTx())
		require.NoError(t, err)
		assert.Equal(t, crypto.PubkeyToAddress(rotated.PublicKey), senderOf(t, signed, big.NewInt(1)))
	})

	t.Run("error - party reports failure", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/address" {
				_, _ = w.Write([]byte(`{"address":"` + hardhatAddress + `"}`))
				return
			}
			_, _ = w.Write([]byte(`{"ok":false,"error":"peer_not_ready"}`))
		}))
		t.Cleanup(srv.Close)

		s, err := NewMPC(srv.Client(), srv.URL, time.Second)
		require.NoError(t, err)
		_, err = s.SignTransaction(context.Background(), legacyTx())
		assert.Equal(t, errs.KindSignature, errs.KindOf(err))
		assert.Equal(t, "mpc_sign_failed", errs.CodeOf(err))
	})

	t.Run("error - timeout", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		t.Cleanup(func() {
			close(release)
			srv.Close()
		})

		s, err := NewMPC(srv.Client(), srv.URL, 50*time.Millisecond)
		require.NoError(t, err)
		_, err = s.SignTransaction(context.Background(), legacyTx())
		require.Error(t, err)
		assert.Equal(t, errs.KindNetwork, errs.KindOf(err))
		assert.True(t, errs.IsRetryable(err))
	})
}

func TestMaybeWithPolicy(t *testing.T) {
	t.Parallel()

	inner, err := NewLocal(hardhatKey)
	require.NoError(t, err)

	assert.Same(t, inner, MaybeWithPolicy(inner, false, model.SignerPolicyConfig{}))

	wrapped := MaybeWithPolicy(inner, true, model.SignerPolicyConfig{})
	require.IsType(t, &PolicySigner{}, wrapped)
	assert.Equal(t, KindEnvPrivateKey, wrapped.Kind())

	byRule := MaybeWithPolicy(inner, false, model.SignerPolicyConfig{DisallowContractCreation: true})
	require.IsType(t, &PolicySigner{}, byRule)
}

func TestPolicySigner_RejectsBeforeSigning(t *testing.T) {
	t.Parallel()

	local, err := NewLocal(hardhatKey)
	require.NoError(t, err)
	inner := &countingSigner{Signer: local}
	s := WithPolicy(inner, model.SignerPolicyConfig{
		AllowedToAddresses: map[string]struct{}{"0x70997970c51812dc3a010c7d01b50e0d17dc79c8": {}},
		MaxValueWei:        big.NewInt(1_000_000_000_000_000),
	})

	_, err = s.SignTransaction(context.Background(), legacyTx())
	require.NoError(t, err)

	over := legacyTx()
	over.Value = big.NewInt(1_000_000_000_000_001)
	_, err = s.SignTransaction(context.Background(), over)
	assert.Equal(t, "value_too_large", errs.CodeOf(err))

	elsewhere := legacyTx()
	elsewhere.To = util.Pointer(common.HexToAddress("0x00000000000000000000000000000000000000aa"))
	_, err = s.SignTransaction(context.Background(), elsewhere)
	assert.Equal(t, "to_not_allowed", errs.CodeOf(err))

	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestNew(t *testing.T) {
	t.Parallel()

	s, err := New(context.Background(), Config{Type: "env_private_key", PrivateKey: hardhatKey})
	require.NoError(t, err)
	assert.Equal(t, KindEnvPrivateKey, s.Kind())

	s, err = New(context.Background(), Config{
		Type:       "env_private_key",
		PrivateKey: hardhatKey,
		Policy:     model.SignerPolicyConfig{MaxGas: util.Pointer(uint64(100000))},
	})
	require.NoError(t, err)
	assert.IsType(t, &PolicySigner{}, s)

	_, err = New(context.Background(), Config{Type: "hsm"})
	assert.Equal(t, errs.KindConfiguration, errs.KindOf(err))
	assert.Equal(t, "unsupported_signer_type", errs.CodeOf(err))

	_, err = New(context.Background(), Config{Type: "cb_mpc_2pc"})
	assert.Equal(t, "missing_mpc_signer_url", errs.CodeOf(err))
}
