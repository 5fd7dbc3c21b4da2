package kms

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"math/big"
	"testing"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/yukia3e/trading-agent-signer/internal/codec"
)

const keyVersion = "projects/p/locations/global/keyRings/r/cryptoKeys/signer/cryptoKeyVersions/1"

var (
	oidECPublicKey = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidSecp256k1   = asn1.ObjectIdentifier{1, 3, 132, 0, 10}
)

type mockKMS struct {
	key            *ecdsa.PrivateKey
	plaintext      []byte
	corruptSig     bool
	corruptPlain   bool
	pubKeyCalls    int
	lastCiphertext []byte
	err            error
}

func (m *mockKMS) GetPublicKey(_ context.Context, req *kmspb.GetPublicKeyRequest, _ ...gax.CallOption) (*kmspb.PublicKey, error) {
	m.pubKeyCalls++
	if m.err != nil {
		return nil, m.err
	}
	param, err := asn1.Marshal(oidSecp256k1)
	if err != nil {
		return nil, err
	}
	der, err := asn1.Marshal(struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: oidECPublicKey, Parameters: asn1.RawValue{FullBytes: param}},
		PublicKey: asn1.BitString{Bytes: crypto.FromECDSAPub(&m.key.PublicKey), BitLength: 65 * 8},
	})
	if err != nil {
		return nil, err
	}
	p := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	return &kmspb.PublicKey{Name: req.GetName(), Pem: p, PemCrc32C: wrapperspb.Int64(int64(crc32c([]byte(p))))}, nil
}

func (m *mockKMS) AsymmetricSign(_ context.Context, req *kmspb.AsymmetricSignRequest, _ ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	digest := req.GetDigest().GetSha256()
	if int64(crc32c(digest)) != req.GetDigestCrc32C().GetValue() {
		return nil, errors.New("digest crc mismatch")
	}
	compact, err := crypto.Sign(digest, m.key)
	if err != nil {
		return nil, err
	}
	der, err := asn1.Marshal(struct{ R, S *big.Int }{
		R: new(big.Int).SetBytes(compact[:32]),
		S: new(big.Int).SetBytes(compact[32:64]),
	})
	if err != nil {
		return nil, err
	}
	sum := int64(crc32c(der))
	if m.corruptSig {
		sum++
	}
	return &kmspb.AsymmetricSignResponse{Signature: der, SignatureCrc32C: wrapperspb.Int64(sum)}, nil
}

func (m *mockKMS) Decrypt(_ context.Context, req *kmspb.DecryptRequest, _ ...gax.CallOption) (*kmspb.DecryptResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.lastCiphertext = req.GetCiphertext()
	sum := int64(crc32c(m.plaintext))
	if m.corruptPlain {
		sum++
	}
	return &kmspb.DecryptResponse{Plaintext: m.plaintext, PlaintextCrc32C: wrapperspb.Int64(sum)}, nil
}

func newMock(t *testing.T) *mockKMS {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &mockKMS{key: key}
}

func TestDigestSigner_Address(t *testing.T) {
	t.Parallel()

	m := newMock(t)
	s := NewDigestSigner(m, keyVersion)

	addr, err := s.Address(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(m.key.PublicKey), addr)

	_, err = s.Address(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, m.pubKeyCalls)
}

func TestDigestSigner_SignDigest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		corrupt bool
		err     error
		wantErr string
	}{
		{name: "success"},
		{name: "error - corrupted response", corrupt: true, wantErr: "response corrupted in-transit"},
		{name: "error - kms failure", err: errors.New("permission denied"), wantErr: "permission denied"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := newMock(t)
			m.corruptSig = tt.corrupt
			m.err = tt.err
			s := NewDigestSigner(m, keyVersion)
			digest := crypto.Keccak256Hash([]byte("payload"))

			der, err := s.SignDigest(context.Background(), digest)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)

			r, sv, err := codec.ParseDERSignature(der)
			require.NoError(t, err)
			sig, err := codec.NormalizeSignature(codec.Signature{R: r, S: sv})
			require.NoError(t, err)
			_, err = codec.FindRecoveryID(digest, sig.R, sig.S, crypto.PubkeyToAddress(m.key.PublicKey))
			assert.NoError(t, err)
		})
	}
}

func TestDecrypter_Decrypt(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		m := newMock(t)
		m.plaintext = []byte("correct horse battery staple")
		d := NewDecrypter(m, "projects/p/locations/global/keyRings/r/cryptoKeys/passphrase")

		got, err := d.Decrypt(context.Background(), []byte{0x01, 0x02})
		require.NoError(t, err)
		assert.Equal(t, "correct horse battery staple", string(got))
		assert.Equal(t, []byte{0x01, 0x02}, m.lastCiphertext)
	})

	t.Run("error - corrupted response", func(t *testing.T) {
		t.Parallel()

		m := newMock(t)
		m.plaintext = []byte("secret")
		m.corruptPlain = true
		d := NewDecrypter(m, "k")

		_, err := d.Decrypt(context.Background(), []byte{0x01})
		assert.ErrorContains(t, err, "corrupted")
	})
}

func TestPublicKeyFromDER_RejectsCompressedPoint(t *testing.T) {
	t.Parallel()

	der, err := asn1.Marshal(struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: oidECPublicKey},
		PublicKey: asn1.BitString{Bytes: common.FromHex("0x02aabb"), BitLength: 24},
	})
	require.NoError(t, err)

	_, err = publicKeyFromDER(der)
	assert.Error(t, err)
}
