package kms

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"hash/crc32"
	"math/big"
	"sync"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/yukia3e/trading-agent-signer/internal/domain/repository"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

const packageName = "kms"

// KeyManagementClient is the subset of the Cloud KMS client used here.
type KeyManagementClient interface {
	GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...gax.CallOption) (*kmspb.PublicKey, error)
	AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error)
	Decrypt(ctx context.Context, req *kmspb.DecryptRequest, opts ...gax.CallOption) (*kmspb.DecryptResponse, error)
}

// NewClient dials Cloud KMS, using credentialFile when it is set.
func NewClient(ctx context.Context, credentialFile string) (*kms.KeyManagementClient, error) {
	var opts []option.ClientOption
	if credentialFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialFile))
	}
	client, err := kms.NewKeyManagementClient(ctx, opts...)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, util.FuncName(), fmt.Errorf("failed to create kms client: %w", err))
	}
	return client, nil
}

func crc32c(data []byte) uint32 {
	t := crc32.MakeTable(crc32.Castagnoli)
	return crc32.Checksum(data, t)
}

type decrypter struct {
	client  KeyManagementClient
	keyName string
}

// NewDecrypter unwraps secrets encrypted under the symmetric key keyName.
func NewDecrypter(client KeyManagementClient, keyName string) repository.SecretDecrypter {
	return &decrypter{client: client, keyName: keyName}
}

func (d *decrypter) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	funcName := util.FuncName()

	res, err := d.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:             d.keyName,
		Ciphertext:       ciphertext,
		CiphertextCrc32C: wrapperspb.Int64(int64(crc32c(ciphertext))),
	})
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to decrypt: %w", err))
	}
	if int64(crc32c(res.GetPlaintext())) != res.GetPlaintextCrc32C().GetValue() {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("Decrypt: response corrupted in-transit"))
	}

	return res.GetPlaintext(), nil
}

// DigestSigner signs digests with an EC_SIGN_SECP256K1_SHA256 key version.
// The address is resolved once from the public key and cached.
type DigestSigner struct {
	client     KeyManagementClient
	keyVersion string

	mu      sync.Mutex
	address *common.Address
}

func NewDigestSigner(client KeyManagementClient, keyVersion string) *DigestSigner {
	return &DigestSigner{client: client, keyVersion: keyVersion}
}

func (k *DigestSigner) Address(ctx context.Context) (common.Address, error) {
	funcName := util.FuncName()

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.address != nil {
		return *k.address, nil
	}

	pubKey, err := k.getPublicKey(ctx)
	if err != nil {
		return common.Address{}, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to get public key: %w", err))
	}
	addr := crypto.PubkeyToAddress(*pubKey)
	k.address = &addr
	return addr, nil
}

// SignDigest returns the DER signature exactly as KMS produced it.
func (k *DigestSigner) SignDigest(ctx context.Context, digest common.Hash) ([]byte, error) {
	funcName := util.FuncName()

	res, err := k.client.AsymmetricSign(ctx, &kmspb.AsymmetricSignRequest{
		Name: k.keyVersion,
		Digest: &kmspb.Digest{
			Digest: &kmspb.Digest_Sha256{
				Sha256: digest.Bytes(),
			},
		},
		DigestCrc32C: wrapperspb.Int64(int64(crc32c(digest.Bytes()))),
	})
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to sign digest: %w", err))
	}

	if len(res.GetSignature()) == 0 {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to sign digest: empty signature"))
	}

	if int64(crc32c(res.GetSignature())) != res.GetSignatureCrc32C().GetValue() {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("AsymmetricSign: response corrupted in-transit"))
	}

	return res.GetSignature(), nil
}

func (k *DigestSigner) getPublicKey(ctx context.Context) (*ecdsa.PublicKey, error) {
	funcName := util.FuncName()

	publicKeyResponse, err := k.client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{
		Name: k.keyVersion,
	})
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to get public key: %w", err))
	}
	if publicKeyResponse.GetName() != k.keyVersion {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to get public key: invalid key name"))
	}
	publicKeyPEM := publicKeyResponse.GetPem()
	if publicKeyPEM == "" {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to get public key: empty PEM"))
	}
	if int64(crc32c([]byte(publicKeyPEM))) != publicKeyResponse.GetPemCrc32C().GetValue() {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to get public key: invalid CRC32"))
	}

	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to decode public key"))
	}
	return publicKeyFromDER(block.Bytes)
}

func publicKeyFromDER(der []byte) (*ecdsa.PublicKey, error) {
	funcName := util.FuncName()

	var pki struct {
		Raw       asn1.RawContent
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}

	if _, err := asn1.Unmarshal(der, &pki); err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to unmarshal public key: %w", err))
	}
	point := pki.PublicKey.RightAlign()
	if len(point) != 65 || point[0] != 0x04 {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("unexpected public key encoding"))
	}

	return &ecdsa.PublicKey{
		Curve: crypto.S256(),
		X:     new(big.Int).SetBytes(point[1:33]),
		Y:     new(big.Int).SetBytes(point[33:]),
	}, nil
}
