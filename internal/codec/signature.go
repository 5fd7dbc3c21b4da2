package codec

import (
	"bytes"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

var (
	secp256k1N, _  = new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)
	secp256k1halfN = new(big.Int).Div(secp256k1N, big.NewInt(2))
)

// Signature is a detached secp256k1 signature with its recovery id (0 or 1).
type Signature struct {
	R          *big.Int
	S          *big.Int
	RecoveryID byte
}

// CurveOrder returns a copy of the secp256k1 group order.
func CurveOrder() *big.Int {
	return new(big.Int).Set(secp256k1N)
}

// IsLowS reports s <= N/2.
func IsLowS(s *big.Int) bool {
	return s != nil && s.Cmp(secp256k1halfN) <= 0
}

// SignatureFromCompact splits the 65 byte [R || S || V] form returned by crypto.Sign.
func SignatureFromCompact(sig []byte) (Signature, error) {
	if len(sig) != crypto.SignatureLength {
		return Signature{}, errs.Signature("malformed_signature", fmt.Sprintf("expected %d byte signature, got %d", crypto.SignatureLength, len(sig)), nil)
	}
	if sig[64] > 1 {
		return Signature{}, errs.Signature("malformed_signature", "recovery id must be 0 or 1", nil)
	}
	return Signature{
		R:          new(big.Int).SetBytes(sig[:32]),
		S:          new(big.Int).SetBytes(sig[32:64]),
		RecoveryID: sig[64],
	}, nil
}

// Compact returns the 65 byte [R || S || V] form.
func (s Signature) Compact() []byte {
	out := make([]byte, crypto.SignatureLength)
	s.R.FillBytes(out[:32])
	s.S.FillBytes(out[32:64])
	out[64] = s.RecoveryID
	return out
}

// NormalizeSignature enforces 0 < r, s < N and rewrites s to N - s when s > N/2,
// flipping the recovery id so the signature still recovers to the same key.
func NormalizeSignature(sig Signature) (Signature, error) {
	if sig.R == nil || sig.R.Sign() <= 0 || sig.R.Cmp(secp256k1N) >= 0 {
		return Signature{}, errs.Signature("invalid_signature_r", "signature r is out of range", nil)
	}
	if sig.S == nil || sig.S.Sign() <= 0 || sig.S.Cmp(secp256k1N) >= 0 {
		return Signature{}, errs.Signature("invalid_signature_s", "signature s is out of range", nil)
	}
	if sig.RecoveryID > 1 {
		return Signature{}, errs.Signature("invalid_recovery_id", "recovery id must be 0 or 1", nil)
	}
	out := Signature{R: new(big.Int).Set(sig.R), S: new(big.Int).Set(sig.S), RecoveryID: sig.RecoveryID}
	if out.S.Cmp(secp256k1halfN) > 0 {
		out.S.Sub(secp256k1N, out.S)
		out.RecoveryID ^= 1
	}
	return out, nil
}

// ParseDERSignature decodes an ASN.1 DER ECDSA signature into r and s.
func ParseDERSignature(der []byte) (r *big.Int, s *big.Int, err error) {
	funcName := util.FuncName()

	sig := new(struct {
		R *big.Int
		S *big.Int
	})

	rest, err := asn1.Unmarshal(der, sig)
	if err != nil {
		return nil, nil, util.WrapErrorForLog(packageName, funcName, errs.Signature("malformed_der_signature", "failed to unmarshal signature", err))
	}
	if len(rest) > 0 {
		return nil, nil, util.WrapErrorForLog(packageName, funcName, errs.Signature("malformed_der_signature", "trailing bytes after signature", nil))
	}
	if sig.R == nil || sig.S == nil {
		return nil, nil, util.WrapErrorForLog(packageName, funcName, errs.Signature("malformed_der_signature", "signature is missing r or s", nil))
	}

	return sig.R, sig.S, nil
}

// FindRecoveryID tries both recovery ids and returns the one whose recovered
// public key hashes to expected. r and s must already be normalized.
func FindRecoveryID(digest common.Hash, r, s *big.Int, expected common.Address) (byte, error) {
	funcName := util.FuncName()

	for _, v := range []byte{0, 1} {
		candidate := Signature{R: r, S: s, RecoveryID: v}
		pub, err := crypto.SigToPub(digest.Bytes(), candidate.Compact())
		if err != nil {
			continue
		}
		if crypto.PubkeyToAddress(*pub) == expected {
			return v, nil
		}
	}

	return 0, util.WrapErrorForLog(packageName, funcName, errs.Signature("recovery_id_mismatch", "could not determine recovery id (address mismatch)", nil))
}

// RecoverAddress returns the address that produced sig over digest.
func RecoverAddress(digest common.Hash, sig Signature) (common.Address, error) {
	funcName := util.FuncName()

	pub, err := crypto.SigToPub(digest.Bytes(), sig.Compact())
	if err != nil {
		return common.Address{}, util.WrapErrorForLog(packageName, funcName, errs.Signature("recover_failed", "failed to recover public key", err))
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// DecodeSignature extracts the signature of a raw signed transaction.
// Legacy transactions must carry an EIP-155 v for chainID.
func DecodeSignature(raw []byte, chainID *big.Int) (Signature, error) {
	funcName := util.FuncName()

	var decoded types.Transaction
	if err := decoded.UnmarshalBinary(raw); err != nil {
		return Signature{}, util.WrapErrorForLog(packageName, funcName, errs.Signature("malformed_raw_transaction", "failed to decode raw transaction", err))
	}

	v, r, s := decoded.RawSignatureValues()
	var recid *big.Int
	switch decoded.Type() {
	case types.LegacyTxType:
		recid = new(big.Int).Sub(v, LegacyV(chainID, 0))
	case types.DynamicFeeTxType:
		recid = new(big.Int).Set(v)
	default:
		return Signature{}, util.WrapErrorForLog(packageName, funcName, errs.Signature("unsupported_tx_type", fmt.Sprintf("unsupported signed tx type %d", decoded.Type()), nil))
	}
	if recid.Sign() < 0 || recid.Cmp(big.NewInt(1)) > 0 {
		return Signature{}, util.WrapErrorForLog(packageName, funcName, errs.New(errs.KindSignature, "invalid_v", "signature v does not match chain id", map[string]any{"v": v.String()}))
	}

	return Signature{R: r, S: s, RecoveryID: byte(recid.Uint64())}, nil
}

// VerifySignedTransaction checks that raw is exactly tx signed by expected with a low-S signature.
func VerifySignedTransaction(raw []byte, tx *model.UnsignedTransaction, expected common.Address) error {
	funcName := util.FuncName()

	sig, err := DecodeSignature(raw, tx.ChainID)
	if err != nil {
		return util.WrapErrorForLog(packageName, funcName, err)
	}
	if !IsLowS(sig.S) {
		return util.WrapErrorForLog(packageName, funcName, errs.Signature("high_s_signature", "signature s is not normalized to the lower half order", nil))
	}

	rebuilt, err := Assemble(tx, sig)
	if err != nil {
		return util.WrapErrorForLog(packageName, funcName, err)
	}
	if !bytes.Equal(rebuilt.Bytes(), raw) {
		return util.WrapErrorForLog(packageName, funcName, errs.Signature("signed_payload_mismatch", "signed transaction does not match the requested transaction", nil))
	}

	digest, err := Digest(tx)
	if err != nil {
		return util.WrapErrorForLog(packageName, funcName, err)
	}
	addr, err := RecoverAddress(digest, sig)
	if err != nil {
		return util.WrapErrorForLog(packageName, funcName, err)
	}
	if addr != expected {
		return util.WrapErrorForLog(packageName, funcName, errs.New(errs.KindSignature, "signer_address_mismatch", "signed transaction recovers to an unexpected address", map[string]any{
			"expected": expected.Hex(),
			"got":      addr.Hex(),
		}))
	}
	return nil
}
