package signer

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"

	"github.com/yukia3e/trading-agent-signer/internal/codec"
	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
	apphttp "github.com/yukia3e/trading-agent-signer/internal/infrastructure/http"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

type signDigestReq struct {
	SessionID string `json:"session_id"`
	DigestHex string `json:"digest_hex"`
}

type signDigestRes struct {
	OK              bool   `json:"ok"`
	SignatureDERHex string `json:"signature_der_hex"`
	Error           string `json:"error"`
}

// mpcSigner never holds the private key. It sends only the digest to the MPC
// party and assembles the transaction locally.
type mpcSigner struct {
	client *apphttp.JSONClient
	cache  addressCache
}

func NewMPC(httpClient *http.Client, baseURL string, timeout time.Duration) (Signer, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, util.WrapErrorForLog(packageName, util.FuncName(), errs.Configuration("missing_mpc_signer_url", "MPC_SIGNER_URL environment variable not set"))
	}
	return &mpcSigner{client: apphttp.NewJSONClient(httpClient, baseURL, timeout)}, nil
}

func (s *mpcSigner) Kind() Kind { return KindMPC }

func (s *mpcSigner) sealed() {}

func (s *mpcSigner) Address(ctx context.Context) (common.Address, error) {
	return s.cache.get(ctx, func(ctx context.Context) (common.Address, error) {
		return fetchAddress(ctx, s.client, "mpc_signer")
	})
}

func (s *mpcSigner) SignTransaction(ctx context.Context, tx *model.UnsignedTransaction) (model.SignedTransaction, error) {
	funcName := util.FuncName()

	digest, err := codec.Digest(tx)
	if err != nil {
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, err)
	}

	sid := sessionID(ctx)
	der, err := s.signDigest(ctx, digest, sid)
	if err != nil {
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, err)
	}

	r, sv, err := codec.ParseDERSignature(der)
	if err != nil {
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, err)
	}
	sig, err := codec.NormalizeSignature(codec.Signature{R: r, S: sv})
	if err != nil {
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, err)
	}

	expected, err := s.Address(ctx)
	if err != nil {
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, err)
	}
	recoveryID, err := codec.FindRecoveryID(digest, sig.R, sig.S, expected)
	if err != nil {
		// The party may have rotated keys. Fail this attempt and re-resolve on the next one.
		s.cache.invalidate()
		log.Error().Str("session_id", sid).Str("expected", expected.Hex()).Msg(util.WrapLogMessage(packageName, funcName, "mpc signature does not recover to cached address"))
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, err)
	}
	sig.RecoveryID = recoveryID

	signed, err := codec.Assemble(tx, sig)
	if err != nil {
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, err)
	}
	return signed, nil
}

func (s *mpcSigner) signDigest(ctx context.Context, digest common.Hash, sid string) ([]byte, error) {
	funcName := util.FuncName()

	var res signDigestRes
	req := signDigestReq{SessionID: sid, DigestHex: digest.Hex()}
	if err := s.client.PostJSON(ctx, "/sign_digest", req, &res); err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, classifyHTTPError(err, "mpc_signer"))
	}
	if !res.OK {
		return nil, util.WrapErrorForLog(packageName, funcName, errs.New(errs.KindSignature, "mpc_sign_failed", "MPC signing failed", map[string]any{"reason": res.Error}))
	}

	sigHex := strings.TrimSpace(res.SignatureDERHex)
	if !strings.HasPrefix(sigHex, "0x") {
		sigHex = "0x" + sigHex
	}
	der, err := hexutil.Decode(sigHex)
	if err != nil || len(der) == 0 {
		return nil, util.WrapErrorForLog(packageName, funcName, errs.Signature("empty_signature", "MPC signer returned empty or invalid signature", err))
	}
	return der, nil
}
