package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
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

type addressRes struct {
	Address string `json:"address"`
}

type signTransactionReq struct {
	Tx      model.TxRequest     `json:"tx"`
	ChainID json.Number         `json:"chain_id"`
	Intent  model.SigningIntent `json:"intent"`
}

type signTransactionRes struct {
	RawTransactionHex      string `json:"rawTransactionHex"`
	RawTransactionHexSnake string `json:"raw_transaction_hex"`
}

// addressCache resolves an address once and serves it until invalidated.
type addressCache struct {
	mu   sync.Mutex
	addr *common.Address
}

func (c *addressCache) get(ctx context.Context, resolve func(context.Context) (common.Address, error)) (common.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.addr != nil {
		return *c.addr, nil
	}
	addr, err := resolve(ctx)
	if err != nil {
		return common.Address{}, err
	}
	c.addr = &addr
	return addr, nil
}

func (c *addressCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addr = nil
}

type remoteSigner struct {
	client *apphttp.JSONClient
	cache  addressCache
}

// NewRemote delegates signing to a service speaking the /address and
// /sign_transaction protocol at baseURL.
func NewRemote(httpClient *http.Client, baseURL string, timeout time.Duration) (Signer, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, util.WrapErrorForLog(packageName, util.FuncName(), errs.Configuration("missing_remote_signer_url", "SIGNER_REMOTE_URL environment variable not set"))
	}
	return &remoteSigner{client: apphttp.NewJSONClient(httpClient, baseURL, timeout)}, nil
}

func (s *remoteSigner) Kind() Kind { return KindRemote }

func (s *remoteSigner) sealed() {}

func (s *remoteSigner) Address(ctx context.Context) (common.Address, error) {
	return s.cache.get(ctx, func(ctx context.Context) (common.Address, error) {
		return fetchAddress(ctx, s.client, "remote_signer")
	})
}

func (s *remoteSigner) SignTransaction(ctx context.Context, tx *model.UnsignedTransaction) (model.SignedTransaction, error) {
	funcName := util.FuncName()

	expected, err := s.Address(ctx)
	if err != nil {
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, err)
	}

	intent := codec.BuildIntent(tx)
	req := signTransactionReq{
		Tx:      tx.ToRequest(),
		ChainID: json.Number(tx.ChainID.String()),
		Intent:  intent,
	}
	var res signTransactionRes
	if err := s.client.PostJSON(ctx, "/sign_transaction", req, &res); err != nil {
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, classifyHTTPError(err, "remote_signer"))
	}

	rawHex := strings.TrimSpace(res.RawTransactionHex)
	if rawHex == "" {
		rawHex = strings.TrimSpace(res.RawTransactionHexSnake)
	}
	if rawHex == "" {
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, errs.Signature("malformed_remote_response", "Remote signer did not return rawTransactionHex", nil))
	}
	if !strings.HasPrefix(rawHex, "0x") {
		rawHex = "0x" + rawHex
	}
	raw, err := hexutil.Decode(rawHex)
	if err != nil {
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, errs.Signature("malformed_remote_response", "Remote signer returned invalid hex", err))
	}

	if err := codec.VerifySignedTransaction(raw, tx, expected); err != nil {
		if errs.CodeOf(err) == "signer_address_mismatch" {
			s.cache.invalidate()
		}
		log.Error().Str("code", errs.CodeOf(err)).Msg(util.WrapLogMessage(packageName, funcName, "remote signer output failed verification"))
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, err)
	}

	return model.NewSignedTransaction(raw), nil
}

func fetchAddress(ctx context.Context, client *apphttp.JSONClient, service string) (common.Address, error) {
	funcName := util.FuncName()

	var res addressRes
	if err := client.GetJSON(ctx, "/address", &res); err != nil {
		return common.Address{}, util.WrapErrorForLog(packageName, funcName, classifyHTTPError(err, service))
	}
	addr := strings.TrimSpace(res.Address)
	if addr == "" {
		return common.Address{}, util.WrapErrorForLog(packageName, funcName, errs.Signature("empty_address", fmt.Sprintf("%s returned empty address", service), nil))
	}
	if !common.IsHexAddress(addr) {
		return common.Address{}, util.WrapErrorForLog(packageName, funcName, errs.Signature("malformed_address", fmt.Sprintf("%s returned an invalid address", service), nil))
	}
	return common.HexToAddress(addr), nil
}

// classifyHTTPError maps transport failures onto error kinds. A 4xx from the
// remote signer is a veto; from the MPC party it is a failed signing round.
func classifyHTTPError(err error, service string) error {
	if _, ok := errs.As(err); ok {
		return err
	}

	var statusErr *apphttp.StatusError
	if errors.As(err, &statusErr) {
		ctx := map[string]any{"status": statusErr.Status}
		if reason := upstreamReason(statusErr.Body); reason != "" {
			ctx["reason"] = reason
		}
		switch {
		case statusErr.Status >= 500:
			e := errs.Network(service+"_unavailable", fmt.Sprintf("%s returned status %d", service, statusErr.Status), err)
			e.Context = ctx
			return e
		case service == "remote_signer":
			return errs.PolicyViolation("remote_signer_rejected", "Remote signer rejected the transaction.", ctx)
		default:
			e := errs.Signature(service+"_rejected", fmt.Sprintf("%s rejected the request with status %d", service, statusErr.Status), err)
			e.Context = ctx
			return e
		}
	}

	if errors.Is(err, apphttp.ErrMalformedResponse) {
		return errs.Signature("malformed_"+service+"_response", fmt.Sprintf("%s returned a malformed response", service), err)
	}
	return errs.Network(service+"_unreachable", fmt.Sprintf("%s call failed", service), err)
}

func upstreamReason(body string) string {
	var payload struct {
		Error any `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return ""
	}
	if s, ok := payload.Error.(string); ok && len(s) <= 64 {
		return s
	}
	return ""
}
