// Package devsigner is a signing sidecar. It serves the remote signer and MPC
// digest protocols on top of a single signing Party.
package devsigner

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/yukia3e/trading-agent-signer/internal/codec"
	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
	"github.com/yukia3e/trading-agent-signer/internal/metrics"
	"github.com/yukia3e/trading-agent-signer/internal/policy"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

const packageName = "devsigner"

// signer labels recorded on the sign metrics
const (
	metricsSignDigest      = "devsigner_digest"
	metricsSignTransaction = "devsigner_transaction"
)

type Options struct {
	// Policy, when set, is enforced on /sign_transaction before signing.
	Policy *model.SignerPolicyConfig
	// Metrics, when set, records every signing attempt and policy veto.
	Metrics *metrics.Recorder
	// Gatherer, when set, is served on /metrics.
	Gatherer prometheus.Gatherer
}

type Server struct {
	party Party
	opts  Options

	mu       sync.Mutex
	sessions map[string]int
}

func New(party Party, opts Options) *Server {
	return &Server{party: party, opts: opts, sessions: map[string]int{}}
}

// SessionCount returns how many digests were signed under sessionID.
func (s *Server) SessionCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID]
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/address", s.handleAddress)
	r.POST("/sign_digest", s.handleSignDigest)
	r.POST("/sign_transaction", s.handleSignTransaction)
	if s.opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}

	return r
}

type signDigestReq struct {
	SessionID string `json:"session_id"`
	DigestHex string `json:"digest_hex"`
}

type signTransactionReq struct {
	Tx      model.TxRequest      `json:"tx"`
	ChainID *model.Quantity      `json:"chain_id"`
	Intent  *model.SigningIntent `json:"intent"`
}

func (s *Server) handleAddress(c *gin.Context) {
	funcName := util.FuncName()

	addr, err := s.party.Address(c.Request.Context())
	if err != nil {
		log.Error().Msg(util.WrapLogMessage(packageName, funcName, err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "address_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "address": addr.Hex()})
}

func (s *Server) handleSignDigest(c *gin.Context) {
	funcName := util.FuncName()

	var req signDigestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_json"})
		return
	}
	digest, err := hexutil.Decode(req.DigestHex)
	if err != nil || len(digest) != common.HashLength {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_digest"})
		return
	}

	if req.SessionID != "" {
		s.mu.Lock()
		s.sessions[req.SessionID]++
		s.mu.Unlock()
	}

	started := time.Now()
	der, err := s.party.SignDigest(c.Request.Context(), common.BytesToHash(digest))
	s.opts.Metrics.ObserveSign(metricsSignDigest, started, err)
	if err != nil {
		log.Error().Msg(util.WrapLogMessage(packageName, funcName, err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "sign_failed"})
		return
	}

	log.Debug().Str("session_id", req.SessionID).Msg(util.WrapLogMessage(packageName, funcName, "signed digest"))
	c.JSON(http.StatusOK, gin.H{"ok": true, "signature_der_hex": hexutil.Encode(der)})
}

func (s *Server) handleSignTransaction(c *gin.Context) {
	funcName := util.FuncName()

	var req signTransactionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_json"})
		return
	}

	tx, err := codec.Build(req.Tx, req.ChainID.Big())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": errs.CodeOf(err)})
		return
	}
	if s.opts.Policy != nil {
		if err := policy.Validate(tx, *s.opts.Policy); err != nil {
			log.Info().Str("code", errs.CodeOf(err)).Msg(util.WrapLogMessage(packageName, funcName, "vetoed by policy"))
			s.opts.Metrics.PolicyViolation(errs.CodeOf(err))
			c.JSON(http.StatusForbidden, gin.H{"ok": false, "error": errs.CodeOf(err)})
			return
		}
	}

	started := time.Now()
	signed, err := s.signTransaction(c.Request.Context(), tx)
	s.opts.Metrics.ObserveSign(metricsSignTransaction, started, err)
	if err != nil {
		log.Error().Msg(util.WrapLogMessage(packageName, funcName, err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "sign_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "rawTransactionHex": signed.Hex()})
}

func (s *Server) signTransaction(ctx context.Context, tx *model.UnsignedTransaction) (model.SignedTransaction, error) {
	funcName := util.FuncName()

	digest, err := codec.Digest(tx)
	if err != nil {
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, err)
	}
	der, err := s.party.SignDigest(ctx, digest)
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
	addr, err := s.party.Address(ctx)
	if err != nil {
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, err)
	}
	if sig.RecoveryID, err = codec.FindRecoveryID(digest, sig.R, sig.S, addr); err != nil {
		return model.SignedTransaction{}, util.WrapErrorForLog(packageName, funcName, err)
	}
	return codec.Assemble(tx, sig)
}
