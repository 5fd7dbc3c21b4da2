package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yukia3e/trading-agent-signer/internal/config"
	"github.com/yukia3e/trading-agent-signer/internal/devsigner"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
	"github.com/yukia3e/trading-agent-signer/internal/infrastructure/kms"
	"github.com/yukia3e/trading-agent-signer/internal/metrics"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

const (
	backendLocal = "local"
	backendKMS   = "kms"

	shutdownTimeout = 5 * time.Second
)

var devsignerCmd = &cobra.Command{
	Use:   "devsigner",
	Short: "Development signer speaking the remote and MPC signer protocols",
}

var devsignerServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve /address, /sign_transaction and /sign_digest",
	RunE: func(cmd *cobra.Command, args []string) error {
		funcName := util.FuncName()
		ctx := cmd.Context()

		listen, _ := cmd.Flags().GetString("listen")
		backend, _ := cmd.Flags().GetString("backend")
		highS, _ := cmd.Flags().GetBool("high-s")
		keyVersion, _ := cmd.Flags().GetString("kms-key-version")
		enforcePolicy, _ := cmd.Flags().GetBool("policy")

		party, closer, err := newParty(ctx, backend, highS, keyVersion)
		if err != nil {
			return util.WrapErrorForLog(packageName, funcName, err)
		}
		defer closer()

		addr, err := party.Address(ctx)
		if err != nil {
			return util.WrapErrorForLog(packageName, funcName, err)
		}

		var opts devsigner.Options
		if enforcePolicy {
			p := config.GetSignerPolicy()
			opts.Policy = &p
		}
		if !config.IsLocal() && !config.IsDevelopment() {
			gin.SetMode(gin.ReleaseMode)
		}
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts.Metrics = metrics.New(reg)
		opts.Gatherer = reg
		router := devsigner.New(party, opts).Router()

		srv := &http.Server{Addr: listen, Handler: router, ReadHeaderTimeout: config.GetHTTPTimeout()}
		serveErr := make(chan error, 1)
		go func() {
			serveErr <- srv.ListenAndServe()
		}()
		log.Info().Str("listen", listen).Str("backend", backend).Str("address", addr.Hex()).Bool("high_s", highS).
			Msg(util.WrapLogMessage(packageName, funcName, "devsigner listening"))

		select {
		case err := <-serveErr:
			if !errors.Is(err, http.ErrServerClosed) {
				return util.WrapErrorForLog(packageName, funcName, fmt.Errorf("devsigner server failed: %w", err))
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to shut down devsigner: %w", err))
		}
		log.Info().Msg(util.WrapLogMessage(packageName, funcName, "devsigner stopped"))
		return nil
	},
}

func newParty(ctx context.Context, backend string, highS bool, keyVersion string) (devsigner.Party, func(), error) {
	funcName := util.FuncName()

	switch backend {
	case backendLocal:
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(config.GetPrivateKey()), "0x"))
		if err != nil {
			return nil, nil, errs.Configuration("invalid_private_key", "PRIVATE_KEY is not a valid secp256k1 key")
		}
		return devsigner.NewLocalParty(key, highS), func() {}, nil
	case backendKMS:
		if keyVersion == "" {
			return nil, nil, errs.Configuration("missing_kms_key_version", "--kms-key-version is required for the kms backend")
		}
		client, err := kms.NewClient(ctx, config.GetCredentialFilePath())
		if err != nil {
			return nil, nil, util.WrapErrorForLog(packageName, funcName, err)
		}
		return kms.NewDigestSigner(client, keyVersion), func() { _ = client.Close() }, nil
	default:
		return nil, nil, errs.Configuration("unsupported_devsigner_backend", fmt.Sprintf("unsupported backend %q", backend))
	}
}

func init() {
	devsignerServeCmd.Flags().String("listen", "127.0.0.1:8787", "listen address")
	devsignerServeCmd.Flags().String("backend", backendLocal, "key backend: local or kms")
	devsignerServeCmd.Flags().Bool("high-s", false, "return high-S signatures to exercise client normalization")
	devsignerServeCmd.Flags().String("kms-key-version", "", "Cloud KMS crypto key version resource name")
	devsignerServeCmd.Flags().Bool("policy", false, "enforce the SIGNER_* policy on /sign_transaction")
	devsignerCmd.AddCommand(devsignerServeCmd)
}
