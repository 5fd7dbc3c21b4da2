package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yukia3e/trading-agent-signer/internal/config"
	"github.com/yukia3e/trading-agent-signer/internal/domain/repository"
	"github.com/yukia3e/trading-agent-signer/internal/infrastructure/kms"
	"github.com/yukia3e/trading-agent-signer/internal/signer"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

const packageName = "main"

var rootCmd = &cobra.Command{
	Use:           "signerctl",
	Short:         "Operate the trading agent signer, audit ledger and development signer",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		util.SetupLogger(config.IsLocal() || config.IsDevelopment())
	},
}

func Execute() {
	funcName := util.FuncName()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		log.Error().Err(err).Msg(util.WrapLogMessage(packageName, funcName, "command failed"))
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(addressCmd, auditCmd, devsignerCmd, execCmd)
}

// newSigner builds the configured signer. The returned closer releases the
// KMS client when a KMS-wrapped keystore passphrase is in use.
func newSigner(ctx context.Context) (signer.Signer, func(), error) {
	funcName := util.FuncName()

	var (
		decrypter repository.SecretDecrypter
		closer    = func() {}
	)
	if config.GetKeystorePasswordKMSCiphertext() != "" {
		client, err := kms.NewClient(ctx, config.GetCredentialFilePath())
		if err != nil {
			return nil, nil, util.WrapErrorForLog(packageName, funcName, err)
		}
		decrypter = kms.NewDecrypter(client, config.MustGetKMSKeyName())
		closer = func() { _ = client.Close() }
	}

	s, err := signer.New(ctx, signer.ConfigFromEnv(decrypter))
	if err != nil {
		closer()
		return nil, nil, util.WrapErrorForLog(packageName, funcName, err)
	}
	return s, closer, nil
}
