package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yukia3e/trading-agent-signer/internal/audit"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the hash-chained audit ledger",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute every event hash from genesis and report divergent rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		funcName := util.FuncName()
		ctx := cmd.Context()

		ledger, err := audit.New(ctx, audit.ConfigFromEnv())
		if err != nil {
			return util.WrapErrorForLog(packageName, funcName, err)
		}
		defer ledger.Close()

		report, err := ledger.Verify(ctx)
		if err != nil {
			return util.WrapErrorForLog(packageName, funcName, err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return util.WrapErrorForLog(packageName, funcName, err)
		}
		if !report.OK {
			return errs.New(errs.KindExecution, "audit_chain_broken", "audit chain verification failed", map[string]any{
				"first_divergent_id": report.FirstDivergentID,
			})
		}
		return nil
	},
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the trade report CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		funcName := util.FuncName()
		ctx := cmd.Context()

		out, _ := cmd.Flags().GetString("out")

		ledger, err := audit.New(ctx, audit.ConfigFromEnv())
		if err != nil {
			return util.WrapErrorForLog(packageName, funcName, err)
		}
		defer ledger.Close()

		var w io.Writer = cmd.OutOrStdout()
		if out != "" {
			f, err := os.Create(out)
			if err != nil {
				return util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to create %s: %w", out, err))
			}
			defer f.Close()
			w = f
		}
		if err := ledger.ExportReport(ctx, w); err != nil {
			return util.WrapErrorForLog(packageName, funcName, err)
		}
		if out != "" {
			log.Info().Str("path", out).Msg(util.WrapLogMessage(packageName, funcName, "trade report written"))
		}
		return nil
	},
}

func init() {
	auditExportCmd.Flags().String("out", "", "output file (defaults to stdout)")
	auditCmd.AddCommand(auditVerifyCmd, auditExportCmd)
}
