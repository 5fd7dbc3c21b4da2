package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/yukia3e/trading-agent-signer/internal/audit"
	"github.com/yukia3e/trading-agent-signer/internal/config"
	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
	"github.com/yukia3e/trading-agent-signer/internal/execution"
	"github.com/yukia3e/trading-agent-signer/internal/idempotency"
	"github.com/yukia3e/trading-agent-signer/internal/infrastructure/chain"
	"github.com/yukia3e/trading-agent-signer/internal/proposal"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

// execRequest is the file format accepted by exec:
// {"action": "transfer_native", "request": {...}}
type execRequest struct {
	Action  model.ActionKind `json:"action"`
	Request json.RawMessage  `json:"request"`
}

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Run one action through the authorization pipeline and print the response envelope",
	Long: `Reads {"action": ..., "request": {...}} from --file (or stdin) and runs it.
Supported actions are transfer_native and sign_transaction. In approve_each
mode the pending proposal is printed unless --confirm approves it in place.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		funcName := util.FuncName()
		ctx := cmd.Context()

		file, _ := cmd.Flags().GetString("file")
		confirm, _ := cmd.Flags().GetBool("confirm")

		var in io.Reader = cmd.InOrStdin()
		if file != "" {
			f, err := os.Open(file)
			if err != nil {
				return util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to open %s: %w", file, err))
			}
			defer f.Close()
			in = f
		}
		var req execRequest
		if err := json.NewDecoder(in).Decode(&req); err != nil {
			return util.WrapErrorForLog(packageName, funcName, errs.Validation("invalid_request", "request is not valid JSON", nil))
		}

		s, closer, err := newSigner(ctx)
		if err != nil {
			return util.WrapErrorForLog(packageName, funcName, err)
		}
		defer closer()

		store, locker, err := idempotency.New(ctx, idempotency.ConfigFromEnv())
		if err != nil {
			return util.WrapErrorForLog(packageName, funcName, err)
		}
		ledger, err := audit.New(ctx, audit.ConfigFromEnv())
		if err != nil {
			return util.WrapErrorForLog(packageName, funcName, err)
		}
		defer ledger.Close()

		rpc := chain.New(config.GetHTTPTimeout())
		defer rpc.Close()

		executor, err := execution.New(execution.Deps{
			Signer:      s,
			Proposals:   proposal.NewStore(),
			Idempotency: store,
			Locker:      locker,
			Ledger:      ledger,
			Broadcaster: rpc,
			Chain:       rpc,
		}, execution.SettingsFromEnv())
		if err != nil {
			return util.WrapErrorForLog(packageName, funcName, err)
		}

		out, runErr := runAction(cmd, executor, req)
		if runErr == nil && out.Pending != nil && confirm {
			out, runErr = executor.ConfirmProposal(ctx, out.Pending.RequestID, out.Pending.ConfirmToken)
		}
		body, err := execution.Envelope(out.Data(), runErr)
		if err != nil {
			return util.WrapErrorForLog(packageName, funcName, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(body))
		if runErr != nil {
			return util.WrapErrorForLog(packageName, funcName, runErr)
		}
		return nil
	},
}

func runAction(cmd *cobra.Command, executor *execution.Executor, req execRequest) (execution.Outcome, error) {
	ctx := cmd.Context()

	switch req.Action {
	case model.ActionTransferNative:
		var r model.TransferRequest
		if err := json.Unmarshal(req.Request, &r); err != nil {
			return execution.Outcome{}, errs.Validation("invalid_request", "request does not match transfer_native", nil)
		}
		return executor.TransferNative(ctx, r)
	case model.ActionSignTransaction:
		var r model.SignRequest
		if err := json.Unmarshal(req.Request, &r); err != nil {
			return execution.Outcome{}, errs.Validation("invalid_request", "request does not match sign_transaction", nil)
		}
		return executor.SignAndBroadcast(ctx, r)
	default:
		return execution.Outcome{}, errs.Validation("unsupported_action",
			fmt.Sprintf("action %q needs a venue collaborator not available from the command line", req.Action), nil)
	}
}

func init() {
	execCmd.Flags().StringP("file", "f", "", "request file (defaults to stdin)")
	execCmd.Flags().Bool("confirm", false, "approve the proposal immediately when approve_each is active")
}
