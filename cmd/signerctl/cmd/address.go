package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yukia3e/trading-agent-signer/internal/util"
)

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Print the address of the configured signer",
	RunE: func(cmd *cobra.Command, args []string) error {
		funcName := util.FuncName()
		ctx := cmd.Context()

		s, closer, err := newSigner(ctx)
		if err != nil {
			return util.WrapErrorForLog(packageName, funcName, err)
		}
		defer closer()

		addr, err := s.Address(ctx)
		if err != nil {
			return util.WrapErrorForLog(packageName, funcName, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.Kind(), addr.Hex())
		return nil
	},
}
