package cmd

import (
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-wallet/wallet"
)

var (
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run wallet",
		Long: `Initialize and run the wallet service, serving eth_sendTransaction
to dapps and the transaction api.

Use --config=path-to-your-config-file. default is=./config/wallet.yaml `,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wallet.RunWithConfig(config)
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}
