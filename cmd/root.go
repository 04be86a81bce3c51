package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	config  = "./config/wallet.yaml"
	rootCmd = &cobra.Command{
		Use:   "ap-wallet",
		Short: "Ava Protocol wallet CLI",
		Long: `Ava Protocol wallet to sign and submit transactions from EOA and
ERC-4337 smart accounts.

Such as "ap-wallet run" or "ap-wallet send" and so on
`,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config, "config", "c", "config/wallet.yaml", "Path to config file")
}

// commandContext is the command context, cobra leaves it nil when a
// command runs outside Execute
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
