package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	cfg "github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/core/txdispatch"
	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/wallet"
)

type sendOptions struct {
	chainID uint64
	from    string
	to      string
	value   string
	data    string
	txType  string
	timeout time.Duration
}

var (
	sendArgs = sendOptions{}
	sendCmd  = &cobra.Command{
		Use:   "send",
		Short: "Send a transaction from a wallet account",
		Long: `Sign and submit a transaction from one of the configured accounts and
wait for its hash. Smart accounts are sent as user operations through the
network bundler.

Value is an ether amount, e.g. --value=0.01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := sendArgs.params()
			if err != nil {
				return err
			}

			c, err := cfg.NewConfig(config)
			if err != nil {
				return err
			}
			w, err := wallet.New(c)
			if err != nil {
				return err
			}
			defer w.Shutdown()

			ctx, cancel := context.WithTimeout(commandContext(cmd), sendArgs.timeout)
			defer cancel()

			record, err := w.Send(ctx, sendArgs.chainID, params, txdispatch.Options{Type: model.TransactionType(sendArgs.txType)})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "sent %s ETH from %s\n", sendArgs.value, params.From)
			if record != nil && record.Hash != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "transaction %s\nhash %s\n", record.ID, record.Hash.Hex())
			}
			return nil
		},
	}
)

func (o sendOptions) params() (*model.TxParams, error) {
	wei, err := model.ParseEther(o.value)
	if err != nil {
		return nil, fmt.Errorf("invalid --value: %w", err)
	}
	return &model.TxParams{
		From:  o.from,
		To:    o.to,
		Value: hexutil.EncodeBig(wei),
		Data:  o.data,
	}, nil
}

func init() {
	sendCmd.Flags().Uint64Var(&sendArgs.chainID, "chain-id", 0, "chain to send on, the first configured network when unset")
	sendCmd.Flags().StringVar(&sendArgs.from, "from", "", "sending account address")
	sendCmd.Flags().StringVar(&sendArgs.to, "to", "", "recipient address")
	sendCmd.Flags().StringVar(&sendArgs.value, "value", "0", "amount in ether")
	sendCmd.Flags().StringVar(&sendArgs.data, "data", "", "hex encoded calldata")
	sendCmd.Flags().StringVar(&sendArgs.txType, "type", string(model.SimpleSendType), "transaction type tag")
	sendCmd.Flags().DurationVar(&sendArgs.timeout, "timeout", 5*time.Minute, "how long to wait for the hash")
	sendCmd.MarkFlagRequired("from")

	rootCmd.AddCommand(sendCmd)
}
