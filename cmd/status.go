package cmd

import (
	"fmt"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/storage"
	"github.com/AvaProtocol/ap-wallet/storage/schema"
)

var (
	statusDbPath = "./data/wallet"
	statusCmd    = &cobra.Command{
		Use:   "status",
		Short: "Display system status",
		Long:  `Display status information about tracked transactions in the database. The wallet must not be running since the database is locked while it is.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "📊 System Status Report\n")
			fmt.Fprintf(out, "======================\n\n")
			fmt.Fprintf(out, "💾 Using database path: %s\n\n", statusDbPath)

			db, err := storage.NewWithPath(statusDbPath)
			if err != nil {
				return fmt.Errorf("failed to open database %s: %w", statusDbPath, err)
			}
			defer db.Close()

			kvs, err := db.GetByPrefix(schema.TransactionStoragePrefix())
			if err != nil {
				return fmt.Errorf("failed to query transactions: %w", err)
			}

			records := make([]*model.TransactionRecord, 0, len(kvs))
			for _, item := range kvs {
				record := &model.TransactionRecord{}
				if err := record.FromStorageData(item.Value); err != nil {
					fmt.Fprintf(out, "   ❌ unreadable record %s: %v\n", string(item.Key), err)
					continue
				}
				records = append(records, record)
			}

			pending, err := db.ListKeys(schema.PendingUserOpsPrefix())
			if err != nil {
				return fmt.Errorf("failed to query pending user operations: %w", err)
			}

			fmt.Fprintf(out, "💾 Database Status:\n")
			fmt.Fprintf(out, "   Transactions in database: %d\n", len(records))
			fmt.Fprintf(out, "   Pending user operations: %d\n", len(pending))
			counts := lo.CountValuesBy(records, func(r *model.TransactionRecord) model.TransactionStatus {
				return r.Status
			})
			for _, status := range []model.TransactionStatus{
				model.StatusUnapproved, model.StatusApproved, model.StatusSigned,
				model.StatusSubmitted, model.StatusConfirmed, model.StatusRejected, model.StatusFailed,
			} {
				if counts[status] > 0 {
					fmt.Fprintf(out, "   %s: %d\n", status, counts[status])
				}
			}
			fmt.Fprintf(out, "\n")

			if len(records) > 0 {
				fmt.Fprintf(out, "📋 Latest Transactions:\n")
				// ids are ulids, the last keys are the newest
				latest := lo.Reverse(lo.Subset(records, -10, 10))
				for i, r := range latest {
					hash := "-"
					if r.Hash != nil {
						hash = r.Hash.Hex()
					}
					fmt.Fprintf(out, "   %d. %s chain=%d status=%s hash=%s\n", i+1, r.ID, r.ChainID, r.Status, hash)
				}
			}
			return nil
		},
	}
)

func init() {
	statusCmd.Flags().StringVar(&statusDbPath, "db-path", statusDbPath, "path of the wallet database")
	rootCmd.AddCommand(statusCmd)
}
