package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dollspace-gay/rookpkg/internal/transaction"
)

var recoverCmd = &cobra.Command{
	Use:   "recover [transaction-id]",
	Short: "List pending transactions, or load one and print its state (no rollback)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			pending, err := transaction.ListPending(app.cfg.Root)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("no pending transactions")
				return nil
			}
			for _, id := range pending {
				fmt.Println(id)
			}
			return nil
		}

		db, err := app.DB()
		if err != nil {
			return err
		}
		tx, err := transaction.Resume(app.cfg.Root, args[0], db, app.log)
		if err != nil {
			return err
		}
		fmt.Printf("transaction %s state: %s\n", tx.ID(), tx.State())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}
