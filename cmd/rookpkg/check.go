package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dollspace-gay/rookpkg/internal/transaction"
)

var checkUnowned bool

var checkCmd = &cobra.Command{
	Use:   "check <package> <version> <archive>",
	Short: "Check a prospective install for file conflicts without applying it",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := app.DB()
		if err != nil {
			return err
		}
		tx, err := transaction.New(app.cfg.Root, db, app.log)
		if err != nil {
			return err
		}
		tx = tx.Install(args[0], args[1], args[2])

		conflicts, err := tx.CheckConflicts(checkUnowned)
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Println("no conflicts")
			return nil
		}
		for _, c := range conflicts {
			fmt.Println(c.Error())
		}
		return fmt.Errorf("%d conflict(s) found", len(conflicts))
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkUnowned, "unowned", false, "also flag files not owned by any package")
	rootCmd.AddCommand(checkCmd)
}
