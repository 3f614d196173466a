package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dollspace-gay/rookpkg/internal/transaction"
)

var removeCmd = &cobra.Command{
	Use:     "remove [packages...]",
	Aliases: []string{"rm"},
	Short:   "Remove one or more installed packages",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := app.DB()
		if err != nil {
			return err
		}

		tx, err := transaction.New(app.cfg.Root, db, app.log)
		if err != nil {
			return err
		}
		for _, name := range args {
			if _, err := db.GetPackage(name); err != nil {
				return fmt.Errorf("package %q is not installed", name)
			}
			tx = tx.Remove(name)
		}

		if !removeForce {
			conflicts, err := tx.CheckConflicts(false)
			if err != nil {
				return err
			}
			if len(conflicts) > 0 {
				return fmt.Errorf("%d file conflict(s); rerun with --force to override", len(conflicts))
			}
		}

		pre, post, err := tx.ExecuteWithHooks(app.cfg)
		reportHookResults(pre, post)
		if err != nil {
			return err
		}

		fmt.Println(color.GreenString("removed"), len(args), "package(s)")
		return nil
	},
}

var removeForce bool

func init() {
	removeCmd.Flags().BoolVar(&removeForce, "force", false, "skip conflict checks")
	rootCmd.AddCommand(removeCmd)
}
