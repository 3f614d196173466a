package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dollspace-gay/rookpkg/internal/transaction"
)

var autoremoveCmd = &cobra.Command{
	Use:   "autoremove",
	Short: "Remove packages installed as dependencies that nothing needs anymore",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := app.DB()
		if err != nil {
			return err
		}
		orphans, err := db.FindOrphans()
		if err != nil {
			return err
		}
		if len(orphans) == 0 {
			fmt.Println("nothing to remove")
			return nil
		}

		tx, err := transaction.New(app.cfg.Root, db, app.log)
		if err != nil {
			return err
		}
		for _, o := range orphans {
			fmt.Println(color.YellowString("removing"), o.Name)
			tx = tx.Remove(o.Name)
		}

		pre, post, err := tx.ExecuteWithHooks(app.cfg)
		reportHookResults(pre, post)
		return err
	},
}

func init() {
	rootCmd.AddCommand(autoremoveCmd)
}
