package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var updateAllowUntrusted bool

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Refresh repository metadata and package indices",
	RunE: func(cmd *cobra.Command, args []string) error {
		repoMgr, err := app.Repository()
		if err != nil {
			return err
		}
		result := repoMgr.UpdateAll(updateAllowUntrusted)
		for _, name := range result.Updated {
			fmt.Println("updated", name)
		}
		for _, name := range result.Unchanged {
			fmt.Println("unchanged", name)
		}
		for _, f := range result.Failed {
			app.log.Error("update failed", zap.String("repo", f.Repository), zap.Error(f.Err))
			fmt.Println("failed", f.Repository, "-", f.Err)
		}
		if !result.AllSuccess() {
			return fmt.Errorf("%d repository update(s) failed", len(result.Failed))
		}
		return nil
	},
}

func init() {
	updateCmd.Flags().BoolVar(&updateAllowUntrusted, "allow-untrusted", false, "accept repository metadata without a valid signature")
	rootCmd.AddCommand(updateCmd)
}
