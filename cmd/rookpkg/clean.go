package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanAll bool

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove cached package downloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		repoMgr, err := app.Repository()
		if err != nil {
			return err
		}

		if cleanAll {
			result, err := repoMgr.CleanAllPackages()
			if err != nil {
				return err
			}
			fmt.Printf("removed %d file(s), freed %d bytes\n", result.RemovedCount, result.RemovedBytes)
			return nil
		}

		result, err := repoMgr.CleanPackageCache(app.cfg.CachedMaxAgeDays)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d file(s), freed %d bytes\n", result.RemovedCount, result.RemovedBytes)
		return nil
	},
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanAll, "all", false, "remove every cached package regardless of age")
	rootCmd.AddCommand(cleanCmd)
}
