package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search configured repositories by package name or description",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoMgr, err := app.Repository()
		if err != nil {
			return err
		}
		results := repoMgr.Search(args[0])
		if len(results) == 0 {
			fmt.Println("no packages matched")
			return nil
		}
		for _, r := range results {
			fmt.Printf("%s/%s %s-%d\n    %s\n", r.Repository, r.Package.Name, r.Package.Version, r.Package.Release, r.Package.Description)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
}
