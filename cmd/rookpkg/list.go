package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed packages",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := app.DB()
		if err != nil {
			return err
		}
		packages, err := db.ListPackages()
		if err != nil {
			return err
		}
		for _, p := range packages {
			held, _ := db.IsHeld(p.Name)
			marker := ""
			if held {
				marker = " [held]"
			}
			fmt.Printf("%s %s-%d%s\n", p.Name, p.Version, p.Release, marker)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
