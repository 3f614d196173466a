package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dependsReverse bool

var dependsCmd = &cobra.Command{
	Use:   "depends <package>",
	Short: "Show a package's dependencies, or --reverse for its dependents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := app.DB()
		if err != nil {
			return err
		}

		if dependsReverse {
			dependents, err := db.GetReverseDependencies(args[0])
			if err != nil {
				return err
			}
			for _, d := range dependents {
				fmt.Println(d)
			}
			return nil
		}

		deps, err := db.GetDependencies(args[0])
		if err != nil {
			return err
		}
		for _, d := range deps {
			fmt.Printf("%s %s (%s)\n", d.DependsOn, d.Constraint, d.Kind)
		}
		return nil
	},
}

func init() {
	dependsCmd.Flags().BoolVar(&dependsReverse, "reverse", false, "show packages that depend on this one instead")
	rootCmd.AddCommand(dependsCmd)
}
