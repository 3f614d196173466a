package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var holdCmd = &cobra.Command{
	Use:   "hold <package>",
	Short: "Pin an installed package so upgrades skip it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := app.DB()
		if err != nil {
			return err
		}
		pkg, err := db.GetPackage(args[0])
		if err != nil {
			return fmt.Errorf("package %q is not installed", args[0])
		}
		return db.HoldPackage(pkg.Name, &pkg.Version, holdReason)
	},
}

var unholdCmd = &cobra.Command{
	Use:   "unhold <package>",
	Short: "Remove a hold on an installed package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := app.DB()
		if err != nil {
			return err
		}
		ok, err := db.UnholdPackage(args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("package %q was not held", args[0])
		}
		return nil
	},
}

var holdsCmd = &cobra.Command{
	Use:   "holds",
	Short: "List every held package",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := app.DB()
		if err != nil {
			return err
		}
		holds, err := db.ListHolds()
		if err != nil {
			return err
		}
		for _, h := range holds {
			version := "any"
			if h.Version != nil {
				version = *h.Version
			}
			fmt.Printf("%s (%s) %s\n", h.Name, version, h.Reason)
		}
		return nil
	},
}

var holdReason string

func init() {
	holdCmd.Flags().StringVar(&holdReason, "reason", "", "why this package is held")
	rootCmd.AddCommand(holdCmd)
	rootCmd.AddCommand(unholdCmd)
	rootCmd.AddCommand(holdsCmd)
}
