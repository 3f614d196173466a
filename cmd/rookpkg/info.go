package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <package>",
	Short: "Show details for an installed or available package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		db, err := app.DB()
		if err != nil {
			return err
		}
		if pkg, err := db.GetPackage(name); err == nil {
			deps, _ := db.GetDependencies(name)
			fmt.Printf("%s %s-%d (installed)\n", pkg.Name, pkg.Version, pkg.Release)
			fmt.Printf("  reason: %s\n", pkg.InstallReason)
			fmt.Printf("  size: %d bytes\n", pkg.SizeBytes)
			for _, d := range deps {
				fmt.Printf("  depends: %s %s (%s)\n", d.DependsOn, d.Constraint, d.Kind)
			}
			return nil
		}

		repoMgr, err := app.Repository()
		if err != nil {
			return err
		}
		found := repoMgr.FindPackage(name)
		if found == nil {
			return fmt.Errorf("package %q not found", name)
		}
		p := found.Package
		fmt.Printf("%s %s-%d [%s] (not installed)\n", p.Name, p.Version, p.Release, found.Repository)
		fmt.Printf("  %s\n", p.Description)
		if len(p.Depends) > 0 {
			fmt.Printf("  depends: %v\n", p.Depends)
		}
		if p.Homepage != "" {
			fmt.Printf("  homepage: %s\n", p.Homepage)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
