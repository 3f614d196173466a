package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dollspace-gay/rookpkg/internal/archive"
	"github.com/dollspace-gay/rookpkg/internal/build"
	"github.com/dollspace-gay/rookpkg/internal/specfile"
)

var buildOutputDir string

var buildCmd = &cobra.Command{
	Use:   "build <spec-file>",
	Short: "Build a package from a .rook specification into an installable archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := specfile.FromFile(args[0])
		if err != nil {
			return err
		}

		env, err := build.NewEnvironment(spec, app.cfg, app.log)
		if err != nil {
			return err
		}

		results, err := env.BuildAll()
		for _, r := range results {
			status := color.GreenString("ok")
			if !r.Success() {
				status = color.RedString("failed")
			}
			fmt.Printf("  %-10s %s (%.1fs)\n", r.Phase, status, r.DurationSec)
		}
		if err != nil {
			return err
		}

		outDir := buildOutputDir
		if outDir == "" {
			outDir = "."
		}
		builder := archive.NewBuilder(spec, env.DestDir(), "x86_64", app.cfg.ConfigPrefixes)
		if err := builder.ScanFiles(); err != nil {
			return err
		}
		archivePath, sum, err := builder.Build(outDir)
		if err != nil {
			return err
		}

		fmt.Println(color.GreenString("built"), archivePath)
		fmt.Println("  sha256", sum)
		return nil
	},
}

func init() {
	buildCmd.Flags().StringVarP(&buildOutputDir, "output", "o", "", "directory to write the built archive into")
	rootCmd.AddCommand(buildCmd)
}
