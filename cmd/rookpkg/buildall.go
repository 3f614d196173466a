package main

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dollspace-gay/rookpkg/internal/archive"
	"github.com/dollspace-gay/rookpkg/internal/build"
	"github.com/dollspace-gay/rookpkg/internal/specfile"
)

var buildallOutputDir string

var buildallCmd = &cobra.Command{
	Use:   "buildall <specs-dir>",
	Short: "Build every .rook specification under a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		matches, err := filepath.Glob(filepath.Join(args[0], "*.rook"))
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			return fmt.Errorf("no .rook specifications found under %s", args[0])
		}

		outDir := buildallOutputDir
		if outDir == "" {
			outDir = "."
		}

		failures := 0
		for _, specPath := range matches {
			spec, err := specfile.FromFile(specPath)
			if err != nil {
				fmt.Println(color.RedString("skip"), specPath, "-", err)
				failures++
				continue
			}

			env, err := build.NewEnvironment(spec, app.cfg, app.log)
			if err != nil {
				fmt.Println(color.RedString("fail"), spec.Package.Name, "-", err)
				failures++
				continue
			}

			if _, err := env.BuildAll(); err != nil {
				fmt.Println(color.RedString("fail"), spec.Package.Name, "-", err)
				failures++
				continue
			}

			builder := archive.NewBuilder(spec, env.DestDir(), "x86_64", app.cfg.ConfigPrefixes)
			if err := builder.ScanFiles(); err != nil {
				fmt.Println(color.RedString("fail"), spec.Package.Name, "-", err)
				failures++
				continue
			}
			archivePath, sum, err := builder.Build(outDir)
			if err != nil {
				fmt.Println(color.RedString("fail"), spec.Package.Name, "-", err)
				failures++
				continue
			}
			fmt.Println(color.GreenString("built"), archivePath, "sha256", sum)
		}

		if failures > 0 {
			return fmt.Errorf("%d package(s) failed to build", failures)
		}
		return nil
	},
}

func init() {
	buildallCmd.Flags().StringVarP(&buildallOutputDir, "output", "o", "", "directory to write built archives into")
	rootCmd.AddCommand(buildallCmd)
}
