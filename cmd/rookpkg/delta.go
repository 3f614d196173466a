package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dollspace-gay/rookpkg/internal/delta"
)

var deltaOutputDir string

var deltaCreateCmd = &cobra.Command{
	Use:   "delta-create <old-archive> <new-archive>",
	Short: "Build a binary delta between two package archives",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		builder, err := delta.NewBuilder(args[0], args[1])
		if err != nil {
			return err
		}
		outDir := deltaOutputDir
		if outDir == "" {
			outDir = "."
		}
		path, err := builder.Build(outDir)
		if err != nil {
			if nw, ok := err.(*delta.NotWorthwhileError); ok {
				fmt.Println(color.YellowString("skipped"), nw.Error())
				return nil
			}
			return err
		}
		fmt.Println(color.GreenString("built"), path)
		return nil
	},
}

var deltaApplyCmd = &cobra.Command{
	Use:   "delta-apply <old-archive> <delta-file>",
	Short: "Reconstruct a package archive from an old archive and a delta file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		applier, err := delta.NewApplier(args[0], args[1])
		if err != nil {
			return err
		}
		outDir := deltaOutputDir
		if outDir == "" {
			outDir = "."
		}
		path, err := applier.Apply(outDir)
		if err != nil {
			return err
		}
		fmt.Println(color.GreenString("reconstructed"), path)
		return nil
	},
}

func init() {
	deltaCreateCmd.Flags().StringVarP(&deltaOutputDir, "output", "o", "", "directory to write the output into")
	deltaApplyCmd.Flags().StringVarP(&deltaOutputDir, "output", "o", "", "directory to write the output into")
	rootCmd.AddCommand(deltaCreateCmd)
	rootCmd.AddCommand(deltaApplyCmd)
}
