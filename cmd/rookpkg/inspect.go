package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dollspace-gay/rookpkg/internal/archive"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <archive>",
	Short: "Print an archive's package info, file list, and scripts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := archive.Open(args[0])
		if err != nil {
			return err
		}
		info, err := r.ReadInfo()
		if err != nil {
			return err
		}
		fmt.Printf("%s %s-%d (%s)\n", info.Name, info.Version, info.Release, info.Arch)
		fmt.Printf("  %s\n", info.Summary)
		fmt.Printf("  installed size: %d bytes\n", info.InstalledSize)

		files, err := r.ReadFiles()
		if err != nil {
			return err
		}
		fmt.Printf("  %d file(s)\n", len(files))

		scripts, err := r.ReadScripts()
		if err != nil {
			return err
		}
		if scripts != nil && scripts.HasScripts() {
			fmt.Println("  has install scripts")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
