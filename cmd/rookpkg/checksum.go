package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dollspace-gay/rookpkg/internal/build"
)

var checksumCmd = &cobra.Command{
	Use:   "checksum <file>",
	Short: "Print a file's SHA-256 checksum",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sum, err := build.ComputeSHA256(args[0])
		if err != nil {
			return err
		}
		fmt.Println(sum)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checksumCmd)
}
