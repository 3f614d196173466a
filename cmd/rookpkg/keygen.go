package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dollspace-gay/rookpkg/internal/signing"
)

var keygenOutputDir string

var keygenCmd = &cobra.Command{
	Use:   "keygen <name> <email>",
	Short: "Generate a hybrid Ed25519 + ML-DSA-65 signing key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		outDir := keygenOutputDir
		if outDir == "" {
			outDir = app.cfg.PackagerDir
		}
		key, err := signing.GenerateKey(args[0], args[1], outDir)
		if err != nil {
			return err
		}
		fmt.Println("generated key", key.Fingerprint, "in", outDir)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenOutputDir, "output", "", "directory to write the key pair into")
	rootCmd.AddCommand(keygenCmd)
}
