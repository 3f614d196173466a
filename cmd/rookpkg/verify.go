package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dollspace-gay/rookpkg/internal/signing"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <file> <fingerprint>",
	Short: "Verify a detached signature (file.sig, JSON-encoded HybridSignature) against a trusted key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kr, err := app.Keyring()
		if err != nil {
			return err
		}
		pub, level := kr.Resolve(args[1])
		if pub == nil {
			return fmt.Errorf("key %q is not known", args[1])
		}

		message, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		sigBytes, err := os.ReadFile(args[0] + ".sig")
		if err != nil {
			return fmt.Errorf("no readable signature at %s.sig: %w", args[0], err)
		}
		var sig signing.HybridSignature
		if err := json.Unmarshal(sigBytes, &sig); err != nil {
			return fmt.Errorf("parse signature: %w", err)
		}

		if err := signing.Verify(pub, message, sig); err != nil {
			return err
		}
		fmt.Println(color.GreenString("signature valid"), "- trust level:", level)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
