package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dollspace-gay/rookpkg/internal/signing"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List trusted master and packager keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		kr, err := app.Keyring()
		if err != nil {
			return err
		}
		fmt.Println("master keys:")
		for fp := range kr.MasterKeys() {
			fmt.Println(" ", fp)
		}
		fmt.Println("packager keys:")
		for fp := range kr.PackagerKeys() {
			fmt.Println(" ", fp)
		}
		return nil
	},
}

var certifyPurpose string
var certifyExpiresDays int

var certifyCmd = &cobra.Command{
	Use:   "certify <master-key-path> <packager-fingerprint>",
	Short: "Certify a packager key with a master key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		masterKey, err := signing.LoadSigningKey(args[0])
		if err != nil {
			return err
		}
		expires := time.Now().AddDate(0, 0, certifyExpiresDays)
		cert := signing.CertifyKey(masterKey, args[1], certifyPurpose, expires)
		return signing.SaveCertification(app.cfg.CertsDir, cert)
	},
}

func init() {
	certifyCmd.Flags().StringVar(&certifyPurpose, "purpose", "packaging", "purpose recorded in the certification")
	certifyCmd.Flags().IntVar(&certifyExpiresDays, "expires-days", 365, "days until the certification expires")
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(certifyCmd)
}
