package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Scan installed packages for known CVEs (non-blocking, reporting only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := app.DB()
		if err != nil {
			return err
		}
		installed, err := db.ListPackages()
		if err != nil {
			return err
		}

		auditor, err := app.Auditor()
		if err != nil {
			return err
		}

		pairs := make([][2]string, 0, len(installed))
		for _, p := range installed {
			pairs = append(pairs, [2]string{p.Name, p.Version})
		}

		result := auditor.Audit(pairs)

		fmt.Printf("%d package(s) scanned: %d secure, %d vulnerable, %d unknown\n",
			len(installed), len(result.Secure), len(result.Vulnerable), len(result.Unknown))

		for _, v := range result.Vulnerable {
			sev := color.YellowString(v.MaxSeverity().String())
			if v.MaxSeverity().String() == "critical" || v.MaxSeverity().String() == "high" {
				sev = color.RedString(v.MaxSeverity().String())
			}
			fmt.Printf("  %s (%s) - %s - %d CVE(s)\n", v.Name, v.Version, sev, len(v.CVEs))
			if v.RecommendedVersion != nil {
				fmt.Printf("    fix available: upgrade to %s\n", *v.RecommendedVersion)
			}
		}

		if result.HasSevereVulnerabilities() {
			return fmt.Errorf("%d critical/high severity CVE(s) found", result.CriticalCount+result.HighCount)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
}
