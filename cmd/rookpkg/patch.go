package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dollspace-gay/rookpkg/internal/cve"
)

var patchSpecPath string
var patchBumpRelease bool

var patchCmd = &cobra.Command{
	Use:   "patch <package> <version>",
	Short: "Fetch available security patches for a package and optionally apply them to a spec",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		auditor, err := app.Auditor()
		if err != nil {
			return err
		}

		cves, err := auditor.QueryPackage(args[0], args[1])
		if err != nil {
			return err
		}
		if len(cves) == 0 {
			fmt.Println("no known CVEs for", args[0], args[1])
			return nil
		}

		vuln := cve.NewCveMatcher().MatchCVEs(args[0], args[1], cves)
		if len(vuln.CVEs) == 0 {
			fmt.Println("no CVEs affect this version")
			return nil
		}

		patches := auditor.Patcher().FindPatches(vuln)
		if len(patches) == 0 {
			fmt.Println("no patches found for", len(vuln.CVEs), "CVE(s)")
			return nil
		}
		for _, p := range patches {
			fmt.Println(color.YellowString("patch"), p.CveID, p.URL)
		}

		if patchSpecPath == "" {
			return nil
		}

		var updater cve.SpecUpdater
		if _, err := updater.UpdateSpec(patchSpecPath, patches, patchBumpRelease); err != nil {
			return err
		}
		fmt.Println(color.GreenString("updated"), patchSpecPath)
		return nil
	},
}

func init() {
	patchCmd.Flags().StringVar(&patchSpecPath, "spec", "", "spec file to update with the found patches")
	patchCmd.Flags().BoolVar(&patchBumpRelease, "bump-release", true, "increment the package release when updating the spec")
	rootCmd.AddCommand(patchCmd)
}
