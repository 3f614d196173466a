package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dollspace-gay/rookpkg/internal/transaction"
)

var upgradeAllowUntrusted bool

var upgradeCmd = &cobra.Command{
	Use:   "upgrade [packages...]",
	Short: "Upgrade installed packages to the newest available version, or all if none named",
	RunE: func(cmd *cobra.Command, args []string) error {
		repoMgr, err := app.Repository()
		if err != nil {
			return err
		}
		result := repoMgr.UpdateAll(upgradeAllowUntrusted)
		for _, f := range result.Failed {
			app.log.Warn("repository update failed", zap.String("repo", f.Repository), zap.Error(f.Err))
		}

		db, err := app.DB()
		if err != nil {
			return err
		}

		targets := args
		if len(targets) == 0 {
			installed, err := db.ListPackages()
			if err != nil {
				return err
			}
			for _, p := range installed {
				targets = append(targets, p.Name)
			}
		}

		tx, err := transaction.New(app.cfg.Root, db, app.log)
		if err != nil {
			return err
		}

		upgraded := 0
		for _, name := range targets {
			current, err := db.GetPackage(name)
			if err != nil {
				continue
			}
			if held, _ := db.IsHeld(name); held {
				continue
			}
			found := repoMgr.FindPackage(name)
			if found == nil {
				continue
			}
			if found.Package.Version == current.Version {
				continue
			}
			archivePath, err := repoMgr.DownloadPackage(found.Repository, found.Package)
			if err != nil {
				return fmt.Errorf("download %s: %w", name, err)
			}
			tx = tx.Upgrade(name, current.Version, found.Package.Version, archivePath)
			upgraded++
		}

		if upgraded == 0 {
			fmt.Println("nothing to upgrade")
			return nil
		}

		pre, post, err := tx.ExecuteWithHooks(app.cfg)
		reportHookResults(pre, post)
		if err != nil {
			return err
		}

		fmt.Println(color.GreenString("upgraded"), upgraded, "package(s)")
		return nil
	},
}

func init() {
	upgradeCmd.Flags().BoolVar(&upgradeAllowUntrusted, "allow-untrusted", false, "accept repository metadata without a valid signature")
	rootCmd.AddCommand(upgradeCmd)
}
