package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dollspace-gay/rookpkg/internal/hooks"
	"github.com/dollspace-gay/rookpkg/internal/pkgdb"
	"github.com/dollspace-gay/rookpkg/internal/repository"
	"github.com/dollspace-gay/rookpkg/internal/resolver"
	"github.com/dollspace-gay/rookpkg/internal/transaction"
)

var installCmd = &cobra.Command{
	Use:   "install [packages...]",
	Short: "Resolve and install one or more packages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoMgr, err := app.Repository()
		if err != nil {
			return err
		}
		db, err := app.DB()
		if err != nil {
			return err
		}

		idx := buildResolverIndex(repoMgr)
		reqs := make([]resolver.Requirement, 0, len(args))
		requested := make(map[string]bool, len(args))
		for _, name := range args {
			reqs = append(reqs, resolver.Requirement{Name: name, Constraint: "*"})
			requested[name] = true
		}

		resolution, conflict := resolver.Resolve(reqs, idx)
		if conflict != nil {
			return fmt.Errorf("dependency resolution failed: %w", conflict)
		}

		tx, err := transaction.New(app.cfg.Root, db, app.log)
		if err != nil {
			return err
		}

		for _, name := range resolution.Order {
			found := repoMgr.FindPackage(name)
			if found == nil {
				return fmt.Errorf("package %q vanished from index during install", name)
			}
			archivePath, err := repoMgr.DownloadPackage(found.Repository, found.Package)
			if err != nil {
				return fmt.Errorf("download %s: %w", name, err)
			}
			reason := pkgdb.ReasonDependency
			if requested[name] {
				reason = pkgdb.ReasonExplicit
			}
			tx = tx.Install(name, found.Package.Version, archivePath, reason)
		}

		pre, post, err := tx.ExecuteWithHooks(app.cfg)
		reportHookResults(pre, post)
		if err != nil {
			return err
		}

		fmt.Println(color.GreenString("installed"), len(resolution.Order), "package(s)")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
}

func reportHookResults(pre, post []hooks.Result) {
	for _, r := range pre {
		app.log.Debug("pre-hook", zap.String("name", r.Name), zap.Bool("success", r.Success))
	}
	for _, r := range post {
		app.log.Debug("post-hook", zap.String("name", r.Name), zap.Bool("success", r.Success))
	}
}

func buildResolverIndex(m *repository.Manager) resolver.Index {
	idx := resolver.Index{}
	for _, res := range m.Search("") {
		name := res.Package.Name
		v, err := resolver.ParseVersion(res.Package.Version)
		if err != nil {
			continue
		}
		deps := map[string]string{}
		for _, d := range res.Package.Depends {
			depName, constraint := repository.DecodeDependency(d)
			deps[depName] = constraint
		}
		idx[name] = append(idx[name], resolver.PackageVersion{Version: v, Dependencies: deps})
	}
	return idx
}
