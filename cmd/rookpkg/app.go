package main

import (
	"go.uber.org/zap"

	"github.com/dollspace-gay/rookpkg/internal/config"
	"github.com/dollspace-gay/rookpkg/internal/cve"
	"github.com/dollspace-gay/rookpkg/internal/hooks"
	"github.com/dollspace-gay/rookpkg/internal/pkgdb"
	"github.com/dollspace-gay/rookpkg/internal/repository"
	"github.com/dollspace-gay/rookpkg/internal/signing"
)

// appContext holds the resources every subcommand shares. Heavy
// resources (the package database, keyring, repository manager) are
// opened lazily so a command like `rookpkg keygen` never touches the
// database and `rookpkg list` never touches the network.
type appContext struct {
	cfg *config.Config
	log *zap.Logger

	db       *pkgdb.DB
	keyring  *signing.Keyring
	repoMgr  *repository.Manager
	hookMgr  *hooks.Manager
	auditor  *cve.CveAuditor
}

func (a *appContext) DB() (*pkgdb.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := pkgdb.Open(a.cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.db = db
	return a.db, nil
}

func (a *appContext) Keyring() (*signing.Keyring, error) {
	if a.keyring != nil {
		return a.keyring, nil
	}
	kr, err := signing.NewKeyring(a.cfg.MasterKeys, a.cfg.PackagerDir, a.cfg.CertsDir, a.cfg.UserKeyPath)
	if err != nil {
		return nil, err
	}
	a.keyring = kr
	return a.keyring, nil
}

func (a *appContext) Repository() (*repository.Manager, error) {
	if a.repoMgr != nil {
		return a.repoMgr, nil
	}
	kr, err := a.Keyring()
	if err != nil {
		return nil, err
	}
	mgr, err := repository.NewManager(a.cfg, kr, a.log)
	if err != nil {
		return nil, err
	}
	a.repoMgr = mgr
	return a.repoMgr, nil
}

func (a *appContext) Hooks() *hooks.Manager {
	if a.hookMgr != nil {
		return a.hookMgr
	}
	a.hookMgr = hooks.NewManagerWithDir(a.cfg.Root, a.cfg.HooksDir, a.cfg.HookTimeout())
	return a.hookMgr
}

func (a *appContext) Auditor() (*cve.CveAuditor, error) {
	if a.auditor != nil {
		return a.auditor, nil
	}
	auditor, err := cve.NewCveAuditor(a.cfg, a.log)
	if err != nil {
		return nil, err
	}
	a.auditor = auditor
	return a.auditor, nil
}

// Close releases any resources that were opened lazily.
func (a *appContext) Close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}
