// Package transaction implements the journaled, crash-safe installation
// engine: install, remove, and upgrade are each driven through a
// filesystem+database journal so that a failure partway through can be
// rolled back, per spec.md §3.1 "Transaction" and §4.7 "Transaction Engine".
package transaction

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/dollspace-gay/rookpkg/internal/archive"
	"github.com/dollspace-gay/rookpkg/internal/config"
	"github.com/dollspace-gay/rookpkg/internal/hooks"
	"github.com/dollspace-gay/rookpkg/internal/pkgdb"
	"github.com/dollspace-gay/rookpkg/internal/rerr"
)

// ConflictType classifies what a file conflicts with.
type ConflictType int

const (
	ConflictInstalledPackage ConflictType = iota
	ConflictTransactionPackage
	ConflictUnownedFile
)

// FileConflict is one conflict found by CheckConflicts.
type FileConflict struct {
	Path              string
	InstallingPackage string
	Type              ConflictType
	With              string // owning/conflicting package name; empty for ConflictUnownedFile
}

func (c FileConflict) Error() string {
	switch c.Type {
	case ConflictInstalledPackage:
		return fmt.Sprintf("%s: owned by package %q (installing: %s)", c.Path, c.With, c.InstallingPackage)
	case ConflictTransactionPackage:
		return fmt.Sprintf("%s: would be installed by both %q and %q", c.Path, c.InstallingPackage, c.With)
	default:
		return fmt.Sprintf("%s: unowned file exists on filesystem (installing: %s)", c.Path, c.InstallingPackage)
	}
}

// State is the lifecycle state of a transaction, persisted to state.toml.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateRolledBack State = "rolled_back"
	StateFailed     State = "failed"
)

// OpKind names which of install/remove/upgrade an Operation performs.
type OpKind string

const (
	OpKindInstall OpKind = "install"
	OpKindRemove  OpKind = "remove"
	OpKindUpgrade OpKind = "upgrade"
)

// Operation is one queued change within a transaction.
type Operation struct {
	Kind        OpKind              `toml:"kind"`
	Package     string              `toml:"package"`
	Version     string              `toml:"version,omitempty"`
	OldVersion  string              `toml:"old_version,omitempty"`
	NewVersion  string              `toml:"new_version,omitempty"`
	ArchivePath string              `toml:"archive_path,omitempty"`
	Reason      pkgdb.InstallReason `toml:"reason,omitempty"`
}

func (o Operation) hookOp() hooks.Operation {
	switch o.Kind {
	case OpKindInstall:
		return hooks.OpInstall
	case OpKindRemove:
		return hooks.OpRemove
	default:
		return hooks.OpUpgrade
	}
}

type operationList struct {
	Operations []Operation `toml:"operations"`
}

// JournalKind names the variant of a JournalEntry.
type JournalKind string

const (
	JournalFileCreated      JournalKind = "file_created"
	JournalFileRemoved      JournalKind = "file_removed"
	JournalFileModified     JournalKind = "file_modified"
	JournalDirCreated       JournalKind = "dir_created"
	JournalDBPackageAdded   JournalKind = "db_package_added"
	JournalDBPackageRemoved JournalKind = "db_package_removed"
)

// JournalEntry records one completed sub-step of an operation, replayed in
// reverse on rollback.
type JournalEntry struct {
	Kind       JournalKind `toml:"kind"`
	Path       string      `toml:"path,omitempty"`
	Backup     string      `toml:"backup,omitempty"`
	Package    string      `toml:"package,omitempty"`
	BackupData string      `toml:"backup_data,omitempty"`
}

type journalList struct {
	Journal []JournalEntry `toml:"journal"`
}

type stateFile struct {
	State State `toml:"state"`
}

var protectedDirs = map[string]bool{
	"/": true, "/bin": true, "/etc": true, "/lib": true, "/lib64": true,
	"/opt": true, "/root": true, "/sbin": true, "/usr": true, "/usr/bin": true,
	"/usr/lib": true, "/usr/lib64": true, "/usr/sbin": true, "/usr/share": true,
	"/usr/include": true, "/var": true, "/var/lib": true, "/var/log": true,
}

// Transaction is an atomic sequence of package install/remove/upgrade
// operations, backed by a journal directory under
// var/lib/rookpkg/transactions/<id>/ so an interrupted run can be resumed
// or rolled back.
type Transaction struct {
	id         string
	state      State
	operations []Operation
	journal    []JournalEntry
	root       string
	txDir      string
	db         *pkgdb.DB
	log        *zap.Logger
}

func transactionsDir(root string) string {
	return filepath.Join(root, "var/lib/rookpkg/transactions")
}

func scriptsDir(root, pkg string) string {
	return filepath.Join(root, "var/lib/rookpkg/scripts", pkg)
}

// New creates a fresh transaction with a timestamp-derived ID and persists
// its initial (empty, Pending) state. A nil log is replaced with a no-op
// logger so callers that don't care about transaction telemetry can pass
// nil.
func New(root string, db *pkgdb.DB, log *zap.Logger) (*Transaction, error) {
	if log == nil {
		log = zap.NewNop()
	}
	id := time.Now().UTC().Format("20060102150405.000000")
	id = strings.ReplaceAll(id, ".", "")
	txDir := filepath.Join(transactionsDir(root), id)
	if err := os.MkdirAll(txDir, 0o755); err != nil {
		return nil, rerr.Wrap(rerr.IO, "create transaction directory", txDir, err)
	}

	tx := &Transaction{id: id, state: StatePending, root: root, txDir: txDir, db: db, log: log}
	if err := tx.saveState(); err != nil {
		return nil, err
	}
	log.Debug("transaction created", zap.String("id", id))
	return tx, nil
}

// Resume reloads a previously created transaction's persisted state,
// operations, and journal, for recovery after an interrupted process.
func Resume(root, id string, db *pkgdb.DB, log *zap.Logger) (*Transaction, error) {
	if log == nil {
		log = zap.NewNop()
	}
	txDir := filepath.Join(transactionsDir(root), id)
	if _, err := os.Stat(txDir); err != nil {
		return nil, rerr.Wrap(rerr.IO, "resume transaction", txDir, fmt.Errorf("transaction %s not found", id))
	}

	var sf stateFile
	if _, err := toml.DecodeFile(filepath.Join(txDir, "state.toml"), &sf); err != nil {
		return nil, rerr.Wrap(rerr.IO, "read transaction state", txDir, err)
	}

	var ops operationList
	opsPath := filepath.Join(txDir, "operations.toml")
	if _, err := os.Stat(opsPath); err == nil {
		if _, err := toml.DecodeFile(opsPath, &ops); err != nil {
			return nil, rerr.Wrap(rerr.IO, "read transaction operations", txDir, err)
		}
	}

	var jl journalList
	journalPath := filepath.Join(txDir, "journal.toml")
	if _, err := os.Stat(journalPath); err == nil {
		if _, err := toml.DecodeFile(journalPath, &jl); err != nil {
			return nil, rerr.Wrap(rerr.IO, "read transaction journal", txDir, err)
		}
	}

	log.Debug("transaction resumed", zap.String("id", id), zap.String("state", string(sf.State)))
	return &Transaction{
		id: id, state: sf.State, operations: ops.Operations, journal: jl.Journal,
		root: root, txDir: txDir, db: db, log: log,
	}, nil
}

// ID returns the transaction's identifier.
func (t *Transaction) ID() string { return t.id }

// State returns the transaction's current lifecycle state.
func (t *Transaction) State() State { return t.state }

// Install queues an install operation. reason defaults to ReasonExplicit
// (a direct user request); pass pkgdb.ReasonDependency for packages pulled
// in only to satisfy another package's requirements, so find_orphans can
// later tell the two apart per spec.md §4.3.
func (t *Transaction) Install(pkg, version, archivePath string, reason ...pkgdb.InstallReason) *Transaction {
	r := pkgdb.ReasonExplicit
	if len(reason) > 0 {
		r = reason[0]
	}
	t.operations = append(t.operations, Operation{Kind: OpKindInstall, Package: pkg, Version: version, ArchivePath: archivePath, Reason: r})
	return t
}

// Remove queues a remove operation.
func (t *Transaction) Remove(pkg string) *Transaction {
	t.operations = append(t.operations, Operation{Kind: OpKindRemove, Package: pkg})
	return t
}

// Upgrade queues an upgrade operation.
func (t *Transaction) Upgrade(pkg, oldVersion, newVersion, archivePath string) *Transaction {
	t.operations = append(t.operations, Operation{
		Kind: OpKindUpgrade, Package: pkg, OldVersion: oldVersion, NewVersion: newVersion, ArchivePath: archivePath,
	})
	return t
}

// CheckConflicts performs the pre-flight conflict check described in
// spec.md §4.7: files owned by other installed packages (excluding
// packages this same transaction is removing or upgrading), files two
// packages in this transaction would both install, and, if checkUnowned
// is set, files that already exist on disk without being owned by any
// package.
func (t *Transaction) CheckConflicts(checkUnowned bool) ([]FileConflict, error) {
	var conflicts []FileConflict
	transactionFiles := map[string]string{}

	beingRemoved := map[string]bool{}
	for _, op := range t.operations {
		if op.Kind == OpKindRemove || op.Kind == OpKindUpgrade {
			beingRemoved[op.Package] = true
		}
	}

	for _, op := range t.operations {
		if op.Kind == OpKindRemove {
			continue
		}

		reader, err := archive.Open(op.ArchivePath)
		if err != nil {
			continue
		}
		files, err := reader.ReadFiles()
		if err != nil {
			continue
		}

		for _, fe := range files {
			if other, ok := transactionFiles[fe.Path]; ok {
				if other != op.Package {
					conflicts = append(conflicts, FileConflict{
						Path: fe.Path, InstallingPackage: op.Package, Type: ConflictTransactionPackage, With: other,
					})
				}
				continue
			}

			owner, err := t.db.FileOwner(fe.Path)
			if err == nil && owner != "" && owner != op.Package && !beingRemoved[owner] {
				conflicts = append(conflicts, FileConflict{
					Path: fe.Path, InstallingPackage: op.Package, Type: ConflictInstalledPackage, With: owner,
				})
				continue
			}

			if checkUnowned {
				fullPath := filepath.Join(t.root, strings.TrimPrefix(fe.Path, "/"))
				if _, err := os.Stat(fullPath); err == nil {
					if owner == "" {
						conflicts = append(conflicts, FileConflict{
							Path: fe.Path, InstallingPackage: op.Package, Type: ConflictUnownedFile,
						})
						continue
					}
				}
			}

			transactionFiles[fe.Path] = op.Package
		}
	}

	return conflicts, nil
}

// Execute runs every queued operation in order, rolling back and marking
// the transaction RolledBack (or Failed, if rollback itself fails) on any
// error.
func (t *Transaction) Execute() error {
	if t.state != StatePending {
		return fmt.Errorf("transaction already executed (state: %s)", t.state)
	}

	t.state = StateInProgress
	if err := t.saveState(); err != nil {
		return err
	}
	t.log.Info("transaction starting", zap.String("id", t.id), zap.Int("operations", len(t.operations)))

	for _, op := range t.operations {
		if err := t.executeOperation(op); err != nil {
			t.log.Warn("operation failed, rolling back", zap.String("id", t.id), zap.String("package", op.Package), zap.Error(err))
			if rollbackErr := t.rollback(); rollbackErr != nil {
				t.state = StateFailed
				_ = t.saveState()
				t.log.Error("rollback failed", zap.String("id", t.id), zap.Error(rollbackErr))
				return fmt.Errorf("transaction failed and rollback failed: %w (rollback: %v)", err, rollbackErr)
			}
			t.state = StateRolledBack
			_ = t.saveState()
			return fmt.Errorf("transaction rolled back due to: %w", err)
		}
	}

	t.state = StateCompleted
	if err := t.saveState(); err != nil {
		return err
	}
	t.log.Info("transaction completed", zap.String("id", t.id))
	t.cleanup()
	return nil
}

// ExecuteWithHooks wraps Execute with system-wide pre-transaction and
// post-transaction (or transaction-failed) hook runs, per spec.md §4.8.
func (t *Transaction) ExecuteWithHooks(cfg *config.Config) (pre, post []hooks.Result, err error) {
	manager := hooks.NewManagerWithDir(t.root, cfg.HooksDir, cfg.HookTimeout())
	if _, err := manager.DiscoverHooks(); err != nil {
		return nil, nil, err
	}

	preCtx := t.buildHookContext(hooks.EventPreTransaction)
	pre, preErr := manager.RunHooks(preCtx, cfg.PreHookFailureAborts)
	if preErr != nil {
		return pre, nil, preErr
	}

	execErr := t.Execute()

	postEvent := hooks.EventPostTransaction
	if execErr != nil {
		postEvent = hooks.EventTransactionFailed
	}
	postCtx := t.buildHookContext(postEvent)
	post, postErr := manager.RunHooks(postCtx, cfg.PostHookFailureAborts)

	if execErr != nil {
		return pre, post, execErr
	}
	return pre, post, postErr
}

func (t *Transaction) buildHookContext(event hooks.Event) *hooks.Context {
	ctx := hooks.NewContext(event, t.id, t.root)
	for _, op := range t.operations {
		ctx.AddPackage(op.Package, op.hookOp())
	}
	return ctx
}

func (t *Transaction) executeOperation(op Operation) error {
	switch op.Kind {
	case OpKindInstall:
		reason := op.Reason
		if reason == "" {
			reason = pkgdb.ReasonExplicit
		}
		return t.doInstall(op.ArchivePath, reason)
	case OpKindRemove:
		return t.doRemove(op.Package)
	case OpKindUpgrade:
		return t.doUpgrade(op.Package, op.ArchivePath)
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// doInstall extracts and registers a new package, running its
// pre_install/post_install scripts.
func (t *Transaction) doInstall(archivePath string, reason pkgdb.InstallReason) error {
	reader, err := archive.Open(archivePath)
	if err != nil {
		return err
	}
	info, err := reader.ReadInfo()
	if err != nil {
		return err
	}
	files, err := reader.ReadFiles()
	if err != nil {
		return err
	}
	scripts, err := reader.ReadScripts()
	if err != nil {
		return err
	}

	if scripts != nil && scripts.PreInstall != "" {
		if err := t.runScript(info.Name, "pre_install", scripts.PreInstall); err != nil {
			return err
		}
	}

	for _, fe := range files {
		owner, err := t.db.FileOwner(fe.Path)
		if err == nil && owner != "" && owner != info.Name {
			return fmt.Errorf("file conflict: %s is already owned by package %q", fe.Path, owner)
		}
	}

	if err := t.installFiles(info.Name, reader, files); err != nil {
		return err
	}

	pkgID, err := t.addPackageToDB(info, reason)
	if err != nil {
		return err
	}
	if err := t.addFilesToDB(pkgID, files); err != nil {
		return err
	}
	if err := t.addDependenciesToDB(pkgID, info); err != nil {
		return err
	}

	if scripts != nil {
		if err := t.savePackageScripts(info.Name, scripts); err != nil {
			return err
		}
	}

	if scripts != nil && scripts.PostInstall != "" {
		if err := t.runScript(info.Name, "post_install", scripts.PostInstall); err != nil {
			return err
		}
	}

	return t.saveJournal()
}

// doInstallForUpgrade is doInstall without running install scripts; the
// caller runs pre_upgrade/post_upgrade around the combined remove+install.
func (t *Transaction) doInstallForUpgrade(archivePath string) error {
	reader, err := archive.Open(archivePath)
	if err != nil {
		return err
	}
	info, err := reader.ReadInfo()
	if err != nil {
		return err
	}
	files, err := reader.ReadFiles()
	if err != nil {
		return err
	}
	scripts, err := reader.ReadScripts()
	if err != nil {
		return err
	}

	for _, fe := range files {
		owner, err := t.db.FileOwner(fe.Path)
		if err == nil && owner != "" && owner != info.Name {
			return fmt.Errorf("file conflict: %s is already owned by package %q", fe.Path, owner)
		}
	}

	if err := t.installFiles(info.Name, reader, files); err != nil {
		return err
	}

	oldReason := pkgdb.ReasonExplicit
	if existing, err := t.db.GetPackage(info.Name); err == nil && existing != nil {
		oldReason = existing.InstallReason
	}
	pkgID, err := t.addPackageToDB(info, oldReason)
	if err != nil {
		return err
	}
	if err := t.addFilesToDB(pkgID, files); err != nil {
		return err
	}
	if err := t.addDependenciesToDB(pkgID, info); err != nil {
		return err
	}

	if scripts != nil {
		if err := t.savePackageScripts(info.Name, scripts); err != nil {
			return err
		}
	}

	return t.saveJournal()
}

func (t *Transaction) installFiles(pkgName string, reader *archive.Reader, files []archive.FileEntry) error {
	backupDir := filepath.Join(t.txDir, "backup", pkgName)
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return rerr.Wrap(rerr.IO, "create backup directory", backupDir, err)
	}

	extractDir := filepath.Join(t.txDir, "extract", pkgName)
	if err := reader.ExtractData(extractDir); err != nil {
		return err
	}

	for _, fe := range files {
		rel := strings.TrimPrefix(fe.Path, "/")
		src := filepath.Join(extractDir, filepath.FromSlash(rel))
		dest := filepath.Join(t.root, filepath.FromSlash(rel))

		if fi, err := os.Stat(dest); err == nil && !fi.IsDir() {
			backup := filepath.Join(backupDir, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
				return rerr.Wrap(rerr.IO, "create backup parent", backup, err)
			}
			if err := copyFile(dest, backup); err != nil {
				return rerr.Wrap(rerr.IO, "backup file", dest, err)
			}
			t.journal = append(t.journal, JournalEntry{Kind: JournalFileModified, Path: dest, Backup: backup})
		}

		parent := filepath.Dir(dest)
		if _, err := os.Stat(parent); os.IsNotExist(err) {
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return rerr.Wrap(rerr.IO, "create parent directory", parent, err)
			}
			t.journal = append(t.journal, JournalEntry{Kind: JournalDirCreated, Path: parent})
		}

		srcInfo, err := os.Stat(src)
		switch {
		case err != nil:
			// directory entries with no regular file payload under extractDir
			if _, destErr := os.Stat(dest); os.IsNotExist(destErr) {
				if err := os.MkdirAll(dest, 0o755); err != nil {
					return rerr.Wrap(rerr.IO, "create directory", dest, err)
				}
				t.journal = append(t.journal, JournalEntry{Kind: JournalDirCreated, Path: dest})
			}
		case srcInfo.IsDir():
			if _, destErr := os.Stat(dest); os.IsNotExist(destErr) {
				if err := os.MkdirAll(dest, 0o755); err != nil {
					return rerr.Wrap(rerr.IO, "create directory", dest, err)
				}
				t.journal = append(t.journal, JournalEntry{Kind: JournalDirCreated, Path: dest})
			}
		default:
			if err := copyFile(src, dest); err != nil {
				return rerr.Wrap(rerr.IO, "install file", dest, err)
			}
			t.journal = append(t.journal, JournalEntry{Kind: JournalFileCreated, Path: dest})
		}
	}

	return nil
}

func (t *Transaction) addPackageToDB(info *archive.Info, reason pkgdb.InstallReason) (int64, error) {
	pkg := &pkgdb.Package{
		Name:          info.Name,
		Version:       info.Version,
		Release:       info.Release,
		InstallDate:   time.Now().UTC().Unix(),
		SizeBytes:     int64(info.InstalledSize),
		InstallReason: reason,
	}
	pkgID, err := t.db.AddPackage(pkg)
	if err != nil {
		return 0, err
	}
	t.journal = append(t.journal, JournalEntry{Kind: JournalDBPackageAdded, Package: info.Name})
	return pkgID, nil
}

func (t *Transaction) addFilesToDB(pkgID int64, files []archive.FileEntry) error {
	for _, fe := range files {
		record := &pkgdb.FileRecord{
			Path: fe.Path, Mode: fe.Mode, Owner: "root", Group: "root",
			SizeBytes: int64(fe.Size), Checksum: fe.SHA256, IsConfig: fe.IsConfig,
		}
		if err := t.db.AddFile(pkgID, record); err != nil {
			return err
		}
	}
	return nil
}

// addDependenciesToDB records the package's runtime dependency edges so
// internal/pkgdb.FindOrphans' reverse-reachability walk has real edges to
// traverse, per spec.md §4.3 and §3.1's Dependency Record.
func (t *Transaction) addDependenciesToDB(pkgID int64, info *archive.Info) error {
	for name, constraint := range info.Depends {
		dep := &pkgdb.Dependency{
			PackageID:  pkgID,
			DependsOn:  name,
			Constraint: constraint,
			Kind:       pkgdb.DepRuntime,
		}
		if err := t.db.AddDependency(dep); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transaction) savePackageScripts(pkgName string, scripts *archive.Scripts) error {
	dir := scriptsDir(t.root, pkgName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return rerr.Wrap(rerr.IO, "create scripts directory", dir, err)
	}

	entries := map[string]string{
		"pre_install.sh": scripts.PreInstall, "post_install.sh": scripts.PostInstall,
		"pre_remove.sh": scripts.PreRemove, "post_remove.sh": scripts.PostRemove,
		"pre_upgrade.sh": scripts.PreUpgrade, "post_upgrade.sh": scripts.PostUpgrade,
	}
	for name, content := range entries {
		if content == "" {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return rerr.Wrap(rerr.IO, "save package script", name, err)
		}
	}
	return nil
}

func (t *Transaction) loadPackageScript(pkgName, scriptName string) string {
	content, err := os.ReadFile(filepath.Join(scriptsDir(t.root, pkgName), scriptName+".sh"))
	if err != nil {
		return ""
	}
	return string(content)
}

func (t *Transaction) removePackageScripts(pkgName string) error {
	dir := scriptsDir(t.root, pkgName)
	if _, err := os.Stat(dir); err == nil {
		if err := os.RemoveAll(dir); err != nil {
			return rerr.Wrap(rerr.IO, "remove package scripts", dir, err)
		}
	}
	return nil
}

// doUpgrade runs pre_upgrade (from the old install), removes the old
// package without its own remove scripts, installs the new archive
// without its own install scripts, then runs post_upgrade (from the new
// archive).
func (t *Transaction) doUpgrade(pkgName, archivePath string) error {
	preUpgrade := t.loadPackageScript(pkgName, "pre_upgrade")
	if preUpgrade != "" {
		if err := t.runScript(pkgName, "pre_upgrade", preUpgrade); err != nil {
			return err
		}
	}

	reader, err := archive.Open(archivePath)
	if err != nil {
		return err
	}
	newScripts, err := reader.ReadScripts()
	if err != nil {
		return err
	}

	oldReason := pkgdb.ReasonExplicit
	if existing, err := t.db.GetPackage(pkgName); err == nil && existing != nil {
		oldReason = existing.InstallReason
	}
	if err := t.doRemoveForUpgrade(pkgName); err != nil {
		return err
	}
	if err := t.doInstallForUpgrade(archivePath); err != nil {
		return err
	}
	if _, err := t.db.SetInstallReason(pkgName, oldReason); err != nil {
		return err
	}

	if newScripts != nil && newScripts.PostUpgrade != "" {
		if err := t.runScript(pkgName, "post_upgrade", newScripts.PostUpgrade); err != nil {
			return err
		}
	}

	return nil
}

func (t *Transaction) doRemoveForUpgrade(pkgName string) error {
	return t.removePackageFiles(pkgName)
}

// doRemove removes a package, running its pre_remove/post_remove scripts.
func (t *Transaction) doRemove(pkgName string) error {
	preRemove := t.loadPackageScript(pkgName, "pre_remove")
	if preRemove != "" {
		if err := t.runScript(pkgName, "pre_remove", preRemove); err != nil {
			return err
		}
	}

	if err := t.removePackageFiles(pkgName); err != nil {
		return err
	}

	postRemove := t.loadPackageScript(pkgName, "post_remove")
	if postRemove != "" {
		if err := t.runScript(pkgName, "post_remove", postRemove); err != nil {
			return err
		}
	}

	return t.removePackageScripts(pkgName)
}

// removePackageFiles is the shared body of remove and upgrade's removal
// half: backs up and deletes every file the package owns, prunes
// directories left empty, and removes the package's database row.
func (t *Transaction) removePackageFiles(pkgName string) error {
	pkg, err := t.db.GetPackage(pkgName)
	if err != nil {
		return err
	}
	if pkg == nil {
		return fmt.Errorf("package %s is not installed", pkgName)
	}

	backupDir := filepath.Join(t.txDir, "backup", pkgName)
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return rerr.Wrap(rerr.IO, "create backup directory", backupDir, err)
	}

	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(pkg); err != nil {
		return rerr.Wrap(rerr.IO, "serialize package backup", pkgName, err)
	}
	t.journal = append(t.journal, JournalEntry{Kind: JournalDBPackageRemoved, Package: pkgName, BackupData: buf.String()})

	files, err := t.db.GetFiles(pkgName)
	if err != nil {
		return err
	}

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))

	dirsToCheck := map[string]bool{}
	for _, p := range paths {
		fullPath := filepath.Join(t.root, strings.TrimPrefix(p, "/"))
		fi, err := os.Stat(fullPath)
		if err != nil || fi.IsDir() {
			continue
		}

		backup := filepath.Join(backupDir, strings.TrimPrefix(p, "/"))
		if err := os.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
			return rerr.Wrap(rerr.IO, "create backup parent", backup, err)
		}
		if err := copyFile(fullPath, backup); err != nil {
			return rerr.Wrap(rerr.IO, "backup file for removal", fullPath, err)
		}
		if err := os.Remove(fullPath); err != nil {
			return rerr.Wrap(rerr.IO, "remove file", fullPath, err)
		}
		t.journal = append(t.journal, JournalEntry{Kind: JournalFileRemoved, Path: fullPath, Backup: backup})
		dirsToCheck[filepath.Dir(fullPath)] = true
	}

	var dirs []string
	for d := range dirsToCheck {
		dirs = append(dirs, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		if protectedDirs[dirRelativeTo(t.root, dir)] {
			continue
		}
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) == 0 {
			_ = os.Remove(dir)
		}
	}

	if _, err := t.db.RemovePackage(pkgName); err != nil {
		return err
	}

	return t.saveJournal()
}

func dirRelativeTo(root, dir string) string {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return dir
	}
	return "/" + filepath.ToSlash(rel)
}

// rollback replays the journal in reverse, undoing each completed step.
func (t *Transaction) rollback() error {
	for i := len(t.journal) - 1; i >= 0; i-- {
		entry := t.journal[i]
		switch entry.Kind {
		case JournalFileCreated:
			if _, err := os.Stat(entry.Path); err == nil {
				_ = os.Remove(entry.Path)
			}
		case JournalFileRemoved:
			if _, err := os.Stat(entry.Backup); err == nil {
				_ = os.MkdirAll(filepath.Dir(entry.Path), 0o755)
				_ = copyFile(entry.Backup, entry.Path)
			}
		case JournalFileModified:
			if _, err := os.Stat(entry.Backup); err == nil {
				_ = copyFile(entry.Backup, entry.Path)
			}
		case JournalDirCreated:
			if fi, err := os.Stat(entry.Path); err == nil && fi.IsDir() {
				_ = os.Remove(entry.Path)
			}
		case JournalDBPackageAdded:
			_, _ = t.db.RemovePackage(entry.Package)
		case JournalDBPackageRemoved:
			var pkg pkgdb.Package
			if _, err := toml.Decode(entry.BackupData, &pkg); err == nil {
				_, _ = t.db.AddPackage(&pkg)
			}
		}
	}
	return nil
}

func (t *Transaction) saveState() error {
	content, err := encodeTOML(stateFile{State: t.state})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(t.txDir, "state.toml"), content, 0o644); err != nil {
		return rerr.Wrap(rerr.IO, "save transaction state", t.txDir, err)
	}

	opsContent, err := encodeTOML(operationList{Operations: t.operations})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(t.txDir, "operations.toml"), opsContent, 0o644); err != nil {
		return rerr.Wrap(rerr.IO, "save transaction operations", t.txDir, err)
	}
	return nil
}

func (t *Transaction) saveJournal() error {
	content, err := encodeTOML(journalList{Journal: t.journal})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(t.txDir, "journal.toml"), content, 0o644); err != nil {
		return rerr.Wrap(rerr.IO, "save transaction journal", t.txDir, err)
	}
	return nil
}

func (t *Transaction) cleanup() {
	_ = os.RemoveAll(t.txDir)
}

func encodeTOML(v interface{}) ([]byte, error) {
	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return nil, rerr.Wrap(rerr.IO, "encode transaction state", "", err)
	}
	return []byte(buf.String()), nil
}

// runScript writes a lifecycle script to a scratch file under the
// transaction directory with a shebang and "set -e" prepended, makes it
// executable, and runs it via /bin/bash with ROOKPKG_ROOT/ROOKPKG_PACKAGE/
// ROOKPKG_SCRIPT set.
func (t *Transaction) runScript(pkgName, scriptName, content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	dir := filepath.Join(t.txDir, "scripts", pkgName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return rerr.Wrap(rerr.IO, "create script directory", dir, err)
	}

	path := filepath.Join(dir, scriptName+".sh")
	body := "#!/bin/bash\nset -e\n# " + scriptName + " script for " + pkgName + "\n\n" + content + "\n"
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		return rerr.Wrap(rerr.IO, "write script", path, err)
	}

	return runLifecycleScript(t.root, pkgName, scriptName, path)
}

// ListPending scans the transactions directory for transactions left in
// the InProgress state, candidates for Resume and manual recovery.
func ListPending(root string) ([]string, error) {
	dir := transactionsDir(root)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, rerr.Wrap(rerr.IO, "list transactions", dir, err)
	}

	var pending []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		statePath := filepath.Join(dir, entry.Name(), "state.toml")
		var sf stateFile
		if _, err := toml.DecodeFile(statePath, &sf); err != nil {
			continue
		}
		if sf.State == StateInProgress {
			pending = append(pending, entry.Name())
		}
	}
	sort.Strings(pending)
	return pending, nil
}
