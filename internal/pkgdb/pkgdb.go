// Package pkgdb is the authoritative SQLite-backed store of installed
// package state: records, file ownership, dependencies, holds, and
// trusted/revoked keys. See spec.md §3.1 and §4.3.
package pkgdb

import (
	"database/sql"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dollspace-gay/rookpkg/internal/rerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS packages (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	version TEXT NOT NULL,
	release INTEGER NOT NULL,
	install_date INTEGER NOT NULL,
	size_bytes INTEGER NOT NULL,
	checksum TEXT NOT NULL,
	spec_file TEXT NOT NULL,
	install_reason TEXT NOT NULL DEFAULT 'explicit'
);

CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY,
	package_id INTEGER NOT NULL,
	path TEXT NOT NULL UNIQUE,
	mode INTEGER NOT NULL,
	owner TEXT NOT NULL,
	"group" TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	checksum TEXT NOT NULL,
	is_config INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (package_id) REFERENCES packages(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS dependencies (
	id INTEGER PRIMARY KEY,
	package_id INTEGER NOT NULL,
	depends_on TEXT NOT NULL,
	constraint_spec TEXT NOT NULL,
	dep_type TEXT NOT NULL,
	FOREIGN KEY (package_id) REFERENCES packages(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS available_packages (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	release INTEGER NOT NULL,
	summary TEXT NOT NULL,
	download_url TEXT NOT NULL,
	checksum TEXT NOT NULL,
	last_updated INTEGER NOT NULL,
	UNIQUE(name, version, release)
);

CREATE TABLE IF NOT EXISTS trusted_keys (
	id INTEGER PRIMARY KEY,
	fingerprint TEXT NOT NULL UNIQUE,
	public_key TEXT NOT NULL,
	trust_level TEXT NOT NULL,
	name TEXT NOT NULL,
	email TEXT NOT NULL,
	added_date INTEGER NOT NULL,
	added_by TEXT NOT NULL,
	notes TEXT
);

CREATE TABLE IF NOT EXISTS revoked_keys (
	id INTEGER PRIMARY KEY,
	fingerprint TEXT NOT NULL UNIQUE,
	revoked_date INTEGER NOT NULL,
	reason TEXT NOT NULL,
	revoked_by TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS held_packages (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	held_version TEXT,
	held_date INTEGER NOT NULL,
	reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_files_path ON files(path);
CREATE INDEX IF NOT EXISTS idx_files_package ON files(package_id);
CREATE INDEX IF NOT EXISTS idx_deps_package ON dependencies(package_id);
CREATE INDEX IF NOT EXISTS idx_deps_name ON dependencies(depends_on);
CREATE INDEX IF NOT EXISTS idx_available_name ON available_packages(name);
`

// InstallReason classifies why a package is present.
type InstallReason string

const (
	ReasonExplicit   InstallReason = "explicit"
	ReasonDependency InstallReason = "dependency"
)

// Package is a row in the packages table, spec.md §3.1 "Installed Package Record".
type Package struct {
	Name          string
	Version       string
	Release       uint32
	InstallDate   int64
	SizeBytes     int64
	Checksum      string
	SpecFile      string
	InstallReason InstallReason
}

// FileRecord is a row in the files table, spec.md §3.1 "File Ownership Record".
type FileRecord struct {
	Path      string
	Mode      uint32
	Owner     string
	Group     string
	SizeBytes int64
	Checksum  string
	IsConfig  bool
}

// DependencyKind classifies a dependency edge.
type DependencyKind string

const (
	DepRuntime  DependencyKind = "runtime"
	DepBuild    DependencyKind = "build"
	DepOptional DependencyKind = "optional"
)

// Dependency is a row in the dependencies table.
type Dependency struct {
	PackageID  int64
	DependsOn  string
	Constraint string
	Kind       DependencyKind
}

// Hold is a row in the held_packages table.
type Hold struct {
	Name     string
	Version  *string
	HeldDate int64
	Reason   string
}

// DB wraps a package database connection.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) a file-backed database at path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, rerr.Wrap(rerr.Database, "open database", path, err)
	}
	conn.SetMaxOpenConns(1)
	db := &DB{conn: conn}
	if err := db.initialize(); err != nil {
		return nil, err
	}
	return db, nil
}

// OpenInMemory opens a throwaway in-memory database, for tests.
func OpenInMemory() (*DB, error) {
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, rerr.Wrap(rerr.Database, "open in-memory database", "", err)
	}
	conn.SetMaxOpenConns(1)
	db := &DB{conn: conn}
	if err := db.initialize(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) initialize() error {
	if _, err := db.conn.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return rerr.Wrap(rerr.Database, "enable foreign keys", "", err)
	}
	if _, err := db.conn.Exec(schema); err != nil {
		return rerr.Wrap(rerr.Database, "initialize schema", "", err)
	}
	return nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// AddPackage inserts a new installed package row.
func (db *DB) AddPackage(pkg *Package) (int64, error) {
	res, err := db.conn.Exec(
		`INSERT INTO packages (name, version, release, install_date, size_bytes, checksum, spec_file, install_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pkg.Name, pkg.Version, pkg.Release, pkg.InstallDate, pkg.SizeBytes, pkg.Checksum, pkg.SpecFile, string(pkg.InstallReason),
	)
	if err != nil {
		return 0, rerr.Wrap(rerr.Database, "add package", pkg.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, rerr.Wrap(rerr.Database, "add package", pkg.Name, err)
	}
	return id, nil
}

// RemovePackage deletes a package row (and, via ON DELETE CASCADE, its
// files and dependencies).
func (db *DB) RemovePackage(name string) (bool, error) {
	res, err := db.conn.Exec(`DELETE FROM packages WHERE name = ?`, name)
	if err != nil {
		return false, rerr.Wrap(rerr.Database, "remove package", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, rerr.Wrap(rerr.Database, "remove package", name, err)
	}
	return n > 0, nil
}

// GetPackage returns an installed package by name, or nil if absent.
func (db *DB) GetPackage(name string) (*Package, error) {
	row := db.conn.QueryRow(
		`SELECT name, version, release, install_date, size_bytes, checksum, spec_file, install_reason
		 FROM packages WHERE name = ?`, name)

	var pkg Package
	var reason string
	err := row.Scan(&pkg.Name, &pkg.Version, &pkg.Release, &pkg.InstallDate, &pkg.SizeBytes, &pkg.Checksum, &pkg.SpecFile, &reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, rerr.Wrap(rerr.Database, "get package", name, err)
	}
	pkg.InstallReason = InstallReason(reason)
	return &pkg, nil
}

// ListPackages returns every installed package, sorted by name.
func (db *DB) ListPackages() ([]Package, error) {
	rows, err := db.conn.Query(
		`SELECT name, version, release, install_date, size_bytes, checksum, spec_file, install_reason
		 FROM packages ORDER BY name`)
	if err != nil {
		return nil, rerr.Wrap(rerr.Database, "list packages", "", err)
	}
	defer rows.Close()

	var out []Package
	for rows.Next() {
		var pkg Package
		var reason string
		if err := rows.Scan(&pkg.Name, &pkg.Version, &pkg.Release, &pkg.InstallDate, &pkg.SizeBytes, &pkg.Checksum, &pkg.SpecFile, &reason); err != nil {
			return nil, rerr.Wrap(rerr.Database, "list packages", "", err)
		}
		pkg.InstallReason = InstallReason(reason)
		out = append(out, pkg)
	}
	return out, rows.Err()
}

// AddFile records file ownership for a package.
func (db *DB) AddFile(packageID int64, file *FileRecord) error {
	_, err := db.conn.Exec(
		`INSERT INTO files (package_id, path, mode, owner, "group", size_bytes, checksum, is_config)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		packageID, file.Path, file.Mode, file.Owner, file.Group, file.SizeBytes, file.Checksum, file.IsConfig,
	)
	if err != nil {
		return rerr.Wrap(rerr.Database, "add file", file.Path, err)
	}
	return nil
}

// GetFiles returns all files owned by the named package, sorted by path.
func (db *DB) GetFiles(packageName string) ([]FileRecord, error) {
	rows, err := db.conn.Query(
		`SELECT f.path, f.mode, f.owner, f."group", f.size_bytes, f.checksum, f.is_config
		 FROM files f JOIN packages p ON f.package_id = p.id
		 WHERE p.name = ? ORDER BY f.path`, packageName)
	if err != nil {
		return nil, rerr.Wrap(rerr.Database, "get files", packageName, err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		var f FileRecord
		if err := rows.Scan(&f.Path, &f.Mode, &f.Owner, &f.Group, &f.SizeBytes, &f.Checksum, &f.IsConfig); err != nil {
			return nil, rerr.Wrap(rerr.Database, "get files", packageName, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// FileOwner returns the name of the package owning path, or "" if unowned.
func (db *DB) FileOwner(path string) (string, error) {
	row := db.conn.QueryRow(
		`SELECT p.name FROM files f JOIN packages p ON f.package_id = p.id WHERE f.path = ?`, path)
	var name string
	err := row.Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", rerr.Wrap(rerr.Database, "find file owner", path, err)
	}
	return name, nil
}

// AddDependency records a dependency edge.
func (db *DB) AddDependency(dep *Dependency) error {
	_, err := db.conn.Exec(
		`INSERT INTO dependencies (package_id, depends_on, constraint_spec, dep_type) VALUES (?, ?, ?, ?)`,
		dep.PackageID, dep.DependsOn, dep.Constraint, string(dep.Kind),
	)
	if err != nil {
		return rerr.Wrap(rerr.Database, "add dependency", dep.DependsOn, err)
	}
	return nil
}

// GetDependencies returns every dependency edge recorded for a package.
func (db *DB) GetDependencies(packageName string) ([]Dependency, error) {
	rows, err := db.conn.Query(
		`SELECT d.package_id, d.depends_on, d.constraint_spec, d.dep_type
		 FROM dependencies d JOIN packages p ON d.package_id = p.id
		 WHERE p.name = ?`, packageName)
	if err != nil {
		return nil, rerr.Wrap(rerr.Database, "get dependencies", packageName, err)
	}
	defer rows.Close()

	var out []Dependency
	for rows.Next() {
		var d Dependency
		var kind string
		if err := rows.Scan(&d.PackageID, &d.DependsOn, &d.Constraint, &kind); err != nil {
			return nil, rerr.Wrap(rerr.Database, "get dependencies", packageName, err)
		}
		d.Kind = DependencyKind(kind)
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetReverseDependencies returns the distinct names of packages depending
// on packageName.
func (db *DB) GetReverseDependencies(packageName string) ([]string, error) {
	rows, err := db.conn.Query(
		`SELECT DISTINCT p.name FROM dependencies d JOIN packages p ON d.package_id = p.id
		 WHERE d.depends_on = ?`, packageName)
	if err != nil {
		return nil, rerr.Wrap(rerr.Database, "get reverse dependencies", packageName, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, rerr.Wrap(rerr.Database, "get reverse dependencies", packageName, err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// HoldPackage pins a package against automatic upgrades. version == nil
// holds at any version.
func (db *DB) HoldPackage(name string, version *string, reason string) error {
	_, err := db.conn.Exec(
		`INSERT INTO held_packages (name, held_version, held_date, reason) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET held_version = excluded.held_version,
		 held_date = excluded.held_date, reason = excluded.reason`,
		name, version, time.Now().Unix(), reason,
	)
	if err != nil {
		return rerr.Wrap(rerr.Database, "hold package", name, err)
	}
	return nil
}

// UnholdPackage removes a hold.
func (db *DB) UnholdPackage(name string) (bool, error) {
	res, err := db.conn.Exec(`DELETE FROM held_packages WHERE name = ?`, name)
	if err != nil {
		return false, rerr.Wrap(rerr.Database, "unhold package", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, rerr.Wrap(rerr.Database, "unhold package", name, err)
	}
	return n > 0, nil
}

// IsHeld reports whether a package currently has a hold.
func (db *DB) IsHeld(name string) (bool, error) {
	row := db.conn.QueryRow(`SELECT 1 FROM held_packages WHERE name = ?`, name)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, rerr.Wrap(rerr.Database, "check hold", name, err)
	}
	return true, nil
}

// ListHolds returns every hold, sorted by package name.
func (db *DB) ListHolds() ([]Hold, error) {
	rows, err := db.conn.Query(`SELECT name, held_version, held_date, reason FROM held_packages ORDER BY name`)
	if err != nil {
		return nil, rerr.Wrap(rerr.Database, "list holds", "", err)
	}
	defer rows.Close()

	var out []Hold
	for rows.Next() {
		var h Hold
		if err := rows.Scan(&h.Name, &h.Version, &h.HeldDate, &h.Reason); err != nil {
			return nil, rerr.Wrap(rerr.Database, "list holds", "", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SetInstallReason updates a package's install reason.
func (db *DB) SetInstallReason(name string, reason InstallReason) (bool, error) {
	res, err := db.conn.Exec(`UPDATE packages SET install_reason = ? WHERE name = ?`, string(reason), name)
	if err != nil {
		return false, rerr.Wrap(rerr.Database, "set install reason", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, rerr.Wrap(rerr.Database, "set install reason", name, err)
	}
	return n > 0, nil
}

// ListDependencyPackages returns every package installed as a dependency.
func (db *DB) ListDependencyPackages() ([]Package, error) {
	rows, err := db.conn.Query(
		`SELECT name, version, release, install_date, size_bytes, checksum, spec_file, install_reason
		 FROM packages WHERE install_reason = 'dependency' ORDER BY name`)
	if err != nil {
		return nil, rerr.Wrap(rerr.Database, "list dependency packages", "", err)
	}
	defer rows.Close()

	var out []Package
	for rows.Next() {
		var pkg Package
		var reason string
		if err := rows.Scan(&pkg.Name, &pkg.Version, &pkg.Release, &pkg.InstallDate, &pkg.SizeBytes, &pkg.Checksum, &pkg.SpecFile, &reason); err != nil {
			return nil, rerr.Wrap(rerr.Database, "list dependency packages", "", err)
		}
		pkg.InstallReason = InstallReason(reason)
		out = append(out, pkg)
	}
	return out, rows.Err()
}

// FindOrphans returns installed-as-dependency packages that are no longer
// reverse-reachable from any explicitly-installed package, per spec.md
// §4.3's "iterative reverse-reachability walk" and Testable Property #9.
func (db *DB) FindOrphans() ([]Package, error) {
	depPackages, err := db.ListDependencyPackages()
	if err != nil {
		return nil, err
	}
	if len(depPackages) == 0 {
		return nil, nil
	}

	needed, err := db.getAllNeededPackages()
	if err != nil {
		return nil, err
	}

	var orphans []Package
	for _, pkg := range depPackages {
		if !needed[pkg.Name] {
			orphans = append(orphans, pkg)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].Name < orphans[j].Name })
	return orphans, nil
}

func (db *DB) getAllNeededPackages() (map[string]bool, error) {
	needed := map[string]bool{}
	var toProcess []string

	rows, err := db.conn.Query(`SELECT name FROM packages WHERE install_reason = 'explicit'`)
	if err != nil {
		return nil, rerr.Wrap(rerr.Database, "find needed packages", "", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, rerr.Wrap(rerr.Database, "find needed packages", "", err)
		}
		needed[name] = true
		toProcess = append(toProcess, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, rerr.Wrap(rerr.Database, "find needed packages", "", err)
	}

	for len(toProcess) > 0 {
		name := toProcess[len(toProcess)-1]
		toProcess = toProcess[:len(toProcess)-1]

		deps, err := db.GetDependencies(name)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			if needed[dep.DependsOn] {
				continue
			}
			installed, err := db.GetPackage(dep.DependsOn)
			if err != nil {
				return nil, err
			}
			if installed != nil {
				needed[dep.DependsOn] = true
				toProcess = append(toProcess, dep.DependsOn)
			}
		}
	}
	return needed, nil
}

// TrustedKey is a row in trusted_keys: an operator-level key trust record
// supplementing the directory-based lookup in internal/signing.
type TrustedKey struct {
	Fingerprint string
	PublicKey   string
	TrustLevel  string
	Name        string
	Email       string
	AddedDate   int64
	AddedBy     string
	Notes       string
}

// AddTrustedKey records (or updates) an operator trust decision for a key.
func (db *DB) AddTrustedKey(k *TrustedKey) error {
	_, err := db.conn.Exec(
		`INSERT INTO trusted_keys (fingerprint, public_key, trust_level, name, email, added_date, added_by, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET trust_level = excluded.trust_level, notes = excluded.notes`,
		k.Fingerprint, k.PublicKey, k.TrustLevel, k.Name, k.Email, k.AddedDate, k.AddedBy, k.Notes,
	)
	if err != nil {
		return rerr.Wrap(rerr.Database, "add trusted key", k.Fingerprint, err)
	}
	return nil
}

// RevokeKey marks a fingerprint revoked, recording who did it and why.
func (db *DB) RevokeKey(fingerprint, reason, revokedBy string) error {
	_, err := db.conn.Exec(
		`INSERT INTO revoked_keys (fingerprint, revoked_date, reason, revoked_by) VALUES (?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET reason = excluded.reason`,
		fingerprint, time.Now().Unix(), reason, revokedBy,
	)
	if err != nil {
		return rerr.Wrap(rerr.Database, "revoke key", fingerprint, err)
	}
	return nil
}

// IsRevoked reports whether a fingerprint has been revoked.
func (db *DB) IsRevoked(fingerprint string) (bool, error) {
	row := db.conn.QueryRow(`SELECT 1 FROM revoked_keys WHERE fingerprint = ?`, fingerprint)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, rerr.Wrap(rerr.Database, "check key revocation", fingerprint, err)
	}
	return true, nil
}

// AvailablePackageUpsert records (or refreshes) repository-advertised
// package metadata, used by list/search/info before an index lookup.
func (db *DB) AvailablePackageUpsert(name, version string, release uint32, summary, downloadURL, checksum string) error {
	_, err := db.conn.Exec(
		`INSERT INTO available_packages (name, version, release, summary, download_url, checksum, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name, version, release) DO UPDATE SET summary = excluded.summary,
		 download_url = excluded.download_url, checksum = excluded.checksum, last_updated = excluded.last_updated`,
		name, version, release, summary, downloadURL, checksum, time.Now().Unix(),
	)
	if err != nil {
		return rerr.Wrap(rerr.Database, "upsert available package", name, err)
	}
	return nil
}

// Tx runs fn inside a database transaction, rolling back on any error fn
// returns and on panic.
func (db *DB) Tx(fn func(*sql.Tx) error) (err error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return rerr.Wrap(rerr.Database, "begin transaction", "", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return rerr.Wrap(rerr.Database, "commit transaction", "", err)
	}
	return nil
}
