package transaction

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dollspace-gay/rookpkg/internal/archive"
	"github.com/dollspace-gay/rookpkg/internal/pkgdb"
	"github.com/dollspace-gay/rookpkg/internal/specfile"
)

func buildTestArchive(t *testing.T, name, version string, outDir string, extra string) string {
	t.Helper()
	staged := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(staged, "usr", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staged, "usr", "bin", name), []byte("#!/bin/sh\necho hi\n"), 0o755))

	spec, err := specfile.FromString(`
[package]
name = "` + name + `"
version = "` + version + `"
release = 1
` + extra)
	require.NoError(t, err)

	b := archive.NewBuilder(spec, staged, "x86_64", nil)
	require.NoError(t, b.ScanFiles())

	path, _, err := b.Build(outDir)
	require.NoError(t, err)
	return path
}

// TestInstallThenRemoveRoundTrip covers Scenario S3: install a package,
// verify its file and database record exist and are owned, remove it, and
// verify both are gone.
func TestInstallThenRemoveRoundTrip(t *testing.T) {
	root := t.TempDir()
	db, err := pkgdb.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	archivePath := buildTestArchive(t, "hello", "1.0", t.TempDir(), "")

	tx, err := New(root, db, nil)
	require.NoError(t, err)
	tx.Install("hello", "1.0", archivePath)
	require.NoError(t, tx.Execute())

	content, err := os.ReadFile(filepath.Join(root, "usr", "bin", "hello"))
	require.NoError(t, err)
	require.Equal(t, "#!/bin/sh\necho hi\n", string(content))

	pkg, err := db.GetPackage("hello")
	require.NoError(t, err)
	require.NotNil(t, pkg)

	owner, err := db.FileOwner("/usr/bin/hello")
	require.NoError(t, err)
	require.Equal(t, "hello", owner)

	tx2, err := New(root, db, nil)
	require.NoError(t, err)
	tx2.Remove("hello")
	require.NoError(t, tx2.Execute())

	_, err = os.Stat(filepath.Join(root, "usr", "bin", "hello"))
	require.True(t, os.IsNotExist(err))

	pkg, err = db.GetPackage("hello")
	require.NoError(t, err)
	require.Nil(t, pkg)

	owner, err = db.FileOwner("/usr/bin/hello")
	require.NoError(t, err)
	require.Empty(t, owner)
}

// TestCheckConflictsDetectsTransactionPackageOverlap covers Scenario S4:
// two archives in the same transaction both claim /usr/bin/foo.
func TestCheckConflictsDetectsTransactionPackageOverlap(t *testing.T) {
	root := t.TempDir()
	db, err := pkgdb.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	outDir := t.TempDir()
	archiveA := buildTestArchive(t, "foo", "1.0", outDir, "")
	// second archive, different package name, same staged filename "foo"
	staged := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(staged, "usr", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staged, "usr", "bin", "foo"), []byte("other"), 0o755))
	spec, err := specfile.FromString(`
[package]
name = "foo-alt"
version = "1.0"
release = 1
`)
	require.NoError(t, err)
	b := archive.NewBuilder(spec, staged, "x86_64", nil)
	require.NoError(t, b.ScanFiles())
	archiveB, _, err := b.Build(outDir)
	require.NoError(t, err)

	tx, err := New(root, db, nil)
	require.NoError(t, err)
	tx.Install("foo", "1.0", archiveA)
	tx.Install("foo-alt", "1.0", archiveB)

	conflicts, err := tx.CheckConflicts(false)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, "/usr/bin/foo", conflicts[0].Path)
	require.Equal(t, ConflictTransactionPackage, conflicts[0].Type)
}

// TestUpgradePreservesInstallReason covers Scenario S5: a package
// installed as a dependency keeps that install-reason across an upgrade.
func TestUpgradePreservesInstallReason(t *testing.T) {
	root := t.TempDir()
	db, err := pkgdb.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	outDir := t.TempDir()
	v1 := buildTestArchive(t, "libfoo", "1.0", outDir, "")

	tx, err := New(root, db, nil)
	require.NoError(t, err)
	tx.Install("libfoo", "1.0", v1)
	require.NoError(t, tx.Execute())

	ok, err := db.SetInstallReason("libfoo", pkgdb.ReasonDependency)
	require.NoError(t, err)
	require.True(t, ok)

	v2Dir := t.TempDir()
	v2 := buildTestArchive(t, "libfoo", "2.0", v2Dir, "")

	tx2, err := New(root, db, nil)
	require.NoError(t, err)
	tx2.Upgrade("libfoo", "1.0", "2.0", v2)
	require.NoError(t, tx2.Execute())

	pkg, err := db.GetPackage("libfoo")
	require.NoError(t, err)
	require.NotNil(t, pkg)
	require.Equal(t, pkgdb.ReasonDependency, pkg.InstallReason)
	require.Equal(t, "2.0", pkg.Version)
}

// TestExecuteRollsBackOnMidTransactionFailure covers Scenario S7: when a
// later operation in a transaction fails, earlier operations in the same
// transaction are rolled back and the transaction state reflects it.
func TestExecuteRollsBackOnMidTransactionFailure(t *testing.T) {
	root := t.TempDir()
	db, err := pkgdb.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	outDir := t.TempDir()
	p1 := buildTestArchive(t, "p1", "1.0", outDir, "")
	badArchivePath := filepath.Join(outDir, "p2-1.0-1.x86_64.rookpkg")
	require.NoError(t, os.WriteFile(badArchivePath, []byte("not a real archive"), 0o644))

	tx, err := New(root, db, nil)
	require.NoError(t, err)
	tx.Install("p1", "1.0", p1)
	tx.Install("p2", "1.0", badArchivePath)

	err = tx.Execute()
	require.Error(t, err)
	require.Equal(t, StateRolledBack, tx.State())

	pkg, err := db.GetPackage("p1")
	require.NoError(t, err)
	require.Nil(t, pkg)

	_, err = os.Stat(filepath.Join(root, "usr", "bin", "p1"))
	require.True(t, os.IsNotExist(err))
}

// TestListPendingFindsInProgressTransactions exercises recovery: a
// transaction whose state file is manually left at InProgress is reported
// by ListPending.
func TestListPendingFindsInProgressTransactions(t *testing.T) {
	root := t.TempDir()
	db, err := pkgdb.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	tx, err := New(root, db, nil)
	require.NoError(t, err)
	tx.state = StateInProgress
	require.NoError(t, tx.saveState())

	pending, err := ListPending(root)
	require.NoError(t, err)
	require.Contains(t, pending, tx.ID())
}

// TestResumeReloadsPersistedTransaction verifies a transaction's queued
// operations and state survive a save/Resume round trip.
func TestResumeReloadsPersistedTransaction(t *testing.T) {
	root := t.TempDir()
	db, err := pkgdb.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	tx, err := New(root, db, nil)
	require.NoError(t, err)
	tx.Install("hello", "1.0", "/tmp/hello.rookpkg")
	require.NoError(t, tx.saveState())

	resumed, err := Resume(root, tx.ID(), db, nil)
	require.NoError(t, err)
	require.Equal(t, StatePending, resumed.State())
	require.Len(t, resumed.operations, 1)
	require.Equal(t, "hello", resumed.operations[0].Package)
}
