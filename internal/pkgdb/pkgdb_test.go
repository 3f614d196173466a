package pkgdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAddAndGetPackage(t *testing.T) {
	db := openTestDB(t)

	pkg := &Package{
		Name: "test-pkg", Version: "1.0.0", Release: 1,
		InstallDate: 1234567890, SizeBytes: 1024, Checksum: "abc123",
		SpecFile: "test spec", InstallReason: ReasonExplicit,
	}
	_, err := db.AddPackage(pkg)
	require.NoError(t, err)

	got, err := db.GetPackage("test-pkg")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "1.0.0", got.Version)
	require.Equal(t, ReasonExplicit, got.InstallReason)
}

func TestListPackagesEmpty(t *testing.T) {
	db := openTestDB(t)
	pkgs, err := db.ListPackages()
	require.NoError(t, err)
	require.Empty(t, pkgs)
}

func TestFileOwnerAndConflictLookup(t *testing.T) {
	db := openTestDB(t)

	id, err := db.AddPackage(&Package{Name: "hello", Version: "1.0", Release: 1, InstallReason: ReasonExplicit})
	require.NoError(t, err)
	require.NoError(t, db.AddFile(id, &FileRecord{Path: "/usr/bin/hello", Mode: 0o755, Owner: "root", Group: "root"}))

	owner, err := db.FileOwner("/usr/bin/hello")
	require.NoError(t, err)
	require.Equal(t, "hello", owner)

	owner, err = db.FileOwner("/usr/bin/nonexistent")
	require.NoError(t, err)
	require.Equal(t, "", owner)
}

func TestFindOrphans(t *testing.T) {
	db := openTestDB(t)

	appID, err := db.AddPackage(&Package{Name: "app", Version: "1.0.0", Release: 1, InstallReason: ReasonExplicit})
	require.NoError(t, err)

	_, err = db.AddPackage(&Package{Name: "lib-needed", Version: "1.0.0", Release: 1, InstallReason: ReasonDependency})
	require.NoError(t, err)

	require.NoError(t, db.AddDependency(&Dependency{PackageID: appID, DependsOn: "lib-needed", Constraint: ">=1.0.0", Kind: DepRuntime}))

	_, err = db.AddPackage(&Package{Name: "lib-orphan", Version: "1.0.0", Release: 1, InstallReason: ReasonDependency})
	require.NoError(t, err)

	orphans, err := db.FindOrphans()
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, "lib-orphan", orphans[0].Name)
}

func TestHoldSuppression(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.HoldPackage("libfoo", nil, "pinned by operator"))

	held, err := db.IsHeld("libfoo")
	require.NoError(t, err)
	require.True(t, held)

	holds, err := db.ListHolds()
	require.NoError(t, err)
	require.Len(t, holds, 1)

	removed, err := db.UnholdPackage("libfoo")
	require.NoError(t, err)
	require.True(t, removed)

	held, err = db.IsHeld("libfoo")
	require.NoError(t, err)
	require.False(t, held)
}

func TestUpgradePreservesInstallReason(t *testing.T) {
	db := openTestDB(t)
	_, err := db.AddPackage(&Package{Name: "libfoo", Version: "1.0", Release: 1, InstallReason: ReasonDependency})
	require.NoError(t, err)

	ok, err := db.SetInstallReason("libfoo", ReasonDependency)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := db.GetPackage("libfoo")
	require.NoError(t, err)
	require.Equal(t, ReasonDependency, got.InstallReason)
}

func TestRemovePackageCascadesFiles(t *testing.T) {
	db := openTestDB(t)
	id, err := db.AddPackage(&Package{Name: "hello", Version: "1.0", Release: 1, InstallReason: ReasonExplicit})
	require.NoError(t, err)
	require.NoError(t, db.AddFile(id, &FileRecord{Path: "/usr/bin/hello", Mode: 0o755, Owner: "root", Group: "root"}))

	removed, err := db.RemovePackage("hello")
	require.NoError(t, err)
	require.True(t, removed)

	owner, err := db.FileOwner("/usr/bin/hello")
	require.NoError(t, err)
	require.Equal(t, "", owner)
}
