package repository

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dollspace-gay/rookpkg/internal/archive"
	"github.com/dollspace-gay/rookpkg/internal/config"
	"github.com/dollspace-gay/rookpkg/internal/signing"
	"github.com/dollspace-gay/rookpkg/internal/specfile"
)

func buildTestArchive(t *testing.T, name, version, outDir string) string {
	t.Helper()
	staged := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(staged, "usr", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staged, "usr", "bin", name), []byte("#!/bin/sh\n"), 0o755))

	spec, err := specfile.FromString(`
[package]
name = "` + name + `"
version = "` + version + `"
release = 1
summary = "test package"
`)
	require.NoError(t, err)

	b := archive.NewBuilder(spec, staged, "x86_64", nil)
	require.NoError(t, b.ScanFiles())
	path, _, err := b.Build(outDir)
	require.NoError(t, err)
	return path
}

// TestPublisherScanArchivesBuildsIndex covers a Publisher scanning a
// directory of built archives into a package index with a correct
// checksum and dependency list for each entry.
func TestPublisherScanArchivesBuildsIndex(t *testing.T) {
	archivesDir := t.TempDir()
	buildTestArchive(t, "hello", "1.0", archivesDir)
	buildTestArchive(t, "world", "2.0", archivesDir)

	pub := NewPublisher(t.TempDir(), nil, nil, nil)
	idx, err := pub.ScanArchives("test-repo", archivesDir)
	require.NoError(t, err)
	require.Equal(t, 2, idx.Count)

	hello := idx.FindPackage("hello")
	require.NotNil(t, hello)
	require.Equal(t, "1.0", hello.Version)
	require.NotEmpty(t, hello.SHA256)
}

// TestPublisherPublishWithoutStoreWritesServableTree covers Publish's
// no-blobstore fallback: repo.toml, packages.json, and a packages/
// directory with every archive copied in.
func TestPublisherPublishWithoutStoreWritesServableTree(t *testing.T) {
	archivesDir := t.TempDir()
	buildTestArchive(t, "hello", "1.0", archivesDir)

	repoDir := t.TempDir()
	pub := NewPublisher(repoDir, nil, nil, nil)

	meta := Metadata{
		Repository: Info{Name: "test-repo", Description: "a test repository", Version: 1},
		Signing:    SigningInfo{Fingerprint: "none"},
	}
	require.NoError(t, pub.Publish(meta, archivesDir))

	require.FileExists(t, filepath.Join(repoDir, "repo.toml"))
	require.FileExists(t, filepath.Join(repoDir, "packages.json"))
	require.FileExists(t, filepath.Join(repoDir, "packages", "hello-1.0-1.x86_64.rookpkg"))
}

func repoTestServer(t *testing.T, idx *Index, meta Metadata, archivesDir string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/repo.toml", func(w http.ResponseWriter, r *http.Request) {
		data, err := encodeTOML(meta)
		require.NoError(t, err)
		w.Write(data)
	})
	mux.HandleFunc("/packages.json", func(w http.ResponseWriter, r *http.Request) {
		data, err := encodeIndex(idx)
		require.NoError(t, err)
		w.Write(data)
	})
	mux.HandleFunc("/packages.json.sig", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.Handle("/", http.FileServer(http.Dir(archivesDir)))
	return httptest.NewServer(mux)
}

func testManager(t *testing.T, urls map[string]string) (*Manager, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.CacheDir = t.TempDir()
	cfg.Repositories = nil
	for name, url := range urls {
		cfg.Repositories = append(cfg.Repositories, config.RepositoryConfig{Name: name, URL: url, Enabled: true})
	}

	kr, err := signing.NewKeyring(t.TempDir(), t.TempDir(), t.TempDir(), "")
	require.NoError(t, err)

	m, err := NewManager(cfg, kr, nil)
	require.NoError(t, err)
	return m, cfg
}

// TestUpdateAllAllowsUntrustedWhenConfigured covers fetching metadata and
// an index from a repository with no signature published, permitted only
// when untrusted repositories are explicitly allowed.
func TestUpdateAllAllowsUntrustedWhenConfigured(t *testing.T) {
	archivesDir := t.TempDir()
	buildTestArchive(t, "hello", "1.0", archivesDir)

	idx := NewIndex("test-repo")
	idx.AddPackage(PackageEntry{Name: "hello", Version: "1.0", Release: 1, Filename: "hello-1.0-1.x86_64.rookpkg", SHA256: "x"})
	meta := Metadata{Repository: Info{Name: "test-repo", Version: 1}, Signing: SigningInfo{Fingerprint: "none"}}

	srv := repoTestServer(t, idx, meta, archivesDir)
	defer srv.Close()

	m, _ := testManager(t, map[string]string{"test-repo": srv.URL})

	result := m.UpdateAll(true)
	require.Empty(t, result.Failed)
	require.Contains(t, result.Updated, "test-repo")

	repo := m.GetRepo("test-repo")
	require.NotNil(t, repo.Index)
	require.NotNil(t, repo.Index.FindPackage("hello"))
}

// TestUpdateAllRejectsUnsignedWhenUntrustedDisallowed covers the
// mandatory-signing invariant at the repository-index level: an
// unsigned index is rejected unless the caller explicitly opts into
// untrusted repositories.
func TestUpdateAllRejectsUnsignedWhenUntrustedDisallowed(t *testing.T) {
	archivesDir := t.TempDir()
	idx := NewIndex("test-repo")
	meta := Metadata{Repository: Info{Name: "test-repo", Version: 1}, Signing: SigningInfo{Fingerprint: "none"}}

	srv := repoTestServer(t, idx, meta, archivesDir)
	defer srv.Close()

	m, _ := testManager(t, map[string]string{"test-repo": srv.URL})

	result := m.UpdateAll(false)
	require.NotEmpty(t, result.Failed)
}

// TestDownloadPackageVerifiesChecksumAndCaches covers downloading a
// package archive over HTTP, verifying its checksum, and reusing the
// cached copy on a second call without another network request.
func TestDownloadPackageVerifiesChecksumAndCaches(t *testing.T) {
	archivesDir := t.TempDir()
	path := buildTestArchive(t, "hello", "1.0", archivesDir)
	sum, err := sha256File(path)
	require.NoError(t, err)

	idx := NewIndex("test-repo")
	entry := PackageEntry{Name: "hello", Version: "1.0", Release: 1, Filename: "hello-1.0-1.x86_64.rookpkg", SHA256: sum}
	idx.AddPackage(entry)
	meta := Metadata{Repository: Info{Name: "test-repo"}, Signing: SigningInfo{Fingerprint: "none"}}

	srv := repoTestServer(t, idx, meta, archivesDir)
	defer srv.Close()

	m, _ := testManager(t, map[string]string{"test-repo": srv.URL})
	require.NoError(t, m.LoadCaches())
	m.GetRepo("test-repo").URL = srv.URL

	cachePath, err := m.DownloadPackage("test-repo", entry)
	require.NoError(t, err)
	require.FileExists(t, cachePath)

	// Second call should hit the cache without re-downloading.
	cachePath2, err := m.DownloadPackage("test-repo", entry)
	require.NoError(t, err)
	require.Equal(t, cachePath, cachePath2)
}

// TestCleanAllPackagesRemovesEverything covers the unconditional cache
// wipe used by `rookpkg cache clean --all`-style operations.
func TestCleanAllPackagesRemovesEverything(t *testing.T) {
	m, _ := testManager(t, nil)
	pkgFile := filepath.Join(m.PackageCacheDir(), "stale-1.0-1.x86_64.rookpkg")
	require.NoError(t, os.WriteFile(pkgFile, []byte("data"), 0o644))

	result, err := m.CleanAllPackages()
	require.NoError(t, err)
	require.True(t, result.AnyRemoved())
	_, err = os.Stat(pkgFile)
	require.True(t, os.IsNotExist(err))
}

// TestIndexSearchFindsByNameAndDescription covers Index.Search matching
// either field, case-insensitively.
func TestIndexSearchFindsByNameAndDescription(t *testing.T) {
	idx := NewIndex("test-repo")
	idx.AddPackage(PackageEntry{Name: "curl", Description: "command line HTTP client"})
	idx.AddPackage(PackageEntry{Name: "wget", Description: "network downloader"})

	require.Len(t, idx.Search("http"), 1)
	require.Len(t, idx.Search("CURL"), 1)
	require.Len(t, idx.Search("network"), 1)
	require.Len(t, idx.Search("nonexistent"), 0)
}

// TestExpandGroupIncludesOptionalOnlyWhenRequested covers group
// expansion honoring the includeOptional flag.
func TestExpandGroupIncludesOptionalOnlyWhenRequested(t *testing.T) {
	idx := NewIndex("test-repo")
	idx.AddGroup(PackageGroup{Name: "base-devel", Packages: []string{"gcc", "make"}, Optional: []string{"gdb"}})

	m, _ := testManager(t, nil)
	m.repos = append(m.repos, &Repository{Name: "test-repo", Enabled: true, Index: idx})

	require.ElementsMatch(t, []string{"gcc", "make"}, m.ExpandGroup("base-devel", false))
	require.ElementsMatch(t, []string{"gcc", "make", "gdb"}, m.ExpandGroup("base-devel", true))
	require.Nil(t, m.ExpandGroup("does-not-exist", false))
}
