package build

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dollspace-gay/rookpkg/internal/config"
	"github.com/dollspace-gay/rookpkg/internal/specfile"
)

// makeTarGz builds a .tar.gz containing a single top-level directory
// "proj-1.0/" with the given files, and returns its bytes and SHA-256.
func makeTarGz(t *testing.T, files map[string]string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "proj-1.0/", Typeflag: tar.TypeDir, Mode: 0o755}))
	for name, content := range files {
		hdr := &tar.Header{
			Name:     "proj-1.0/" + name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())

	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:])
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.BuildDir = t.TempDir()
	cfg.CacheDir = t.TempDir()
	cfg.BuildJobs = 2
	return cfg
}

// TestFetchSourcesDownloadsAndExtracts covers fetching a source archive
// over HTTP, verifying its checksum, and unpacking it into SrcDir.
func TestFetchSourcesDownloadsAndExtracts(t *testing.T) {
	tarball, sum := makeTarGz(t, map[string]string{"README": "hello world\n"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tarball)
	}))
	defer srv.Close()

	spec, err := specfile.FromString(`
[package]
name = "proj"
version = "1.0"

[sources.main]
url = "` + srv.URL + `/proj-1.0.tar.gz"
sha256 = "` + sum + `"
`)
	require.NoError(t, err)

	env, err := NewEnvironment(spec, testConfig(t), nil)
	require.NoError(t, err)

	require.NoError(t, env.FetchSources())

	data, err := os.ReadFile(filepath.Join(env.SrcDir(), "proj-1.0", "README"))
	require.NoError(t, err)
	require.Equal(t, "hello world\n", string(data))
}

// TestFetchSourcesRejectsChecksumMismatch covers the checksum-verification
// invariant: a source whose content doesn't match its declared sha256 is
// never accepted, even from a reachable URL.
func TestFetchSourcesRejectsChecksumMismatch(t *testing.T) {
	tarball, _ := makeTarGz(t, map[string]string{"README": "hello\n"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tarball)
	}))
	defer srv.Close()

	spec, err := specfile.FromString(`
[package]
name = "proj"
version = "1.0"

[sources.main]
url = "` + srv.URL + `/proj-1.0.tar.gz"
sha256 = "0000000000000000000000000000000000000000000000000000000000000000"
`)
	require.NoError(t, err)

	env, err := NewEnvironment(spec, testConfig(t), nil)
	require.NoError(t, err)

	err = env.FetchSources()
	require.Error(t, err)
}

// TestBuildAllRunsPhasesAndCollectsFiles runs every phase end to end,
// with the install phase writing a file into DESTDIR, and checks
// CollectInstalledFiles reports it.
func TestBuildAllRunsPhasesAndCollectsFiles(t *testing.T) {
	tarball, sum := makeTarGz(t, map[string]string{"main.c": "int main(){return 0;}\n"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tarball)
	}))
	defer srv.Close()

	spec, err := specfile.FromString(`
[package]
name = "proj"
version = "1.0"

[sources.main]
url = "` + srv.URL + `/proj-1.0.tar.gz"
sha256 = "` + sum + `"

[build]
prep = "test -f main.c"
configure = "echo configuring"
build = "echo building"
install = "mkdir -p \"$ROOKPKG_DESTDIR/usr/bin\" && cp main.c \"$ROOKPKG_DESTDIR/usr/bin/proj\""
`)
	require.NoError(t, err)

	env, err := NewEnvironment(spec, testConfig(t), nil)
	require.NoError(t, err)

	results, err := env.BuildAll()
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, r := range results {
		require.True(t, r.Success(), "phase %s: %s", r.Phase, r.Stderr)
	}

	files, err := env.CollectInstalledFiles()
	require.NoError(t, err)
	require.Equal(t, []string{"/usr/bin/proj"}, files)
}

// TestRunPhaseReportsFailure covers a phase script that exits non-zero:
// BuildAll stops and returns its PhaseResult with the failing exit code.
func TestRunPhaseReportsFailure(t *testing.T) {
	spec, err := specfile.FromString(`
[package]
name = "proj"
version = "1.0"

[build]
prep = "exit 7"
`)
	require.NoError(t, err)

	env, err := NewEnvironment(spec, testConfig(t), nil)
	require.NoError(t, err)

	results, err := env.BuildAll()
	require.Error(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 7, results[0].ExitCode)
}

// TestApplyPatchesMissingFile covers the pre-flight check that a declared
// patch file must exist in SrcDir before `patch` is invoked.
func TestApplyPatchesMissingFile(t *testing.T) {
	spec, err := specfile.FromString(`
[package]
name = "proj"
version = "1.0"

[patches.fix]
file = "fix.patch"
strip = 1
`)
	require.NoError(t, err)

	env, err := NewEnvironment(spec, testConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(env.SrcDir(), 0o755))

	err = env.ApplyPatches()
	require.Error(t, err)
}

// TestFindSourceDirSingleSubdir covers the common upstream-tarball layout:
// a single top-level directory under SrcDir is used as the build's
// working directory.
func TestFindSourceDirSingleSubdir(t *testing.T) {
	spec, err := specfile.FromString(`
[package]
name = "proj"
version = "1.0"

[build]
prep = "test \"$(basename \"$PWD\")\" = \"proj-1.0\""
`)
	require.NoError(t, err)

	env, err := NewEnvironment(spec, testConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(env.SrcDir(), "proj-1.0"), 0o755))

	result, err := env.RunPrep()
	require.NoError(t, err)
	require.True(t, result.Success(), result.Stderr)
}

// TestCleanRemovesBuildDir covers Clean tearing down the entire scratch
// tree for a build.
func TestCleanRemovesBuildDir(t *testing.T) {
	spec, err := specfile.FromString(`
[package]
name = "proj"
version = "1.0"
`)
	require.NoError(t, err)

	env, err := NewEnvironment(spec, testConfig(t), nil)
	require.NoError(t, err)

	require.NoError(t, env.Clean())
	_, err = os.Stat(env.BuildDir())
	require.True(t, os.IsNotExist(err))
}
