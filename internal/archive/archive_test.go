package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dollspace-gay/rookpkg/internal/specfile"
)

func writeStagedTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "usr", "bin"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "usr", "bin", "hello"), []byte("#!/bin/sh\necho hi\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc", "hello.conf"), []byte("greeting=hi\n"), 0o644))
}

func testSpec() *specfile.Spec {
	spec, _ := specfile.FromString(`
[package]
name = "hello"
version = "1.0"
release = 1
`)
	return spec
}

func TestBuildAndExtractRoundTrip(t *testing.T) {
	staged := t.TempDir()
	writeStagedTree(t, staged)

	b := NewBuilder(testSpec(), staged, "x86_64", nil)
	require.NoError(t, b.ScanFiles())
	require.Greater(t, b.Info.InstalledSize, uint64(0))

	outDir := t.TempDir()
	archivePath, _, err := b.Build(outDir)
	require.NoError(t, err)
	require.Equal(t, "hello-1.0-1.x86_64.rookpkg", filepath.Base(archivePath))

	r, err := Open(archivePath)
	require.NoError(t, err)

	info, err := r.ReadInfo()
	require.NoError(t, err)
	require.Equal(t, "hello", info.Name)
	require.Equal(t, b.Info.InstalledSize, info.InstalledSize)

	files, err := r.ReadFiles()
	require.NoError(t, err)
	require.NotEmpty(t, files)

	var sawHello, sawConfig bool
	for _, f := range files {
		if f.Path == "/usr/bin/hello" {
			sawHello = true
			require.NotEmpty(t, f.SHA256)
			require.False(t, f.IsConfig)
		}
		if f.Path == "/etc/hello.conf" {
			sawConfig = true
			require.True(t, f.IsConfig)
		}
	}
	require.True(t, sawHello)
	require.True(t, sawConfig)

	dest := t.TempDir()
	require.NoError(t, r.ExtractData(dest))

	content, err := os.ReadFile(filepath.Join(dest, "usr", "bin", "hello"))
	require.NoError(t, err)
	require.Equal(t, "#!/bin/sh\necho hi\n", string(content))

	extractedInfo, err := os.Stat(filepath.Join(dest, "usr", "bin", "hello"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), extractedInfo.Mode().Perm())
}

func TestArchiveHasNoScriptsMemberWhenEmpty(t *testing.T) {
	staged := t.TempDir()
	writeStagedTree(t, staged)

	b := NewBuilder(testSpec(), staged, "x86_64", nil)
	require.NoError(t, b.ScanFiles())

	outDir := t.TempDir()
	archivePath, _, err := b.Build(outDir)
	require.NoError(t, err)

	r, err := Open(archivePath)
	require.NoError(t, err)
	scripts, err := r.ReadScripts()
	require.NoError(t, err)
	require.Nil(t, scripts)
}
