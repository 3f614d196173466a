package delta

import (
	"bytes"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dollspace-gay/rookpkg/internal/archive"
	"github.com/dollspace-gay/rookpkg/internal/specfile"
)

func TestComputeBlockDiffRoundTrip(t *testing.T) {
	old := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 300)
	new := append(append([]byte{}, old...), []byte("a trailing addition that was not in the old data")...)
	new = append(new, bytes.Repeat([]byte("z"), 5000)...)

	ops := computeBlockDiff(old, new)
	require.NotEmpty(t, ops)

	outputSum := sha256.Sum256(new)
	serialized := serializeDelta(ops, uint64(len(new)), outputSum[:])

	parsedOps, outputSize, outputSHA256, err := parseDelta(serialized)
	require.NoError(t, err)
	require.Equal(t, uint64(len(new)), outputSize)

	rebuilt, err := applyOps(parsedOps, old, outputSize, outputSHA256)
	require.NoError(t, err)
	require.Equal(t, new, rebuilt)
}

func TestMergeOpsCombinesAdjacentCopies(t *testing.T) {
	ops := []op{
		{kind: opCopy, offset: 0, length: 100},
		{kind: opCopy, offset: 100, length: 50},
		{kind: opInsert, data: []byte{1, 2}},
		{kind: opInsert, data: []byte{3, 4}},
	}
	merged := mergeOps(ops)
	require.Len(t, merged, 2)
	require.Equal(t, uint64(0), merged[0].offset)
	require.Equal(t, uint64(150), merged[0].length)
	require.Equal(t, []byte{1, 2, 3, 4}, merged[1].data)
}

func TestSerializeParseDeltaEmpty(t *testing.T) {
	sum := sha256.Sum256(nil)
	serialized := serializeDelta(nil, 0, sum[:])
	ops, size, outSum, err := parseDelta(serialized)
	require.NoError(t, err)
	require.Empty(t, ops)
	require.Equal(t, uint64(0), size)
	require.Equal(t, sum[:], outSum)
}

func TestParseDeltaRejectsBadMagic(t *testing.T) {
	_, _, _, err := parseDelta([]byte("not a delta file at all"))
	require.Error(t, err)
}

func testSpec(version string, release uint32) *specfile.Spec {
	spec, err := specfile.FromString(`
[package]
name = "hello"
version = "` + version + `"
release = ` + itoa(release) + `
`)
	if err != nil {
		panic(err)
	}
	return spec
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func buildArchive(t *testing.T, version string, release uint32, stagedContent []byte) string {
	t.Helper()
	staged := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(staged, "usr", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staged, "usr", "bin", "hello"), stagedContent, 0o755))

	b := archive.NewBuilder(testSpec(version, release), staged, "x86_64", nil)
	require.NoError(t, b.ScanFiles())

	outDir := t.TempDir()
	path, _, err := b.Build(outDir)
	require.NoError(t, err)
	return path
}

// TestBuildAndApplyDeltaRoundTrip covers Scenario S6: a patch release that
// rebuilds identical file content (a metadata-only release bump) produces
// a delta dominated by a single large Copy op, and applying it against the
// old package reproduces a package whose extracted payload matches the
// new package's.
func TestBuildAndApplyDeltaRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("#!/bin/sh\necho hello, world\n"), 1000)

	oldPath := buildArchive(t, "1.0.0", 1, payload)
	newPath := buildArchive(t, "1.0.0", 2, payload)

	builder, err := NewBuilder(oldPath, newPath)
	require.NoError(t, err)

	deltaDir := t.TempDir()
	deltaPath, err := builder.Build(deltaDir)
	require.NoError(t, err)
	require.FileExists(t, deltaPath)

	info, err := ReadDeltaInfo(deltaPath)
	require.NoError(t, err)
	require.Equal(t, "hello", info.Name)
	require.Equal(t, "1.0.0", info.OldVersion)
	require.Equal(t, uint32(2), info.NewRelease)
	require.True(t, info.IsWorthwhile())

	applier, err := NewApplier(oldPath, deltaPath)
	require.NoError(t, err)

	resultDir := t.TempDir()
	resultPath, err := applier.Apply(resultDir)
	require.NoError(t, err)

	resultReader, err := archive.Open(resultPath)
	require.NoError(t, err)
	resultInfo, err := resultReader.ReadInfo()
	require.NoError(t, err)
	require.Equal(t, "1.0.0", resultInfo.Version)
	require.Equal(t, uint32(2), resultInfo.Release)

	dest := t.TempDir()
	require.NoError(t, resultReader.ExtractData(dest))
	content, err := os.ReadFile(filepath.Join(dest, "usr", "bin", "hello"))
	require.NoError(t, err)
	require.Equal(t, payload, content)
}
