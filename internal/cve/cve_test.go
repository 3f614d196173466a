package cve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func makeCVE(id string, fixed *string) CveRecord {
	return CveRecord{
		ID: id, Summary: "Test CVE", Description: "Test description",
		Severity: SeverityHigh, CVSSScore: floatPtr(7.5),
		AffectedVersions: []VersionRange{{Start: strPtr("1.0.0"), End: fixed}},
		FixedVersion:     fixed,
		Source:           "test",
	}
}

func floatPtr(f float64) *float64 { return &f }

func TestVersionInRange(t *testing.T) {
	m := NewCveMatcher()
	rng := VersionRange{Start: strPtr("1.0.0"), End: strPtr("2.0.0")}

	require.True(t, m.versionInRange("1.5.0", rng))
	require.True(t, m.versionInRange("1.0.0", rng))
	require.False(t, m.versionInRange("2.0.0", rng))
	require.False(t, m.versionInRange("0.9.0", rng))
}

func TestCveAffectsVersion(t *testing.T) {
	m := NewCveMatcher()
	cve := makeCVE("CVE-2024-1234", strPtr("1.5.0"))

	require.True(t, m.cveAffectsVersion(cve, "1.2.0"))
	require.False(t, m.cveAffectsVersion(cve, "1.5.0"))
	require.False(t, m.cveAffectsVersion(cve, "2.0.0"))
}

func TestMatchCVEs(t *testing.T) {
	m := NewCveMatcher()
	cves := []CveRecord{
		makeCVE("CVE-2024-0001", strPtr("1.5.0")),
		makeCVE("CVE-2024-0002", strPtr("1.3.0")),
	}

	result := m.MatchCVEs("test", "1.2.0", cves)
	require.Len(t, result.CVEs, 2)
	require.Equal(t, "1.5.0", *result.RecommendedVersion)

	result = m.MatchCVEs("test", "1.4.0", cves)
	require.Len(t, result.CVEs, 1)
	require.Equal(t, "CVE-2024-0001", result.CVEs[0].ID)

	result = m.MatchCVEs("test", "1.5.0", cves)
	require.Len(t, result.CVEs, 0)
}

func TestMaxSeverity(t *testing.T) {
	m := NewCveMatcher()
	cves := []CveRecord{makeCVE("CVE-2024-0001", strPtr("2.0.0"))}
	cves[0].Severity = SeverityMedium

	result := m.MatchCVEs("test", "1.0.0", cves)
	require.Equal(t, SeverityMedium, result.MaxSeverity())

	cves = append(cves, makeCVE("CVE-2024-0002", strPtr("2.0.0")))
	cves[1].Severity = SeverityCritical

	result = m.MatchCVEs("test", "1.0.0", cves)
	require.Equal(t, SeverityCritical, result.MaxSeverity())
}

func TestPatchFromURL(t *testing.T) {
	f := NewPatchFetcher()

	p := f.patchFromURL("https://github.com/foo/bar/commit/abc123.patch", "CVE-2024-0001")
	require.NotNil(t, p)
	require.Equal(t, "CVE-2024-0001", p.CveID)
	require.True(t, len(p.Filename) > 0)

	p = f.patchFromURL("https://example.com/advisory.html", "CVE-2024-0001")
	require.Nil(t, p)
}

func TestExtractCommitHash(t *testing.T) {
	hash, ok := extractCommitHash("https://github.com/foo/bar/commit/abc123def456")
	require.True(t, ok)
	require.Equal(t, "abc123def456", hash)

	hash, ok = extractCommitHash("https://git.kernel.org/.../patch/?id=deadbeefcafe")
	require.True(t, ok)
	require.Equal(t, "deadbeefcafe", hash)

	_, ok = extractCommitHash("https://example.com/advisory.html")
	require.False(t, ok)
}

func TestSpecUpdaterBumpRelease(t *testing.T) {
	dir := t.TempDir()
	specPath := filepath.Join(dir, "test.rook")
	content := `
[package]
name = "test"
version = "1.0.0"
release = 1

[sources]
source0 = { url = "http://example.com/test.tar.gz", sha256 = "abc123" }

[[changelog]]
version = "1.0.0"
date = "2024-01-01"
author = "test"
changes = ["Initial release"]
`
	require.NoError(t, os.WriteFile(specPath, []byte(content), 0o644))

	patches := []PatchInfo{{
		CveID: "CVE-2024-0001", URL: "http://example.com/fix.patch",
		Filename: "fix.patch", SHA256: "def456", Description: "Security fix",
	}}

	var updater SpecUpdater
	updated, err := updater.UpdateSpec(specPath, patches, true)
	require.NoError(t, err)
	require.Contains(t, updated, "release = 2")
	require.Contains(t, updated, "CVE-2024-0001")
}

func TestSpecUpdaterUpdateVersion(t *testing.T) {
	dir := t.TempDir()
	specPath := filepath.Join(dir, "test.rook")
	content := `
[package]
name = "test"
version = "1.0.0"
release = 3

[sources]
source0 = { url = "http://example.com/test-1.0.0.tar.gz", sha256 = "old" }
`
	require.NoError(t, os.WriteFile(specPath, []byte(content), 0o644))

	var updater SpecUpdater
	updated, err := updater.UpdateVersion(specPath, "1.1.0", "http://example.com/test-1.1.0.tar.gz", "newsum")
	require.NoError(t, err)
	require.Contains(t, updated, `version = "1.1.0"`)
	require.Contains(t, updated, "release = 1")
	require.Contains(t, updated, "newsum")
}

func TestBackupAndWriteSpec(t *testing.T) {
	dir := t.TempDir()
	specPath := filepath.Join(dir, "test.rook")
	require.NoError(t, os.WriteFile(specPath, []byte("original"), 0o644))

	var updater SpecUpdater
	backupPath, err := updater.BackupSpec(specPath)
	require.NoError(t, err)
	data, err := os.ReadFile(backupPath)
	require.NoError(t, err)
	require.Equal(t, "original", string(data))

	require.NoError(t, updater.WriteSpec(specPath, "updated"))
	data, err = os.ReadFile(specPath)
	require.NoError(t, err)
	require.Equal(t, "updated", string(data))
}

func TestAuditResultSeverityHelpers(t *testing.T) {
	r := AuditResult{}
	require.False(t, r.HasVulnerabilities())
	require.False(t, r.HasSevereVulnerabilities())

	r.Vulnerable = append(r.Vulnerable, VulnerablePackage{Name: "openssl"})
	r.HighCount = 1
	require.True(t, r.HasVulnerabilities())
	require.True(t, r.HasSevereVulnerabilities())
}
