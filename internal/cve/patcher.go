package cve

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dollspace-gay/rookpkg/internal/rerr"
	"github.com/dollspace-gay/rookpkg/internal/specfile"
)

// PatchInfo describes a downloadable security patch found among a
// CVE's references or a known upstream patch source.
type PatchInfo struct {
	CveID       string
	URL         string
	Filename    string
	SHA256      string
	Description string
}

type patchSource struct {
	urlPattern string
	name       string
}

// PatchFetcher locates and downloads security patches for vulnerable
// packages, either from a CVE's own references or from a small table
// of known upstream patch locations keyed by package name.
type PatchFetcher struct {
	client       *http.Client
	patchSources map[string][]patchSource
}

// NewPatchFetcher returns a PatchFetcher seeded with patch sources for
// a handful of widely-packaged projects.
func NewPatchFetcher() *PatchFetcher {
	return &PatchFetcher{
		client: &http.Client{Timeout: 60 * time.Second},
		patchSources: map[string][]patchSource{
			"openssl": {{urlPattern: "https://github.com/openssl/openssl/commit/{commit}.patch", name: "OpenSSL GitHub"}},
			"linux":   {{urlPattern: "https://git.kernel.org/pub/scm/linux/kernel/git/stable/linux.git/patch/?id={commit}", name: "Linux Kernel Git"}},
			"curl":    {{urlPattern: "https://github.com/curl/curl/commit/{commit}.patch", name: "curl GitHub"}},
		},
	}
}

// FindPatches searches vuln's CVE references and known patch sources
// for downloadable patches, deduplicated by URL.
func (f *PatchFetcher) FindPatches(vuln VulnerablePackage) []PatchInfo {
	var patches []PatchInfo

	for _, c := range vuln.CVEs {
		for _, ref := range c.References {
			if ref.RefType == ReferencePatch {
				if p := f.patchFromURL(ref.URL, c.ID); p != nil {
					patches = append(patches, *p)
				}
			}
		}
		for _, src := range f.patchSources[vuln.Name] {
			if p := f.trySource(src, c); p != nil {
				patches = append(patches, *p)
			}
		}
	}

	seen := make(map[string]bool, len(patches))
	out := patches[:0]
	for _, p := range patches {
		if seen[p.URL] {
			continue
		}
		seen[p.URL] = true
		out = append(out, p)
	}
	return out
}

func (f *PatchFetcher) patchFromURL(url, cveID string) *PatchInfo {
	isPatch := strings.HasSuffix(url, ".patch") || strings.HasSuffix(url, ".diff") ||
		strings.Contains(url, "/commit/") || strings.Contains(url, "/patch/")
	if !isPatch {
		return nil
	}

	parts := strings.Split(url, "/")
	filename := parts[len(parts)-1]
	filename = strings.NewReplacer("?", "_", "&", "_", "=", "_").Replace(filename)
	if !strings.HasSuffix(filename, ".patch") && !strings.HasSuffix(filename, ".diff") {
		filename = fmt.Sprintf("%s-%s.patch", cveID, filename)
	}

	return &PatchInfo{
		CveID: cveID, URL: url, Filename: filename,
		Description: fmt.Sprintf("Security fix for %s", cveID),
	}
}

func (f *PatchFetcher) trySource(src patchSource, c CveRecord) *PatchInfo {
	for _, ref := range c.References {
		commit, ok := extractCommitHash(ref.URL)
		if !ok {
			continue
		}
		patchURL := strings.ReplaceAll(src.urlPattern, "{commit}", commit)

		resp, err := f.client.Head(patchURL)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			continue
		}
		return &PatchInfo{
			CveID: c.ID, URL: patchURL, Filename: fmt.Sprintf("%s-%s.patch", c.ID, commit),
			Description: fmt.Sprintf("Security fix for %s from %s", c.ID, src.name),
		}
	}
	return nil
}

// extractCommitHash pulls a git commit hash out of a GitHub/GitLab
// "/commit/HASH" URL or a kernel.org "?id=HASH" URL.
func extractCommitHash(url string) (string, bool) {
	if idx := strings.Index(url, "/commit/"); idx >= 0 {
		if hash := takeHex(url[idx+len("/commit/"):]); len(hash) >= 7 {
			return hash, true
		}
	}
	if idx := strings.Index(url, "?id="); idx >= 0 {
		if hash := takeHex(url[idx+len("?id="):]); len(hash) >= 7 {
			return hash, true
		}
	}
	return "", false
}

func takeHex(s string) string {
	for i, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return s[:i]
		}
	}
	return s
}

// DownloadPatch fetches patch's content into destDir and records its
// SHA-256 checksum on the PatchInfo.
func (f *PatchFetcher) DownloadPatch(patch *PatchInfo, destDir string) (string, error) {
	destPath := filepath.Join(destDir, patch.Filename)

	resp, err := f.client.Get(patch.URL)
	if err != nil {
		return "", rerr.Wrap(rerr.DownloadFailed, "download patch", patch.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", rerr.Wrap(rerr.DownloadFailed, "download patch", patch.URL, fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	h := sha256.New()
	out, err := os.Create(destPath)
	if err != nil {
		return "", rerr.Wrap(rerr.IO, "create patch file", destPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(io.MultiWriter(out, h), resp.Body); err != nil {
		return "", rerr.Wrap(rerr.IO, "write patch file", destPath, err)
	}
	patch.SHA256 = hex.EncodeToString(h.Sum(nil))
	return destPath, nil
}

// DownloadAllPatches finds and downloads every patch for vuln, skipping
// (and not failing the whole operation on) any individual download
// failure.
func (f *PatchFetcher) DownloadAllPatches(vuln VulnerablePackage, destDir string) ([]PatchInfo, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, rerr.Wrap(rerr.IO, "create patch directory", destDir, err)
	}

	patches := f.FindPatches(vuln)
	downloaded := make([]PatchInfo, 0, len(patches))
	for i := range patches {
		if _, err := f.DownloadPatch(&patches[i], destDir); err == nil {
			downloaded = append(downloaded, patches[i])
		}
	}
	return downloaded, nil
}

// SpecUpdater rewrites .rook spec files with newly found security
// patches or a version bump, preserving the declarative TOML format
// every other spec in this repo uses.
type SpecUpdater struct{}

// UpdateSpec adds patches to specPath's [patches] table, optionally
// bumps its release, records the newly-fixed CVE IDs, and adds a
// changelog entry — returning the updated TOML text without writing it.
func (SpecUpdater) UpdateSpec(specPath string, patches []PatchInfo, bumpRelease bool) (string, error) {
	spec, err := specfile.FromFile(specPath)
	if err != nil {
		return "", err
	}

	if bumpRelease {
		spec.Package.Release++
	}

	if spec.Patches == nil {
		spec.Patches = map[string]specfile.Patch{}
	}
	base := len(spec.Patches)
	fixed := make([]string, 0, len(patches))
	for i, p := range patches {
		key := fmt.Sprintf("patch%d", base+i)
		spec.Patches[key] = specfile.Patch{File: p.Filename, Strip: 1}
		fixed = append(fixed, p.CveID)
	}
	spec.Security.FixedCVEs = append(spec.Security.FixedCVEs, fixed...)

	changes := []string{"Security update"}
	for _, p := range patches {
		changes = append(changes, "Fix "+p.CveID)
	}
	spec.Changelog = append([]specfile.ChangelogEntry{{
		Version: spec.Package.Version,
		Date:    time.Now().UTC().Format("2006-01-02"),
		Author:  "rookpkg CVE auto-patcher",
		Changes: changes,
	}}, spec.Changelog...)

	return encodeSpecTOML(spec)
}

// UpdateVersion rewrites specPath to point at a new upstream release:
// bumped version, release reset to 1, source0's URL and checksum
// replaced, and a changelog entry recorded.
func (SpecUpdater) UpdateVersion(specPath, newVersion, newSourceURL, newSHA256 string) (string, error) {
	spec, err := specfile.FromFile(specPath)
	if err != nil {
		return "", err
	}

	spec.Package.Version = newVersion
	spec.Package.Release = 1

	if spec.Sources == nil {
		spec.Sources = map[string]specfile.Source{}
	}
	src := spec.Sources["source0"]
	src.URL = newSourceURL
	src.SHA256 = newSHA256
	spec.Sources["source0"] = src

	spec.Changelog = append([]specfile.ChangelogEntry{{
		Version: newVersion,
		Date:    time.Now().UTC().Format("2006-01-02"),
		Author:  "rookpkg CVE auto-patcher",
		Changes: []string{fmt.Sprintf("Updated to version %s", newVersion), "Security update"},
	}}, spec.Changelog...)

	return encodeSpecTOML(spec)
}

// BackupSpec copies specPath to a ".rook.bak" sibling before it is
// rewritten in place.
func (SpecUpdater) BackupSpec(specPath string) (string, error) {
	backupPath := strings.TrimSuffix(specPath, filepath.Ext(specPath)) + ".rook.bak"
	data, err := os.ReadFile(specPath)
	if err != nil {
		return "", rerr.Wrap(rerr.IO, "read spec for backup", specPath, err)
	}
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return "", rerr.Wrap(rerr.IO, "write spec backup", backupPath, err)
	}
	return backupPath, nil
}

// WriteSpec writes content to specPath.
func (SpecUpdater) WriteSpec(specPath, content string) error {
	if err := os.WriteFile(specPath, []byte(content), 0o644); err != nil {
		return rerr.Wrap(rerr.IO, "write spec file", specPath, err)
	}
	return nil
}

func encodeSpecTOML(spec *specfile.Spec) (string, error) {
	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(spec); err != nil {
		return "", rerr.Wrap(rerr.Config, "encode updated spec", spec.Package.Name, err)
	}
	return buf.String(), nil
}
