// Package repository manages configured remote package repositories:
// fetching and verifying their metadata and package index, downloading
// package files with mirror fallback, and publishing a repository from
// a directory of built archives, per spec.md §4.3 "Repository Client".
package repository

import (
	"strings"
	"time"

	"github.com/dollspace-gay/rookpkg/internal/delta"
)

// PackageGroup is a named meta-package: a list of other packages
// installed together with a single group reference (e.g. "@base-devel").
type PackageGroup struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Packages    []string `json:"packages"`
	Optional    []string `json:"optional,omitempty"`
	Essential   bool     `json:"essential,omitempty"`
}

// AllPackages returns the group's required packages, plus its optional
// ones when includeOptional is set.
func (g *PackageGroup) AllPackages(includeOptional bool) []string {
	if !includeOptional {
		out := make([]string, len(g.Packages))
		copy(out, g.Packages)
		return out
	}
	out := make([]string, 0, len(g.Packages)+len(g.Optional))
	out = append(out, g.Packages...)
	out = append(out, g.Optional...)
	return out
}

// PackageEntry is one package's advertisement in a repository index.
type PackageEntry struct {
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Release      uint32    `json:"release"`
	Description  string    `json:"description"`
	Arch         string    `json:"arch"`
	Size         int64     `json:"size"`
	SHA256       string    `json:"sha256"`
	Filename     string    `json:"filename"`
	Depends      []string  `json:"depends,omitempty"`
	BuildDepends []string  `json:"build_depends,omitempty"`
	Provides     []string  `json:"provides,omitempty"`
	Conflicts    []string  `json:"conflicts,omitempty"`
	Replaces     []string  `json:"replaces,omitempty"`
	License      string    `json:"license,omitempty"`
	Homepage     string    `json:"homepage,omitempty"`
	Maintainer   string    `json:"maintainer,omitempty"`
	BuildDate    time.Time `json:"build_date,omitempty"`
}

// depConstraintOps lists the constraint operators recognized in a
// "name+constraint" dependency string, longest match first so ">=" is
// tried before ">", mirroring original_source/src/cli/install.rs's
// parse_dep_string.
var depConstraintOps = []string{">=", "<=", "==", ">", "<", "="}

// EncodeDependency packs a dependency name and version constraint into
// the single string form carried in PackageEntry.Depends/BuildDepends
// (e.g. "glibc>=2.30", or bare "glibc" for an unconstrained/"*" dep),
// so the constraint survives the round trip through the JSON index
// instead of being discarded down to the name alone.
func EncodeDependency(name, constraint string) string {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" || constraint == "*" {
		return name
	}
	return name + constraint
}

// DecodeDependency splits a dependency string produced by
// EncodeDependency back into its name and constraint (constraint is
// "*" when the string carried no operator).
func DecodeDependency(s string) (name, constraint string) {
	for _, op := range depConstraintOps {
		if pos := strings.Index(s, op); pos > 0 {
			return strings.TrimSpace(s[:pos]), strings.TrimSpace(s[pos:])
		}
	}
	return strings.TrimSpace(s), "*"
}

// Index is the repository's package index (packages.json): every
// package and group it advertises, plus an optional delta index for
// incremental upgrades.
type Index struct {
	Version    int             `json:"version"`
	Generated  time.Time       `json:"generated"`
	Repository string          `json:"repository"`
	Count      int             `json:"count"`
	Packages   []PackageEntry  `json:"packages"`
	Groups     []PackageGroup  `json:"groups,omitempty"`
	DeltaIndex *delta.RepoIndex `json:"delta_index,omitempty"`
}

// NewIndex returns an empty index for the named repository.
func NewIndex(repoName string) *Index {
	return &Index{Version: 1, Repository: repoName, Generated: nowFunc()}
}

// nowFunc is a seam so tests can avoid depending on wall-clock time.
var nowFunc = time.Now

// AddPackage appends entry and refreshes the index's generation time.
func (idx *Index) AddPackage(entry PackageEntry) {
	idx.Packages = append(idx.Packages, entry)
	idx.Count = len(idx.Packages)
	idx.Generated = nowFunc()
}

// AddGroup appends a package group.
func (idx *Index) AddGroup(group PackageGroup) {
	idx.Groups = append(idx.Groups, group)
	idx.Generated = nowFunc()
}

// FindPackage returns the first entry matching name, if any.
func (idx *Index) FindPackage(name string) *PackageEntry {
	for i := range idx.Packages {
		if idx.Packages[i].Name == name {
			return &idx.Packages[i]
		}
	}
	return nil
}

// FindAllVersions returns every entry for name, in index order.
func (idx *Index) FindAllVersions(name string) []PackageEntry {
	var out []PackageEntry
	for _, p := range idx.Packages {
		if p.Name == name {
			out = append(out, p)
		}
	}
	return out
}

// FindGroup returns the group matching name, if any.
func (idx *Index) FindGroup(name string) *PackageGroup {
	for i := range idx.Groups {
		if idx.Groups[i].Name == name {
			return &idx.Groups[i]
		}
	}
	return nil
}

// Search returns every package whose name or description contains query,
// case-insensitively.
func (idx *Index) Search(query string) []PackageEntry {
	q := strings.ToLower(query)
	var out []PackageEntry
	for _, p := range idx.Packages {
		if strings.Contains(strings.ToLower(p.Name), q) || strings.Contains(strings.ToLower(p.Description), q) {
			out = append(out, p)
		}
	}
	return out
}

// SearchGroups returns every group whose name or description contains query.
func (idx *Index) SearchGroups(query string) []PackageGroup {
	q := strings.ToLower(query)
	var out []PackageGroup
	for _, g := range idx.Groups {
		if strings.Contains(strings.ToLower(g.Name), q) || strings.Contains(strings.ToLower(g.Description), q) {
			out = append(out, g)
		}
	}
	return out
}

// SetDeltaIndex attaches di as the index's delta index.
func (idx *Index) SetDeltaIndex(di *delta.RepoIndex) {
	idx.DeltaIndex = di
	idx.Generated = nowFunc()
}

// FindDelta looks up a delta for upgrading name from one version/release
// to another, if the attached delta index has one.
func (idx *Index) FindDelta(name, fromVersion string, fromRelease uint32, toVersion string, toRelease uint32) *delta.Entry {
	if idx.DeltaIndex == nil {
		return nil
	}
	return idx.DeltaIndex.Find(name, fromVersion, fromRelease, toVersion, toRelease)
}
