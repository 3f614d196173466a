package delta

import "time"

// Entry describes one available delta in a repository's delta index.
type Entry struct {
	FromVersion string `toml:"from_version"`
	FromRelease uint32 `toml:"from_release"`
	ToVersion   string `toml:"to_version"`
	ToRelease   uint32 `toml:"to_release"`
	Filename    string `toml:"filename"`
	Size        uint64 `toml:"size"`
	SHA256      string `toml:"sha256"`
}

// PackageIndex lists every delta available for one package.
type PackageIndex struct {
	Name   string  `toml:"name"`
	Deltas []Entry `toml:"deltas"`
}

// NewPackageIndex returns an empty index for the named package.
func NewPackageIndex(name string) *PackageIndex {
	return &PackageIndex{Name: name}
}

// Add appends a delta entry.
func (p *PackageIndex) Add(entry Entry) {
	p.Deltas = append(p.Deltas, entry)
}

// Find returns the delta matching an exact old/new version pair, if any.
func (p *PackageIndex) Find(fromVersion string, fromRelease uint32, toVersion string, toRelease uint32) *Entry {
	for i := range p.Deltas {
		d := &p.Deltas[i]
		if d.FromVersion == fromVersion && d.FromRelease == fromRelease &&
			d.ToVersion == toVersion && d.ToRelease == toRelease {
			return d
		}
	}
	return nil
}

// FindFrom returns any delta whose source version matches, regardless of
// target, useful when the caller just wants "the" upgrade path available
// from the currently installed version.
func (p *PackageIndex) FindFrom(fromVersion string, fromRelease uint32) *Entry {
	for i := range p.Deltas {
		d := &p.Deltas[i]
		if d.FromVersion == fromVersion && d.FromRelease == fromRelease {
			return d
		}
	}
	return nil
}

// RepoIndex is the repository-wide collection of per-package delta
// indices, published alongside the main package index.
type RepoIndex struct {
	Version   uint32                   `toml:"version"`
	Generated time.Time                `toml:"generated"`
	Packages  map[string]*PackageIndex `toml:"packages"`
}

// NewRepoIndex returns an empty repository delta index.
func NewRepoIndex() *RepoIndex {
	return &RepoIndex{Version: 1, Generated: time.Now().UTC(), Packages: map[string]*PackageIndex{}}
}

// Add records a delta for a package, creating its PackageIndex on first use.
func (r *RepoIndex) Add(name string, entry Entry) {
	idx, ok := r.Packages[name]
	if !ok {
		idx = NewPackageIndex(name)
		r.Packages[name] = idx
	}
	idx.Add(entry)
	r.Generated = time.Now().UTC()
}

// Find looks up a delta for a package's exact old/new version pair.
func (r *RepoIndex) Find(name, fromVersion string, fromRelease uint32, toVersion string, toRelease uint32) *Entry {
	idx, ok := r.Packages[name]
	if !ok {
		return nil
	}
	return idx.Find(fromVersion, fromRelease, toVersion, toRelease)
}
