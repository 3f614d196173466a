package repository

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/dollspace-gay/rookpkg/internal/rerr"
)

// Repository is one configured remote package source: its base URL,
// its local on-disk cache, and the metadata/index last fetched from it.
type Repository struct {
	Name     string
	URL      string
	Enabled  bool
	Priority uint32
	CacheDir string

	Metadata *Metadata
	Index    *Index
}

// FromConfig builds a Repository handle from one [[repositories]] entry,
// with its cache directory rooted under cacheBase/repos/<name>.
func FromConfig(name, url string, priority uint32, enabled bool, cacheBase string) *Repository {
	return &Repository{
		Name:     name,
		URL:      url,
		Enabled:  enabled,
		Priority: priority,
		CacheDir: filepath.Join(cacheBase, "repos", name),
	}
}

// HasCache reports whether both repo.toml and packages.json are cached.
func (r *Repository) HasCache() bool {
	_, err1 := os.Stat(filepath.Join(r.CacheDir, "repo.toml"))
	_, err2 := os.Stat(filepath.Join(r.CacheDir, "packages.json"))
	return err1 == nil && err2 == nil
}

// LoadCache reads cached metadata and index from disk, leaving either
// nil if its file doesn't exist.
func (r *Repository) LoadCache() error {
	metaPath := filepath.Join(r.CacheDir, "repo.toml")
	if data, err := os.ReadFile(metaPath); err == nil {
		var meta Metadata
		if _, decErr := toml.Decode(string(data), &meta); decErr != nil {
			return rerr.Wrap(rerr.Config, "parse cached repository metadata", metaPath, decErr)
		}
		r.Metadata = &meta
	}

	indexPath := filepath.Join(r.CacheDir, "packages.json")
	if data, err := os.ReadFile(indexPath); err == nil {
		idx, decErr := decodeIndex(data)
		if decErr != nil {
			return rerr.Wrap(rerr.Config, "parse cached package index", indexPath, decErr)
		}
		r.Index = idx
	}

	return nil
}

// SaveCache writes the repository's current metadata and index to its
// cache directory.
func (r *Repository) SaveCache() error {
	if err := os.MkdirAll(r.CacheDir, 0o755); err != nil {
		return rerr.Wrap(rerr.IO, "create repository cache directory", r.CacheDir, err)
	}

	if r.Metadata != nil {
		data, err := encodeTOML(r.Metadata)
		if err != nil {
			return rerr.Wrap(rerr.Config, "encode repository metadata", r.Name, err)
		}
		if err := os.WriteFile(filepath.Join(r.CacheDir, "repo.toml"), data, 0o644); err != nil {
			return rerr.Wrap(rerr.IO, "write repository metadata", r.Name, err)
		}
	}

	if r.Index != nil {
		data, err := encodeIndex(r.Index)
		if err != nil {
			return rerr.Wrap(rerr.Config, "encode package index", r.Name, err)
		}
		if err := os.WriteFile(filepath.Join(r.CacheDir, "packages.json"), data, 0o644); err != nil {
			return rerr.Wrap(rerr.IO, "write package index", r.Name, err)
		}
	}

	return nil
}

// FileURL joins the repository's base URL with a relative path.
func (r *Repository) FileURL(path string) string {
	base := r.URL
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + "/" + path
}

func (r *Repository) metadataURL() string { return r.FileURL("repo.toml") }
func (r *Repository) indexURL() string    { return r.FileURL("packages.json") }
func (r *Repository) indexSigURL() string { return r.FileURL("packages.json.sig") }

// PackageURL returns the URL for one package entry's archive file.
func (r *Repository) PackageURL(entry PackageEntry) string { return r.FileURL(entry.Filename) }

func logOrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func cacheFilenameFor(entry PackageEntry) string {
	name := filepath.Base(entry.Filename)
	if name == "" || name == "." {
		name = fmt.Sprintf("%s-%s-%d.rookpkg", entry.Name, entry.Version, entry.Release)
	}
	return name
}
