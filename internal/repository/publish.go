package repository

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"pault.ag/go/blobstore"

	"github.com/dollspace-gay/rookpkg/internal/archive"
	"github.com/dollspace-gay/rookpkg/internal/rerr"
	"github.com/dollspace-gay/rookpkg/internal/signing"
)

// Publisher authors a repository's repo.toml, packages.json, and
// packages.json.sig from a directory of already-built .rookpkg
// archives, the server-side counterpart to Manager's client-side fetch.
type Publisher struct {
	repoDir string
	store   blobstore.Store
	key     *signing.Key
	log     *zap.Logger
}

// NewPublisher returns a Publisher that authors a repository rooted at
// repoDir, content-addressing published package files through store
// (the same pool pattern used for source package pools), and signing
// the index with key. store may be nil to skip content-addressed
// pooling and copy files into repoDir/packages directly.
func NewPublisher(repoDir string, store blobstore.Store, key *signing.Key, log *zap.Logger) *Publisher {
	return &Publisher{repoDir: repoDir, store: store, key: key, log: logOrNop(log)}
}

// ScanArchives builds a fresh Index from every *.rookpkg file directly
// under archivesDir, in filename order.
func (p *Publisher) ScanArchives(repoName, archivesDir string) (*Index, error) {
	entries, err := os.ReadDir(archivesDir)
	if err != nil {
		return nil, rerr.Wrap(rerr.IO, "read archive directory", archivesDir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), archive.Extension) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	idx := NewIndex(repoName)
	for _, name := range names {
		path := filepath.Join(archivesDir, name)
		entry, err := p.packageEntryFor(path, name)
		if err != nil {
			return nil, err
		}
		idx.AddPackage(*entry)
		p.log.Info("indexed package", zap.String("package", entry.Name), zap.String("version", entry.Version))
	}
	return idx, nil
}

func (p *Publisher) packageEntryFor(path, filename string) (*PackageEntry, error) {
	r, err := archive.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := r.ReadInfo()
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, rerr.Wrap(rerr.IO, "stat archive", path, err)
	}
	sum, err := sha256File(path)
	if err != nil {
		return nil, err
	}

	deps := make([]string, 0, len(info.Depends))
	for name, constraint := range info.Depends {
		deps = append(deps, EncodeDependency(name, constraint))
	}
	sort.Strings(deps)

	buildDeps := make([]string, 0, len(info.BuildDepends))
	for name, constraint := range info.BuildDepends {
		buildDeps = append(buildDeps, EncodeDependency(name, constraint))
	}
	sort.Strings(buildDeps)

	return &PackageEntry{
		Name: info.Name, Version: info.Version, Release: info.Release,
		Description: info.Summary, Arch: info.Arch, Size: fi.Size(), SHA256: sum,
		Filename: filename, Depends: deps, BuildDepends: buildDeps,
		License: info.License, Homepage: info.URL, Maintainer: info.Maintainer,
	}, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", rerr.Wrap(rerr.IO, "open archive for checksum", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", rerr.Wrap(rerr.IO, "checksum archive", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Publish pools every archive in archivesDir into the repository's
// content-addressed package pool (when a store is configured), writes
// repo.toml and packages.json, and signs the index, producing a
// complete, servable repository tree under p.repoDir.
func (p *Publisher) Publish(meta Metadata, archivesDir string) error {
	if err := os.MkdirAll(p.repoDir, 0o755); err != nil {
		return rerr.Wrap(rerr.IO, "create repository directory", p.repoDir, err)
	}

	idx, err := p.ScanArchives(meta.Repository.Name, archivesDir)
	if err != nil {
		return err
	}

	if p.store != nil {
		if err := p.poolArchives(archivesDir, idx); err != nil {
			return err
		}
	} else {
		if err := p.copyArchives(archivesDir, idx); err != nil {
			return err
		}
	}

	metaBytes, err := encodeTOML(meta)
	if err != nil {
		return rerr.Wrap(rerr.Config, "encode repository metadata", meta.Repository.Name, err)
	}
	if err := os.WriteFile(filepath.Join(p.repoDir, "repo.toml"), metaBytes, 0o644); err != nil {
		return rerr.Wrap(rerr.IO, "write repository metadata", meta.Repository.Name, err)
	}

	indexBytes, err := encodeIndex(idx)
	if err != nil {
		return rerr.Wrap(rerr.Config, "encode package index", meta.Repository.Name, err)
	}
	if err := os.WriteFile(filepath.Join(p.repoDir, "packages.json"), indexBytes, 0o644); err != nil {
		return rerr.Wrap(rerr.IO, "write package index", meta.Repository.Name, err)
	}

	if p.key != nil {
		sig := signing.Sign(p.key, indexBytes)
		sigBytes, err := json.MarshalIndent(sig, "", "  ")
		if err != nil {
			return rerr.Wrap(rerr.Config, "encode index signature", meta.Repository.Name, err)
		}
		if err := os.WriteFile(filepath.Join(p.repoDir, "packages.json.sig"), sigBytes, 0o644); err != nil {
			return rerr.Wrap(rerr.IO, "write index signature", meta.Repository.Name, err)
		}
	}

	p.log.Info("published repository", zap.String("repository", meta.Repository.Name), zap.Int("packages", idx.Count))
	return nil
}

// poolArchives links every indexed archive into the content-addressed
// store under repoDir/pool, the same blob-pooling pattern used for
// Debian source package pools.
func (p *Publisher) poolArchives(archivesDir string, idx *Index) error {
	for _, entry := range idx.Packages {
		src := filepath.Join(archivesDir, entry.Filename)
		obj, err := p.copyIntoStore(src)
		if err != nil {
			return rerr.Wrap(rerr.IO, "pool package archive", entry.Filename, err)
		}
		poolPath := filepath.Join("pool", entry.Name[:1], entry.Name, entry.Filename)
		if err := p.store.Link(*obj, poolPath); err != nil {
			return rerr.Wrap(rerr.IO, "link pooled archive", entry.Filename, err)
		}
	}
	return nil
}

func (p *Publisher) copyIntoStore(path string) (*blobstore.Object, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	writer, err := p.store.Create()
	if err != nil {
		return nil, err
	}
	defer writer.Close()

	if _, err := io.Copy(writer, fd); err != nil {
		return nil, err
	}
	return p.store.Commit(*writer)
}

// copyArchives copies every indexed archive into repoDir/packages
// directly, the fallback used when no blobstore is configured.
func (p *Publisher) copyArchives(archivesDir string, idx *Index) error {
	destDir := filepath.Join(p.repoDir, "packages")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return rerr.Wrap(rerr.IO, "create package directory", destDir, err)
	}
	for _, entry := range idx.Packages {
		src := filepath.Join(archivesDir, entry.Filename)
		dest := filepath.Join(destDir, entry.Filename)
		if err := copyFile(src, dest); err != nil {
			return rerr.Wrap(rerr.IO, "copy package archive", entry.Filename, err)
		}
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
