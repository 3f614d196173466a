package repository

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/dollspace-gay/rookpkg/internal/config"
	"github.com/dollspace-gay/rookpkg/internal/rerr"
	"github.com/dollspace-gay/rookpkg/internal/signing"
)

// workerPool limits how many goroutines may run a task concurrently,
// the same bounded-semaphore shape the archive teacher's downloader uses.
type workerPool struct {
	ch chan struct{}
}

func newWorkerPool(n int) *workerPool {
	if n <= 0 {
		n = 1
	}
	return &workerPool{ch: make(chan struct{}, n)}
}

func (p *workerPool) lock()   { p.ch <- struct{}{} }
func (p *workerPool) unlock() { <-p.ch }

// Manager owns every configured repository, a shared HTTP client, and
// the local package cache all downloads land in.
type Manager struct {
	repos       []*Repository
	client      *http.Client
	cacheDir    string
	pkgCacheDir string
	cfg         *config.Config
	keyring     *signing.Keyring
	log         *zap.Logger
}

// NewManager builds a Manager from cfg's [[repositories]] list, sorted by
// priority, and a trust keyring used to verify downloaded package and
// index signatures. log may be nil (a no-op logger is used then).
func NewManager(cfg *config.Config, keyring *signing.Keyring, log *zap.Logger) (*Manager, error) {
	pkgCacheDir := filepath.Join(cfg.CacheDir, "packages")
	if err := os.MkdirAll(pkgCacheDir, 0o755); err != nil {
		return nil, rerr.Wrap(rerr.IO, "create package cache directory", pkgCacheDir, err)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout()}).DialContext,
	}
	client := &http.Client{Transport: transport}
	if cfg.TotalTimeout() > 0 {
		client.Timeout = cfg.TotalTimeout()
	}

	repos := make([]*Repository, 0, len(cfg.Repositories))
	for i, rc := range cfg.Repositories {
		repos = append(repos, FromConfig(rc.Name, rc.URL, uint32(i), rc.Enabled, cfg.CacheDir))
	}
	sort.SliceStable(repos, func(i, j int) bool { return repos[i].Priority < repos[j].Priority })

	return &Manager{
		repos: repos, client: client, cacheDir: cfg.CacheDir, pkgCacheDir: pkgCacheDir,
		cfg: cfg, keyring: keyring, log: logOrNop(log),
	}, nil
}

// CacheDir and PackageCacheDir expose the manager's on-disk cache roots.
func (m *Manager) CacheDir() string        { return m.cacheDir }
func (m *Manager) PackageCacheDir() string { return m.pkgCacheDir }

// EnabledRepos returns every repository with Enabled set.
func (m *Manager) EnabledRepos() []*Repository {
	var out []*Repository
	for _, r := range m.repos {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// GetRepo returns the repository with the given name, or nil.
func (m *Manager) GetRepo(name string) *Repository {
	for _, r := range m.repos {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// LoadCaches loads every repository's cached metadata and index,
// ignoring repositories with nothing cached yet.
func (m *Manager) LoadCaches() error {
	for _, r := range m.repos {
		if r.HasCache() {
			_ = r.LoadCache()
		}
	}
	return nil
}

// UpdateResult summarizes an UpdateAll run.
type UpdateResult struct {
	Updated   []string
	Unchanged []string
	Failed    []FailedUpdate
}

// FailedUpdate names a repository that failed to update and why.
type FailedUpdate struct {
	Repository string
	Err        error
}

// AllSuccess reports whether every enabled repository updated cleanly.
func (u UpdateResult) AllSuccess() bool { return len(u.Failed) == 0 }

// Total returns how many repositories were attempted.
func (u UpdateResult) Total() int { return len(u.Updated) + len(u.Unchanged) + len(u.Failed) }

// UpdateAll refreshes metadata and the package index for every enabled
// repository. A published index signature is always verified against
// the trust keyring, and one made by an unknown key fails the update; an
// index with no signature is accepted only when allowUntrusted is true.
func (m *Manager) UpdateAll(allowUntrusted bool) UpdateResult {
	var result UpdateResult
	for _, r := range m.repos {
		if !r.Enabled {
			continue
		}
		changed, err := m.updateRepo(r, allowUntrusted)
		if err != nil {
			m.log.Warn("repository update failed", zap.String("repository", r.Name), zap.Error(err))
			result.Failed = append(result.Failed, FailedUpdate{Repository: r.Name, Err: err})
			continue
		}
		if changed {
			result.Updated = append(result.Updated, r.Name)
		} else {
			result.Unchanged = append(result.Unchanged, r.Name)
		}
	}
	return result
}

func (m *Manager) updateRepo(r *Repository, allowUntrusted bool) (bool, error) {
	m.log.Info("updating repository", zap.String("repository", r.Name))

	metaBytes, err := m.fetch(r.metadataURL())
	if err != nil {
		return false, rerr.Wrap(rerr.DownloadFailed, "fetch repository metadata", r.Name, err)
	}
	meta, err := decodeMetadata(metaBytes)
	if err != nil {
		return false, rerr.Wrap(rerr.Config, "parse repository metadata", r.Name, err)
	}

	indexBytes, err := m.fetch(r.indexURL())
	if err != nil {
		return false, rerr.Wrap(rerr.DownloadFailed, "fetch package index", r.Name, err)
	}

	sigBytes, sigErr := m.fetch(r.indexSigURL())
	if sigErr == nil {
		sig, err := decodeSignature(sigBytes)
		if err != nil {
			return false, rerr.Wrap(rerr.Config, "parse index signature", r.Name, err)
		}
		pub, trust := m.keyring.Resolve(meta.Signing.Fingerprint)
		if pub == nil {
			return false, rerr.Wrap(rerr.SigningKeyNotFound, "verify package index", r.Name,
				fmt.Errorf("signing key not found: %s", meta.Signing.Fingerprint))
		}
		if err := signing.Verify(pub, indexBytes, sig); err != nil {
			return false, rerr.Wrap(rerr.SignatureVerificationFailed, "verify package index", r.Name, err)
		}
		m.log.Info("package index signature verified", zap.String("repository", r.Name), zap.String("trust", trust.String()))
	} else if !allowUntrusted {
		return false, rerr.Wrap(rerr.SignatureVerificationFailed, "verify package index", r.Name,
			fmt.Errorf("package index signature not found and untrusted repositories are not allowed"))
	} else {
		m.log.Warn("package index signature not found, proceeding without verification", zap.String("repository", r.Name))
	}

	index, err := decodeIndex(indexBytes)
	if err != nil {
		return false, rerr.Wrap(rerr.Config, "parse package index", r.Name, err)
	}

	changed := r.Index == nil || !r.Index.Generated.Equal(index.Generated)
	r.Metadata = meta
	r.Index = index
	return changed, r.SaveCache()
}

func (m *Manager) fetch(url string) ([]byte, error) {
	resp, err := m.client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}

// Search returns every package across enabled repositories matching
// query, sorted by package name then repository name.
type SearchResult struct {
	Repository string
	Package    PackageEntry
}

func (m *Manager) Search(query string) []SearchResult {
	var results []SearchResult
	for _, r := range m.EnabledRepos() {
		if r.Index == nil {
			continue
		}
		for _, entry := range r.Index.Search(query) {
			results = append(results, SearchResult{Repository: r.Name, Package: entry})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Package.Name != results[j].Package.Name {
			return results[i].Package.Name < results[j].Package.Name
		}
		return results[i].Repository < results[j].Repository
	})
	return results
}

// FindPackage returns the first match for name across enabled repositories.
func (m *Manager) FindPackage(name string) *SearchResult {
	for _, r := range m.EnabledRepos() {
		if r.Index == nil {
			continue
		}
		if entry := r.Index.FindPackage(name); entry != nil {
			return &SearchResult{Repository: r.Name, Package: *entry}
		}
	}
	return nil
}

// GroupSearchResult names which repository a package group came from.
type GroupSearchResult struct {
	Repository string
	Group      PackageGroup
}

// FindGroup returns the first group named name across enabled repositories.
func (m *Manager) FindGroup(name string) *GroupSearchResult {
	for _, r := range m.EnabledRepos() {
		if r.Index == nil {
			continue
		}
		if g := r.Index.FindGroup(name); g != nil {
			return &GroupSearchResult{Repository: r.Name, Group: *g}
		}
	}
	return nil
}

// ListGroups returns every package group across enabled repositories,
// sorted by group name.
func (m *Manager) ListGroups() []GroupSearchResult {
	var out []GroupSearchResult
	for _, r := range m.EnabledRepos() {
		if r.Index == nil {
			continue
		}
		for _, g := range r.Index.Groups {
			out = append(out, GroupSearchResult{Repository: r.Name, Group: g})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group.Name < out[j].Group.Name })
	return out
}

// ExpandGroup returns the package names belonging to the named group,
// including optional packages when requested, or nil if no such group
// exists in any enabled repository.
func (m *Manager) ExpandGroup(name string, includeOptional bool) []string {
	g := m.FindGroup(name)
	if g == nil {
		return nil
	}
	return g.Group.AllPackages(includeOptional)
}

// DownloadPackage fetches package's archive from repoName, trying the
// primary URL then any configured mirrors, retrying transient failures,
// and verifying its SHA-256 before returning the cache path. It does not
// verify the package's cryptographic signature; use DownloadAndVerify
// for that.
func (m *Manager) DownloadPackage(repoName string, entry PackageEntry) (string, error) {
	r := m.GetRepo(repoName)
	if r == nil {
		return "", rerr.Wrap(rerr.PackageNotFound, "download package", repoName, fmt.Errorf("repository not found"))
	}

	cachePath := filepath.Join(m.pkgCacheDir, cacheFilenameFor(entry))

	if _, err := os.Stat(cachePath); err == nil {
		if ok, _ := verifySHA256(cachePath, entry.SHA256); ok {
			m.log.Debug("using cached package", zap.String("package", entry.Name))
			return cachePath, nil
		}
		_ = os.Remove(cachePath)
	}

	urls := m.candidateURLs(r, entry)

	var lastErr error
	for _, url := range urls {
		m.log.Info("downloading package", zap.String("package", entry.Name), zap.String("url", url))
		if err := m.downloadWithRetries(url, cachePath, nil); err != nil {
			lastErr = err
			continue
		}
		ok, err := verifySHA256(cachePath, entry.SHA256)
		if err != nil {
			lastErr = err
			_ = os.Remove(cachePath)
			continue
		}
		if !ok {
			lastErr = fmt.Errorf("checksum mismatch for %s", entry.Filename)
			_ = os.Remove(cachePath)
			continue
		}
		return cachePath, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no URLs available for package download")
	}
	return "", rerr.Wrap(rerr.DownloadFailed, "download package", entry.Name, lastErr)
}

// candidateURLs returns the package's primary URL followed by its
// repository's enabled mirrors, sorted by mirror priority.
func (m *Manager) candidateURLs(r *Repository, entry PackageEntry) []string {
	urls := []string{r.PackageURL(entry)}
	if r.Metadata == nil {
		return urls
	}

	type mirrorURL struct {
		url      string
		priority uint32
	}
	var mirrors []mirrorURL
	for _, mir := range r.Metadata.Mirrors {
		if !mir.Enabled {
			continue
		}
		base := strings.TrimRight(mir.URL, "/")
		mirrors = append(mirrors, mirrorURL{url: base + "/" + entry.Filename, priority: mir.Priority})
	}
	sort.SliceStable(mirrors, func(i, j int) bool { return mirrors[i].priority < mirrors[j].priority })
	for _, mu := range mirrors {
		urls = append(urls, mu.url)
	}
	return urls
}

const maxDownloadRetries = 3

func (m *Manager) downloadWithRetries(url, dest string, bar *progressbar.ProgressBar) error {
	retries := m.cfg.MaxRetries
	if retries <= 0 {
		retries = maxDownloadRetries
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(1<<(attempt-1)) * time.Second)
		}
		if err := m.downloadOnce(url, dest, bar); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (m *Manager) downloadOnce(url, dest string, bar *progressbar.ProgressBar) error {
	resp, err := m.client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, url)
	}

	tempPath := dest + ".part"
	f, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	var dst io.Writer = f
	if bar != nil {
		dst = io.MultiWriter(f, bar)
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	return os.Rename(tempPath, dest)
}

// DownloadJob pairs a package entry with the repository it's fetched from.
type DownloadJob struct {
	Entry    PackageEntry
	RepoName string
}

// DownloadPackages fetches every listed package, in parallel up to
// cfg.Parallel() concurrent transfers, each with its own progress bar
// when showProgress is set. A single job, or Parallel() <= 1, is fetched
// sequentially through DownloadPackage with no progress bar. Packages already cached with a matching checksum are skipped without a
// network request.
func (m *Manager) DownloadPackages(jobs []DownloadJob, showProgress bool) ([]string, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	if len(jobs) == 1 || m.cfg.Parallel() <= 1 {
		paths := make([]string, 0, len(jobs))
		for _, j := range jobs {
			p, err := m.DownloadPackage(j.RepoName, j.Entry)
			if err != nil {
				return nil, err
			}
			paths = append(paths, p)
		}
		return paths, nil
	}

	pool := newWorkerPool(m.cfg.Parallel())
	results := make([]string, len(jobs))
	errs := make([]error, len(jobs))

	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func(i int, j DownloadJob) {
			defer wg.Done()
			pool.lock()
			defer pool.unlock()

			var bar *progressbar.ProgressBar
			if showProgress {
				bar = progressbar.DefaultBytes(j.Entry.Size, fmt.Sprintf("%s-%s", j.Entry.Name, j.Entry.Version))
			}

			r := m.GetRepo(j.RepoName)
			if r == nil {
				errs[i] = fmt.Errorf("repository not found: %s", j.RepoName)
				return
			}
			cachePath := filepath.Join(m.pkgCacheDir, cacheFilenameFor(j.Entry))
			if _, err := os.Stat(cachePath); err == nil {
				if ok, _ := verifySHA256(cachePath, j.Entry.SHA256); ok {
					results[i] = cachePath
					return
				}
				_ = os.Remove(cachePath)
			}

			var lastErr error
			for _, url := range m.candidateURLs(r, j.Entry) {
				if err := m.downloadWithRetries(url, cachePath, bar); err != nil {
					lastErr = err
					continue
				}
				if ok, _ := verifySHA256(cachePath, j.Entry.SHA256); ok {
					results[i] = cachePath
					lastErr = nil
					break
				}
				_ = os.Remove(cachePath)
				lastErr = fmt.Errorf("checksum mismatch for %s", j.Entry.Filename)
			}
			if lastErr != nil {
				errs[i] = lastErr
			}
		}(i, j)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, rerr.Wrap(rerr.DownloadFailed, "download package", jobs[i].Entry.Name, err)
		}
	}
	return results, nil
}

// CleanResult reports how many cached files were removed and how much
// space they occupied.
type CleanResult struct {
	RemovedCount int
	RemovedBytes int64
	TotalBytes   int64
}

// AnyRemoved reports whether at least one file was removed.
func (c CleanResult) AnyRemoved() bool { return c.RemovedCount > 0 }

// CleanPackageCache removes cached package files last modified more than
// maxAgeDays ago.
func (m *Manager) CleanPackageCache(maxAgeDays int) (CleanResult, error) {
	var result CleanResult
	entries, err := os.ReadDir(m.pkgCacheDir)
	if err != nil {
		return result, rerr.Wrap(rerr.IO, "read package cache", m.pkgCacheDir, err)
	}

	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		result.TotalBytes += info.Size()
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(m.pkgCacheDir, e.Name())
			if os.Remove(path) == nil {
				result.RemovedCount++
				result.RemovedBytes += info.Size()
			}
		}
	}
	return result, nil
}

// CleanAllPackages removes every cached package file unconditionally.
func (m *Manager) CleanAllPackages() (CleanResult, error) {
	var result CleanResult
	entries, err := os.ReadDir(m.pkgCacheDir)
	if err != nil {
		return result, rerr.Wrap(rerr.IO, "read package cache", m.pkgCacheDir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		result.TotalBytes += info.Size()
		path := filepath.Join(m.pkgCacheDir, e.Name())
		if os.Remove(path) == nil {
			result.RemovedCount++
			result.RemovedBytes += info.Size()
		}
	}
	return result, nil
}

// IsPackageCached reports whether entry's archive is already cached with
// a matching checksum.
func (m *Manager) IsPackageCached(entry PackageEntry) bool {
	path := filepath.Join(m.pkgCacheDir, cacheFilenameFor(entry))
	ok, _ := verifySHA256(path, entry.SHA256)
	return ok
}

// GetCachedPackage returns the cache path for entry if already cached
// with a matching checksum, or "" otherwise.
func (m *Manager) GetCachedPackage(entry PackageEntry) string {
	path := filepath.Join(m.pkgCacheDir, cacheFilenameFor(entry))
	if ok, _ := verifySHA256(path, entry.SHA256); ok {
		return path
	}
	return ""
}

func verifySHA256(path, expected string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	return strings.EqualFold(hex.EncodeToString(h.Sum(nil)), expected), nil
}
