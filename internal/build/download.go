package build

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pault.ag/go/debian/transput"

	"github.com/dollspace-gay/rookpkg/internal/rerr"
)

const (
	maxRetries     = 3
	connectTimeout = 30 * time.Second
	downloadLimit  = 10 * time.Minute
)

// SourceFile describes one upstream source archive a build depends on:
// a primary URL, optional mirrors to fall back to, and the SHA-256 it
// must match once fetched.
type SourceFile struct {
	URL      string
	SHA256   string
	Mirrors  []string
	Filename string
}

// filename returns the explicit filename, or the basename of the primary
// URL if none was set.
func (s SourceFile) filename() string {
	if s.Filename != "" {
		return s.Filename
	}
	name := s.URL
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "download"
	}
	return name
}

// allURLs returns the primary URL followed by every mirror.
func (s SourceFile) allURLs() []string {
	return append([]string{s.URL}, s.Mirrors...)
}

// Downloader fetches and caches upstream source archives, per spec.md
// §4.6 "Build Executor" sources. Cached files whose checksum verifies are
// reused; the default HTTP client carries connect and total timeouts
// matching the original Rust client.
type Downloader struct {
	client   *http.Client
	cacheDir string
}

// NewDownloader returns a Downloader caching into cacheDir/sources.
func NewDownloader(cacheDir string) (*Downloader, error) {
	dir := filepath.Join(cacheDir, "sources")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, rerr.Wrap(rerr.IO, "create source cache directory", dir, err)
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}
	return &Downloader{
		client:   &http.Client{Timeout: downloadLimit, Transport: transport},
		cacheDir: dir,
	}, nil
}

// CacheDir returns the directory downloaded sources are cached under.
func (d *Downloader) CacheDir() string { return d.cacheDir }

// Download fetches source, trying its primary URL then each mirror in
// turn, retrying transient failures with exponential backoff, and
// verifying the SHA-256 of the result. A cached file whose checksum
// already matches is reused without a network request.
func (d *Downloader) Download(source SourceFile) (string, error) {
	destPath := filepath.Join(d.cacheDir, source.filename())

	if _, err := os.Stat(destPath); err == nil {
		if ok, verr := VerifyChecksum(destPath, source.SHA256); verr == nil && ok {
			return destPath, nil
		}
		_ = os.Remove(destPath)
	}

	var lastErr error
	for _, url := range source.allURLs() {
		sum, err := d.downloadWithRetries(url, destPath)
		if err != nil {
			lastErr = err
			continue
		}
		if !strings.EqualFold(sum, source.SHA256) {
			lastErr = rerr.Wrap(rerr.ChecksumMismatch, "verify download", destPath,
				fmt.Errorf("checksum mismatch (expected %s, got %s)", source.SHA256, sum))
			_ = os.Remove(destPath)
			continue
		}
		return destPath, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no URLs available for download")
	}
	return "", rerr.Wrap(rerr.DownloadFailed, "download source", source.URL, lastErr)
}

// DownloadAll fetches every source, stopping at the first failure.
func (d *Downloader) DownloadAll(sources []SourceFile) ([]string, error) {
	paths := make([]string, 0, len(sources))
	for _, s := range sources {
		path, err := d.Download(s)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (d *Downloader) downloadWithRetries(url, dest string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(1<<(attempt-1)) * time.Second)
		}
		sum, err := d.downloadOnce(url, dest)
		if err != nil {
			lastErr = err
			continue
		}
		return sum, nil
	}
	return "", lastErr
}

// downloadOnce streams the response body to dest.part through a transput
// multi-hash writer, the same tee-while-writing shape the teacher's
// Archive.writeObject uses, so the SHA-256 needed for verification falls
// out of the write instead of a separate read-back pass.
func (d *Downloader) downloadOnce(url, dest string) (string, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "rookpkg/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP error %d: %s", resp.StatusCode, url)
	}

	tempPath := dest + ".part"
	f, err := os.Create(tempPath)
	if err != nil {
		return "", err
	}

	hashed, hashers, err := transput.NewHasherWriters([]string{"sha256"}, f)
	if err != nil {
		f.Close()
		os.Remove(tempPath)
		return "", err
	}

	if _, err := io.Copy(hashed, resp.Body); err != nil {
		f.Close()
		os.Remove(tempPath)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return "", err
	}

	if err := os.Rename(tempPath, dest); err != nil {
		return "", err
	}
	return hex.EncodeToString(hashers[0].Sum(nil)), nil
}

// CleanCache removes cached source files older than maxAge, returning how
// many were removed.
func (d *Downloader) CleanCache(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(d.cacheDir)
	if err != nil {
		return 0, rerr.Wrap(rerr.IO, "read source cache", d.cacheDir, err)
	}

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(filepath.Join(d.cacheDir, entry.Name())) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// ComputeSHA256 returns the hex-encoded SHA-256 of path's contents. Used
// against files already sitting on disk (a cache hit, or an arbitrary
// file the checksum CLI command is pointed at) where there's no write in
// progress for transput's tee-while-writing to hook into, so a plain
// single-pass crypto/sha256 read is what this needs.
func ComputeSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", rerr.Wrap(rerr.IO, "open file for checksum", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", rerr.Wrap(rerr.IO, "compute checksum", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChecksum reports whether path's SHA-256 matches expected
// (case-insensitively).
func VerifyChecksum(path, expected string) (bool, error) {
	actual, err := ComputeSHA256(path)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, expected), nil
}
