package cve

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dollspace-gay/rookpkg/internal/rerr"
)

const cacheFreshness = 24 * time.Hour

// OsvClient queries the OSV.dev vulnerability database, an
// ecosystem-aware feed keyed by package name and version — consulted
// first because it is faster and more precise than NVD's free-text
// keyword search.
type OsvClient struct {
	client   *http.Client
	cacheDir string
	log      *zap.Logger
}

const osvQueryURL = "https://api.osv.dev/v1/query"

// NewOsvClient returns an OsvClient caching responses under cacheDir.
func NewOsvClient(cacheDir string, log *zap.Logger) (*OsvClient, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, rerr.Wrap(rerr.IO, "create OSV cache directory", cacheDir, err)
	}
	return &OsvClient{
		client:   &http.Client{Timeout: 30 * time.Second},
		cacheDir: cacheDir,
		log:      logOrNop(log),
	}, nil
}

type osvQueryRequest struct {
	Version string     `json:"version,omitempty"`
	Package osvPackage `json:"package"`
}

type osvPackage struct {
	Name string `json:"name"`
}

type osvQueryResponse struct {
	Vulns []osvVuln `json:"vulns"`
}

type osvVuln struct {
	ID       string   `json:"id"`
	Summary  string   `json:"summary"`
	Details  string   `json:"details"`
	Modified string   `json:"modified"`
	Published string  `json:"published"`
	Severity []struct {
		Type  string `json:"type"`
		Score string `json:"score"`
	} `json:"severity"`
	Affected []struct {
		Ranges []struct {
			Type   string `json:"type"`
			Events []struct {
				Introduced string `json:"introduced"`
				Fixed      string `json:"fixed"`
			} `json:"events"`
		} `json:"ranges"`
		Versions []string `json:"versions"`
	} `json:"affected"`
	References []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"references"`
}

// Query fetches advisory records for name/version from OSV, using a
// cached response when one is younger than cacheFreshness.
func (c *OsvClient) Query(name, version string) ([]CveRecord, error) {
	key := cacheKey("osv", name, version)
	if cached, ok := c.readCache(key); ok {
		var resp osvQueryResponse
		if err := json.Unmarshal(cached, &resp); err == nil {
			c.log.Debug("OSV cache hit", zap.String("package", name), zap.String("version", version))
			return convertOsv(resp), nil
		}
	}

	body, err := json.Marshal(osvQueryRequest{Version: version, Package: osvPackage{Name: name}})
	if err != nil {
		return nil, rerr.Wrap(rerr.Config, "encode OSV query", name, err)
	}

	req, err := http.NewRequest(http.MethodPost, osvQueryURL, bytes.NewReader(body))
	if err != nil {
		return nil, rerr.Wrap(rerr.DownloadFailed, "build OSV request", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, rerr.Wrap(rerr.DownloadFailed, "query OSV", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rerr.Wrap(rerr.DownloadFailed, "read OSV response", name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, rerr.Wrap(rerr.DownloadFailed, "query OSV", name, fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	c.writeCache(key, data)

	var parsed osvQueryResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, rerr.Wrap(rerr.Config, "parse OSV response", name, err)
	}
	return convertOsv(parsed), nil
}

func convertOsv(resp osvQueryResponse) []CveRecord {
	out := make([]CveRecord, 0, len(resp.Vulns))
	for _, v := range resp.Vulns {
		rec := CveRecord{
			ID: v.ID, Summary: v.Summary, Description: v.Details, Source: "osv",
		}
		for _, sev := range v.Severity {
			if sev.Type == "CVSS_V3" {
				if score, err := strconv.ParseFloat(sev.Score, 64); err == nil {
					rec.CVSSScore = &score
				}
			}
		}
		for _, aff := range v.Affected {
			for _, rng := range aff.Ranges {
				if rng.Type != "ECOSYSTEM" && rng.Type != "SEMVER" {
					continue
				}
				var vr VersionRange
				for _, ev := range rng.Events {
					if ev.Introduced != "" && ev.Introduced != "0" {
						in := ev.Introduced
						vr.Start = &in
					}
					if ev.Fixed != "" {
						fx := ev.Fixed
						rec.FixedVersion = &fx
						vr.End = &fx
					}
				}
				rec.AffectedVersions = append(rec.AffectedVersions, vr)
			}
			if len(aff.Versions) > 0 {
				rec.AffectedVersions = append(rec.AffectedVersions, VersionRange{Exact: aff.Versions})
			}
		}
		for _, ref := range v.References {
			rec.References = append(rec.References, Reference{URL: ref.URL, RefType: classifyReference(ref.URL, ref.Type)})
		}
		if rec.Severity == SeverityUnknown && rec.CVSSScore != nil {
			rec.Severity = severityFromScore(*rec.CVSSScore)
		}
		out = append(out, rec)
	}
	return out
}

// GetCVE fetches a single advisory by ID directly.
func (c *OsvClient) GetCVE(id string) (*CveRecord, error) {
	url := "https://api.osv.dev/v1/vulns/" + id
	resp, err := c.client.Get(url)
	if err != nil {
		return nil, rerr.Wrap(rerr.DownloadFailed, "fetch OSV record", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, rerr.Wrap(rerr.DownloadFailed, "fetch OSV record", id, fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	var v osvVuln
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, rerr.Wrap(rerr.Config, "parse OSV record", id, err)
	}
	records := convertOsv(osvQueryResponse{Vulns: []osvVuln{v}})
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// ClearCache removes every cached OSV response.
func (c *OsvClient) ClearCache() error {
	return clearCacheDir(c.cacheDir, "osv-")
}

func (c *OsvClient) readCache(key string) ([]byte, bool) { return readCacheFile(c.cacheDir, key) }
func (c *OsvClient) writeCache(key string, data []byte)  { writeCacheFile(c.cacheDir, key, data) }

// NvdClient queries the NIST National Vulnerability Database's
// keyword-search API, consulted second for broader (less precise)
// coverage than OSV's package-aware lookup.
type NvdClient struct {
	client   *http.Client
	cacheDir string
	log      *zap.Logger
}

const nvdQueryURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"

// NewNvdClient returns an NvdClient caching responses under cacheDir.
func NewNvdClient(cacheDir string, log *zap.Logger) (*NvdClient, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, rerr.Wrap(rerr.IO, "create NVD cache directory", cacheDir, err)
	}
	return &NvdClient{
		client:   &http.Client{Timeout: 30 * time.Second},
		cacheDir: cacheDir,
		log:      logOrNop(log),
	}, nil
}

type nvdResponse struct {
	Vulnerabilities []struct {
		Cve struct {
			ID           string `json:"id"`
			Descriptions []struct {
				Lang  string `json:"lang"`
				Value string `json:"value"`
			} `json:"descriptions"`
			Published string `json:"published"`
			Modified  string `json:"lastModified"`
			Metrics   struct {
				CvssMetricV31 []struct {
					CvssData struct {
						BaseScore    float64 `json:"baseScore"`
						BaseSeverity string  `json:"baseSeverity"`
					} `json:"cvssData"`
				} `json:"cvssMetricV31"`
			} `json:"metrics"`
			References []struct {
				URL  string   `json:"url"`
				Tags []string `json:"tags"`
			} `json:"references"`
		} `json:"cve"`
	} `json:"vulnerabilities"`
}

// Query searches NVD by free-text keyword built from name and version.
func (c *NvdClient) Query(name, version string) ([]CveRecord, error) {
	key := cacheKey("nvd", name, version)
	if cached, ok := c.readCache(key); ok {
		var resp nvdResponse
		if err := json.Unmarshal(cached, &resp); err == nil {
			c.log.Debug("NVD cache hit", zap.String("package", name), zap.String("version", version))
			return convertNvd(resp), nil
		}
	}

	url := fmt.Sprintf("%s?keywordSearch=%s", nvdQueryURL, name)
	resp, err := c.client.Get(url)
	if err != nil {
		return nil, rerr.Wrap(rerr.DownloadFailed, "query NVD", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rerr.Wrap(rerr.DownloadFailed, "read NVD response", name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, rerr.Wrap(rerr.DownloadFailed, "query NVD", name, fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	c.writeCache(key, data)

	var parsed nvdResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, rerr.Wrap(rerr.Config, "parse NVD response", name, err)
	}
	return convertNvd(parsed), nil
}

func convertNvd(resp nvdResponse) []CveRecord {
	out := make([]CveRecord, 0, len(resp.Vulnerabilities))
	for _, v := range resp.Vulnerabilities {
		rec := CveRecord{ID: v.Cve.ID, Source: "nvd"}
		for _, d := range v.Cve.Descriptions {
			if d.Lang == "en" {
				rec.Description = d.Value
				if len(rec.Description) > 120 {
					rec.Summary = rec.Description[:120] + "..."
				} else {
					rec.Summary = rec.Description
				}
				break
			}
		}
		if len(v.Cve.Metrics.CvssMetricV31) > 0 {
			m := v.Cve.Metrics.CvssMetricV31[0]
			score := m.CvssData.BaseScore
			rec.CVSSScore = &score
			rec.Severity = ParseSeverity(m.CvssData.BaseSeverity)
		}
		for _, ref := range v.Cve.References {
			refType := ReferenceOther
			for _, tag := range ref.Tags {
				if tag == "Patch" {
					refType = ReferencePatch
				}
			}
			rec.References = append(rec.References, Reference{URL: ref.URL, RefType: refType})
		}
		out = append(out, rec)
	}
	return out
}

// GetCVE fetches a single CVE record by ID directly.
func (c *NvdClient) GetCVE(id string) (*CveRecord, error) {
	url := fmt.Sprintf("%s?cveId=%s", nvdQueryURL, id)
	resp, err := c.client.Get(url)
	if err != nil {
		return nil, rerr.Wrap(rerr.DownloadFailed, "fetch NVD record", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, rerr.Wrap(rerr.DownloadFailed, "fetch NVD record", id, fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	var parsed nvdResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, rerr.Wrap(rerr.Config, "parse NVD record", id, err)
	}
	records := convertNvd(parsed)
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// ClearCache removes every cached NVD response.
func (c *NvdClient) ClearCache() error {
	return clearCacheDir(c.cacheDir, "nvd-")
}

func (c *NvdClient) readCache(key string) ([]byte, bool) { return readCacheFile(c.cacheDir, key) }
func (c *NvdClient) writeCache(key string, data []byte)  { writeCacheFile(c.cacheDir, key, data) }

func classifyReference(url, tag string) ReferenceType {
	switch {
	case tag == "Patch", bytes.Contains([]byte(url), []byte("/commit/")), bytes.HasSuffix([]byte(url), []byte(".patch")):
		return ReferencePatch
	case tag == "Exploit":
		return ReferenceExploit
	case tag == "Advisory", tag == "Vendor Advisory", tag == "Third Party Advisory":
		return ReferenceAdvisory
	default:
		return ReferenceOther
	}
}

func severityFromScore(score float64) Severity {
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	case score > 0:
		return SeverityLow
	default:
		return SeverityUnknown
	}
}

func cacheKey(source, name, version string) string {
	h := sha256.Sum256([]byte(name + ":" + version))
	return fmt.Sprintf("%s-%s", source, hex.EncodeToString(h[:])[:32])
}

func readCacheFile(dir, key string) ([]byte, bool) {
	path := filepath.Join(dir, key+".json")
	fi, err := os.Stat(path)
	if err != nil || time.Since(fi.ModTime()) > cacheFreshness {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

func writeCacheFile(dir, key string, data []byte) {
	_ = os.WriteFile(filepath.Join(dir, key+".json"), data, 0o644)
}

func clearCacheDir(dir, prefix string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return rerr.Wrap(rerr.IO, "read cache directory", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) >= len(prefix) && e.Name()[:len(prefix)] == prefix {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return rerr.Wrap(rerr.IO, "remove cache file", e.Name(), err)
			}
		}
	}
	return nil
}

func logOrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
