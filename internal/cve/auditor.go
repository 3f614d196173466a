package cve

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/dollspace-gay/rookpkg/internal/config"
	"github.com/dollspace-gay/rookpkg/internal/rerr"
)

// AuditResult is the outcome of scanning a set of installed packages
// against both advisory feeds.
type AuditResult struct {
	Vulnerable    []VulnerablePackage
	Secure        []string
	Unknown       []string
	TotalCVEs     int
	CriticalCount int
	HighCount     int
	MediumCount   int
	LowCount      int
}

// HasSevereVulnerabilities reports whether any critical- or
// high-severity CVE was found.
func (r AuditResult) HasSevereVulnerabilities() bool {
	return r.CriticalCount > 0 || r.HighCount > 0
}

// HasVulnerabilities reports whether any vulnerable package was found.
func (r AuditResult) HasVulnerabilities() bool {
	return len(r.Vulnerable) > 0
}

// CveAuditor coordinates vulnerability scanning across OSV and NVD,
// the non-gating advisory layer `rookpkg audit` surfaces. It never
// blocks an install or upgrade — it only reports.
type CveAuditor struct {
	nvd      *NvdClient
	osv      *OsvClient
	matcher  *CveMatcher
	patcher  *PatchFetcher
	log      *zap.Logger
	cveCache map[string][]CveRecord
}

// NewCveAuditor builds a CveAuditor backed by cfg's cache directory.
func NewCveAuditor(cfg *config.Config, log *zap.Logger) (*CveAuditor, error) {
	cacheDir := filepath.Join(cfg.CacheDir, "cve")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, rerr.Wrap(rerr.IO, "create CVE cache directory", cacheDir, err)
	}

	log = logOrNop(log)
	nvd, err := NewNvdClient(cacheDir, log)
	if err != nil {
		return nil, err
	}
	osv, err := NewOsvClient(cacheDir, log)
	if err != nil {
		return nil, err
	}

	return &CveAuditor{
		nvd: nvd, osv: osv, matcher: NewCveMatcher(), patcher: NewPatchFetcher(),
		log: log, cveCache: map[string][]CveRecord{},
	}, nil
}

// QueryPackage returns every CVE record known for name at version,
// querying OSV first (faster, package-aware) then NVD (broader keyword
// coverage), deduplicated by CVE ID and cached for the process
// lifetime.
func (a *CveAuditor) QueryPackage(name, version string) ([]CveRecord, error) {
	cacheKey := fmt.Sprintf("%s:%s", name, version)
	if cached, ok := a.cveCache[cacheKey]; ok {
		return cached, nil
	}

	var cves []CveRecord

	if osvCVEs, err := a.osv.Query(name, version); err == nil {
		cves = append(cves, osvCVEs...)
	} else {
		a.log.Debug("OSV query failed", zap.String("package", name), zap.Error(err))
	}

	if nvdCVEs, err := a.nvd.Query(name, version); err == nil {
		for _, c := range nvdCVEs {
			if !containsCVE(cves, c.ID) {
				cves = append(cves, c)
			}
		}
	} else {
		a.log.Debug("NVD query failed", zap.String("package", name), zap.Error(err))
	}

	a.cveCache[cacheKey] = cves
	return cves, nil
}

func containsCVE(cves []CveRecord, id string) bool {
	for _, c := range cves {
		if c.ID == id {
			return true
		}
	}
	return false
}

// Audit runs a full vulnerability scan of the given (name, version)
// pairs, usually every currently-installed package.
func (a *CveAuditor) Audit(packages [][2]string) AuditResult {
	result := AuditResult{}

	for _, pkg := range packages {
		name, version := pkg[0], pkg[1]
		cves, err := a.QueryPackage(name, version)
		if err != nil {
			a.log.Warn("could not check package", zap.String("package", name), zap.Error(err))
			result.Unknown = append(result.Unknown, name)
			continue
		}
		if len(cves) == 0 {
			result.Secure = append(result.Secure, name)
			continue
		}

		vuln := a.matcher.MatchCVEs(name, version, cves)
		if len(vuln.CVEs) == 0 {
			result.Secure = append(result.Secure, name)
			continue
		}

		for _, c := range vuln.CVEs {
			result.TotalCVEs++
			switch c.Severity {
			case SeverityCritical:
				result.CriticalCount++
			case SeverityHigh:
				result.HighCount++
			case SeverityMedium:
				result.MediumCount++
			case SeverityLow:
				result.LowCount++
			}
		}
		result.Vulnerable = append(result.Vulnerable, vuln)
	}

	return result
}

// GetCVE fetches detail for a single CVE ID, trying OSV before NVD.
func (a *CveAuditor) GetCVE(cveID string) (*CveRecord, error) {
	if rec, err := a.osv.GetCVE(cveID); err == nil && rec != nil {
		return rec, nil
	}
	return a.nvd.GetCVE(cveID)
}

// ClearCache wipes both feeds' on-disk response caches and the
// in-process query cache.
func (a *CveAuditor) ClearCache() error {
	if err := a.osv.ClearCache(); err != nil {
		return err
	}
	if err := a.nvd.ClearCache(); err != nil {
		return err
	}
	a.cveCache = map[string][]CveRecord{}
	return nil
}

// Patcher exposes the auditor's PatchFetcher for downloading fixes.
func (a *CveAuditor) Patcher() *PatchFetcher { return a.patcher }
