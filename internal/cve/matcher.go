package cve

import (
	"github.com/dollspace-gay/rookpkg/internal/resolver"
)

// VulnerablePackage is one installed package and the CVE records that
// affect its installed version.
type VulnerablePackage struct {
	Name               string
	Version            string
	CVEs               []CveRecord
	RecommendedVersion *string
}

// MaxSeverity returns the highest Severity among the package's CVEs.
func (v VulnerablePackage) MaxSeverity() Severity {
	best := SeverityUnknown
	for _, c := range v.CVEs {
		if c.Severity.rank() > best.rank() {
			best = c.Severity
		}
	}
	return best
}

// MaxCVSS returns the highest CVSS score among the package's CVEs, or
// nil if none carry a score.
func (v VulnerablePackage) MaxCVSS() *float64 {
	var best *float64
	for _, c := range v.CVEs {
		if c.CVSSScore == nil {
			continue
		}
		if best == nil || *c.CVSSScore > *best {
			score := *c.CVSSScore
			best = &score
		}
	}
	return best
}

// HasPatchAvailable reports whether any affecting CVE references a
// downloadable patch.
func (v VulnerablePackage) HasPatchAvailable() bool {
	for _, c := range v.CVEs {
		for _, r := range c.References {
			if r.RefType == ReferencePatch {
				return true
			}
		}
	}
	return false
}

// CveMatcher matches CVE records to installed package versions,
// accounting for common upstream/distribution name variations.
type CveMatcher struct {
	aliases map[string][]string
}

// NewCveMatcher returns a matcher seeded with well-known package name
// aliases (e.g. "openssl" also appears as "OpenSSL" in advisory feeds).
func NewCveMatcher() *CveMatcher {
	return &CveMatcher{aliases: map[string][]string{
		"openssl": {"OpenSSL", "openssl-src"},
		"curl":    {"cURL", "libcurl"},
		"zlib":    {"zlib1g", "zlib-ng"},
		"glibc":   {"libc", "GNU C Library"},
		"linux":   {"Linux Kernel", "linux-kernel"},
	}}
}

// MatchCVEs filters cves down to those affecting package at version,
// and reports the highest fixed version among the matches.
func (m *CveMatcher) MatchCVEs(pkg, version string, cves []CveRecord) VulnerablePackage {
	var matching []CveRecord
	var highestFixed *string

	for _, c := range cves {
		if !m.cveAffectsVersion(c, version) {
			continue
		}
		matching = append(matching, c)
		if c.FixedVersion != nil {
			if highestFixed == nil || m.versionGreater(*c.FixedVersion, *highestFixed) {
				fixed := *c.FixedVersion
				highestFixed = &fixed
			}
		}
	}

	return VulnerablePackage{Name: pkg, Version: version, CVEs: matching, RecommendedVersion: highestFixed}
}

// cveAffectsVersion reports whether version falls within one of cve's
// affected ranges and is not already past its fixed version. CVEs
// carrying no version data at all are treated as not actionable.
func (m *CveMatcher) cveAffectsVersion(c CveRecord, version string) bool {
	if len(c.AffectedVersions) == 0 && c.FixedVersion == nil {
		return false
	}

	for _, rng := range c.AffectedVersions {
		if m.versionInRange(version, rng) {
			if c.FixedVersion != nil && m.versionGreaterOrEqual(version, *c.FixedVersion) {
				return false
			}
			return true
		}
	}

	if c.FixedVersion != nil {
		return !m.versionGreaterOrEqual(version, *c.FixedVersion)
	}
	return false
}

func (m *CveMatcher) versionInRange(version string, rng VersionRange) bool {
	for _, exact := range rng.Exact {
		if exact == version {
			return true
		}
	}

	afterStart := true
	if rng.Start != nil {
		afterStart = m.versionGreaterOrEqual(version, *rng.Start)
	}
	beforeEnd := true
	if rng.End != nil {
		beforeEnd = !m.versionGreaterOrEqual(version, *rng.End)
	}
	return afterStart && beforeEnd
}

// versionGreater compares dotted-triple versions when both parse,
// falling back to a plain string comparison otherwise — the same
// semver-with-fallback strategy the original advisory matcher used.
func (m *CveMatcher) versionGreater(a, b string) bool {
	va, errA := resolver.ParseVersion(a)
	vb, errB := resolver.ParseVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb) > 0
	}
	return a > b
}

func (m *CveMatcher) versionGreaterOrEqual(a, b string) bool {
	va, errA := resolver.ParseVersion(a)
	vb, errB := resolver.ParseVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb) >= 0
	}
	return a >= b
}

// Aliases returns package plus any known aliases for it.
func (m *CveMatcher) Aliases(pkg string) []string {
	result := []string{pkg}
	if a, ok := m.aliases[pkg]; ok {
		result = append(result, a...)
	}
	return result
}

// AddAlias registers an additional advisory-feed name for pkg.
func (m *CveMatcher) AddAlias(pkg, alias string) {
	m.aliases[pkg] = append(m.aliases[pkg], alias)
}
