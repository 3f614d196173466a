// Package specfile parses .rook TOML package specifications, the
// declarative input describing how a source package is fetched, built,
// and packaged, per spec.md §3.1 "Package Specification".
package specfile

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/dollspace-gay/rookpkg/internal/rerr"
)

// Spec is a complete, immutable package specification.
type Spec struct {
	Package Metadata `toml:"package"`

	Sources map[string]Source `toml:"sources"`
	Patches map[string]Patch  `toml:"patches"`

	BuildDepends     map[string]string   `toml:"build-depends"`
	Depends          map[string]string   `toml:"depends"`
	OptionalDepends  map[string][]string `toml:"optional-depends"`

	Environment map[string]string `toml:"environment"`

	Build       BuildInstructions `toml:"build"`
	Files       FileSpec          `toml:"files"`
	ConfigFiles ConfigFiles       `toml:"config-files"`
	Scripts     Scripts           `toml:"scripts"`

	Changelog []ChangelogEntry `toml:"changelog"`
	Metadata  ExtraMetadata    `toml:"metadata"`
	Security  Security         `toml:"security"`
}

// Metadata is the [package] table: identity and descriptive fields.
type Metadata struct {
	Name        string   `toml:"name"`
	Version     string   `toml:"version"`
	Release     uint32   `toml:"release"`
	Summary     string   `toml:"summary"`
	Description string   `toml:"description"`
	License     string   `toml:"license"`
	URL         string   `toml:"url"`
	Maintainer  string   `toml:"maintainer"`
	Categories  []string `toml:"categories"`
}

// Source is one entry under [sources]: an upstream archive to fetch.
type Source struct {
	URL      string   `toml:"url"`
	SHA256   string   `toml:"sha256"`
	Mirrors  []string `toml:"mirrors"`
	Filename string   `toml:"filename"`
}

// Patch is one entry under [patches]: a file applied with `patch -pN`.
type Patch struct {
	File  string `toml:"file"`
	Strip uint32 `toml:"strip"`
}

// BuildInstructions holds the shell fragments for each build phase.
type BuildInstructions struct {
	Prep      string `toml:"prep"`
	Configure string `toml:"configure"`
	Build     string `toml:"build"`
	Check     string `toml:"check"`
	Install   string `toml:"install"`
}

// FileSpec controls which files from the staged tree end up in the archive.
type FileSpec struct {
	Include []string     `toml:"include"`
	Exclude []string     `toml:"exclude"`
	Config  []FileConfig `toml:"config"`
}

// FileConfig overrides mode/owner/group for one staged path.
type FileConfig struct {
	Path  string `toml:"path"`
	Mode  string `toml:"mode"`
	Owner string `toml:"owner"`
	Group string `toml:"group"`
}

// ConfigFiles names paths preserved across upgrades beyond the default
// prefix-based classification (spec.md §4.2).
type ConfigFiles struct {
	Preserve []string `toml:"preserve"`
}

// Scripts holds the six lifecycle script bodies, per spec.md §3.1.
type Scripts struct {
	PreInstall   string `toml:"pre-install"`
	PostInstall  string `toml:"post-install"`
	PreRemove    string `toml:"pre-remove"`
	PostRemove   string `toml:"post-remove"`
	PreUpgrade   string `toml:"pre-upgrade"`
	PostUpgrade  string `toml:"post-upgrade"`
}

// ChangelogEntry is one dated release note.
type ChangelogEntry struct {
	Date    string   `toml:"date"`
	Version string   `toml:"version"`
	Author  string   `toml:"author"`
	Changes []string `toml:"changes"`
}

// ExtraMetadata carries search/classification hints not part of core identity.
type ExtraMetadata struct {
	Keywords  []string `toml:"keywords"`
	Stability string   `toml:"stability"`
}

// Security carries CVE-adjacent hints surfaced by internal/cve.
type Security struct {
	GrsecCompatible bool     `toml:"grsec-compatible"`
	FixedCVEs       []string `toml:"fixed-cves"`
}

func defaultSpec() Spec {
	return Spec{
		Package:  Metadata{Release: 1},
		Metadata: ExtraMetadata{Stability: "stable"},
	}
}

// FromFile reads and parses a .rook spec file from path.
func FromFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rerr.Wrap(rerr.IO, "read spec file", path, err)
	}
	return FromString(string(data))
}

// FromString parses spec TOML text directly, primarily for tests and for
// specs embedded in other artifacts.
func FromString(content string) (*Spec, error) {
	spec := defaultSpec()
	if _, err := toml.Decode(content, &spec); err != nil {
		return nil, rerr.Wrap(rerr.InvalidSpec, "parse spec TOML", "", err)
	}
	if spec.Package.Release == 0 {
		spec.Package.Release = 1
	}
	if spec.Metadata.Stability == "" {
		spec.Metadata.Stability = "stable"
	}
	for name, p := range spec.Patches {
		if p.Strip == 0 {
			p.Strip = 1
			spec.Patches[name] = p
		}
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks the invariants spec.md §3.1 requires of every spec:
// identity fields present, every source carries a SHA-256.
func (s *Spec) Validate() error {
	if s.Package.Name == "" {
		return rerr.Wrap(rerr.InvalidSpec, "validate spec", "", fmt.Errorf("package.name is required"))
	}
	if s.Package.Version == "" {
		return rerr.Wrap(rerr.InvalidSpec, "validate spec", s.Package.Name, fmt.Errorf("package.version is required"))
	}
	for id, src := range s.Sources {
		if src.URL == "" {
			return rerr.Wrap(rerr.InvalidSpec, "validate spec", s.Package.Name, fmt.Errorf("source %q has no url", id))
		}
		if src.SHA256 == "" {
			return rerr.Wrap(rerr.InvalidSpec, "validate spec", s.Package.Name, fmt.Errorf("source %q has no sha256", id))
		}
	}
	for id, p := range s.Patches {
		if p.File == "" {
			return rerr.Wrap(rerr.InvalidSpec, "validate spec", s.Package.Name, fmt.Errorf("patch %q has no file", id))
		}
	}
	return nil
}

// FullVersion returns "version-release", the archive-filename version component.
func (s *Spec) FullVersion() string {
	return fmt.Sprintf("%s-%d", s.Package.Version, s.Package.Release)
}

// ArchiveName returns the canonical {name}-{version}-{release}.{arch}.rookpkg
// filename for an archive built from this spec (spec.md §3.1 "Package Archive").
func (s *Spec) ArchiveName(arch string) string {
	return fmt.Sprintf("%s-%s-%d.%s.rookpkg", s.Package.Name, s.Package.Version, s.Package.Release, arch)
}

// RuntimeDeps returns the runtime dependency map, never nil.
func (s *Spec) RuntimeDeps() map[string]string {
	if s.Depends == nil {
		return map[string]string{}
	}
	return s.Depends
}

// BuildDepsMap returns the build dependency map, never nil.
func (s *Spec) BuildDepsMap() map[string]string {
	if s.BuildDepends == nil {
		return map[string]string{}
	}
	return s.BuildDepends
}
