package repository

import "time"

// Info is the [repository] table of repo.toml: identity and format version.
type Info struct {
	Name        string     `toml:"name"`
	Description string     `toml:"description"`
	Version     uint32     `toml:"version"`
	Updated     *time.Time `toml:"updated,omitempty"`
}

// SigningInfo is the [signing] table of repo.toml: which key signs this
// repository's package index.
type SigningInfo struct {
	Fingerprint string `toml:"fingerprint"`
	PublicKey   string `toml:"public_key,omitempty"`
}

// Mirror is one entry in repo.toml's [[mirrors]] list.
type Mirror struct {
	URL      string `toml:"url"`
	Priority uint32 `toml:"priority"`
	Region   string `toml:"region,omitempty"`
	Enabled  bool   `toml:"enabled"`
}

// Metadata is the full contents of a repository's repo.toml.
type Metadata struct {
	Repository Info          `toml:"repository"`
	Signing    SigningInfo   `toml:"signing"`
	Mirrors    []Mirror      `toml:"mirrors"`
}
