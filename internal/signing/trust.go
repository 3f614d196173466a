package signing

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/dollspace-gay/rookpkg/internal/rerr"
)

// Keyring resolves a key fingerprint to a trust level by consulting the
// master-key directory, the packager-key directory (plus certifications),
// and the operator's own key, per spec.md §4.1 "Trust Model".
type Keyring struct {
	masterDir   string
	packagerDir string
	certsDir    string
	userKeyPath string

	master    map[string]*PublicKey
	packager  map[string]*PublicKey
	userKey   *PublicKey
}

// NewKeyring loads all master and packager public keys from disk.
func NewKeyring(masterDir, packagerDir, certsDir, userKeyPath string) (*Keyring, error) {
	kr := &Keyring{
		masterDir:   masterDir,
		packagerDir: packagerDir,
		certsDir:    certsDir,
		userKeyPath: userKeyPath,
		master:      map[string]*PublicKey{},
		packager:    map[string]*PublicKey{},
	}

	var err error
	if kr.master, err = loadKeyDir(masterDir); err != nil {
		return nil, err
	}
	if kr.packager, err = loadKeyDir(packagerDir); err != nil {
		return nil, err
	}

	if userKeyPath != "" {
		if _, statErr := os.Stat(userKeyPath); statErr == nil {
			uk, loadErr := LoadPublicKey(userKeyPath)
			if loadErr != nil {
				return nil, loadErr
			}
			kr.userKey = uk
		}
	}

	return kr, nil
}

func loadKeyDir(dir string) (map[string]*PublicKey, error) {
	out := map[string]*PublicKey{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, rerr.Wrap(rerr.IO, "read key directory", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pub") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		pk, err := LoadPublicKey(path)
		if err != nil {
			return nil, err
		}
		out[pk.Fingerprint] = pk
	}
	return out, nil
}

// Resolve returns the trust level assigned to fingerprint, and the
// PublicKey it resolved to (nil if the fingerprint is entirely unknown).
//
// Lookup order, per spec.md §4.1:
//  1. Master keys directory    -> TrustFull
//  2. Packager keys directory  -> TrustFull if a valid, unexpired
//     certification from a master key exists, else TrustMarginal
//  3. Operator's own key       -> TrustUltimate
//  4. Unknown
func (kr *Keyring) Resolve(fingerprint string) (*PublicKey, TrustLevel) {
	if pk, ok := lookupFuzzy(kr.master, fingerprint); ok {
		cp := *pk
		cp.Trust = TrustFull
		return &cp, TrustFull
	}

	if pk, ok := lookupFuzzy(kr.packager, fingerprint); ok {
		cp := *pk
		if kr.hasValidCertification(pk.Fingerprint) {
			cp.Trust = TrustFull
		} else {
			cp.Trust = TrustMarginal
		}
		return &cp, cp.Trust
	}

	if kr.userKey != nil && matchesFingerprint(kr.userKey.Fingerprint, fingerprint) {
		cp := *kr.userKey
		cp.Trust = TrustUltimate
		return &cp, TrustUltimate
	}

	return nil, TrustUnknown
}

func (kr *Keyring) hasValidCertification(fingerprint string) bool {
	cert, masterPub, err := FindCertificationForKey(kr.certsDir, kr.master, fingerprint)
	if err != nil || cert == nil {
		return false
	}
	return VerifyCertification(masterPub, cert) == nil
}

func lookupFuzzy(m map[string]*PublicKey, fingerprint string) (*PublicKey, bool) {
	if pk, ok := m[fingerprint]; ok {
		return pk, true
	}
	for fp, pk := range m {
		if matchesFingerprint(fp, fingerprint) {
			return pk, true
		}
	}
	return nil, false
}

// matchesFingerprint allows callers to identify a key by a trailing
// suffix of its full fingerprint, mirroring original_source's short-id
// lookup convenience.
func matchesFingerprint(full, query string) bool {
	if full == query {
		return true
	}
	if len(query) >= 8 && strings.HasSuffix(full, query) {
		return true
	}
	return false
}

// MasterKeys returns every loaded master public key.
func (kr *Keyring) MasterKeys() map[string]*PublicKey { return kr.master }

// PackagerKeys returns every loaded packager public key.
func (kr *Keyring) PackagerKeys() map[string]*PublicKey { return kr.packager }
