package signing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dollspace-gay/rookpkg/internal/rerr"
)

// certificationTranscript reconstructs the exact byte sequence a
// KeyCertification's signature covers, per spec.md §3.1:
// ROOKERY-KEY-CERTIFICATION-V1|{certified_fp}|{certifier_fp}|{purpose}|{expires}
func certificationTranscript(certifiedKey, certifierKey, purpose, expires string) []byte {
	return []byte(fmt.Sprintf("ROOKERY-KEY-CERTIFICATION-V1|%s|%s|%s|%s",
		certifiedKey, certifierKey, purpose, expires))
}

// CertifyKey has masterKey attest that certifiedKey may sign packages for
// purpose, expiring at expires (RFC3339). See spec.md §3.1 "Key Certification".
func CertifyKey(masterKey *Key, certifiedKeyFingerprint, purpose string, expires time.Time) *KeyCertification {
	expiresStr := expires.UTC().Format(time.RFC3339)
	transcript := certificationTranscript(certifiedKeyFingerprint, masterKey.Fingerprint, purpose, expiresStr)
	sig := Sign(masterKey, transcript)

	return &KeyCertification{
		CertifiedKey:  certifiedKeyFingerprint,
		CertifierKey:  masterKey.Fingerprint,
		CertifierName: masterKey.Name,
		Purpose:       purpose,
		Expires:       expiresStr,
		Signature:     sig,
	}
}

// VerifyCertification checks a certification's signature against the
// claimed certifier key and confirms it has not expired.
func VerifyCertification(certifierPub *PublicKey, cert *KeyCertification) error {
	if certifierPub.Fingerprint != cert.CertifierKey {
		return &VerifyError{Kind: IntegrityFailure, Msg: "certifier key does not match certification"}
	}

	expires, err := time.Parse(time.RFC3339, cert.Expires)
	if err != nil {
		return &VerifyError{Kind: IntegrityFailure, Msg: "certification has malformed expiry"}
	}
	if time.Now().After(expires) {
		return &VerifyError{Kind: IntegrityFailure, Msg: fmt.Sprintf("certification expired at %s", cert.Expires)}
	}

	transcript := certificationTranscript(cert.CertifiedKey, cert.CertifierKey, cert.Purpose, cert.Expires)
	return Verify(certifierPub, transcript, cert.Signature)
}

// SaveCertification writes a certification as a JSON .cert file named
// after the certified key's fingerprint, inside dir.
func SaveCertification(dir string, cert *KeyCertification) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return rerr.Wrap(rerr.IO, "create certs directory", dir, err)
	}
	name := sanitizeFingerprint(cert.CertifiedKey) + ".cert"
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(cert, "", "  ")
	if err != nil {
		return rerr.Wrap(rerr.IO, "encode certification", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return rerr.Wrap(rerr.IO, "write certification", path, err)
	}
	return nil
}

// LoadCertification reads a single .cert file from disk.
func LoadCertification(path string) (*KeyCertification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rerr.Wrap(rerr.IO, "read certification", path, err)
	}
	var cert KeyCertification
	if err := json.Unmarshal(data, &cert); err != nil {
		return nil, rerr.Wrap(rerr.InvalidSpec, "parse certification", path, err)
	}
	return &cert, nil
}

// FindCertificationForKey scans certsDir for a certification of
// fingerprint (matched by suffix, like Keyring lookups) that validates
// against one of the given master keys, returning the first match.
func FindCertificationForKey(certsDir string, masters map[string]*PublicKey, fingerprint string) (*KeyCertification, *PublicKey, error) {
	entries, err := os.ReadDir(certsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, rerr.Wrap(rerr.IO, "read certs directory", certsDir, err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".cert") {
			continue
		}
		cert, err := LoadCertification(filepath.Join(certsDir, e.Name()))
		if err != nil {
			continue
		}
		if !matchesFingerprint(cert.CertifiedKey, fingerprint) {
			continue
		}
		masterPub, ok := lookupFuzzy(masters, cert.CertifierKey)
		if !ok {
			continue
		}
		if VerifyCertification(masterPub, cert) != nil {
			continue
		}
		return cert, masterPub, nil
	}
	return nil, nil, nil
}

func sanitizeFingerprint(fp string) string {
	return strings.NewReplacer(":", "-", "/", "_").Replace(fp)
}
