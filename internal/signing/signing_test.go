package signing

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var fingerprintRe = regexp.MustCompile(`^HYBRID:SHA256:[0-9a-f]{32}$`)

func TestGenerateKeySignVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()

	key, err := GenerateKey("Test Packager", "packager@example.org", dir)
	require.NoError(t, err)
	require.Regexp(t, fingerprintRe, key.Fingerprint)

	secretPath := filepath.Join(dir, "signing-key.secret")
	info, err := os.Stat(secretPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadSigningKey(secretPath)
	require.NoError(t, err)
	require.Equal(t, key.Fingerprint, loaded.Fingerprint)

	pub, err := LoadPublicKey(filepath.Join(dir, "signing-key.pub"))
	require.NoError(t, err)
	require.Equal(t, key.Fingerprint, pub.Fingerprint)

	message := []byte("rookery-0.1.0-1 package archive contents")
	sig := Sign(loaded, message)
	require.NoError(t, Verify(pub, message, sig))
}

func TestVerifyDetectsTamperedMessage(t *testing.T) {
	dir := t.TempDir()
	key, err := GenerateKey("Tester", "t@example.org", dir)
	require.NoError(t, err)
	pub := PublicOf(key)

	sig := Sign(key, []byte("original payload"))
	err = Verify(pub, []byte("tampered payload"), sig)
	require.Error(t, err)

	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, ClassicalFailure, verr.Kind)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	dir := t.TempDir()
	signer, err := GenerateKey("Signer", "signer@example.org", dir)
	require.NoError(t, err)

	otherDir := t.TempDir()
	other, err := GenerateKey("Other", "other@example.org", otherDir)
	require.NoError(t, err)

	message := []byte("package payload")
	sig := Sign(signer, message)
	err = Verify(PublicOf(other), message, sig)
	require.Error(t, err)
}

func TestLoadSigningKeyRejectsInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	_, err := GenerateKey("Tester", "t@example.org", dir)
	require.NoError(t, err)

	secretPath := filepath.Join(dir, "signing-key.secret")
	require.NoError(t, os.Chmod(secretPath, 0o644))

	_, err = LoadSigningKey(secretPath)
	require.Error(t, err)
}

func TestCertifyAndVerifyCertification(t *testing.T) {
	masterDir := t.TempDir()
	master, err := GenerateKey("Master Signer", "master@example.org", masterDir)
	require.NoError(t, err)

	packagerDir := t.TempDir()
	packager, err := GenerateKey("Packager", "packager@example.org", packagerDir)
	require.NoError(t, err)

	cert := CertifyKey(master, packager.Fingerprint, "packager", time.Now().Add(365*24*time.Hour))
	require.NoError(t, VerifyCertification(PublicOf(master), cert))

	certsDir := t.TempDir()
	require.NoError(t, SaveCertification(certsDir, cert))

	loaded, err := LoadCertification(filepath.Join(certsDir, sanitizeFingerprint(cert.CertifiedKey)+".cert"))
	require.NoError(t, err)
	require.NoError(t, VerifyCertification(PublicOf(master), loaded))
}

func TestVerifyCertificationRejectsExpired(t *testing.T) {
	masterDir := t.TempDir()
	master, err := GenerateKey("Master Signer", "master@example.org", masterDir)
	require.NoError(t, err)

	cert := CertifyKey(master, "HYBRID:SHA256:deadbeefdeadbeefdeadbeefdeadbeef", "packager", time.Now().Add(-time.Hour))
	err = VerifyCertification(PublicOf(master), cert)
	require.Error(t, err)
}

func TestKeyringResolvesTrustLevels(t *testing.T) {
	masterDir := t.TempDir()
	master, err := GenerateKey("Master", "master@example.org", masterDir)
	require.NoError(t, err)

	packagerDir := t.TempDir()
	packager, err := GenerateKey("Packager", "packager@example.org", packagerDir)
	require.NoError(t, err)

	certsDir := t.TempDir()
	cert := CertifyKey(master, packager.Fingerprint, "packager", time.Now().Add(365*24*time.Hour))
	require.NoError(t, SaveCertification(certsDir, cert))

	kr, err := NewKeyring(masterDir, packagerDir, certsDir, "")
	require.NoError(t, err)

	_, trust := kr.Resolve(master.Fingerprint)
	require.Equal(t, TrustFull, trust)

	_, trust = kr.Resolve(packager.Fingerprint)
	require.Equal(t, TrustFull, trust)

	_, trust = kr.Resolve("HYBRID:SHA256:00000000000000000000000000000000")
	require.Equal(t, TrustUnknown, trust)
}

func TestKeyringMarginalTrustWithoutCertification(t *testing.T) {
	masterDir := t.TempDir()
	packagerDir := t.TempDir()
	packager, err := GenerateKey("Uncertified Packager", "uncert@example.org", packagerDir)
	require.NoError(t, err)

	certsDir := t.TempDir()
	kr, err := NewKeyring(masterDir, packagerDir, certsDir, "")
	require.NoError(t, err)

	_, trust := kr.Resolve(packager.Fingerprint)
	require.Equal(t, TrustMarginal, trust)
}
