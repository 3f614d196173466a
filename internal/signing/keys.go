package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dollspace-gay/rookpkg/internal/rerr"
)

const (
	legacySeedTranscript = "rookery-ml-dsa-seed-from-ed25519"
	fingerprintTranscript = "rookery-hybrid-fingerprint-v1"
)

type identityFields struct {
	Name  string `toml:"name"`
	Email string `toml:"email"`
}

type metadataFields struct {
	Created   string `toml:"created"`
	Algorithm string `toml:"algorithm"`
}

type hybridKeyPair struct {
	Ed25519Secret string `toml:"ed25519-secret,omitempty"`
	Ed25519Public string `toml:"ed25519-public,omitempty"`
	MLDSASecret   string `toml:"ml-dsa-65-secret,omitempty"`
	MLDSAPublic   string `toml:"ml-dsa-65-public,omitempty"`
}

// secretKeyFile is the on-disk shape of a hybrid signing-key.secret file.
type secretKeyFile struct {
	Type        string         `toml:"type"`
	Purpose     string         `toml:"purpose"`
	Fingerprint string         `toml:"fingerprint"`
	Keys        hybridKeyPair  `toml:"keys"`
	Identity    identityFields `toml:"identity"`
	Metadata    metadataFields `toml:"metadata"`

	// Legacy Ed25519-only layout: top-level secret-key, no [keys] table.
	SecretKey string `toml:"secret-key,omitempty"`
}

// publicKeyFile is the on-disk shape of a hybrid signing-key.pub file.
type publicKeyFile struct {
	Type        string         `toml:"type"`
	Purpose     string         `toml:"purpose"`
	Fingerprint string         `toml:"fingerprint"`
	Keys        hybridKeyPair  `toml:"keys"`
	Identity    identityFields `toml:"identity"`
	Metadata    metadataFields `toml:"metadata"`

	// Legacy Ed25519-only layout.
	Key string `toml:"key,omitempty"`
}

func hybridFingerprint(edPub ed25519.PublicKey, mldsaPubBytes []byte) string {
	h := sha256.New()
	h.Write([]byte(fingerprintTranscript))
	h.Write(edPub)
	h.Write(mldsaPubBytes)
	sum := h.Sum(nil)
	return "HYBRID:SHA256:" + hex.EncodeToString(sum[:16])
}

func legacyFingerprint(edPub ed25519.PublicKey) string {
	sum := sha256.Sum256(edPub)
	return "ED25519:SHA256:" + hex.EncodeToString(sum[:16])
}

// legacyMLDSASeed deterministically derives an ML-DSA seed from an Ed25519
// public key, so legacy Ed25519-only keys can still be read by code that
// always verifies the hybrid pair. See spec.md §4.1 "Generation".
func legacyMLDSASeed(edPub ed25519.PublicKey) [32]byte {
	h := sha256.New()
	h.Write([]byte(legacySeedTranscript))
	h.Write(edPub)
	var seed [32]byte
	copy(seed[:], h.Sum(nil))
	return seed
}

// GenerateKey creates a fresh hybrid Ed25519 + ML-DSA-65 keypair and writes
// signing-key.secret (mode 0600) and signing-key.pub into outputDir.
func GenerateKey(name, email, outputDir string) (*Key, error) {
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, rerr.Wrap(rerr.SigningKeyNotFound, "generate key", "", err)
	}

	mldsaPub, mldsaPriv, err := mldsaGenerate()
	if err != nil {
		return nil, rerr.Wrap(rerr.SigningKeyNotFound, "generate key", "", err)
	}

	mldsaPubBytes := mldsaPackPublic(mldsaPub)
	fingerprint := hybridFingerprint(edPub, mldsaPubBytes)

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, rerr.Wrap(rerr.IO, "create key directory", outputDir, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)

	secret := secretKeyFile{
		Type:        string(AlgorithmHybrid),
		Purpose:     "packager",
		Fingerprint: fingerprint,
		Keys: hybridKeyPair{
			Ed25519Secret: base64.StdEncoding.EncodeToString(edPriv.Seed()),
			MLDSASecret:   base64.StdEncoding.EncodeToString(mldsaPackPrivate(mldsaPriv)),
		},
		Identity: identityFields{Name: name, Email: email},
		Metadata: metadataFields{Created: now, Algorithm: string(AlgorithmHybrid)},
	}

	secretPath := filepath.Join(outputDir, "signing-key.secret")
	if err := writeSecretTOML(secretPath, &secret); err != nil {
		return nil, err
	}

	public := publicKeyFile{
		Type:        string(AlgorithmHybrid),
		Purpose:     "packager",
		Fingerprint: fingerprint,
		Keys: hybridKeyPair{
			Ed25519Public: base64.StdEncoding.EncodeToString(edPub),
			MLDSAPublic:   base64.StdEncoding.EncodeToString(mldsaPubBytes),
		},
		Identity: identityFields{Name: name, Email: email},
		Metadata: metadataFields{Created: now, Algorithm: string(AlgorithmHybrid)},
	}

	publicPath := filepath.Join(outputDir, "signing-key.pub")
	if err := writeTOML(publicPath, &public, 0o644); err != nil {
		return nil, err
	}

	return &Key{
		Ed25519Priv: edPriv,
		Ed25519Pub:  edPub,
		MLDSAPriv:   mldsaPriv,
		MLDSAPub:    mldsaPub,
		Fingerprint: fingerprint,
		Name:        name,
		Email:       email,
		Algorithm:   AlgorithmHybrid,
	}, nil
}

func writeSecretTOML(path string, v *secretKeyFile) error {
	return writeTOML(path, v, 0o600)
}

func writeTOML(path string, v interface{}, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return rerr.Wrap(rerr.IO, "write key file", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(v); err != nil {
		return rerr.Wrap(rerr.IO, "encode key file", path, err)
	}
	return nil
}

// LoadSigningKey reads a secret key file from disk. It refuses to load
// keys whose file mode is not exactly 0600.
func LoadSigningKey(path string) (*Key, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, rerr.Wrap(rerr.SigningKeyNotFound, "load signing key", path, err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		return nil, rerr.Wrap(rerr.InsecureKeyPermissions, "load signing key", path,
			fmt.Errorf("insecure permissions %o (expected 0600); fix with: chmod 600 %s", mode, path))
	}

	var raw secretKeyFile
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, rerr.Wrap(rerr.InvalidSpec, "parse signing key", path, err)
	}

	switch raw.Type {
	case string(AlgorithmHybrid), "":
		return decodeHybridSecret(&raw)
	case string(AlgorithmEd25519):
		return decodeLegacySecret(&raw)
	default:
		return nil, rerr.Wrap(rerr.InvalidSpec, "parse signing key", path, fmt.Errorf("unknown key type %q", raw.Type))
	}
}

func decodeHybridSecret(raw *secretKeyFile) (*Key, error) {
	edBytes, err := base64.StdEncoding.DecodeString(raw.Keys.Ed25519Secret)
	if err != nil || len(edBytes) != ed25519.SeedSize {
		return nil, rerr.Wrap(rerr.InvalidSpec, "decode ed25519 secret", "", fmt.Errorf("invalid Ed25519 secret key"))
	}
	edPriv := ed25519.NewKeyFromSeed(edBytes)

	mldsaBytes, err := base64.StdEncoding.DecodeString(raw.Keys.MLDSASecret)
	if err != nil {
		return nil, rerr.Wrap(rerr.InvalidSpec, "decode ml-dsa secret", "", err)
	}
	mldsaPriv, err := mldsaPrivateFromBytes(mldsaBytes)
	if err != nil {
		return nil, rerr.Wrap(rerr.InvalidSpec, "decode ml-dsa secret", "", err)
	}

	edPub := edPriv.Public().(ed25519.PublicKey)
	return &Key{
		Ed25519Priv: edPriv,
		Ed25519Pub:  edPub,
		MLDSAPriv:   mldsaPriv,
		MLDSAPub:    mldsaPublicFromPrivate(mldsaPriv),
		Fingerprint: raw.Fingerprint,
		Name:        raw.Identity.Name,
		Email:       raw.Identity.Email,
		Algorithm:   AlgorithmHybrid,
	}, nil
}

func decodeLegacySecret(raw *secretKeyFile) (*Key, error) {
	edBytes, err := base64.StdEncoding.DecodeString(raw.SecretKey)
	if err != nil || len(edBytes) != ed25519.SeedSize {
		return nil, rerr.Wrap(rerr.InvalidSpec, "decode ed25519 secret", "", fmt.Errorf("invalid Ed25519 secret key"))
	}
	edPriv := ed25519.NewKeyFromSeed(edBytes)
	edPub := edPriv.Public().(ed25519.PublicKey)

	seed := legacyMLDSASeed(edPub)
	mldsaPub, mldsaPriv := mldsaFromSeed(seed)

	return &Key{
		Ed25519Priv: edPriv,
		Ed25519Pub:  edPub,
		MLDSAPriv:   mldsaPriv,
		MLDSAPub:    mldsaPub,
		Fingerprint: raw.Fingerprint,
		Name:        raw.Identity.Name,
		Email:       raw.Identity.Email,
		Algorithm:   AlgorithmEd25519,
	}, nil
}

// LoadPublicKey reads a public key file from disk.
func LoadPublicKey(path string) (*PublicKey, error) {
	var raw publicKeyFile
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, rerr.Wrap(rerr.InvalidSpec, "parse public key", path, err)
	}

	switch raw.Type {
	case string(AlgorithmHybrid), "":
		return decodeHybridPublic(&raw)
	case string(AlgorithmEd25519):
		return decodeLegacyPublic(&raw)
	default:
		return nil, rerr.Wrap(rerr.InvalidSpec, "parse public key", path, fmt.Errorf("unknown key type %q", raw.Type))
	}
}

func decodeHybridPublic(raw *publicKeyFile) (*PublicKey, error) {
	edBytes, err := base64.StdEncoding.DecodeString(raw.Keys.Ed25519Public)
	if err != nil || len(edBytes) != ed25519.PublicKeySize {
		return nil, rerr.Wrap(rerr.InvalidSpec, "decode ed25519 public", "", fmt.Errorf("invalid Ed25519 public key"))
	}
	mldsaBytes, err := base64.StdEncoding.DecodeString(raw.Keys.MLDSAPublic)
	if err != nil {
		return nil, rerr.Wrap(rerr.InvalidSpec, "decode ml-dsa public", "", err)
	}
	mldsaPub, err := mldsaPublicFromBytes(mldsaBytes)
	if err != nil {
		return nil, rerr.Wrap(rerr.InvalidSpec, "decode ml-dsa public", "", err)
	}
	return &PublicKey{
		Ed25519:     ed25519.PublicKey(edBytes),
		MLDSA:       mldsaPub,
		Fingerprint: raw.Fingerprint,
		Name:        raw.Identity.Name,
		Email:       raw.Identity.Email,
		Algorithm:   AlgorithmHybrid,
		Trust:       TrustUnknown,
	}, nil
}

func decodeLegacyPublic(raw *publicKeyFile) (*PublicKey, error) {
	edBytes, err := base64.StdEncoding.DecodeString(raw.Key)
	if err != nil || len(edBytes) != ed25519.PublicKeySize {
		return nil, rerr.Wrap(rerr.InvalidSpec, "decode ed25519 public", "", fmt.Errorf("invalid Ed25519 public key"))
	}
	edPub := ed25519.PublicKey(edBytes)
	seed := legacyMLDSASeed(edPub)
	mldsaPub, _ := mldsaFromSeed(seed)

	fingerprint := raw.Fingerprint
	if fingerprint == "" {
		fingerprint = legacyFingerprint(edPub)
	}

	return &PublicKey{
		Ed25519:     edPub,
		MLDSA:       mldsaPub,
		Fingerprint: fingerprint,
		Name:        raw.Identity.Name,
		Email:       raw.Identity.Email,
		Algorithm:   AlgorithmEd25519,
		Trust:       TrustUnknown,
	}, nil
}

// PublicOf derives the PublicKey half of a loaded Key.
func PublicOf(k *Key) *PublicKey {
	return &PublicKey{
		Ed25519:     k.Ed25519Pub,
		MLDSA:       k.MLDSAPub,
		Fingerprint: k.Fingerprint,
		Name:        k.Name,
		Email:       k.Email,
		Algorithm:   k.Algorithm,
		Trust:       TrustUltimate,
	}
}

// Sign produces a HybridSignature over message, per spec.md §4.1 "Produce".
func Sign(key *Key, message []byte) HybridSignature {
	h := sha256.Sum256(message)
	edSig := ed25519.Sign(key.Ed25519Priv, h[:])
	mldsaSig := mldsaSign(key.MLDSAPriv, h[:])
	return HybridSignature{
		Ed25519:     base64.StdEncoding.EncodeToString(edSig),
		MLDSA:       base64.StdEncoding.EncodeToString(mldsaSig),
		Fingerprint: key.Fingerprint,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

// Verify checks both halves of a HybridSignature over message. Both must
// verify for the signature to be accepted; any single failure is total
// failure, per spec.md §4.1 "Verify".
func Verify(pub *PublicKey, message []byte, sig HybridSignature) error {
	h := sha256.Sum256(message)

	edSigBytes, err := base64.StdEncoding.DecodeString(sig.Ed25519)
	if err != nil || len(edSigBytes) != ed25519.SignatureSize {
		return &VerifyError{Kind: IntegrityFailure, Msg: "malformed Ed25519 signature bytes"}
	}
	mldsaSigBytes, err := base64.StdEncoding.DecodeString(sig.MLDSA)
	if err != nil {
		return &VerifyError{Kind: IntegrityFailure, Msg: "malformed ML-DSA-65 signature bytes"}
	}

	if !ed25519.Verify(pub.Ed25519, h[:], edSigBytes) {
		return &VerifyError{Kind: ClassicalFailure, Msg: "Ed25519 signature verification failed"}
	}
	if !mldsaVerify(pub.MLDSA, h[:], mldsaSigBytes) {
		return &VerifyError{Kind: QuantumFailure, Msg: "ML-DSA-65 signature verification failed"}
	}
	return nil
}

// SignFile signs the contents of a file on disk.
func SignFile(key *Key, path string) (HybridSignature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return HybridSignature{}, rerr.Wrap(rerr.IO, "read file to sign", path, err)
	}
	return Sign(key, data), nil
}

// VerifyFile verifies a signature against the contents of a file on disk.
func VerifyFile(pub *PublicKey, path string, sig HybridSignature) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return rerr.Wrap(rerr.IO, "read file to verify", path, err)
	}
	return Verify(pub, data, sig)
}
