// Package signing implements rookpkg's hybrid Ed25519 + ML-DSA-65 signature
// scheme and the two-tier trust model that certifies packager keys with
// master keys, per spec.md §4.1.
package signing

import (
	"crypto/ed25519"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

// Algorithm identifies the key material a key carries.
type Algorithm string

const (
	AlgorithmEd25519 Algorithm = "ed25519"
	AlgorithmHybrid  Algorithm = "hybrid-ed25519-ml-dsa-65"
)

// TrustLevel orders Unknown < Marginal < Full < Ultimate.
type TrustLevel int

const (
	TrustUnknown TrustLevel = iota
	TrustMarginal
	TrustFull
	TrustUltimate
)

func (t TrustLevel) String() string {
	switch t {
	case TrustMarginal:
		return "marginal"
	case TrustFull:
		return "full"
	case TrustUltimate:
		return "ultimate"
	default:
		return "unknown"
	}
}

// ParseTrustLevel parses the config's min_trust_level string.
func ParseTrustLevel(s string) TrustLevel {
	switch s {
	case "marginal":
		return TrustMarginal
	case "full":
		return TrustFull
	case "ultimate":
		return TrustUltimate
	default:
		return TrustUnknown
	}
}

// HybridSignature is the §6.3 .sig sidecar payload.
type HybridSignature struct {
	Ed25519     string `json:"ed25519"`
	MLDSA       string `json:"ml_dsa"`
	Fingerprint string `json:"fingerprint"`
	Timestamp   string `json:"timestamp"`
}

// KeyCertification is a signed attestation tying a packager key to a
// master key for a named purpose, per spec.md §3.1.
type KeyCertification struct {
	CertifiedKey  string          `json:"certified_key"`
	CertifierKey  string          `json:"certifier_key"`
	CertifierName string          `json:"certifier_name"`
	Purpose       string          `json:"purpose"`
	Expires       string          `json:"expires"`
	Signature     HybridSignature `json:"signature"`
}

// Key is a loaded signing (secret) key pair with identity metadata.
type Key struct {
	Ed25519Priv ed25519.PrivateKey
	Ed25519Pub  ed25519.PublicKey
	MLDSAPriv   *mldsa65.PrivateKey
	MLDSAPub    *mldsa65.PublicKey
	Fingerprint string
	Name        string
	Email       string
	Algorithm   Algorithm
}

// PublicKey is a loaded public key used for verification, carrying the
// trust level assigned by a Keyring lookup.
type PublicKey struct {
	Ed25519     ed25519.PublicKey
	MLDSA       *mldsa65.PublicKey
	Fingerprint string
	Name        string
	Email       string
	Algorithm   Algorithm
	Trust       TrustLevel
}

// FailureKind distinguishes why a verification failed, per spec.md §4.1.
type FailureKind int

const (
	IntegrityFailure FailureKind = iota
	ClassicalFailure
	QuantumFailure
)

func (f FailureKind) String() string {
	switch f {
	case ClassicalFailure:
		return "ClassicalFailure"
	case QuantumFailure:
		return "QuantumFailure"
	default:
		return "IntegrityFailure"
	}
}

// VerifyError reports which half of the hybrid signature rejected.
type VerifyError struct {
	Kind FailureKind
	Msg  string
}

func (e *VerifyError) Error() string { return e.Msg }
