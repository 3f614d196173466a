package repository

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/dollspace-gay/rookpkg/internal/rerr"
	"github.com/dollspace-gay/rookpkg/internal/signing"
)

// SignatureStatus classifies the outcome of verifying a downloaded
// package's detached signature.
type SignatureStatus struct {
	Kind        SignatureKind
	Fingerprint string
	Signer      string
	Trust       signing.TrustLevel
	Reason      string
}

// SignatureKind enumerates the possible SignatureStatus outcomes.
type SignatureKind int

const (
	SignatureUnsigned SignatureKind = iota
	SignatureUnknownKey
	SignatureInvalid
	SignatureVerified
)

// IsVerified reports whether the signature cryptographically verified.
func (s SignatureStatus) IsVerified() bool { return s.Kind == SignatureVerified }

// IsTrusted reports whether the signature verified against a key the
// keyring resolves to at least marginal trust.
func (s SignatureStatus) IsTrusted() bool {
	return s.Kind == SignatureVerified && s.Trust >= signing.TrustMarginal
}

// Description renders a human-readable summary of the status.
func (s SignatureStatus) Description() string {
	switch s.Kind {
	case SignatureVerified:
		return fmt.Sprintf("verified (%s, trust=%s)", s.Signer, s.Trust)
	case SignatureInvalid:
		return "INVALID: " + s.Reason
	case SignatureUnknownKey:
		return "signed by unknown key: " + s.Fingerprint
	default:
		return "unsigned"
	}
}

// VerifiedPackage is a downloaded package archive alongside its
// signature verification outcome.
type VerifiedPackage struct {
	Path    string
	Package PackageEntry
	Status  SignatureStatus
}

// IsVerified reports whether the package's signature verified.
func (v VerifiedPackage) IsVerified() bool { return v.Status.IsVerified() }

// IsTrusted reports whether the package's signature verified against a
// trusted key.
func (v VerifiedPackage) IsTrusted() bool { return v.Status.IsTrusted() }

// DownloadAndVerify downloads entry from repoName and checks its
// detached signature, the mandatory-signing path every install should
// use in preference to DownloadPackage. An unsigned package, one signed
// by an unknown key, or one with an invalid signature is always
// rejected — signing is not optional for installed packages.
func (m *Manager) DownloadAndVerify(repoName string, entry PackageEntry) (*VerifiedPackage, error) {
	r := m.GetRepo(repoName)
	if r == nil {
		return nil, rerr.Wrap(rerr.PackageNotFound, "download package", repoName, fmt.Errorf("repository not found"))
	}

	pkgPath, err := m.DownloadPackage(repoName, entry)
	if err != nil {
		return nil, err
	}

	sigURL := r.PackageURL(entry) + ".sig"
	sigCachePath := pkgPath + ".sig"

	status := SignatureStatus{Kind: SignatureUnsigned}

	if err := m.downloadWithRetries(sigURL, sigCachePath, nil); err == nil {
		sigBytes, readErr := os.ReadFile(sigCachePath)
		if readErr != nil {
			return nil, rerr.Wrap(rerr.IO, "read signature file", entry.Name, readErr)
		}
		sig, decErr := decodeSignature(sigBytes)
		if decErr != nil {
			return nil, rerr.Wrap(rerr.Config, "parse signature file", entry.Name, decErr)
		}

		pub, trust := m.keyring.Resolve(sig.Fingerprint)
		if pub == nil {
			m.log.Warn("signing key not found", zap.String("package", entry.Name), zap.String("fingerprint", sig.Fingerprint))
			status = SignatureStatus{Kind: SignatureUnknownKey, Fingerprint: sig.Fingerprint}
		} else {
			pkgBytes, readErr := os.ReadFile(pkgPath)
			if readErr != nil {
				return nil, rerr.Wrap(rerr.IO, "read package for verification", entry.Name, readErr)
			}
			if verifyErr := signing.Verify(pub, pkgBytes, sig); verifyErr != nil {
				m.log.Error("signature verification failed", zap.String("package", entry.Name), zap.Error(verifyErr))
				status = SignatureStatus{Kind: SignatureInvalid, Fingerprint: sig.Fingerprint, Reason: verifyErr.Error()}
			} else {
				m.log.Info("package signature verified", zap.String("package", entry.Name))
				status = SignatureStatus{
					Kind: SignatureVerified, Fingerprint: sig.Fingerprint,
					Signer: fmt.Sprintf("%s <%s>", pub.Name, pub.Email), Trust: trust,
				}
			}
		}
	} else {
		m.log.Warn("no signature file found for package", zap.String("package", entry.Name), zap.Error(err))
	}

	switch status.Kind {
	case SignatureInvalid:
		return nil, rerr.Wrap(rerr.SignatureVerificationFailed, "verify package", entry.Name,
			fmt.Errorf("package signature is INVALID: %s — do not install, package may be tampered", status.Reason))
	case SignatureUnsigned:
		return nil, rerr.Wrap(rerr.SignatureVerificationFailed, "verify package", entry.Name,
			fmt.Errorf("package is unsigned; all packages must be signed with a trusted key"))
	case SignatureUnknownKey:
		return nil, rerr.Wrap(rerr.UntrustedSigner, "verify package", entry.Name,
			fmt.Errorf("package is signed with unknown key: %s", status.Fingerprint))
	}

	return &VerifiedPackage{Path: pkgPath, Package: entry, Status: status}, nil
}
