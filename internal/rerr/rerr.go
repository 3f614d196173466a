// Package rerr defines the closed set of error categories that cross
// subsystem boundaries in rookpkg. Every layer surfaces errors to its
// caller wrapped in a Kind so callers can branch on category without
// string matching, per the error-handling design in spec.md §7.
package rerr

import "fmt"

// Kind tags an error with its origin category.
type Kind int

const (
	Unknown Kind = iota
	PackageNotFound
	DependencyResolution
	InvalidSpec
	SigningKeyNotFound
	InsecureKeyPermissions
	SignatureVerificationFailed
	UntrustedSigner
	BuildFailed
	DownloadFailed
	ChecksumMismatch
	FileConflict
	Database
	IO
	Config
)

func (k Kind) String() string {
	switch k {
	case PackageNotFound:
		return "PackageNotFound"
	case DependencyResolution:
		return "DependencyResolution"
	case InvalidSpec:
		return "InvalidSpec"
	case SigningKeyNotFound:
		return "SigningKeyNotFound"
	case InsecureKeyPermissions:
		return "InsecureKeyPermissions"
	case SignatureVerificationFailed:
		return "SignatureVerificationFailed"
	case UntrustedSigner:
		return "UntrustedSigner"
	case BuildFailed:
		return "BuildFailed"
	case DownloadFailed:
		return "DownloadFailed"
	case ChecksumMismatch:
		return "ChecksumMismatch"
	case FileConflict:
		return "FileConflict"
	case Database:
		return "Database"
	case IO:
		return "Io"
	case Config:
		return "Config"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with a Kind and the operation/resource
// context that produced it.
type Error struct {
	Kind     Kind
	Op       string
	Resource string
	Err      error
}

func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Kind, e.Op, e.Resource, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap produces a new *Error with the given kind, operation and resource.
func Wrap(kind Kind, op, resource string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Resource: resource, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
