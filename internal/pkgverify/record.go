// Package pkgverify validates declaratively signed plugin packages. A
// package is a ZIP archive carrying a manifest and a signature record; the
// verifier is a pure function over the archive plus a trust-store lookup.
package pkgverify

import "fmt"

// SignatureFileName is the signature record's entry name inside a package.
const SignatureFileName = "signature.yaml"

// AlgorithmSHA256WithECDSA is the only supported signature algorithm. The
// signature covers the UTF-8 bytes of the lowercase hex digest string, not
// the raw digest bytes.
const AlgorithmSHA256WithECDSA = "SHA256withECDSA"

// SignatureRecord is the signing metadata embedded in a package.
type SignatureRecord struct {
	DeveloperID      string `yaml:"developerId"`
	PublicKeyBase64  string `yaml:"publicKeyBase64"`
	ContentDigestHex string `yaml:"contentDigestHex"`
	SignatureBase64  string `yaml:"signatureBase64"`
	Algorithm        string `yaml:"algorithm"`
}

// Status is the verification outcome class.
type Status int

const (
	// StatusFailed means a hard check failed; the package must not load.
	StatusFailed Status = iota
	// StatusSuspicious means all hard checks passed but the manifest
	// carried warnings. Loading is a policy decision.
	StatusSuspicious
	// StatusOk means every check passed cleanly.
	StatusOk
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusSuspicious:
		return "suspicious"
	default:
		return "failed"
	}
}

// Result is the verifier's fail-closed outcome. DeveloperID is set for Ok
// and Suspicious results; Reason is set for failures.
type Result struct {
	Status      Status
	DeveloperID string
	Warnings    []string
	Reason      string
}

func failed(format string, args ...any) Result {
	return Result{Status: StatusFailed, Reason: fmt.Sprintf(format, args...)}
}
