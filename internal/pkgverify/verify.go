package pkgverify

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/connectias/warden/internal/eventbus"
	"github.com/connectias/warden/internal/manifest"
	"github.com/connectias/warden/internal/trust"
)

// Verifier checks package signatures against the pinned trust store.
// It is stateless and safe for concurrent use.
type Verifier struct {
	trust  trust.Store
	logger *log.Logger
	bus    *eventbus.Bus
	now    func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the verifier's logger.
func WithLogger(logger *log.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithEventBus sets the bus rejected packages are audited on.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(v *Verifier) { v.bus = bus }
}

// NewVerifier constructs a verifier over the trust store.
func NewVerifier(store trust.Store, opts ...Option) *Verifier {
	v := &Verifier{
		trust:  store,
		logger: log.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyFile verifies the package archive at path.
func (v *Verifier) VerifyFile(path string) Result {
	r, err := zip.OpenReader(path)
	if err != nil {
		return v.reject("", failed("cannot open package: %v", err))
	}
	defer r.Close()
	return v.verify(&r.Reader)
}

// Verify verifies an in-memory package archive.
func (v *Verifier) Verify(data []byte) Result {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return v.reject("", failed("cannot open package: %v", err))
	}
	return v.verify(r)
}

func (v *Verifier) verify(r *zip.Reader) Result {
	manifestData, ok := readEntry(r, manifest.FileName)
	if !ok {
		return v.reject("", failed("package has no %s", manifest.FileName))
	}
	recordData, ok := readEntry(r, SignatureFileName)
	if !ok {
		return v.reject("", failed("package has no %s", SignatureFileName))
	}

	m, warnings, err := manifest.Parse(manifestData)
	if err != nil {
		return v.reject("", failed("invalid manifest: %v", err))
	}

	var record SignatureRecord
	if err := yaml.Unmarshal(recordData, &record); err != nil {
		return v.reject(m.DeveloperID, failed("invalid signature record: %v", err))
	}
	if record.Algorithm != "" && record.Algorithm != AlgorithmSHA256WithECDSA {
		return v.reject(m.DeveloperID, failed("unsupported algorithm %q", record.Algorithm))
	}

	if m.DeveloperID != record.DeveloperID {
		return v.reject(m.DeveloperID, failed("developer id mismatch between manifest and signature record"))
	}

	pinned, ok := v.trust.PublicKeyBase64(record.DeveloperID)
	if !ok {
		return v.reject(record.DeveloperID, failed("developer %s is not pinned in the trust store", record.DeveloperID))
	}
	if pinned != record.PublicKeyBase64 {
		return v.reject(record.DeveloperID, failed("embedded public key does not match the pinned key"))
	}

	pub, err := decodePublicKey(pinned)
	if err != nil {
		return v.reject(record.DeveloperID, failed("pinned public key is unusable: %v", err))
	}

	digest, err := CanonicalDigest(r)
	if err != nil {
		return v.reject(record.DeveloperID, failed("digest: %v", err))
	}
	if !strings.EqualFold(digest, record.ContentDigestHex) {
		return v.reject(record.DeveloperID, failed("content digest mismatch"))
	}

	sig, err := base64.StdEncoding.DecodeString(record.SignatureBase64)
	if err != nil {
		return v.reject(record.DeveloperID, failed("signature is not valid base64: %v", err))
	}
	hashed := sha256.Sum256([]byte(digest))
	if !ecdsa.VerifyASN1(pub, hashed[:], sig) {
		return v.reject(record.DeveloperID, failed("signature verification failed"))
	}

	if len(warnings) > 0 {
		v.logger.Printf("[PackageVerifier] package from %s verified with %d warnings", record.DeveloperID, len(warnings))
		return Result{Status: StatusSuspicious, DeveloperID: record.DeveloperID, Warnings: warnings}
	}
	return Result{Status: StatusOk, DeveloperID: record.DeveloperID}
}

// reject audits a hard failure before returning it.
func (v *Verifier) reject(developerID string, r Result) Result {
	v.logger.Printf("[PackageVerifier] rejected package (developer %q): %s", developerID, r.Reason)
	eventbus.Publish(context.Background(), v.bus, eventbus.Audit.Security, eventbus.SourcePackageVerifier, eventbus.SecurityEvent{
		ID:     uuid.NewString(),
		Kind:   eventbus.SecuritySignatureRejected,
		Detail: fmt.Sprintf("developer %q: %s", developerID, r.Reason),
		At:     v.now().UTC(),
	})
	return r
}

func readEntry(r *zip.Reader, name string) ([]byte, bool) {
	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, false
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, false
		}
		return data, true
	}
	return nil, false
}

func decodePublicKey(b64 string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an ECDSA key")
	}
	return pub, nil
}
