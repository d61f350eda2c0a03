package pkgverify_test

import (
	"archive/zip"
	"bytes"
	"crypto/ecdsa"
	"strings"
	"testing"
	"time"

	"github.com/connectias/warden/internal/eventbus"
	"github.com/connectias/warden/internal/pkgverify"
	"github.com/connectias/warden/internal/signing"
	"github.com/connectias/warden/internal/trust"
)

type entry struct {
	name string
	data string
}

func buildArchive(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		f, err := w.Create(e.name)
		if err != nil {
			t.Fatalf("create %s: %v", e.name, err)
		}
		if _, err := f.Write([]byte(e.data)); err != nil {
			t.Fatalf("write %s: %v", e.name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	return buf.Bytes()
}

const goodManifest = `
name: weather-widget
version: 1.2.0
developerId: dev-acme
permissions:
  - INTERNET
  - FILE_READ
entry: main.js
`

func signedPackage(t *testing.T, manifestYAML string, extra []entry, key *ecdsa.PrivateKey, developerID string) []byte {
	t.Helper()
	entries := append([]entry{{"plugin.yaml", manifestYAML}}, extra...)
	raw := buildArchive(t, entries)
	signed, err := signing.SignPackage(raw, key, developerID)
	if err != nil {
		t.Fatalf("sign package: %v", err)
	}
	return signed
}

func pinned(t *testing.T, key *ecdsa.PrivateKey, developerID string) *trust.MemoryStore {
	t.Helper()
	pub, err := signing.EncodePublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("encode key: %v", err)
	}
	store := trust.NewMemoryStore()
	store.Pin(developerID, pub)
	return store
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := signing.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestVerifyOkPackage(t *testing.T) {
	key := newKey(t)
	pkg := signedPackage(t, goodManifest, []entry{{"main.js", "exports.onLoad = () => {};"}}, key, "dev-acme")

	v := pkgverify.NewVerifier(pinned(t, key, "dev-acme"))
	res := v.Verify(pkg)
	if res.Status != pkgverify.StatusOk {
		t.Fatalf("expected ok, got %s (%s)", res.Status, res.Reason)
	}
	if res.DeveloperID != "dev-acme" {
		t.Fatalf("unexpected developer id %s", res.DeveloperID)
	}
}

func TestManifestWarningsDowngradeToSuspicious(t *testing.T) {
	m := `
name: weather-widget
developerId: dev-acme
permissions: [INTERNET, TELEPATHY]
`
	key := newKey(t)
	pkg := signedPackage(t, m, []entry{{"main.js", "x"}}, key, "dev-acme")

	res := pkgverify.NewVerifier(pinned(t, key, "dev-acme")).Verify(pkg)
	if res.Status != pkgverify.StatusSuspicious {
		t.Fatalf("expected suspicious, got %s (%s)", res.Status, res.Reason)
	}
	// Missing version and one unknown permission.
	if len(res.Warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", res.Warnings)
	}
}

func TestDigestIndependentOfEntryOrder(t *testing.T) {
	a := buildArchive(t, []entry{{"a.txt", "alpha"}, {"b.txt", "beta"}, {"c/d.txt", "delta"}})
	b := buildArchive(t, []entry{{"c/d.txt", "delta"}, {"b.txt", "beta"}, {"a.txt", "alpha"}})

	ra, err := zip.NewReader(bytes.NewReader(a), int64(len(a)))
	if err != nil {
		t.Fatal(err)
	}
	rb, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		t.Fatal(err)
	}

	da, err := pkgverify.CanonicalDigest(ra)
	if err != nil {
		t.Fatal(err)
	}
	db, err := pkgverify.CanonicalDigest(rb)
	if err != nil {
		t.Fatal(err)
	}
	if da != db {
		t.Fatalf("digest must not depend on entry order: %s != %s", da, db)
	}
}

func TestTamperedContentFails(t *testing.T) {
	key := newKey(t)
	pkg := signedPackage(t, goodManifest, []entry{{"main.js", "exports.onLoad = () => {};"}}, key, "dev-acme")

	// Rebuild the archive with one flipped payload byte, keeping the
	// original signature record.
	r, err := zip.NewReader(bytes.NewReader(pkg), int64(len(pkg)))
	if err != nil {
		t.Fatal(err)
	}
	var entries []entry
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		var data bytes.Buffer
		if _, err := data.ReadFrom(rc); err != nil {
			t.Fatal(err)
		}
		rc.Close()
		content := data.String()
		if f.Name == "main.js" {
			content = strings.Replace(content, "onLoad", "onLoaD", 1)
		}
		entries = append(entries, entry{f.Name, content})
	}
	tampered := buildArchive(t, entries)

	res := pkgverify.NewVerifier(pinned(t, key, "dev-acme")).Verify(tampered)
	if res.Status != pkgverify.StatusFailed {
		t.Fatalf("expected failure, got %s", res.Status)
	}
	if !strings.Contains(res.Reason, "digest mismatch") {
		t.Fatalf("unexpected reason %q", res.Reason)
	}
}

func TestUnknownDeveloperIsDenied(t *testing.T) {
	key := newKey(t)
	pkg := signedPackage(t, goodManifest, []entry{{"main.js", "x"}}, key, "dev-acme")

	res := pkgverify.NewVerifier(trust.NewMemoryStore()).Verify(pkg)
	if res.Status != pkgverify.StatusFailed {
		t.Fatalf("expected default-deny failure, got %s", res.Status)
	}
}

func TestPinnedKeyMustMatchEmbeddedKey(t *testing.T) {
	key := newKey(t)
	other := newKey(t)
	pkg := signedPackage(t, goodManifest, []entry{{"main.js", "x"}}, key, "dev-acme")

	// Pin a different key for the same developer.
	res := pkgverify.NewVerifier(pinned(t, other, "dev-acme")).Verify(pkg)
	if res.Status != pkgverify.StatusFailed {
		t.Fatalf("expected failure, got %s", res.Status)
	}
	if !strings.Contains(res.Reason, "pinned key") {
		t.Fatalf("unexpected reason %q", res.Reason)
	}
}

func TestDeveloperIDMismatchFails(t *testing.T) {
	key := newKey(t)
	// Manifest says dev-other, the signer stamps dev-acme.
	m := strings.Replace(goodManifest, "dev-acme", "dev-other", 1)
	pkg := signedPackage(t, m, []entry{{"main.js", "x"}}, key, "dev-acme")

	res := pkgverify.NewVerifier(pinned(t, key, "dev-acme")).Verify(pkg)
	if res.Status != pkgverify.StatusFailed {
		t.Fatalf("expected failure, got %s", res.Status)
	}
	if !strings.Contains(res.Reason, "mismatch") {
		t.Fatalf("unexpected reason %q", res.Reason)
	}
}

func TestMissingMandatoryEntries(t *testing.T) {
	key := newKey(t)

	noManifest := buildArchive(t, []entry{{"main.js", "x"}})
	signed, err := signing.SignPackage(noManifest, key, "dev-acme")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if res := pkgverify.NewVerifier(pinned(t, key, "dev-acme")).Verify(signed); res.Status != pkgverify.StatusFailed {
		t.Fatalf("expected failure without manifest, got %s", res.Status)
	}

	noRecord := buildArchive(t, []entry{{"plugin.yaml", goodManifest}, {"main.js", "x"}})
	if res := pkgverify.NewVerifier(pinned(t, key, "dev-acme")).Verify(noRecord); res.Status != pkgverify.StatusFailed {
		t.Fatalf("expected failure without signature record, got %s", res.Status)
	}
}

func TestRejectionIsAudited(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()

	key := newKey(t)
	pkg := signedPackage(t, goodManifest, []entry{{"main.js", "x"}}, key, "dev-acme")

	v := pkgverify.NewVerifier(trust.NewMemoryStore(), pkgverify.WithEventBus(bus))
	v.Verify(pkg)

	sub := eventbus.SubscribeTo(bus, eventbus.Audit.Security)
	defer sub.Close()
	select {
	case env := <-sub.C():
		if env.Payload.Kind != eventbus.SecuritySignatureRejected {
			t.Fatalf("expected signature rejection audit, got %s", env.Payload.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audit event")
	}
}
