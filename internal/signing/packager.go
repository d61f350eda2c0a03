package signing

import (
	"archive/zip"
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/connectias/warden/internal/pkgverify"
)

// SignPackage rewrites the package archive with a fresh signature record:
// every entry except any existing record is copied, the canonical content
// digest is computed, signed, and appended as the record entry.
func SignPackage(archive []byte, priv *ecdsa.PrivateKey, developerID string) ([]byte, error) {
	src, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("signing: open package: %w", err)
	}

	var buf bytes.Buffer
	dst := zip.NewWriter(&buf)
	for _, f := range src.File {
		if f.Name == pkgverify.SignatureFileName {
			continue
		}
		if err := copyEntry(dst, f); err != nil {
			return nil, err
		}
	}

	digest, err := pkgverify.CanonicalDigest(src)
	if err != nil {
		return nil, fmt.Errorf("signing: digest: %w", err)
	}
	pubB64, err := EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	sigB64, err := SignDigestHex(priv, digest)
	if err != nil {
		return nil, err
	}

	record := pkgverify.SignatureRecord{
		DeveloperID:      developerID,
		PublicKeyBase64:  pubB64,
		ContentDigestHex: digest,
		SignatureBase64:  sigB64,
		Algorithm:        pkgverify.AlgorithmSHA256WithECDSA,
	}
	recordData, err := yaml.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("signing: marshal record: %w", err)
	}
	w, err := dst.Create(pkgverify.SignatureFileName)
	if err != nil {
		return nil, fmt.Errorf("signing: create record entry: %w", err)
	}
	if _, err := w.Write(recordData); err != nil {
		return nil, fmt.Errorf("signing: write record entry: %w", err)
	}

	if err := dst.Close(); err != nil {
		return nil, fmt.Errorf("signing: close package: %w", err)
	}
	return buf.Bytes(), nil
}

func copyEntry(dst *zip.Writer, f *zip.File) error {
	w, err := dst.Create(f.Name)
	if err != nil {
		return fmt.Errorf("signing: copy entry %s: %w", f.Name, err)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("signing: copy entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("signing: copy entry %s: %w", f.Name, err)
	}
	return nil
}
