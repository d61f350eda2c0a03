package pkgverify

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
)

// CanonicalDigest computes the package content digest: SHA-256 over every
// non-directory entry except the signature record, in sorted-by-name order,
// each entry contributing its UTF-8 name, a single zero byte, then its raw
// bytes, all fed into one running digest. The convention must stay bit-exact
// for interoperability with previously signed packages.
func CanonicalDigest(r *zip.Reader) (string, error) {
	entries := make([]*zip.File, 0, len(r.File))
	for _, f := range r.File {
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		if f.Name == SignatureFileName {
			continue
		}
		entries = append(entries, f)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	h := sha256.New()
	for _, f := range entries {
		h.Write([]byte(f.Name))
		h.Write([]byte{0})

		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("pkgverify: open entry %s: %w", f.Name, err)
		}
		if _, err := io.Copy(h, rc); err != nil {
			rc.Close()
			return "", fmt.Errorf("pkgverify: read entry %s: %w", f.Name, err)
		}
		rc.Close()
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
