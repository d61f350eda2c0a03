// Package signing generates and manages the ECDSA developer keys used to
// sign declarative plugin packages, and produces the signature record the
// verifier consumes.
package signing

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
)

// GenerateKey creates a new P-256 developer signing key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing: generate key: %w", err)
	}
	return key, nil
}

// EncodePublicKey returns the standard-Base64 encoding of the DER-encoded
// public key, the form pinned in the trust store and embedded in signature
// records.
func EncodePublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("signing: encode public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// SignDigestHex signs the UTF-8 bytes of the lowercase hex digest string
// and returns the standard-Base64 signature.
func SignDigestHex(priv *ecdsa.PrivateKey, digestHex string) (string, error) {
	hashed := sha256.Sum256([]byte(strings.ToLower(digestHex)))
	sig, err := ecdsa.SignASN1(rand.Reader, priv, hashed[:])
	if err != nil {
		return "", fmt.Errorf("signing: sign digest: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
