package signing

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// Sealed key format: magic, scrypt salt, XChaCha20-Poly1305 nonce, then the
// AEAD-sealed DER-encoded private key.
var sealMagic = []byte("WARDENK1")

const (
	saltSize = 16

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// ErrWrongPassphrase is returned when a sealed key cannot be opened with
// the supplied passphrase.
var ErrWrongPassphrase = errors.New("signing: wrong passphrase or corrupted key file")

func deriveKey(passphrase, salt []byte) ([]byte, error) {
	key, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("signing: derive key: %w", err)
	}
	return key, nil
}

// SealPrivateKey encrypts the private key at rest under a passphrase.
func SealPrivateKey(priv *ecdsa.PrivateKey, passphrase []byte) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("signing: marshal private key: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("signing: salt: %w", err)
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("signing: aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("signing: nonce: %w", err)
	}

	blob := make([]byte, 0, len(sealMagic)+len(salt)+len(nonce)+len(der)+aead.Overhead())
	blob = append(blob, sealMagic...)
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, der, sealMagic)
	return blob, nil
}

// OpenPrivateKey decrypts a sealed key blob.
func OpenPrivateKey(blob, passphrase []byte) (*ecdsa.PrivateKey, error) {
	if len(blob) < len(sealMagic)+saltSize+chacha20poly1305.NonceSizeX {
		return nil, ErrWrongPassphrase
	}
	magic := blob[:len(sealMagic)]
	for i := range sealMagic {
		if magic[i] != sealMagic[i] {
			return nil, ErrWrongPassphrase
		}
	}
	rest := blob[len(sealMagic):]
	salt := rest[:saltSize]
	nonce := rest[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	ciphertext := rest[saltSize+chacha20poly1305.NonceSizeX:]

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("signing: aead: %w", err)
	}
	der, err := aead.Open(nil, nonce, ciphertext, sealMagic)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	priv, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("signing: parse private key: %w", err)
	}
	return priv, nil
}
