package security

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// Verifier checks a detached signature over a payload. The licensing core
// treats signature verification as an opaque capability behind this interface
// so tests can substitute their own keys.
type Verifier interface {
	Verify(payload, signature []byte, publicKey *rsa.PublicKey) error
}

// RSAVerifier verifies RSA PKCS#1 v1.5 signatures over SHA-256 digests.
// This matches the signing scheme used by the key-generation tooling on the
// licensing server side.
type RSAVerifier struct{}

// Verify implements Verifier.
func (RSAVerifier) Verify(payload, signature []byte, publicKey *rsa.PublicKey) error {
	if publicKey == nil {
		return errors.New("public key is nil")
	}
	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, digest[:], signature); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// ParsePublicKeyPEM parses an RSA public key from a PEM block, accepting both
// PKIX ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY") encodings.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found in public key data")
	}

	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKIX public key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, expected RSA", key)
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 public key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}
}

// LoadPublicKey reads and parses an RSA public key PEM file.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	return ParsePublicKeyPEM(data)
}
