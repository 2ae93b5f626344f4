package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/scrypt"
)

// SealConfig defines the parameters for sealing persisted license state.
type SealConfig struct {
	// scrypt parameters (OWASP recommended minimum)
	SCryptN      int
	SCryptR      int
	SCryptP      int
	SCryptKeyLen int

	NonceSize int
}

// DefaultSealConfig returns the sealing parameters used for license state
// files.
func DefaultSealConfig() *SealConfig {
	return &SealConfig{
		SCryptN:      32768,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32, // AES-256
		NonceSize:    12, // GCM standard
	}
}

// sealedPayload is the on-disk envelope for sealed state.
type sealedPayload struct {
	Version    uint8  `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Timestamp  int64  `json:"timestamp"`
}

const sealVersion = 1

// Seal encrypts plaintext with AES-256-GCM under a key derived from appSalt
// and a random per-seal salt, returning a base64 string suitable for storage.
// The appSalt binds the sealed blob to the product; it is not a secret but
// prevents a state file from one product being fed to another.
func Seal(plaintext []byte, appSalt []byte, cfg *SealConfig) (string, error) {
	if len(plaintext) == 0 {
		return "", errors.New("plaintext cannot be empty")
	}
	if len(appSalt) < 16 {
		return "", errors.New("application salt must be at least 16 bytes")
	}
	if cfg == nil {
		cfg = DefaultSealConfig()
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := deriveKey(appSalt, salt, cfg)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, cfg.NonceSize)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, cfg.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	payload := sealedPayload{
		Version:    sealVersion,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, appSalt),
		Timestamp:  time.Now().Unix(),
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal sealed payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(encoded), nil
}

// Open decrypts a blob produced by Seal. Tampered or truncated blobs fail
// authentication and return an error.
func Open(sealed string, appSalt []byte, cfg *SealConfig) ([]byte, error) {
	if sealed == "" {
		return nil, errors.New("sealed data is empty")
	}
	if cfg == nil {
		cfg = DefaultSealConfig()
	}

	encoded, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode sealed data: %w", err)
	}

	var payload sealedPayload
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse sealed payload: %w", err)
	}
	if payload.Version != sealVersion {
		return nil, fmt.Errorf("unsupported seal version %d", payload.Version)
	}
	if len(payload.Nonce) != cfg.NonceSize {
		return nil, errors.New("invalid nonce size")
	}

	key, err := deriveKey(appSalt, payload.Salt, cfg)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, cfg.NonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, payload.Nonce, payload.Ciphertext, appSalt)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt sealed data: %w", err)
	}
	return plaintext, nil
}

// deriveKey derives the AES key from the product salt and the per-seal salt.
// The state file must be decryptable unattended on the same machine, so this
// provides tamper evidence and obfuscation, not secrecy.
func deriveKey(appSalt, salt []byte, cfg *SealConfig) ([]byte, error) {
	key, err := scrypt.Key(appSalt, salt, cfg.SCryptN, cfg.SCryptR, cfg.SCryptP, cfg.SCryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}
