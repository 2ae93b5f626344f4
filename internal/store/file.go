// Package store provides persistence-store implementations for the license
// unlock state. The licensing core only sees an opaque string; the file
// store seals it before it touches disk.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"unlockd/internal/security"
)

// FileStore persists the unlock state as a sealed blob in a single file.
// The blob is AES-256-GCM sealed under a product salt, so a copied or
// hand-edited state file fails authentication and reads back as absent
// state.
type FileStore struct {
	path    string
	appSalt []byte
	cfg     *security.SealConfig
	logger  *slog.Logger
}

// NewFileStore creates a file store at path. The appSalt binds sealed blobs
// to this product and must be at least 16 bytes.
func NewFileStore(path string, appSalt []byte, logger *slog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if len(appSalt) < 16 {
		return nil, fmt.Errorf("store: application salt must be at least 16 bytes")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		path:    path,
		appSalt: appSalt,
		cfg:     security.DefaultSealConfig(),
		logger:  logger.With(slog.String("component", "license_store")),
	}, nil
}

// Path returns the state file location.
func (f *FileStore) Path() string {
	return f.path
}

// GetPersisted reads and unseals the stored state. A missing file is not an
// error: it is the first-run case and returns an empty string.
func (f *FileStore) GetPersisted(ctx context.Context) (string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read state file: %w", err)
	}

	plaintext, err := security.Open(string(data), f.appSalt, f.cfg)
	if err != nil {
		f.logger.WarnContext(ctx, "state file failed to unseal, treating as absent",
			slog.String("path", f.path),
			slog.String("error", err.Error()),
		)
		return "", nil
	}
	return string(plaintext), nil
}

// SetPersisted seals the state and writes it with restricted permissions.
// The write goes through a temp file and rename so a crash mid-write never
// leaves a truncated state file.
func (f *FileStore) SetPersisted(ctx context.Context, state string) error {
	sealed, err := security.Seal([]byte(state), f.appSalt, f.cfg)
	if err != nil {
		return fmt.Errorf("failed to seal state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".license-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(sealed); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set state file permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	f.logger.DebugContext(ctx, "license state persisted",
		slog.String("path", f.path),
		slog.Int("sealed_bytes", len(sealed)),
	)
	return nil
}
