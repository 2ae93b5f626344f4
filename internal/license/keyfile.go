package license

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"unlockd/internal/security"
)

// Key files are armored text blocks wrapping a base64 JSON envelope:
//
//	---- BEGIN UNLOCK KEY ----
//	# optional comment lines
//	<base64 of {"payload": ..., "signature": ...}>
//	---- END UNLOCK KEY ----
//
// The payload is itself base64 of the canonical keyData JSON; the signature
// is RSA PKCS#1 v1.5 over the raw payload bytes. Armor and comments exist for
// humans mailing key files around; bare base64 is accepted too.
const (
	keyFileHeader = "---- BEGIN UNLOCK KEY ----"
	keyFileFooter = "---- END UNLOCK KEY ----"
)

// keyEnvelope is the signed wire form of a key blob.
type keyEnvelope struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// keyData is the authorization content of a key blob.
type keyData struct {
	Product    string    `json:"product"`
	Email      string    `json:"email,omitempty"`
	MachineIDs []string  `json:"machine_ids"`
	IssuedAt   time.Time `json:"issued_at"`
}

// ApplyKeyFile attempts an offline unlock from a key-file blob, e.g. one the
// user dragged onto the product. It succeeds only if the blob's signature
// verifies against the product's public key, the blob names this product, and
// at least one local machine ID appears in the blob's machine-ID list
// (case-insensitive). On success the state becomes Unlocked; on any failure
// the state is left unchanged. No network access is performed.
func (s *Status) ApplyKeyFile(content string) bool {
	ctx := context.Background()
	start := time.Now()

	data, err := s.verifyKeyBlob(content)
	if err != nil {
		s.opts.Logger.WarnContext(ctx, "key file rejected",
			slog.String("error", err.Error()),
		)
		s.opts.Metrics.RecordAttempt(ctx, MethodKeyFile, false, failureReason(err), time.Since(start))
		return false
	}

	s.setUnlocked(data.Email)
	s.opts.Logger.InfoContext(ctx, "key file accepted",
		slog.Bool("has_email", data.Email != ""),
		slog.Int("machine_ids", len(data.MachineIDs)),
	)
	s.opts.Metrics.RecordAttempt(ctx, MethodKeyFile, true, "", time.Since(start))
	return true
}

// verifyKeyBlob runs the full verification chain shared by the offline
// key-file path and the online unlock path: decode, signature check, product
// check, machine-ID match. Every unlock in this package flows through here.
func (s *Status) verifyKeyBlob(content string) (*keyData, error) {
	envelope, err := parseKeyBlob(content)
	if err != nil {
		return nil, err
	}

	payload, err := base64.StdEncoding.DecodeString(envelope.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not valid base64", ErrMalformedKeyFile)
	}
	signature, err := base64.StdEncoding.DecodeString(envelope.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not valid base64", ErrMalformedKeyFile)
	}

	if err := s.opts.Verifier.Verify(payload, signature, s.product.PublicKey()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	var data keyData
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrMalformedKeyFile)
	}

	if !s.opts.ProductIDMatches(data.Product) {
		return nil, fmt.Errorf("%w: key is for %q", ErrWrongProduct, data.Product)
	}

	local := s.LocalMachineIDs()
	matched := false
	for _, id := range data.MachineIDs {
		if security.ContainsMachineID(local, id) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, ErrMachineMismatch
	}

	return &data, nil
}

// parseKeyBlob strips armor, comments and whitespace, then decodes the JSON
// envelope.
func parseKeyBlob(content string) (*keyEnvelope, error) {
	var body strings.Builder
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == keyFileHeader || line == keyFileFooter || strings.HasPrefix(line, "#") {
			continue
		}
		body.WriteString(line)
	}
	if body.Len() == 0 {
		return nil, fmt.Errorf("%w: empty key data", ErrMalformedKeyFile)
	}

	raw, err := base64.StdEncoding.DecodeString(body.String())
	if err != nil {
		return nil, fmt.Errorf("%w: body is not valid base64", ErrMalformedKeyFile)
	}

	var envelope keyEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: envelope is not valid JSON", ErrMalformedKeyFile)
	}
	if envelope.Payload == "" || envelope.Signature == "" {
		return nil, fmt.Errorf("%w: envelope is missing payload or signature", ErrMalformedKeyFile)
	}
	return &envelope, nil
}
