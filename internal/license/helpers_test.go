package license

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testProductID = "com.ampworks.crunchamp"

// testProduct implements the Product capability for tests.
type testProduct struct {
	id  string
	key *rsa.PublicKey
}

func (p *testProduct) ProductID() string         { return p.id }
func (p *testProduct) PublicKey() *rsa.PublicKey { return p.key }

// fixedMachineIDs is a deterministic MachineIDSource.
type fixedMachineIDs []string

func (f fixedMachineIDs) LocalMachineIDs() []string { return f }

// fakeStore is an in-memory Store with controllable failure modes.
type fakeStore struct {
	value  string
	getErr error
	setErr error
	setCnt int
}

func (s *fakeStore) GetPersisted(context.Context) (string, error) {
	return s.value, s.getErr
}

func (s *fakeStore) SetPersisted(_ context.Context, state string) error {
	s.setCnt++
	if s.setErr != nil {
		return s.setErr
	}
	s.value = state
	return nil
}

// fakeFetcher returns a canned body or error.
type fakeFetcher struct {
	body string
	err  error
}

func (f *fakeFetcher) Fetch(context.Context, string, url.Values) (string, error) {
	return f.body, f.err
}

func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

// signKeyBlob builds the base64 key envelope a licensing server (or key-file
// generator) would produce.
func signKeyBlob(t *testing.T, signer *rsa.PrivateKey, productID, email string, machineIDs []string) string {
	t.Helper()

	payload, err := json.Marshal(keyData{
		Product:    productID,
		Email:      email,
		MachineIDs: machineIDs,
		IssuedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	digest := sha256.Sum256(payload)
	signature, err := rsa.SignPKCS1v15(rand.Reader, signer, crypto.SHA256, digest[:])
	require.NoError(t, err)

	envelope, err := json.Marshal(keyEnvelope{
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Signature: base64.StdEncoding.EncodeToString(signature),
	})
	require.NoError(t, err)

	return base64.StdEncoding.EncodeToString(envelope)
}

// armorKeyBlob wraps a key blob in the key-file armor with a comment line.
func armorKeyBlob(blob string) string {
	return fmt.Sprintf("%s\n# issued for testing\n%s\n%s\n", keyFileHeader, blob, keyFileFooter)
}

// newTestStatus builds a Status wired with deterministic test capabilities.
func newTestStatus(t *testing.T, key *rsa.PrivateKey, opts Options) *Status {
	t.Helper()

	if opts.MachineIDs == nil {
		opts.MachineIDs = fixedMachineIDs{"AABBCCDD11", "EEFF223344"}
	}
	if opts.Store == nil {
		opts.Store = &fakeStore{}
	}

	status, err := New(&testProduct{id: testProductID, key: &key.PublicKey}, opts)
	require.NoError(t, err)
	return status
}

// spliceMachineIDs rewrites the payload of a signed blob without re-signing,
// producing a forgery whose signature no longer matches.
func spliceMachineIDs(t *testing.T, blob string, machineIDs []string) string {
	t.Helper()

	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	var envelope keyEnvelope
	require.NoError(t, json.Unmarshal(raw, &envelope))

	payloadBytes, err := base64.StdEncoding.DecodeString(envelope.Payload)
	require.NoError(t, err)
	var data keyData
	require.NoError(t, json.Unmarshal(payloadBytes, &data))

	data.MachineIDs = machineIDs
	forgedPayload, err := json.Marshal(data)
	require.NoError(t, err)
	envelope.Payload = base64.StdEncoding.EncodeToString(forgedPayload)

	forged, err := json.Marshal(envelope)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(forged)
}

var errStoreUnavailable = errors.New("store unavailable")
