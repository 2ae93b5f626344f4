package license

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContractValidation(t *testing.T) {
	key := generateTestKey(t)

	tests := []struct {
		name    string
		product Product
		wantErr string
	}{
		{
			name:    "nil product",
			product: nil,
			wantErr: "product is required",
		},
		{
			name:    "missing product ID",
			product: &testProduct{id: "", key: &key.PublicKey},
			wantErr: "product ID",
		},
		{
			name:    "missing public key",
			product: &testProduct{id: testProductID, key: nil},
			wantErr: "public key",
		},
		{
			name:    "complete product",
			product: &testProduct{id: testProductID, key: &key.PublicKey},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, err := New(tt.product, Options{})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, status)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, status)
		})
	}
}

func TestStatusStartsLocked(t *testing.T) {
	key := generateTestKey(t)
	status := newTestStatus(t, key, Options{})

	assert.False(t, status.IsUnlocked())
	assert.Empty(t, status.UserEmail())
}

func TestEmailAccessors(t *testing.T) {
	key := generateTestKey(t)
	status := newTestStatus(t, key, Options{})

	// No validation is performed; any string round-trips.
	status.SetUserEmail("someone@example.com")
	assert.Equal(t, "someone@example.com", status.UserEmail())

	status.SetUserEmail("not-an-email")
	assert.Equal(t, "not-an-email", status.UserEmail())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	key := generateTestKey(t)
	store := &fakeStore{}
	ids := fixedMachineIDs{"AABBCCDD11"}
	ctx := context.Background()

	first := newTestStatus(t, key, Options{Store: store, MachineIDs: ids})
	blob := signKeyBlob(t, key, testProductID, "user@example.com", []string{"AABBCCDD11"})
	require.True(t, first.ApplyKeyFile(blob))
	first.SetUserEmail("user@example.com")
	first.SetExtra(json.RawMessage(`{"skin":"tweed"}`))
	first.Save(ctx)

	// A fresh instance over the same store restores the same state.
	second := newTestStatus(t, key, Options{Store: store, MachineIDs: ids})
	require.False(t, second.IsUnlocked())
	second.Load(ctx)

	assert.True(t, second.IsUnlocked())
	assert.Equal(t, "user@example.com", second.UserEmail())
	assert.JSONEq(t, `{"skin":"tweed"}`, string(second.Extra()))
}

func TestLoadAbsentStateIsBenign(t *testing.T) {
	key := generateTestKey(t)
	status := newTestStatus(t, key, Options{Store: &fakeStore{}})

	status.Load(context.Background())

	assert.False(t, status.IsUnlocked())
	assert.Empty(t, status.UserEmail())
}

func TestLoadUndecodableStateIsBenign(t *testing.T) {
	key := generateTestKey(t)

	tests := []struct {
		name  string
		store *fakeStore
	}{
		{"garbage payload", &fakeStore{value: "{{{not json"}},
		{"store failure", &fakeStore{getErr: errStoreUnavailable}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := newTestStatus(t, key, Options{Store: tt.store})
			status.Load(context.Background())
			assert.False(t, status.IsUnlocked())
		})
	}
}

func TestSaveSwallowsStoreFailure(t *testing.T) {
	key := generateTestKey(t)
	store := &fakeStore{setErr: errStoreUnavailable}
	status := newTestStatus(t, key, Options{Store: store})

	// Persistence failures are the store's concern; Save must not panic or
	// alter in-memory state.
	status.SetUserEmail("user@example.com")
	status.Save(context.Background())

	assert.Equal(t, 1, store.setCnt)
	assert.Equal(t, "user@example.com", status.UserEmail())
}

func TestLoadRestoresLockedState(t *testing.T) {
	key := generateTestKey(t)
	store := &fakeStore{value: `{"unlocked":false,"user_email":"old@example.com"}`}
	status := newTestStatus(t, key, Options{Store: store})

	status.Load(context.Background())

	assert.False(t, status.IsUnlocked())
	assert.Equal(t, "old@example.com", status.UserEmail())
}

func TestProductIDMatchesDefault(t *testing.T) {
	key := generateTestKey(t)
	status := newTestStatus(t, key, Options{})

	tests := []struct {
		serverID string
		want     bool
	}{
		{testProductID, true},
		{"COM.AMPWORKS.CRUNCHAMP", false}, // case-sensitive
		{"com.ampworks.other", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, status.opts.ProductIDMatches(tt.serverID), "serverID=%q", tt.serverID)
	}
}

func TestProductIDMatchesOverride(t *testing.T) {
	key := generateTestKey(t)
	status := newTestStatus(t, key, Options{
		ProductIDMatches: func(serverID string) bool {
			// Looser policy accepting the trial SKU as well.
			return serverID == testProductID || serverID == testProductID+".trial"
		},
	})

	assert.True(t, status.opts.ProductIDMatches(testProductID+".trial"))
	assert.False(t, status.opts.ProductIDMatches("completely.unrelated"))
}
