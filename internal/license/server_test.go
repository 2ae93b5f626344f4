package license

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockServer starts an httptest server answering every request with the
// given handler and returns its URL.
func newMockServer(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func successReply(productID, keyBlob string) string {
	return fmt.Sprintf(
		`<UNLOCK product=%q status="succeeded"><KEY>%s</KEY><MESSAGE>Thanks for registering!</MESSAGE></UNLOCK>`,
		productID, keyBlob,
	)
}

func TestAttemptServerUnlockSucceeds(t *testing.T) {
	key := generateTestKey(t)
	blob := signKeyBlob(t, key, testProductID, "user@example.com", []string{"AABBCCDD11"})

	var gotForm map[string]string
	serverURL := newMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{
			"product":  r.PostFormValue("product"),
			"email":    r.PostFormValue("email"),
			"password": r.PostFormValue("password"),
			"mach":     r.PostFormValue("mach"),
			"os":       r.PostFormValue("os"),
		}
		fmt.Fprint(w, successReply(testProductID, blob))
	})

	status := newTestStatus(t, key, Options{
		ServerURL:  serverURL,
		MachineIDs: fixedMachineIDs{"AABBCCDD11", "EEFF223344"},
		OS:         "linux",
	})

	result := status.AttemptServerUnlock(context.Background(), "user@example.com", "hunter2")

	assert.True(t, result.Succeeded)
	assert.Empty(t, result.ErrorMessage)
	assert.Equal(t, "Thanks for registering!", result.InformativeMessage)
	assert.True(t, status.IsUnlocked())
	assert.Equal(t, "user@example.com", status.UserEmail())

	// The request carried the product, the credentials and the full ordered
	// machine-ID list.
	assert.Equal(t, testProductID, gotForm["product"])
	assert.Equal(t, "user@example.com", gotForm["email"])
	assert.Equal(t, "hunter2", gotForm["password"])
	assert.Equal(t, "AABBCCDD11,EEFF223344", gotForm["mach"])
	assert.Equal(t, "linux", gotForm["os"])
}

func TestAttemptServerUnlockSpoofedSuccessDoesNotUnlock(t *testing.T) {
	productKey := generateTestKey(t)
	attackerKey := generateTestKey(t)

	tests := []struct {
		name string
		body string
	}{
		{
			name: "success claim without key",
			body: fmt.Sprintf(`<UNLOCK product=%q status="succeeded"></UNLOCK>`, testProductID),
		},
		{
			name: "success claim with garbage key",
			body: successReply(testProductID, "bm90IGEga2V5"),
		},
		{
			name: "success claim signed by wrong key",
			body: func() string {
				blob := signKeyBlob(t, attackerKey, testProductID, "", []string{"AABBCCDD11"})
				return successReply(testProductID, blob)
			}(),
		},
		{
			name: "success claim for different machine",
			body: func() string {
				blob := signKeyBlob(t, productKey, testProductID, "", []string{"0099887766"})
				return successReply(testProductID, blob)
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serverURL := newMockServer(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			})
			status := newTestStatus(t, productKey, Options{
				ServerURL:  serverURL,
				MachineIDs: fixedMachineIDs{"AABBCCDD11"},
			})

			result := status.AttemptServerUnlock(context.Background(), "user@example.com", "pw")

			assert.False(t, result.Succeeded)
			assert.NotEmpty(t, result.ErrorMessage)
			assert.False(t, status.IsUnlocked())
		})
	}
}

func TestAttemptServerUnlockServerRejection(t *testing.T) {
	key := generateTestKey(t)
	serverURL := newMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w,
			`<UNLOCK product=%q status="failed"><ERROR>Incorrect email or password.</ERROR><URL>https://store.example/reset</URL></UNLOCK>`,
			testProductID,
		)
	})

	status := newTestStatus(t, key, Options{ServerURL: serverURL})
	result := status.AttemptServerUnlock(context.Background(), "user@example.com", "wrong")

	assert.False(t, result.Succeeded)
	assert.Equal(t, "Incorrect email or password.", result.ErrorMessage)
	assert.Equal(t, "https://store.example/reset", result.URLToLaunch)
	assert.False(t, status.IsUnlocked())
}

func TestAttemptServerUnlockRejectionWithoutMessageGetsGenericText(t *testing.T) {
	key := generateTestKey(t)
	serverURL := newMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<UNLOCK product=%q status="failed"></UNLOCK>`, testProductID)
	})

	status := newTestStatus(t, key, Options{ServerURL: serverURL})
	result := status.AttemptServerUnlock(context.Background(), "a@b.co", "pw")

	assert.False(t, result.Succeeded)
	assert.NotEmpty(t, result.ErrorMessage)
}

func TestAttemptServerUnlockWrongProduct(t *testing.T) {
	key := generateTestKey(t)
	blob := signKeyBlob(t, key, "com.ampworks.otherproduct", "", []string{"AABBCCDD11"})
	serverURL := newMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, successReply("com.ampworks.otherproduct", blob))
	})

	status := newTestStatus(t, key, Options{
		ServerURL:  serverURL,
		MachineIDs: fixedMachineIDs{"AABBCCDD11"},
	})
	result := status.AttemptServerUnlock(context.Background(), "user@example.com", "pw")

	assert.False(t, result.Succeeded)
	assert.Contains(t, result.ErrorMessage, "different product")
	assert.False(t, status.IsUnlocked())
}

func TestAttemptServerUnlockUnparseableReply(t *testing.T) {
	key := generateTestKey(t)

	tests := []struct {
		name string
		body string
	}{
		{"html error page", "<html><body>502 Bad Gateway</body></html>"},
		{"plain text", "service temporarily down"},
		{"empty body", ""},
		{"truncated xml", `<UNLOCK product="x" status=`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serverURL := newMockServer(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			})
			status := newTestStatus(t, key, Options{ServerURL: serverURL})

			result := status.AttemptServerUnlock(context.Background(), "user@example.com", "pw")

			assert.False(t, result.Succeeded)
			assert.NotEmpty(t, result.ErrorMessage)
			assert.False(t, status.IsUnlocked())
		})
	}
}

func TestAttemptServerUnlockTransportFailure(t *testing.T) {
	key := generateTestKey(t)

	// A closed server makes the fetch fail outright.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	serverURL := srv.URL
	srv.Close()

	status := newTestStatus(t, key, Options{
		ServerURL:   serverURL,
		WebsiteName: "ampworks.io",
	})

	result := status.AttemptServerUnlock(context.Background(), "user@example.com", "pw")

	assert.False(t, result.Succeeded)
	assert.Contains(t, result.ErrorMessage, "ampworks.io")
	assert.False(t, status.IsUnlocked())
}

func TestAttemptServerUnlockHTTPErrorStatus(t *testing.T) {
	key := generateTestKey(t)
	serverURL := newMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	})

	status := newTestStatus(t, key, Options{ServerURL: serverURL})
	result := status.AttemptServerUnlock(context.Background(), "user@example.com", "pw")

	assert.False(t, result.Succeeded)
	assert.NotEmpty(t, result.ErrorMessage)
}

func TestAttemptServerUnlockInformativeMessageOnFailure(t *testing.T) {
	key := generateTestKey(t)
	serverURL := newMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w,
			`<UNLOCK product=%q status="failed"><ERROR>License limit reached.</ERROR><MESSAGE>Version 2.1 is now available.</MESSAGE></UNLOCK>`,
			testProductID,
		)
	})

	status := newTestStatus(t, key, Options{ServerURL: serverURL})
	result := status.AttemptServerUnlock(context.Background(), "user@example.com", "pw")

	// Informative content is surfaced regardless of outcome.
	assert.False(t, result.Succeeded)
	assert.Equal(t, "Version 2.1 is now available.", result.InformativeMessage)
}

// Each reply failure mode must keep its own classification so metrics can
// tell a rejection from a spoofed or corrupted reply.
func TestHandleReplyClassifiesFailures(t *testing.T) {
	productKey := generateTestKey(t)
	attackerKey := generateTestKey(t)

	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{
			name:    "unparseable reply",
			body:    "<html><body>502 Bad Gateway</body></html>",
			wantErr: ErrMalformedReply,
		},
		{
			name:    "different product",
			body:    fmt.Sprintf(`<UNLOCK product=%q status="failed"></UNLOCK>`, "com.ampworks.otherproduct"),
			wantErr: ErrWrongProduct,
		},
		{
			name:    "rejection",
			body:    fmt.Sprintf(`<UNLOCK product=%q status="failed"><ERROR>no</ERROR></UNLOCK>`, testProductID),
			wantErr: ErrServerRejected,
		},
		{
			name: "success claim signed by wrong key",
			body: successReply(testProductID,
				signKeyBlob(t, attackerKey, testProductID, "", []string{"AABBCCDD11"})),
			wantErr: ErrSignatureInvalid,
		},
		{
			name: "success claim for different machine",
			body: successReply(testProductID,
				signKeyBlob(t, productKey, testProductID, "", []string{"0099887766"})),
			wantErr: ErrMachineMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := newTestStatus(t, productKey, Options{
				MachineIDs: fixedMachineIDs{"AABBCCDD11"},
			})

			result, err := status.handleReply(context.Background(), tt.body, "user@example.com")

			require.ErrorIs(t, err, tt.wantErr)
			assert.False(t, result.Succeeded)
			assert.False(t, status.IsUnlocked())
		})
	}

	t.Run("verified success carries no failure class", func(t *testing.T) {
		status := newTestStatus(t, productKey, Options{
			MachineIDs: fixedMachineIDs{"AABBCCDD11"},
		})
		body := successReply(testProductID,
			signKeyBlob(t, productKey, testProductID, "user@example.com", []string{"AABBCCDD11"}))

		result, err := status.handleReply(context.Background(), body, "user@example.com")

		require.NoError(t, err)
		assert.True(t, result.Succeeded)
	})
}

func TestAttemptServerUnlockUsesFetcher(t *testing.T) {
	key := generateTestKey(t)
	blob := signKeyBlob(t, key, testProductID, "", []string{"AABBCCDD11"})

	status := newTestStatus(t, key, Options{
		Fetcher:    &fakeFetcher{body: successReply(testProductID, blob)},
		MachineIDs: fixedMachineIDs{"AABBCCDD11"},
	})

	result := status.AttemptServerUnlock(context.Background(), "user@example.com", "pw")

	assert.True(t, result.Succeeded)
	assert.True(t, status.IsUnlocked())
}
