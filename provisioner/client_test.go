package provisioner

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ruteri/device-agent/interfaces"
	"github.com/ruteri/device-agent/kms"
	"github.com/ruteri/device-agent/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serverRootCA(server *httptest.Server) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: server.Certificate().Raw})
}

func issueCredentials(t *testing.T, deviceID string) *interfaces.CredentialSet {
	t.Helper()
	k, err := kms.NewSimpleKMS([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	creds, err := k.IssueDevice(deviceID)
	require.NoError(t, err)
	return creds
}

func credentialResponse(creds *interfaces.CredentialSet) ProvisioningResponse {
	return ProvisioningResponse{
		RootCA:     string(creds.RootCA),
		DeviceCert: string(creds.DeviceCert),
		PrivateKey: string(creds.PrivateKey),
		PublicKey:  string(creds.PublicKey),
	}
}

func newTestClient(t *testing.T, server *httptest.Server, store interfaces.CredentialStore) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		ServerURL:      server.URL,
		RootCA:         serverRootCA(server),
		MaxAttempts:    3,
		RetryDelay:     10 * time.Millisecond,
		AttemptTimeout: time.Second,
	}, store, testLogger())
	require.NoError(t, err)
	return client
}

func TestProvision_Success(t *testing.T) {
	creds := issueCredentials(t, "ESP32-001")

	var requests atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/provisioning", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req ProvisioningRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ESP32-001", req.DeviceID)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(credentialResponse(creds))
	}))
	defer server.Close()

	store := storage.NewCredentialStore(storage.NewMemoryBackend(), testLogger())
	client := newTestClient(t, server, store)

	got, err := client.Provision(context.Background(), "ESP32-001")
	require.NoError(t, err)
	assert.Equal(t, creds, got)
	assert.Equal(t, int32(1), requests.Load())

	stored, err := store.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, creds, stored)
}

func TestProvision_TerminalFailures(t *testing.T) {
	creds := issueCredentials(t, "ESP32-001")

	incomplete := credentialResponse(creds)
	incomplete.PublicKey = ""

	tests := []struct {
		name    string
		body    string
		target  error
		missing string
	}{
		{name: "missing field", body: mustJSON(t, incomplete), target: interfaces.ErrData, missing: interfaces.KeyPublicKey},
		{name: "not json", body: "<html>hello</html>", target: interfaces.ErrData},
		{name: "wrong type", body: `{"root_ca": 1}`, target: interfaces.ErrData},
		{name: "empty object", body: `{}`, target: interfaces.ErrData, missing: interfaces.KeyRootCA},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requests atomic.Int32
			server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				requests.Add(1)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			store := storage.NewCredentialStore(storage.NewMemoryBackend(), testLogger())
			client := newTestClient(t, server, store)

			_, err := client.Provision(context.Background(), "ESP32-001")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			assert.NotErrorIs(t, err, interfaces.ErrExhausted)
			assert.Equal(t, int32(1), requests.Load())
			assert.False(t, store.ExistsAll(context.Background(), interfaces.CredentialKeys))

			if tt.missing != "" {
				var missing *interfaces.MissingFieldError
				require.ErrorAs(t, err, &missing)
				assert.Equal(t, tt.missing, missing.Field)
			}
		})
	}
}

func TestProvision_RetriesThenSucceeds(t *testing.T) {
	creds := issueCredentials(t, "ESP32-001")

	var requests atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(credentialResponse(creds))
	}))
	defer server.Close()

	store := storage.NewCredentialStore(storage.NewMemoryBackend(), testLogger())
	client := newTestClient(t, server, store)

	_, err := client.Provision(context.Background(), "ESP32-001")
	require.NoError(t, err)
	assert.Equal(t, int32(3), requests.Load())
	assert.True(t, store.ExistsAll(context.Background(), interfaces.CredentialKeys))
}

func TestProvision_Exhausted(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	store := storage.NewCredentialStore(storage.NewMemoryBackend(), testLogger())
	client := newTestClient(t, server, store)

	_, err := client.Provision(context.Background(), "ESP32-001")
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrExhausted)
	assert.ErrorIs(t, err, interfaces.ErrNetwork)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, int32(3), requests.Load())
}

func TestProvision_DefaultAttemptLimit(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	store := storage.NewCredentialStore(storage.NewMemoryBackend(), testLogger())
	client, err := NewClient(ClientConfig{
		ServerURL:      server.URL,
		RootCA:         serverRootCA(server),
		RetryDelay:     time.Millisecond,
		AttemptTimeout: time.Second,
	}, store, testLogger())
	require.NoError(t, err)

	_, err = client.Provision(context.Background(), "ESP32-001")
	assert.ErrorIs(t, err, interfaces.ErrExhausted)
	assert.Equal(t, int32(DefaultMaxAttempts), requests.Load())
	assert.Equal(t, int32(10), requests.Load())
}

func TestProvision_AttemptTimeout(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	store := storage.NewCredentialStore(storage.NewMemoryBackend(), testLogger())
	client, err := NewClient(ClientConfig{
		ServerURL:      server.URL,
		RootCA:         serverRootCA(server),
		MaxAttempts:    2,
		RetryDelay:     time.Millisecond,
		AttemptTimeout: 50 * time.Millisecond,
	}, store, testLogger())
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Provision(context.Background(), "ESP32-001")
	assert.ErrorIs(t, err, interfaces.ErrExhausted)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(2), requests.Load())
}

func TestProvision_UntrustedServer(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer server.Close()

	// httptest servers share one certificate, so trust an unrelated CA instead.
	unrelated := issueCredentials(t, "other").RootCA

	client, err := NewClient(ClientConfig{
		ServerURL:   server.URL,
		RootCA:      unrelated,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	}, storage.NewCredentialStore(storage.NewMemoryBackend(), testLogger()), testLogger())
	require.NoError(t, err)

	_, err = client.Provision(context.Background(), "ESP32-001")
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrAuth)
	assert.NotErrorIs(t, err, interfaces.ErrExhausted)
	assert.Equal(t, int32(0), requests.Load())
}

func TestProvision_StoreFailureNotRetried(t *testing.T) {
	creds := issueCredentials(t, "ESP32-001")

	var requests atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_ = json.NewEncoder(w).Encode(credentialResponse(creds))
	}))
	defer server.Close()

	store := &interfaces.MockCredentialStore{}
	store.On("ReplaceAll", mock.Anything, creds.Map()).
		Return(&interfaces.StorageError{Op: "replace certs", Err: errors.New("read-only filesystem")}).Once()

	client := newTestClient(t, server, store)
	_, err := client.Provision(context.Background(), "ESP32-001")
	assert.ErrorIs(t, err, interfaces.ErrStorage)
	assert.Equal(t, int32(1), requests.Load())
	store.AssertExpectations(t)
}

func TestProvision_ContextCancelled(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{
		ServerURL:   server.URL,
		RootCA:      serverRootCA(server),
		MaxAttempts: 10,
		RetryDelay:  time.Hour,
	}, storage.NewCredentialStore(storage.NewMemoryBackend(), testLogger()), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = client.Provision(ctx, "ESP32-001")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDeprovision(t *testing.T) {
	var gotDevice string
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/unprovisioning" {
			http.NotFound(w, r)
			return
		}
		var req ProvisioningRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotDevice = req.DeviceID
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, server, storage.NewCredentialStore(storage.NewMemoryBackend(), testLogger()))
	require.NoError(t, client.Deprovision(context.Background(), "ESP32-001"))
	assert.Equal(t, "ESP32-001", gotDevice)
}

func TestNewClient_Validation(t *testing.T) {
	store := storage.NewCredentialStore(storage.NewMemoryBackend(), testLogger())

	_, err := NewClient(ClientConfig{RootCA: []byte("x")}, store, testLogger())
	assert.Error(t, err)

	_, err = NewClient(ClientConfig{ServerURL: "https://example.com", RootCA: []byte("not a pem")}, store, testLogger())
	assert.ErrorIs(t, err, interfaces.ErrAuth)
}

func TestLocalProvisioner(t *testing.T) {
	k, err := kms.NewSimpleKMS([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	store := storage.NewCredentialStore(storage.NewMemoryBackend(), testLogger())
	p := &LocalProvisioner{KMS: k, Store: store, Log: testLogger()}

	creds, err := p.Provision(context.Background(), "ESP32-001")
	require.NoError(t, err)
	require.NoError(t, creds.Validate())
	assert.True(t, store.ExistsAll(context.Background(), interfaces.CredentialKeys))
	assert.NoError(t, p.Deprovision(context.Background(), "ESP32-001"))
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
