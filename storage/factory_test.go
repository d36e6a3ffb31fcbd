package storage

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ruteri/device-agent/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendFactory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	vault := httptest.NewServer(newFakeVault())
	defer vault.Close()
	sealedFake := newFakeVault()
	sealedFake.sealed = true
	sealedVault := httptest.NewServer(sealedFake)
	defer sealedVault.Close()
	vaultHost := strings.TrimPrefix(vault.URL, "http://")
	sealedHost := strings.TrimPrefix(sealedVault.URL, "http://")

	tests := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{name: "file", uri: "file://" + filepath.Join(dir, "files")},
		{name: "sqlite", uri: "sqlite://" + filepath.Join(dir, "agent.db")},
		{name: "memory", uri: "memory://"},
		{name: "vault", uri: "vault://" + vaultHost + "/secret/devices/ESP32-001?insecure=true&token=test-token"},
		{name: "vault sealed", uri: "vault://" + sealedHost + "/secret/devices/ESP32-001?insecure=true", wantErr: true},
		{name: "file without path", uri: "file://", wantErr: true},
		{name: "vault without address", uri: "vault:///secret", wantErr: true},
	}

	factory := NewBackendFactory(testLogger(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, err := interfaces.NewBackendLocation(tt.uri)
			require.NoError(t, err)

			backend, err := factory.BackendFor(ctx, loc)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			_, ok := backend.(interfaces.AtomicKVBackend)
			assert.True(t, ok)
		})
	}

	_, err := factory.BackendFor(ctx, interfaces.BackendLocation{Scheme: "s3"})
	assert.Error(t, err)
}

func TestBackendFactory_Sealing(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	loc, err := interfaces.NewBackendLocation("file://" + dir + "?salt=ESP32-001")
	require.NoError(t, err)

	backend, err := NewBackendFactory(testLogger(), []byte("passphrase")).BackendFor(ctx, loc)
	require.NoError(t, err)
	assert.Contains(t, backend.Name(), "sealed-")

	store := NewCredentialStore(backend, testLogger())
	require.NoError(t, store.ReplaceAll(ctx, testCredentials("sealed")))

	raw, err := os.ReadFile(filepath.Join(dir, interfaces.CredentialNamespace, interfaces.KeyPrivateKey))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sealed-private_key")

	creds, err := store.Credentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed-private_key"), creds.PrivateKey)
}
