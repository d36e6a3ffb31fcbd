package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/device-agent/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackends(t *testing.T) map[string]interfaces.AtomicKVBackend {
	t.Helper()

	fileBackend, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)

	sqliteBackend, err := NewSQLiteBackend(context.Background(), filepath.Join(t.TempDir(), "agent.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { sqliteBackend.Close() })

	sealed, err := NewSealedBackend(NewMemoryBackend(), []byte("passphrase"), "test")
	require.NoError(t, err)

	return map[string]interfaces.AtomicKVBackend{
		"memory": NewMemoryBackend(),
		"file":   fileBackend,
		"sqlite": sqliteBackend,
		"sealed": sealed.(interfaces.AtomicKVBackend),
	}
}

func TestBackends_GetSetDelete(t *testing.T) {
	ctx := context.Background()

	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := backend.Get(ctx, "certs", "root_ca")
			assert.ErrorIs(t, err, interfaces.ErrNotFound)

			require.NoError(t, backend.Set(ctx, "certs", "root_ca", []byte("v1")))
			require.NoError(t, backend.Set(ctx, "other", "root_ca", []byte("elsewhere")))
			require.NoError(t, backend.Set(ctx, "certs", "root_ca", []byte("v2")))

			value, err := backend.Get(ctx, "certs", "root_ca")
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), value)

			require.NoError(t, backend.Delete(ctx, "certs", "root_ca"))
			require.NoError(t, backend.Delete(ctx, "certs", "root_ca"))
			_, err = backend.Get(ctx, "certs", "root_ca")
			assert.ErrorIs(t, err, interfaces.ErrNotFound)

			value, err = backend.Get(ctx, "other", "root_ca")
			require.NoError(t, err)
			assert.Equal(t, []byte("elsewhere"), value)

			assert.NotEmpty(t, backend.Name())
		})
	}
}

func TestBackends_ReplaceNamespace(t *testing.T) {
	ctx := context.Background()

	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, backend.Set(ctx, "certs", "stale", []byte("x")))

			require.NoError(t, backend.ReplaceNamespace(ctx, "certs", map[string][]byte{
				"root_ca":     []byte("ca"),
				"device_cert": []byte("cert"),
			}))

			_, err := backend.Get(ctx, "certs", "stale")
			assert.ErrorIs(t, err, interfaces.ErrNotFound)

			value, err := backend.Get(ctx, "certs", "device_cert")
			require.NoError(t, err)
			assert.Equal(t, []byte("cert"), value)

			require.NoError(t, backend.ReplaceNamespace(ctx, "certs", nil))
			_, err = backend.Get(ctx, "certs", "root_ca")
			assert.ErrorIs(t, err, interfaces.ErrNotFound)
		})
	}
}

func TestFileBackend_RejectsPathTraversal(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)

	for _, name := range []string{"", ".", "..", "../escape", "a/b"} {
		assert.Error(t, backend.Set(ctx, "certs", name, []byte("x")), name)
		assert.Error(t, backend.Set(ctx, name, "key", []byte("x")), name)
	}
}

func TestFileBackend_RemovesInterruptedSwap(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "certs.tmp-1234"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "certs.old"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "certs"), 0700))

	_, err := NewFileBackend(dir, testLogger())
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "certs", entries[0].Name())
}

func TestSQLiteBackend_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agent.db")

	backend, err := NewSQLiteBackend(ctx, path, testLogger())
	require.NoError(t, err)
	require.NoError(t, backend.ReplaceNamespace(ctx, "certs", testCredentials("a")))
	require.NoError(t, backend.Close())

	backend, err = NewSQLiteBackend(ctx, path, testLogger())
	require.NoError(t, err)
	defer backend.Close()

	store := NewCredentialStore(backend, testLogger())
	creds, err := store.Credentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, testCredentials("a"), creds.Map())
}

func TestSealedBackend(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryBackend()

	sealed, err := NewSealedBackend(inner, []byte("passphrase"), "test")
	require.NoError(t, err)

	require.NoError(t, sealed.Set(ctx, "certs", "private_key", []byte("secret key")))

	raw, err := inner.Get(ctx, "certs", "private_key")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret key")

	t.Run("ciphertext bound to key", func(t *testing.T) {
		require.NoError(t, inner.Set(ctx, "certs", "public_key", raw))
		_, err := sealed.Get(ctx, "certs", "public_key")
		assert.ErrorIs(t, err, interfaces.ErrData)
	})

	t.Run("wrong passphrase", func(t *testing.T) {
		other, err := NewSealedBackend(inner, []byte("other"), "test")
		require.NoError(t, err)
		_, err = other.Get(ctx, "certs", "private_key")
		assert.ErrorIs(t, err, interfaces.ErrData)
	})

	t.Run("non-atomic inner", func(t *testing.T) {
		wrapped, err := NewSealedBackend(&flakyBackend{KVBackend: NewMemoryBackend()}, []byte("passphrase"), "test")
		require.NoError(t, err)
		_, ok := wrapped.(interfaces.AtomicKVBackend)
		assert.False(t, ok)
	})

	_, err = NewSealedBackend(inner, nil, "test")
	assert.Error(t, err)
}
