package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/device-agent/interfaces"
)

// DefaultSealingSalt is used when a location does not carry a ?salt= parameter.
const DefaultSealingSalt = "device-agent"

// BackendFactory creates KV backends from location URIs.
type BackendFactory struct {
	log        *slog.Logger
	passphrase []byte
}

// NewBackendFactory creates a factory. A non-empty sealingPassphrase wraps every
// backend it creates in a SealedBackend.
func NewBackendFactory(logger *slog.Logger, sealingPassphrase []byte) *BackendFactory {
	return &BackendFactory{
		log:        logger,
		passphrase: sealingPassphrase,
	}
}

// BackendFor creates a storage backend from a location.
//
// Supported schemes:
//   - file:///var/lib/agent - one directory per namespace
//   - sqlite:///var/lib/agent/agent.db - single table, transactional namespace replace
//   - vault://vault.example.com:8200/secret/devices/ESP32-001?token=...&insecure=true - KV v2
//   - memory:// - process memory
func (sf *BackendFactory) BackendFor(ctx context.Context, loc interfaces.BackendLocation) (interfaces.KVBackend, error) {
	var (
		backend interfaces.KVBackend
		err     error
	)

	switch loc.Scheme {
	case "file":
		backend, err = sf.createFileBackend(loc)
	case "sqlite":
		backend, err = sf.createSQLiteBackend(ctx, loc)
	case "vault":
		backend, err = sf.createVaultBackend(ctx, loc)
	case "memory":
		backend = NewMemoryBackend()
	default:
		return nil, fmt.Errorf("unsupported backend scheme: %s", loc.Scheme)
	}
	if err != nil {
		return nil, err
	}

	if len(sf.passphrase) == 0 {
		return backend, nil
	}

	salt := loc.GetParam("salt")
	if salt == "" {
		salt = DefaultSealingSalt
	}
	sf.log.Debug("Sealing storage backend", slog.String("backend", backend.Name()))
	return NewSealedBackend(backend, sf.passphrase, salt)
}

// filePath joins host and path so both file:///abs and file://./rel forms work.
func filePath(loc interfaces.BackendLocation) (string, error) {
	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return "", fmt.Errorf("empty path in URI: %s", loc.URI)
	}
	return path, nil
}

func (sf *BackendFactory) createFileBackend(loc interfaces.BackendLocation) (interfaces.KVBackend, error) {
	sf.log.Debug("Creating file backend", slog.String("uri", loc.URI))

	path, err := filePath(loc)
	if err != nil {
		return nil, err
	}
	return NewFileBackend(path, sf.log)
}

func (sf *BackendFactory) createSQLiteBackend(ctx context.Context, loc interfaces.BackendLocation) (interfaces.KVBackend, error) {
	sf.log.Debug("Creating sqlite backend", slog.String("uri", loc.URI))

	path, err := filePath(loc)
	if err != nil {
		return nil, err
	}
	return NewSQLiteBackend(ctx, path, sf.log)
}

// createVaultBackend expects vault://host:port/<mount>/<data path>.
// The connection uses https unless ?insecure=true is set. A sealed,
// uninitialized or unreachable Vault is refused.
func (sf *BackendFactory) createVaultBackend(ctx context.Context, loc interfaces.BackendLocation) (interfaces.KVBackend, error) {
	sf.log.Debug("Creating Vault backend", slog.String("host", loc.Host))

	if loc.Host == "" {
		return nil, fmt.Errorf("missing Vault address in URI")
	}

	parts := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	mountPath := parts[0]
	if mountPath == "" {
		mountPath = "secret"
	}
	dataPath := ""
	if len(parts) > 1 {
		dataPath = parts[1]
	}

	scheme := "https"
	if loc.GetParamBool("insecure") {
		scheme = "http"
	}

	backend, err := NewVaultBackend(scheme+"://"+loc.Host, mountPath, dataPath, loc.GetParam("token"), sf.log)
	if err != nil {
		return nil, err
	}
	if !backend.Available(ctx) {
		return nil, &interfaces.StorageError{Op: "open " + backend.Name(), Err: errors.New("vault is sealed, uninitialized or unreachable")}
	}
	return backend, nil
}
