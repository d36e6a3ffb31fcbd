package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/device-agent/interfaces"
)

// VaultBackend implements a storage backend using the HashiCorp Vault KV v2 engine.
// Each namespace is one secret document whose fields are base64-encoded values,
// so ReplaceNamespace is a single write.
type VaultBackend struct {
	client    *api.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

var _ interfaces.AtomicKVBackend = (*VaultBackend)(nil)

// NewVaultBackend creates a new Vault storage backend.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "devices/ESP32-001")
//   - token: Vault token; when empty the client falls back to VAULT_TOKEN
//   - log: Structured logger for operational insights
func NewVaultBackend(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{
		Timeout: 30 * time.Second,
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:    client,
		mountPath: mountPath,
		dataPath:  dataPath,
		log:       log,
	}, nil
}

func (b *VaultBackend) secretPath(namespace string) string {
	if b.dataPath == "" {
		return fmt.Sprintf("%s/data/%s", b.mountPath, namespace)
	}
	return fmt.Sprintf("%s/data/%s/%s", b.mountPath, b.dataPath, namespace)
}

// readNamespace returns the decoded fields of a namespace document and its version.
// A missing document yields an empty map and version 0.
func (b *VaultBackend) readNamespace(ctx context.Context, namespace string) (map[string][]byte, int64, error) {
	path := b.secretPath(namespace)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault", slog.String("path", path), "err", err)
		return nil, 0, fmt.Errorf("failed to read from Vault: %w", err)
	}

	values := make(map[string][]byte)
	if secret == nil || secret.Data == nil {
		return values, 0, nil
	}

	var version int64
	if metadata, ok := secret.Data["metadata"].(map[string]interface{}); ok {
		if v, ok := metadata["version"].(json.Number); ok {
			version, _ = v.Int64()
		}
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return values, version, nil
	}

	for key, raw := range data {
		encoded, ok := raw.(string)
		if !ok {
			return nil, 0, fmt.Errorf("invalid value format for %s in Vault data", key)
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid encoding for %s in Vault data: %w", key, err)
		}
		values[key] = decoded
	}
	return values, version, nil
}

// writeNamespace writes a namespace document. When cas is non-negative the
// write only succeeds if the current version equals cas.
func (b *VaultBackend) writeNamespace(ctx context.Context, namespace string, values map[string][]byte, cas int64) error {
	start := time.Now()
	path := b.secretPath(namespace)

	encoded := make(map[string]interface{}, len(values))
	for key, value := range values {
		encoded[key] = base64.StdEncoding.EncodeToString(value)
	}

	body := map[string]interface{}{"data": encoded}
	if cas >= 0 {
		body["options"] = map[string]interface{}{"cas": cas}
	}

	if _, err := b.client.Logical().WriteWithContext(ctx, path, body); err != nil {
		b.log.Error("Failed to write to Vault", slog.String("path", path), "err", err)
		return fmt.Errorf("failed to write to Vault: %w", err)
	}

	b.log.Debug("Stored namespace in Vault",
		slog.String("path", path),
		slog.Int("keys", len(values)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (b *VaultBackend) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	values, _, err := b.readNamespace(ctx, namespace)
	if err != nil {
		return nil, err
	}
	value, ok := values[key]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return value, nil
}

// Set updates one field with a check-and-set write against the version it read.
func (b *VaultBackend) Set(ctx context.Context, namespace, key string, value []byte) error {
	values, version, err := b.readNamespace(ctx, namespace)
	if err != nil {
		return err
	}
	values[key] = value
	return b.writeNamespace(ctx, namespace, values, version)
}

func (b *VaultBackend) Delete(ctx context.Context, namespace, key string) error {
	values, version, err := b.readNamespace(ctx, namespace)
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return b.writeNamespace(ctx, namespace, values, version)
}

func (b *VaultBackend) ReplaceNamespace(ctx context.Context, namespace string, values map[string][]byte) error {
	return b.writeNamespace(ctx, namespace, values, -1)
}

// Available checks that Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}

	return true
}

// Name returns a unique identifier for this storage backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}
