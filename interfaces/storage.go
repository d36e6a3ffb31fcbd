package interfaces

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// KVBackend is namespaced key-value persistence.
type KVBackend interface {
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	// Delete is a no-op for absent keys.
	Delete(ctx context.Context, namespace, key string) error
	Name() string
}

// AtomicKVBackend can swap the full contents of a namespace in a single step.
// An empty values map clears the namespace.
type AtomicKVBackend interface {
	KVBackend
	ReplaceNamespace(ctx context.Context, namespace string, values map[string][]byte) error
}

// CredentialStore gives all-or-nothing access to the device CredentialSet.
type CredentialStore interface {
	ExistsAll(ctx context.Context, keys []string) bool
	Get(ctx context.Context, key string) ([]byte, error)
	ReplaceAll(ctx context.Context, values map[string][]byte) error
	EraseAll(ctx context.Context) error
	Credentials(ctx context.Context) (*CredentialSet, error)
}

// BackendLocation is a parsed storage URI such as file:///var/lib/agent or sqlite:///var/lib/agent/agent.db.
type BackendLocation struct {
	URI    string
	Scheme string
	Host   string
	Path   string
	Params url.Values
}

var supportedBackendSchemes = []string{"file", "sqlite", "vault", "memory"}

// NewBackendLocation parses and validates a storage URI.
func NewBackendLocation(uri string) (BackendLocation, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return BackendLocation{}, fmt.Errorf("invalid URI format: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	supported := false
	for _, s := range supportedBackendSchemes {
		if s == scheme {
			supported = true
			break
		}
	}
	if !supported {
		return BackendLocation{}, fmt.Errorf("unsupported storage scheme: %q", u.Scheme)
	}

	return BackendLocation{
		URI:    uri,
		Scheme: scheme,
		Host:   u.Host,
		Path:   u.Path,
		Params: u.Query(),
	}, nil
}

func (loc BackendLocation) String() string {
	return loc.URI
}

// GetParam returns a query parameter from the URI.
func (loc BackendLocation) GetParam(name string) string {
	return loc.Params.Get(name)
}

// GetParamBool returns true for "true", "1" and "yes".
func (loc BackendLocation) GetParamBool(name string) bool {
	v := strings.ToLower(loc.Params.Get(name))
	return v == "true" || v == "1" || v == "yes"
}
