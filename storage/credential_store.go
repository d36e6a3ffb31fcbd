package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/device-agent/interfaces"
)

// CredentialStore keeps the device CredentialSet in a KVBackend namespace.
//
// Readers and writers are serialized by a store-level lock, so a reader never
// observes a ReplaceAll half way through. When the backend cannot swap a
// namespace atomically the store writes key by key and restores the previous
// values if any write fails.
type CredentialStore struct {
	mu        sync.RWMutex
	backend   interfaces.KVBackend
	namespace string
	log       *slog.Logger
}

var _ interfaces.CredentialStore = (*CredentialStore)(nil)

// NewCredentialStore creates a store over backend using the "certs" namespace.
func NewCredentialStore(backend interfaces.KVBackend, log *slog.Logger) *CredentialStore {
	return &CredentialStore{
		backend:   backend,
		namespace: interfaces.CredentialNamespace,
		log:       log,
	}
}

// ExistsAll reports whether every key is present and non-empty.
// Backend errors count as absent.
func (s *CredentialStore) ExistsAll(ctx context.Context, keys []string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, key := range keys {
		value, err := s.backend.Get(ctx, s.namespace, key)
		if err != nil {
			if !errors.Is(err, interfaces.ErrNotFound) {
				s.log.Warn("Credential lookup failed", "key", key, "backend", s.backend.Name(), "err", err)
			}
			return false
		}
		if len(value) == 0 {
			return false
		}
	}
	return true
}

// Get returns the value of key or interfaces.ErrNotFound.
func (s *CredentialStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.get(ctx, key)
}

func (s *CredentialStore) get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.backend.Get(ctx, s.namespace, key)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, interfaces.ErrNotFound
	} else if err != nil {
		return nil, &interfaces.StorageError{Op: "get " + key, Err: err}
	}
	return value, nil
}

// Credentials loads the complete set. An incomplete set is reported as a MissingFieldError.
func (s *CredentialStore) Credentials(ctx context.Context) (*interfaces.CredentialSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make(map[string][]byte, len(interfaces.CredentialKeys))
	for _, key := range interfaces.CredentialKeys {
		value, err := s.get(ctx, key)
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, &interfaces.MissingFieldError{Field: key}
		} else if err != nil {
			return nil, err
		}
		values[key] = value
	}
	return interfaces.CredentialSetFromMap(values)
}

// ReplaceAll installs a complete credential set in one step.
// values must contain every credential key with a non-empty value.
// On failure the previous contents are left in place and a StorageError is returned.
func (s *CredentialStore) ReplaceAll(ctx context.Context, values map[string][]byte) error {
	if _, err := interfaces.CredentialSetFromMap(values); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if atomicBackend, ok := s.backend.(interfaces.AtomicKVBackend); ok {
		if err := atomicBackend.ReplaceNamespace(ctx, s.namespace, pick(values, interfaces.CredentialKeys)); err != nil {
			return &interfaces.StorageError{Op: "replace " + s.namespace, Err: err}
		}
		s.log.Info("Credentials replaced", "backend", s.backend.Name())
		return nil
	}

	previous, err := s.snapshot(ctx)
	if err != nil {
		return &interfaces.StorageError{Op: "snapshot " + s.namespace, Err: err}
	}

	for i, key := range interfaces.CredentialKeys {
		if err := s.backend.Set(ctx, s.namespace, key, values[key]); err != nil {
			rollbackErr := s.restore(ctx, previous, interfaces.CredentialKeys[:i+1])
			if rollbackErr != nil {
				s.log.Error("Credential rollback failed", "backend", s.backend.Name(), "err", rollbackErr)
			}
			return &interfaces.StorageError{Op: "set " + key, Err: errors.Join(err, rollbackErr)}
		}
	}

	s.log.Info("Credentials replaced", "backend", s.backend.Name())
	return nil
}

// EraseAll removes every credential key.
func (s *CredentialStore) EraseAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if atomicBackend, ok := s.backend.(interfaces.AtomicKVBackend); ok {
		if err := atomicBackend.ReplaceNamespace(ctx, s.namespace, nil); err != nil {
			return &interfaces.StorageError{Op: "erase " + s.namespace, Err: err}
		}
		s.log.Info("Credentials erased", "backend", s.backend.Name())
		return nil
	}

	var errs []error
	for _, key := range interfaces.CredentialKeys {
		if err := s.backend.Delete(ctx, s.namespace, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	if len(errs) > 0 {
		return &interfaces.StorageError{Op: "erase " + s.namespace, Err: errors.Join(errs...)}
	}

	s.log.Info("Credentials erased", "backend", s.backend.Name())
	return nil
}

// snapshot reads the current values. Absent keys are left out of the result.
func (s *CredentialStore) snapshot(ctx context.Context) (map[string][]byte, error) {
	previous := make(map[string][]byte, len(interfaces.CredentialKeys))
	for _, key := range interfaces.CredentialKeys {
		value, err := s.backend.Get(ctx, s.namespace, key)
		if errors.Is(err, interfaces.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		previous[key] = value
	}
	return previous, nil
}

// restore puts keys back to their snapshot values, deleting keys that did not exist.
func (s *CredentialStore) restore(ctx context.Context, previous map[string][]byte, keys []string) error {
	var errs []error
	for _, key := range keys {
		var err error
		if value, ok := previous[key]; ok {
			err = s.backend.Set(ctx, s.namespace, key, value)
		} else {
			err = s.backend.Delete(ctx, s.namespace, key)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func pick(values map[string][]byte, keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		out[key] = values[key]
	}
	return out
}
