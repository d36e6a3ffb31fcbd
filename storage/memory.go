package storage

import (
	"context"
	"sync"

	"github.com/ruteri/device-agent/interfaces"
)

// MemoryBackend keeps values in process memory. Used in tests and for memory:// locations.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

var _ interfaces.AtomicKVBackend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]map[string][]byte)}
}

func (b *MemoryBackend) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	value, ok := b.data[namespace][key]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (b *MemoryBackend) Set(ctx context.Context, namespace, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ns, ok := b.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		b.data[namespace] = ns
	}
	ns[key] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, namespace, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.data[namespace], key)
	return nil
}

func (b *MemoryBackend) ReplaceNamespace(ctx context.Context, namespace string, values map[string][]byte) error {
	ns := make(map[string][]byte, len(values))
	for k, v := range values {
		ns[k] = append([]byte(nil), v...)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[namespace] = ns
	return nil
}

func (b *MemoryBackend) Name() string {
	return "memory"
}
