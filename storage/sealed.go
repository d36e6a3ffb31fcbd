package storage

import (
	"context"
	"fmt"

	"github.com/ruteri/device-agent/cryptoutils"
	"github.com/ruteri/device-agent/interfaces"
)

// SealedBackend encrypts values with AES-GCM before handing them to the inner backend.
// Each ciphertext is bound to its namespace and key.
type SealedBackend struct {
	inner interfaces.KVBackend
	key   []byte
}

// atomicSealedBackend is a SealedBackend over an AtomicKVBackend.
type atomicSealedBackend struct {
	*SealedBackend
	inner interfaces.AtomicKVBackend
}

var _ interfaces.AtomicKVBackend = (*atomicSealedBackend)(nil)

// NewSealedBackend wraps inner with a sealing key derived from passphrase and salt.
// The result supports ReplaceNamespace when inner does.
func NewSealedBackend(inner interfaces.KVBackend, passphrase []byte, salt string) (interfaces.KVBackend, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("empty sealing passphrase")
	}
	sealed := &SealedBackend{
		inner: inner,
		key:   cryptoutils.DeriveSealingKey(passphrase, salt),
	}
	if atomicInner, ok := inner.(interfaces.AtomicKVBackend); ok {
		return &atomicSealedBackend{SealedBackend: sealed, inner: atomicInner}, nil
	}
	return sealed, nil
}

func additionalData(namespace, key string) []byte {
	return []byte(namespace + "/" + key)
}

func (b *SealedBackend) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	sealed, err := b.inner.Get(ctx, namespace, key)
	if err != nil {
		return nil, err
	}
	value, err := cryptoutils.Unseal(b.key, sealed, additionalData(namespace, key))
	if err != nil {
		return nil, &interfaces.DataError{Reason: "unseal " + namespace + "/" + key, Err: err}
	}
	return value, nil
}

func (b *SealedBackend) Set(ctx context.Context, namespace, key string, value []byte) error {
	sealed, err := cryptoutils.Seal(b.key, value, additionalData(namespace, key))
	if err != nil {
		return err
	}
	return b.inner.Set(ctx, namespace, key, sealed)
}

func (b *SealedBackend) Delete(ctx context.Context, namespace, key string) error {
	return b.inner.Delete(ctx, namespace, key)
}

func (b *atomicSealedBackend) ReplaceNamespace(ctx context.Context, namespace string, values map[string][]byte) error {
	sealed := make(map[string][]byte, len(values))
	for key, value := range values {
		ct, err := cryptoutils.Seal(b.key, value, additionalData(namespace, key))
		if err != nil {
			return err
		}
		sealed[key] = ct
	}
	return b.inner.ReplaceNamespace(ctx, namespace, sealed)
}

func (b *SealedBackend) Name() string {
	return "sealed-" + b.inner.Name()
}
