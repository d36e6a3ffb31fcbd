package channel

import (
	"context"
	"crypto/tls"
)

// Handlers receive transport callbacks. They may be invoked from transport
// goroutines and must not block for long.
type Handlers struct {
	OnChunk          func(Chunk)
	OnConnectionLost func(error)
}

// Transport is a publish/subscribe connection to the broker.
type Transport interface {
	// Connect establishes a new session, replacing any previous one.
	// Callbacks of earlier sessions may still fire after Connect returns.
	Connect(ctx context.Context, tlsConfig *tls.Config, h Handlers) error
	Subscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Disconnect()
}
