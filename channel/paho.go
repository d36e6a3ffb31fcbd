package channel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"github.com/ruteri/device-agent/cryptoutils"
	"github.com/ruteri/device-agent/interfaces"
)

const (
	DefaultQoS       byte = 1
	DefaultKeepAlive      = 30 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

// PahoTransport is a Transport over an MQTT broker. Reconnection is left to
// the Channel, so the client never reconnects on its own.
type PahoTransport struct {
	broker    string
	clientID  string
	keepAlive time.Duration
	log       *slog.Logger

	mu       sync.Mutex
	client   mqtt.Client
	handlers Handlers
}

// NewPahoTransport returns a transport for broker, e.g. "ssl://mqtt.example.com:8883".
// Each session uses clientID with a random suffix.
func NewPahoTransport(broker, clientID string, keepAlive time.Duration, log *slog.Logger) *PahoTransport {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &PahoTransport{
		broker:    broker,
		clientID:  clientID,
		keepAlive: keepAlive,
		log:       log,
	}
}

func (t *PahoTransport) Connect(ctx context.Context, tlsConfig *tls.Config, h Handlers) error {
	t.Disconnect()

	sessionID := fmt.Sprintf("%s-%s", t.clientID, uuid.NewString()[:8])

	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.broker)
	opts.SetClientID(sessionID)
	opts.SetTLSConfig(tlsConfig)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetKeepAlive(t.keepAlive)
	if deadline, ok := ctx.Deadline(); ok {
		opts.SetConnectTimeout(time.Until(deadline))
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.log.Warn("MQTT connection lost", "broker", t.broker, "err", err)
		if h.OnConnectionLost != nil {
			h.OnConnectionLost(err)
		}
	})

	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return classifyConnectError(err)
	}

	t.mu.Lock()
	t.client = client
	t.handlers = h
	t.mu.Unlock()

	t.log.Info("Connected to MQTT broker", "broker", t.broker, "client_id", sessionID)
	return nil
}

func (t *PahoTransport) Subscribe(ctx context.Context, topic string) error {
	client, h, err := t.current()
	if err != nil {
		return err
	}

	token := client.Subscribe(topic, DefaultQoS, func(_ mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		if h.OnChunk != nil {
			h.OnChunk(Chunk{Topic: msg.Topic(), Offset: 0, Total: len(payload), Data: payload})
		}
	})
	if err := waitToken(ctx, token); err != nil {
		return &interfaces.NetworkError{Op: "subscribe " + topic, Err: err}
	}
	return nil
}

func (t *PahoTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	client, _, err := t.current()
	if err != nil {
		return err
	}
	if err := waitToken(ctx, client.Publish(topic, DefaultQoS, false, payload)); err != nil {
		return &interfaces.NetworkError{Op: "publish " + topic, Err: err}
	}
	return nil
}

func (t *PahoTransport) Disconnect() {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client != nil && client.IsConnectionOpen() {
		client.Disconnect(disconnectQuiesce)
	}
}

func (t *PahoTransport) current() (mqtt.Client, Handlers, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil || !t.client.IsConnectionOpen() {
		return nil, Handlers{}, &interfaces.NetworkError{Op: "mqtt", Err: errors.New("not connected")}
	}
	return t.client, t.handlers, nil
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classifyConnectError(err error) error {
	if errors.Is(err, packets.ErrorRefusedNotAuthorised) || errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) {
		return &interfaces.AuthError{Reason: "broker refused the device identity", Err: err}
	}
	return cryptoutils.ClassifyTLSError("mqtt connect", err)
}
