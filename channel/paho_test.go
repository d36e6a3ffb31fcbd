package channel

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/ruteri/device-agent/interfaces"
	"github.com/stretchr/testify/require"
)

// fakeBroker speaks just enough MQTT 3.1.1 for a single client session.
type fakeBroker struct {
	ln         net.Listener
	returnCode byte

	writeMu   sync.Mutex
	conns     chan net.Conn
	publishes chan *packets.PublishPacket
}

func startBroker(t *testing.T, returnCode byte) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &fakeBroker{
		ln:         ln,
		returnCode: returnCode,
		conns:      make(chan net.Conn, 4),
		publishes:  make(chan *packets.PublishPacket, 16),
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go b.serve(conn)
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return b
}

func (b *fakeBroker) url() string {
	return "tcp://" + b.ln.Addr().String()
}

func (b *fakeBroker) write(conn net.Conn, p packets.ControlPacket) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = p.Write(conn)
}

func (b *fakeBroker) serve(conn net.Conn) {
	defer conn.Close()
	for {
		cp, err := packets.ReadPacket(conn)
		if err != nil {
			return
		}
		switch p := cp.(type) {
		case *packets.ConnectPacket:
			ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
			ack.ReturnCode = b.returnCode
			b.write(conn, ack)
			if b.returnCode != packets.Accepted {
				return
			}
			b.conns <- conn
		case *packets.SubscribePacket:
			ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
			ack.MessageID = p.MessageID
			ack.ReturnCodes = p.Qoss
			b.write(conn, ack)
		case *packets.PublishPacket:
			if p.Qos == 1 {
				ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
				ack.MessageID = p.MessageID
				b.write(conn, ack)
			}
			b.publishes <- p
		case *packets.PingreqPacket:
			b.write(conn, packets.NewControlPacket(packets.Pingresp))
		case *packets.DisconnectPacket:
			return
		}
	}
}

func (b *fakeBroker) deliver(conn net.Conn, topic string, payload []byte) {
	p := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	p.TopicName = topic
	p.Payload = payload
	b.write(conn, p)
}

func TestPahoTransport_Session(t *testing.T) {
	broker := startBroker(t, packets.Accepted)
	transport := NewPahoTransport(broker.url(), "ESP32-001", 0, testLogger())

	chunks := make(chan Chunk, 4)
	lost := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := transport.Connect(ctx, nil, Handlers{
		OnChunk:          func(c Chunk) { chunks <- c },
		OnConnectionLost: func(err error) { lost <- err },
	})
	require.NoError(t, err)
	require.NoError(t, transport.Subscribe(ctx, "/topic/command/ESP32-001"))

	conn := <-broker.conns
	broker.deliver(conn, "/topic/command/ESP32-001", []byte(`{"command":"restart"}`))

	select {
	case c := <-chunks:
		require.Equal(t, Chunk{
			Topic:  "/topic/command/ESP32-001",
			Offset: 0,
			Total:  len(`{"command":"restart"}`),
			Data:   []byte(`{"command":"restart"}`),
		}, c)
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, transport.Publish(ctx, "/topic/ping", []byte("1")))
	select {
	case p := <-broker.publishes:
		require.Equal(t, "/topic/ping", p.TopicName)
		require.Equal(t, []byte("1"), p.Payload)
		require.Equal(t, byte(1), p.Qos)
	case <-time.After(3 * time.Second):
		t.Fatal("publish not received")
	}

	_ = conn.Close()
	select {
	case <-lost:
	case <-time.After(3 * time.Second):
		t.Fatal("connection loss not reported")
	}

	err = transport.Publish(ctx, "/topic/ping", []byte("1"))
	require.ErrorIs(t, err, interfaces.ErrNetwork)
}

func TestPahoTransport_RefusedIdentityIsAuthError(t *testing.T) {
	broker := startBroker(t, packets.ErrRefusedNotAuthorised)
	transport := NewPahoTransport(broker.url(), "ESP32-001", 0, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := transport.Connect(ctx, nil, Handlers{})
	require.ErrorIs(t, err, interfaces.ErrAuth)
	require.False(t, interfaces.IsRetryable(err))
}

func TestPahoTransport_UnreachableBrokerIsNetworkError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	transport := NewPahoTransport("tcp://"+addr, "ESP32-001", 0, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = transport.Connect(ctx, nil, Handlers{})
	require.ErrorIs(t, err, interfaces.ErrNetwork)
	require.True(t, interfaces.IsRetryable(err))
}

func TestPahoTransport_NotConnected(t *testing.T) {
	transport := NewPahoTransport("tcp://127.0.0.1:1", "ESP32-001", 0, testLogger())
	require.ErrorIs(t, transport.Subscribe(context.Background(), "/topic/command/x"), interfaces.ErrNetwork)
	require.ErrorIs(t, transport.Publish(context.Background(), "/topic/ping", []byte("1")), interfaces.ErrNetwork)
	transport.Disconnect()
}
