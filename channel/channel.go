package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/device-agent/cryptoutils"
	"github.com/ruteri/device-agent/interfaces"
	"github.com/ruteri/device-agent/metrics"
	"go.uber.org/atomic"
)

const (
	DefaultCommandTopicPrefix = "/topic/command/"
	DefaultEventTopicPrefix   = "/topic/events/"
	DefaultTelemetryTopic     = "/topic/data"
	DefaultPingTopic          = "/topic/ping"

	DefaultTelemetryInterval = 100 * time.Second
	DefaultPingInterval      = 50 * time.Second
	DefaultMaxReconnects     = 5
	DefaultBackoffBase       = time.Second
	MaxBackoff               = 5 * time.Minute
	DefaultConnectTimeout    = 10 * time.Second
	DefaultPublishTimeout    = 5 * time.Second

	pingPayload    = "1"
	inboxSize      = 64
	eventQueueSize = 32
)

// State is the connection state of a Channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFatal
)

var stateNames = []string{"disconnected", "connecting", "connected", "reconnecting", "fatal"}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Config describes the device's topics and timing on the broker.
type Config struct {
	DeviceID        string
	FirmwareVersion string

	// Topics default to the values above, with the device ID appended to the prefixes.
	CommandTopic   string
	EventTopic     string
	TelemetryTopic string
	PingTopic      string

	TelemetryInterval time.Duration
	PingInterval      time.Duration

	// MaxReconnects bounds reconnect attempts after a connection loss. The
	// n-th attempt waits BackoffBase * 2^(n-1), capped at MaxBackoff.
	MaxReconnects int
	BackoffBase   time.Duration

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	BufferSize     int

	Readings ReadingSource
}

func (cfg *Config) setDefaults() {
	if cfg.CommandTopic == "" {
		cfg.CommandTopic = DefaultCommandTopicPrefix + cfg.DeviceID
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = DefaultEventTopicPrefix + cfg.DeviceID
	}
	if cfg.TelemetryTopic == "" {
		cfg.TelemetryTopic = DefaultTelemetryTopic
	}
	if cfg.PingTopic == "" {
		cfg.PingTopic = DefaultPingTopic
	}
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = DefaultTelemetryInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Readings == nil {
		cfg.Readings = AgentReadings{Started: time.Now()}
	}
}

// CommandDispatcher executes decoded commands.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, cmd Command) error
}

type inboxKind int

const (
	inboxChunk inboxKind = iota
	inboxLost
)

// inboxEvent is a transport callback tagged with the connection it came from.
type inboxEvent struct {
	gen   uint64
	kind  inboxKind
	chunk Chunk
	err   error
}

// Channel keeps the device connected to the broker over mutual TLS, executes
// the commands addressed to it and publishes telemetry and keep-alives.
//
// Transport callbacks are queued to an inbox and handled by the goroutine
// executing Run, which owns the connection and the reassembly buffer.
type Channel struct {
	cfg        Config
	transport  Transport
	store      interfaces.CredentialStore
	dispatcher CommandDispatcher
	sink       interfaces.EventSink
	log        *slog.Logger

	state   atomic.Int32
	running atomic.Bool
	inbox   chan inboxEvent
	events  chan interfaces.Event

	// owned by Run
	gen         uint64
	done        chan struct{}
	onConnected func()
	reassembler *Reassembler
}

var _ interfaces.EventSink = (*Channel)(nil)

func New(cfg Config, transport Transport, store interfaces.CredentialStore, dispatcher CommandDispatcher, sink interfaces.EventSink, log *slog.Logger) *Channel {
	cfg.setDefaults()
	if sink == nil {
		sink = interfaces.MultiSink{}
	}
	c := &Channel{
		cfg:         cfg,
		transport:   transport,
		store:       store,
		dispatcher:  dispatcher,
		sink:        sink,
		log:         log,
		inbox:       make(chan inboxEvent, inboxSize),
		events:      make(chan interfaces.Event, eventQueueSize),
		reassembler: NewReassembler(cfg.BufferSize),
	}
	c.setState(StateDisconnected)
	return c
}

func (c *Channel) State() State {
	return State(c.state.Load())
}

func (c *Channel) setState(s State) {
	c.state.Store(int32(s))
	metrics.SetChannelState(s.String(), stateNames)
}

// Run connects and serves the channel until ctx is done or the connection is
// lost for good. onConnected, if not nil, is called after every successful
// connect. A failure to establish the first connection is returned as is.
// Losing the connection and exhausting reconnects returns an error wrapping
// interfaces.ErrChannelFatal.
func (c *Channel) Run(ctx context.Context, onConnected func()) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: command channel", interfaces.ErrBusy)
	}
	defer c.running.Store(false)

	c.done = make(chan struct{})
	defer close(c.done)
	c.onConnected = onConnected
	c.reassembler.reset()

	c.setState(StateConnecting)
	if err := c.connect(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}
	return c.serve(ctx)
}

// Report publishes ev on the event topic. It never blocks; events are dropped
// when the queue is full.
func (c *Channel) Report(ctx context.Context, ev interfaces.Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Debug("Event queue full, dropping event", "kind", ev.Kind)
	}
}

func (c *Channel) connect(ctx context.Context) error {
	if !c.store.ExistsAll(ctx, interfaces.CredentialKeys) {
		return &interfaces.AuthError{Reason: "device is not provisioned"}
	}
	creds, err := c.store.Credentials(ctx)
	if err != nil {
		if errors.Is(err, interfaces.ErrData) {
			return &interfaces.AuthError{Reason: "stored credentials unusable", Err: err}
		}
		return err
	}
	tlsConfig, err := cryptoutils.MutualTLSConfig(creds)
	if err != nil {
		return err
	}

	c.gen++
	gen, done := c.gen, c.done
	post := func(ev inboxEvent) {
		ev.gen = gen
		select {
		case c.inbox <- ev:
		case <-done:
		}
	}
	handlers := Handlers{
		OnChunk:          func(chunk Chunk) { post(inboxEvent{kind: inboxChunk, chunk: chunk}) },
		OnConnectionLost: func(err error) { post(inboxEvent{kind: inboxLost, err: err}) },
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	if err := c.transport.Connect(cctx, tlsConfig, handlers); err != nil {
		return timeoutAsNetwork(ctx, "connect", err)
	}
	if err := c.transport.Subscribe(cctx, c.cfg.CommandTopic); err != nil {
		c.transport.Disconnect()
		return timeoutAsNetwork(ctx, "subscribe", err)
	}

	c.setState(StateConnected)
	c.log.Info("Command channel connected", "topic", c.cfg.CommandTopic)
	c.report(ctx, interfaces.EventChannelUp, "subscribed to "+c.cfg.CommandTopic, nil)
	if c.onConnected != nil {
		c.onConnected()
	}
	return nil
}

func (c *Channel) serve(ctx context.Context) error {
	telemetry := time.NewTicker(c.cfg.TelemetryInterval)
	defer telemetry.Stop()
	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			c.transport.Disconnect()
			c.setState(StateDisconnected)
			return ctx.Err()

		case ev := <-c.inbox:
			if ev.gen != c.gen {
				c.log.Debug("Ignoring callback from a previous connection", "generation", ev.gen)
				continue
			}
			switch ev.kind {
			case inboxChunk:
				c.handleChunk(ctx, ev.chunk)
			case inboxLost:
				if err := c.reconnect(ctx, ev.err); err != nil {
					return err
				}
			}

		case <-telemetry.C:
			c.publishTelemetry(ctx)

		case <-ping.C:
			c.publish(ctx, c.cfg.PingTopic, []byte(pingPayload))

		case ev := <-c.events:
			c.publishEvent(ctx, ev)
		}
	}
}

// backoffDelay returns base * 2^attempt, capped at MaxBackoff.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt && delay < MaxBackoff; i++ {
		delay <<= 1
	}
	return min(delay, MaxBackoff)
}

func (c *Channel) reconnect(ctx context.Context, cause error) error {
	c.setState(StateReconnecting)
	c.reassembler.reset()

	lastErr := cause
	attempts := 0
	for attempts < c.cfg.MaxReconnects {
		delay := backoffDelay(c.cfg.BackoffBase, attempts)
		attempts++
		c.log.Warn("Command channel reconnecting", "attempt", attempts, "delay", delay, "err", lastErr)

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(delay):
		}

		metrics.RecordReconnect()
		err := c.connect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		lastErr = err
		if errors.Is(err, interfaces.ErrAuth) {
			break
		}
	}

	c.transport.Disconnect()
	c.setState(StateFatal)
	err := fmt.Errorf("%w: gave up after %d reconnect attempts: %w", interfaces.ErrChannelFatal, attempts, lastErr)
	c.log.Error("Command channel lost", "err", err)
	c.report(ctx, interfaces.EventChannelFatal, "reconnect attempts exhausted", err)
	return err
}

func (c *Channel) handleChunk(ctx context.Context, chunk Chunk) {
	msg, err := c.reassembler.Add(chunk)
	if err != nil {
		if errors.Is(err, interfaces.ErrResourceExhausted) {
			metrics.RecordReassemblyOverflow()
		}
		c.log.Warn("Discarding inbound message", "topic", chunk.Topic, "err", err)
		return
	}
	if msg == nil {
		return
	}

	if msg.Topic != c.cfg.CommandTopic {
		c.log.Warn("Ignoring message on unexpected topic", "topic", msg.Topic)
		return
	}

	cmd, err := DecodeCommand(msg.Payload)
	if err != nil {
		c.log.Warn("Dropping malformed command", "err", err)
		metrics.RecordCommand("malformed", false)
		c.report(ctx, interfaces.EventCommandDropped, "malformed command", err)
		return
	}

	if err := c.dispatcher.Dispatch(ctx, cmd); err != nil {
		c.log.Warn("Command not executed", "command", cmd.Name(), "err", err)
	}
}

func (c *Channel) publishTelemetry(ctx context.Context) {
	now := time.Now()
	payload, err := encodeTelemetry(DeviceInfo{
		SerialNumber:    c.cfg.DeviceID,
		FirmwareVersion: c.cfg.FirmwareVersion,
	}, c.cfg.Readings.Readings(now), now)
	if err != nil {
		c.log.Error("Could not encode telemetry", "err", err)
		return
	}
	c.publish(ctx, c.cfg.TelemetryTopic, payload)
}

func (c *Channel) publishEvent(ctx context.Context, ev interfaces.Event) {
	msg := eventMessage{
		Time:      ev.Time.Unix(),
		Component: ev.Component,
		Kind:      string(ev.Kind),
		Message:   ev.Message,
		Attrs:     ev.Attrs,
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("Could not encode event", "err", err)
		return
	}
	c.publish(ctx, c.cfg.EventTopic, payload)
}

// publish is best effort and skipped while not connected.
func (c *Channel) publish(ctx context.Context, topic string, payload []byte) {
	if c.State() != StateConnected {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	err := c.transport.Publish(pctx, topic, payload)
	metrics.RecordPublish(topic, err == nil)
	if err != nil {
		c.log.Warn("Publish failed", "topic", topic, "err", err)
	}
}

func (c *Channel) report(ctx context.Context, kind interfaces.EventKind, msg string, err error) {
	c.sink.Report(ctx, interfaces.Event{
		Time:      time.Now(),
		Component: "channel",
		Kind:      kind,
		Message:   msg,
		Err:       err,
	})
}

// timeoutAsNetwork reports an expired connect deadline as a network failure
// unless the caller's own context ended.
func timeoutAsNetwork(ctx context.Context, op string, err error) error {
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return &interfaces.NetworkError{Op: op, Err: err}
	}
	return err
}
