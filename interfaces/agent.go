package interfaces

import (
	"context"
	"io"
	"log/slog"
)

// PartitionTable is the two-slot firmware layout.
type PartitionTable interface {
	// Running returns the slot the current image booted from.
	Running(ctx context.Context) (Partition, error)
	// NextUpdate returns the slot the next image should be written to.
	NextUpdate(ctx context.Context) (Partition, error)
	// Begin opens a write session on a slot. The running slot is refused.
	Begin(ctx context.Context, label string) (WriteSession, error)
	// SetBoot makes label the boot target for the next restart.
	SetBoot(ctx context.Context, label string) error
}

// WriteSession streams an image into a slot.
type WriteSession interface {
	io.WriterAt
	// Finish flushes the image and marks the slot pending_verify.
	Finish() error
	// Abort discards the written data. Calling it more than once is safe.
	Abort() error
}

// FirmwareSource opens a firmware image stream.
// size is -1 when the source does not announce a length.
type FirmwareSource interface {
	Open(ctx context.Context, url string) (body io.ReadCloser, size int64, err error)
}

// Provisioner obtains and persists the device identity.
type Provisioner interface {
	Provision(ctx context.Context, deviceID string) (*CredentialSet, error)
}

// Deprovisioner notifies the backend that a device is dropping its identity.
type Deprovisioner interface {
	Deprovision(ctx context.Context, deviceID string) error
}

// UpdateStarter starts a firmware update without waiting for it.
type UpdateStarter interface {
	Start(ctx context.Context, url string, crc uint32) error
}

// Rebooter restarts the device.
type Rebooter interface {
	Reboot(reason string) error
}

// NetworkSignal blocks until the network is usable.
type NetworkSignal interface {
	WaitReady(ctx context.Context) error
}

// EventSink receives operational events. Implementations must not block for long.
type EventSink interface {
	Report(ctx context.Context, ev Event)
}

// MultiSink fans an event out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Report(ctx context.Context, ev Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Report(ctx, ev)
		}
	}
}

// LogSink writes events to a logger. Events carrying an error are logged at error level.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Report(ctx context.Context, ev Event) {
	args := []any{"component", ev.Component, "kind", ev.Kind}
	for k, v := range ev.Attrs {
		args = append(args, k, v)
	}
	if ev.Err != nil {
		args = append(args, "err", ev.Err)
		s.Log.Error(ev.Message, args...)
		return
	}
	s.Log.Info(ev.Message, args...)
}
