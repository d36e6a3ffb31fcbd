package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/device-agent/interfaces"
	"github.com/ruteri/device-agent/metrics"
)

// DefaultDeprovisionTimeout bounds the best-effort deprovision call made on factory reset.
const DefaultDeprovisionTimeout = 10 * time.Second

// Dispatcher executes decoded commands against the agent's collaborators.
type Dispatcher struct {
	DeviceID      string
	Updates       interfaces.UpdateStarter
	Rebooter      interfaces.Rebooter
	Store         interfaces.CredentialStore
	Deprovisioner interfaces.Deprovisioner // optional
	Sink          interfaces.EventSink
	Log           *slog.Logger

	DeprovisionTimeout time.Duration
}

// Dispatch runs cmd. OTA commands only start the update; the returned error
// says whether the command was accepted, not whether the update succeeded.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) error {
	err := d.dispatch(ctx, cmd)
	metrics.RecordCommand(cmd.Name(), err == nil)
	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case OTACommand:
		d.Log.Info("Starting firmware update", "url", c.URL, "crc", fmt.Sprintf("0x%08x", c.CRC))
		if err := d.Updates.Start(ctx, c.URL, c.CRC); err != nil {
			if errors.Is(err, interfaces.ErrBusy) {
				d.Log.Warn("Firmware update already in progress, ignoring command", "url", c.URL)
			}
			return err
		}
		return nil

	case RestartCommand:
		d.Log.Info("Restart requested")
		return d.Rebooter.Reboot("restart command")

	case FactoryResetCommand:
		return d.factoryReset(ctx)

	case UnknownCommand:
		d.Log.Warn("Dropping unknown command", "command", c.Command)
		d.report(ctx, interfaces.EventCommandDropped, "unknown command "+c.Command, nil)
		return &interfaces.DataError{Reason: fmt.Sprintf("unknown command %q", c.Command)}

	default:
		return &interfaces.DataError{Reason: fmt.Sprintf("unsupported command type %T", cmd)}
	}
}

// factoryReset notifies the provisioning server, erases the identity and
// reboots. The reboot is skipped when the erase fails.
func (d *Dispatcher) factoryReset(ctx context.Context) error {
	d.Log.Warn("Factory reset requested")

	if d.Deprovisioner != nil {
		timeout := d.DeprovisionTimeout
		if timeout <= 0 {
			timeout = DefaultDeprovisionTimeout
		}
		dctx, cancel := context.WithTimeout(ctx, timeout)
		err := d.Deprovisioner.Deprovision(dctx, d.DeviceID)
		cancel()
		if err != nil {
			d.Log.Warn("Deprovisioning failed, erasing credentials anyway", "err", err)
		}
	}

	if err := d.Store.EraseAll(ctx); err != nil {
		d.Log.Error("Could not erase credentials, not rebooting", "err", err)
		return fmt.Errorf("factory reset: %w", err)
	}

	return d.Rebooter.Reboot("factory reset")
}

func (d *Dispatcher) report(ctx context.Context, kind interfaces.EventKind, msg string, err error) {
	if d.Sink == nil {
		return
	}
	d.Sink.Report(ctx, interfaces.Event{
		Time:      time.Now(),
		Component: "channel",
		Kind:      kind,
		Message:   msg,
		Err:       err,
	})
}
