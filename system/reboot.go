package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/ruteri/device-agent/interfaces"
)

// DefaultRebootCommand restarts the host through systemd.
var DefaultRebootCommand = []string{"systemctl", "reboot"}

// CommandRebooter reboots by running an external command. Once the command
// has succeeded later requests are no-ops; a failed command is run again on
// the next request.
type CommandRebooter struct {
	Command []string
	Log     *slog.Logger

	mu       sync.Mutex
	rebooted bool
}

var _ interfaces.Rebooter = (*CommandRebooter)(nil)

func NewCommandRebooter(command []string, log *slog.Logger) *CommandRebooter {
	if len(command) == 0 {
		command = DefaultRebootCommand
	}
	return &CommandRebooter{Command: command, Log: log}
}

func (r *CommandRebooter) Reboot(reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rebooted {
		r.Log.Debug("Reboot already requested", "reason", reason)
		return nil
	}

	r.Log.Warn("Rebooting", "reason", reason, "command", strings.Join(r.Command, " "))
	if err := run(context.Background(), r.Command); err != nil {
		r.Log.Error("Reboot command failed", "err", err)
		return err
	}
	r.rebooted = true
	return nil
}

// CommandCheck returns a health check that passes when command exits with status 0.
func CommandCheck(command []string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if len(command) == 0 {
			return nil
		}
		return run(ctx, command)
	}
}

func run(ctx context.Context, command []string) error {
	if len(command) == 0 {
		return errors.New("empty command")
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", command[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
