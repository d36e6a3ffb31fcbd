package partition

import (
	"context"
	"log/slog"

	"github.com/ruteri/device-agent/interfaces"
)

// BootOutcome is the result of ValidateBoot.
type BootOutcome int

const (
	// BootUnchanged means the running image was already validated.
	BootUnchanged BootOutcome = iota
	// BootValidated means a pending image passed its health check and is now active.
	BootValidated
	// BootReverted means a pending image failed its health check; the boot
	// pointer is back on the previous slot and the device should restart.
	BootReverted
)

func (o BootOutcome) String() string {
	switch o {
	case BootValidated:
		return "validated"
	case BootReverted:
		return "reverted"
	default:
		return "unchanged"
	}
}

// HealthCheck decides whether a freshly booted image is good.
type HealthCheck func(ctx context.Context) error

// ValidateBoot runs check when the running slot is pending_verify.
//
// On success the running slot becomes active and the other slot inactive. On
// failure the boot pointer is reverted to the previous slot; the caller must
// restart the device. The check error is returned alongside BootReverted.
func (t *FileTable) ValidateBoot(ctx context.Context, check HealthCheck) (BootOutcome, error) {
	t.mu.Lock()
	pending := t.state.Roles[t.running] == interfaces.RolePendingVerify
	t.mu.Unlock()

	if !pending {
		return BootUnchanged, nil
	}

	checkErr := check(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()

	if checkErr == nil {
		for _, label := range SlotLabels {
			if label == t.running {
				t.state.Roles[label] = interfaces.RoleActive
			} else {
				t.state.Roles[label] = interfaces.RoleInactive
			}
		}
		t.state.Previous = ""
		t.state.BootAttempts = 0
		if err := t.persist(); err != nil {
			return BootUnchanged, err
		}
		t.log.Info("Firmware image validated", slog.String("partition", t.running))
		return BootValidated, nil
	}

	fallback := t.state.Previous
	if fallback == "" {
		fallback = SlotLabels[1-slotIndex(t.running)]
	}
	t.state.Roles[t.running] = interfaces.RoleInactive
	t.state.Boot = fallback
	t.state.Previous = ""
	t.state.BootAttempts = 0
	if err := t.persist(); err != nil {
		return BootUnchanged, err
	}
	t.log.Error("Firmware image failed validation, reverting",
		slog.String("partition", t.running),
		slog.String("fallback", fallback),
		"err", checkErr)
	return BootReverted, checkErr
}
