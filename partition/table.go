package partition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ruteri/device-agent/interfaces"
	"github.com/ruteri/device-agent/storage"
)

const (
	// FirstSlotAddress is the flash offset of ota_0.
	FirstSlotAddress = 0x10000
	// DefaultSlotSize is the size of each firmware slot (1.5MB).
	DefaultSlotSize = 0x180000

	stateFile = "otadata.json"
)

// SlotLabels are the two firmware slots in layout order.
var SlotLabels = []string{"ota_0", "ota_1"}

var (
	ErrRunningPartition = errors.New("refusing to write the running partition")
	ErrUnknownPartition = errors.New("unknown partition")
	ErrNoImage          = errors.New("partition holds no finished image")
	ErrOutOfBounds      = errors.New("write beyond partition end")
)

// otaData is the persisted boot state.
type otaData struct {
	Boot     string                              `json:"boot"`
	Previous string                              `json:"previous,omitempty"`
	Roles    map[string]interfaces.PartitionRole `json:"roles"`
	// BootAttempts counts starts of a pending_verify image without a validation.
	BootAttempts int `json:"boot_attempts,omitempty"`
}

// FileTable is a two-slot partition table kept in a directory: one image file
// per slot and an otadata.json boot state written by atomic rename.
//
// The slot named by the boot pointer when the table is opened is the running slot.
type FileTable struct {
	dir      string
	slotSize int64
	log      *slog.Logger

	mu      sync.Mutex
	state   otaData
	running string
	session *writeSession
}

var _ interfaces.PartitionTable = (*FileTable)(nil)

// Open loads the table in dir, creating a fresh layout with ota_0 active when none exists.
//
// An image left in pending_verify by a previous start that never validated it is
// rolled back, the way a bootloader does.
func Open(dir string, slotSize int64, log *slog.Logger) (*FileTable, error) {
	if slotSize <= 0 {
		slotSize = DefaultSlotSize
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create partition directory: %w", err)
	}

	t := &FileTable{dir: dir, slotSize: slotSize, log: log}

	raw, err := os.ReadFile(filepath.Join(dir, stateFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		t.state = otaData{
			Boot: SlotLabels[0],
			Roles: map[string]interfaces.PartitionRole{
				SlotLabels[0]: interfaces.RoleActive,
				SlotLabels[1]: interfaces.RoleInactive,
			},
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", stateFile, err)
	default:
		if err := json.Unmarshal(raw, &t.state); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", stateFile, err)
		}
		if slotIndex(t.state.Boot) < 0 {
			return nil, fmt.Errorf("%w: boot target %q", ErrUnknownPartition, t.state.Boot)
		}
		if t.state.Roles == nil {
			t.state.Roles = make(map[string]interfaces.PartitionRole, len(SlotLabels))
		}
		for _, label := range SlotLabels {
			if _, ok := t.state.Roles[label]; ok {
				continue
			}
			if label == t.state.Boot {
				t.state.Roles[label] = interfaces.RoleActive
			} else {
				t.state.Roles[label] = interfaces.RoleInactive
			}
		}
	}

	if t.state.Roles[t.state.Boot] == interfaces.RolePendingVerify {
		if t.state.BootAttempts > 0 && t.state.Previous != "" {
			log.Warn("Unvalidated image booted twice, rolling back",
				slog.String("image", t.state.Boot),
				slog.String("fallback", t.state.Previous))
			t.state.Roles[t.state.Boot] = interfaces.RoleInactive
			t.state.Boot, t.state.Previous = t.state.Previous, ""
			t.state.BootAttempts = 0
		} else {
			t.state.BootAttempts++
		}
	}
	t.running = t.state.Boot

	if err := t.persist(); err != nil {
		return nil, err
	}
	return t, nil
}

func slotIndex(label string) int {
	for i, l := range SlotLabels {
		if l == label {
			return i
		}
	}
	return -1
}

func (t *FileTable) partition(label string) interfaces.Partition {
	return interfaces.Partition{
		Label:       label,
		BaseAddress: uint64(FirstSlotAddress + int64(slotIndex(label))*t.slotSize),
		Size:        t.slotSize,
		Role:        t.state.Roles[label],
	}
}

// ImagePath returns the file backing a slot.
func (t *FileTable) ImagePath(label string) string {
	return filepath.Join(t.dir, label+".bin")
}

func (t *FileTable) Running(ctx context.Context) (interfaces.Partition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.partition(t.running), nil
}

// NextUpdate returns the slot that is not running.
func (t *FileTable) NextUpdate(ctx context.Context) (interfaces.Partition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.partition(SlotLabels[1-slotIndex(t.running)]), nil
}

// Partitions returns both slots in layout order.
func (t *FileTable) Partitions() []interfaces.Partition {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]interfaces.Partition, 0, len(SlotLabels))
	for _, label := range SlotLabels {
		out = append(out, t.partition(label))
	}
	return out
}

// BootTarget returns the slot the next restart boots.
func (t *FileTable) BootTarget() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Boot
}

// Begin opens a write session on label. Only one session may be open at a time.
func (t *FileTable) Begin(ctx context.Context, label string) (interfaces.WriteSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if slotIndex(label) < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPartition, label)
	}
	if label == t.running {
		return nil, fmt.Errorf("%w: %s", ErrRunningPartition, label)
	}
	if t.session != nil {
		return nil, fmt.Errorf("%w: write session open on %s", interfaces.ErrBusy, t.session.label)
	}

	f, err := os.OpenFile(t.ImagePath(label)+".partial", os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open partition %s: %w", label, err)
	}

	t.session = &writeSession{table: t, label: label, file: f, limit: t.slotSize}
	t.log.Debug("Opened write session", slog.String("partition", label))
	return t.session, nil
}

// SetBoot points the boot target at label. The slot must hold a finished image.
func (t *FileTable) SetBoot(ctx context.Context, label string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if slotIndex(label) < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownPartition, label)
	}
	role := t.state.Roles[label]
	if role != interfaces.RolePendingVerify && role != interfaces.RoleActive {
		return fmt.Errorf("%w: %s is %s", ErrNoImage, label, role)
	}
	if label == t.state.Boot {
		return nil
	}

	t.state.Previous = t.state.Boot
	t.state.Boot = label
	t.state.BootAttempts = 0
	if err := t.persist(); err != nil {
		return err
	}
	t.log.Info("Boot partition set", slog.String("partition", label), slog.String("previous", t.state.Previous))
	return nil
}

// persist writes the boot state. Callers hold t.mu.
func (t *FileTable) persist() error {
	raw, err := json.MarshalIndent(t.state, "", "  ")
	if err != nil {
		return err
	}
	if err := storage.WriteFileAtomic(filepath.Join(t.dir, stateFile), raw, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", stateFile, err)
	}
	return nil
}

// finishSession installs the staged image and marks the slot pending_verify.
func (t *FileTable) finishSession(s *writeSession) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := os.Rename(s.file.Name(), t.ImagePath(s.label)); err != nil {
		return fmt.Errorf("failed to install image in %s: %w", s.label, err)
	}
	t.state.Roles[s.label] = interfaces.RolePendingVerify
	t.session = nil
	return t.persist()
}

func (t *FileTable) releaseSession(s *writeSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == s {
		t.session = nil
	}
}
