package interfaces

import (
	"time"
)

// CredentialNamespace is the key-value namespace identity material lives in.
const CredentialNamespace = "certs"

// Credential keys within CredentialNamespace.
const (
	KeyRootCA     = "root_ca"
	KeyDeviceCert = "device_cert"
	KeyPrivateKey = "private_key"
	KeyPublicKey  = "public_key"
)

// CredentialKeys lists every key a complete CredentialSet consists of.
var CredentialKeys = []string{KeyRootCA, KeyDeviceCert, KeyPrivateKey, KeyPublicKey}

// CredentialSet is the per-device TLS identity.
// Either all four fields are present or the set is considered absent.
type CredentialSet struct {
	RootCA     []byte
	DeviceCert []byte
	PrivateKey []byte
	PublicKey  []byte
}

// Validate returns a MissingFieldError for the first empty field.
func (c *CredentialSet) Validate() error {
	values := c.Map()
	for _, key := range CredentialKeys {
		if len(values[key]) == 0 {
			return &MissingFieldError{Field: key}
		}
	}
	return nil
}

// Map returns the set keyed by its storage keys.
func (c *CredentialSet) Map() map[string][]byte {
	return map[string][]byte{
		KeyRootCA:     c.RootCA,
		KeyDeviceCert: c.DeviceCert,
		KeyPrivateKey: c.PrivateKey,
		KeyPublicKey:  c.PublicKey,
	}
}

// CredentialSetFromMap builds a set from stored values, failing on the first missing key.
func CredentialSetFromMap(values map[string][]byte) (*CredentialSet, error) {
	creds := &CredentialSet{
		RootCA:     values[KeyRootCA],
		DeviceCert: values[KeyDeviceCert],
		PrivateKey: values[KeyPrivateKey],
		PublicKey:  values[KeyPublicKey],
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return creds, nil
}

// PartitionRole is the role of a firmware slot.
type PartitionRole string

const (
	RoleActive        PartitionRole = "active"
	RoleInactive      PartitionRole = "inactive"
	RolePendingVerify PartitionRole = "pending_verify"
)

// Partition describes one firmware slot.
type Partition struct {
	Label       string        `json:"label"`
	BaseAddress uint64        `json:"base_address"`
	Size        int64         `json:"size"`
	Role        PartitionRole `json:"role"`
}

// OtaState is the state of the update engine.
type OtaState int32

const (
	OtaIdle OtaState = iota
	OtaConnecting
	OtaStreaming
	OtaVerifying
	OtaCommitting
	OtaRebooting
	OtaAborted
)

func (s OtaState) String() string {
	switch s {
	case OtaIdle:
		return "idle"
	case OtaConnecting:
		return "connecting"
	case OtaStreaming:
		return "streaming"
	case OtaVerifying:
		return "verifying"
	case OtaCommitting:
		return "committing"
	case OtaRebooting:
		return "rebooting"
	case OtaAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// OtaJob is the single in-flight firmware update.
type OtaJob struct {
	ID           string    `json:"id"`
	SourceURL    string    `json:"source_url"`
	ExpectedCRC  uint32    `json:"expected_crc32"`
	Target       Partition `json:"target_partition"`
	RunningCRC   uint32    `json:"running_crc"`
	BytesWritten int64     `json:"bytes_written"`
	Attempt      int       `json:"attempt"`
	StartedAt    time.Time `json:"started_at"`
}

// EventKind classifies operational events reported to an EventSink.
type EventKind string

const (
	EventProvisioned     EventKind = "provisioned"
	EventProvisionFailed EventKind = "provision_failed"
	EventChannelUp       EventKind = "channel_connected"
	EventChannelFatal    EventKind = "channel_fatal"
	EventCommandDropped  EventKind = "command_dropped"
	EventOtaAttempt      EventKind = "ota_attempt_failed"
	EventOtaCommitted    EventKind = "ota_committed"
	EventOtaFailed       EventKind = "ota_failed"
	EventBootValidated   EventKind = "boot_validated"
	EventBootReverted    EventKind = "boot_reverted"
	EventSupervisorFatal EventKind = "supervisor_fatal"
)

// Event is an operational event forwarded to the log/telemetry sink.
type Event struct {
	Time      time.Time
	Component string
	Kind      EventKind
	Message   string
	Err       error
	Attrs     map[string]string
}
