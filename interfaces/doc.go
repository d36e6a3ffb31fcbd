// Package interfaces defines the shared types, error taxonomy and collaborator
// interfaces of the device agent, separating interface definitions from
// implementations.
//
// # Identity Material
//
// CredentialSet carries the four PEM blobs a device needs for its control
// channel (root CA, device certificate, private key, public key). The set is
// persisted under the "certs" namespace and is only ever replaced as a whole.
//
// # Storage Interfaces
//
// KVBackend: namespaced key-value persistence (file, sqlite, vault, memory).
//
// AtomicKVBackend: a KVBackend that can replace a whole namespace in one step.
//
// CredentialStore: all-or-nothing access to the CredentialSet.
//
// # Firmware Update Interfaces
//
// PartitionTable and WriteSession model a two-slot firmware layout where an
// image is written to the inactive slot, verified, and then made the boot
// target. FirmwareSource opens an image stream from a URL.
//
// # Environment Collaborators
//
// NetworkSignal, Rebooter and EventSink abstract the execution environment:
// "network is up", "reboot now" and the operational log/telemetry sink.
//
// # Errors
//
// Errors are classified with errors.Is against the sentinels ErrNetwork,
// ErrAuth, ErrData, ErrIntegrity, ErrStorage, ErrBusy, ErrResourceExhausted,
// ErrExhausted, ErrChannelFatal and ErrNotFound. The typed errors
// (NetworkError, AuthError, DataError, MissingFieldError, IntegrityError,
// StorageError) match their sentinel and unwrap to their cause.
package interfaces
