package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested key is absent from a backend.
	ErrNotFound = errors.New("not found")

	ErrNetwork   = errors.New("network error")
	ErrAuth      = errors.New("authentication error")
	ErrData      = errors.New("malformed data")
	ErrIntegrity = errors.New("integrity check failed")
	ErrStorage   = errors.New("storage error")

	// ErrBusy is returned when an operation is rejected because another one holds the lock.
	ErrBusy = errors.New("operation already in progress")

	// ErrResourceExhausted is returned when a bounded buffer would overflow.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrExhausted is returned once a bounded retry loop has used all of its attempts.
	ErrExhausted = errors.New("retries exhausted")

	// ErrChannelFatal is returned when the command channel gives up reconnecting.
	ErrChannelFatal = errors.New("command channel fatally disconnected")
)

// NetworkError is a transient transport failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error        { return e.Err }
func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// AuthError means TLS material is missing, unusable or rejected by the peer.
// Recovery requires re-provisioning.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("authentication error: %s", e.Reason)
	}
	return fmt.Sprintf("authentication error: %s: %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error        { return e.Err }
func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// DataError is a malformed or incomplete message.
type DataError struct {
	Reason string
	Err    error
}

func (e *DataError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("malformed data: %s", e.Reason)
	}
	return fmt.Sprintf("malformed data: %s: %v", e.Reason, e.Err)
}

func (e *DataError) Unwrap() error        { return e.Err }
func (e *DataError) Is(target error) bool { return target == ErrData }

// MissingFieldError is a DataError for an absent or empty required field.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Field)
}

func (e *MissingFieldError) Is(target error) bool { return target == ErrData }

// IntegrityError reports a checksum mismatch on a firmware image.
type IntegrityError struct {
	Expected uint32
	Got      uint32
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("crc32 mismatch: expected 0x%08x, got 0x%08x", e.Expected, e.Got)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// StorageError is a failed persistence operation. The previous state is preserved.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error        { return e.Err }
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// IsRetryable reports whether err is worth another attempt of the same operation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrData) || errors.Is(err, ErrExhausted) || errors.Is(err, ErrChannelFatal) {
		return false
	}
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrStorage) || errors.Is(err, ErrIntegrity)
}
