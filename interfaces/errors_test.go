package interfaces

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	cause := errors.New("connection refused")

	tests := []struct {
		name      string
		err       error
		sentinel  error
		retryable bool
	}{
		{"network", &NetworkError{Op: "dial", Err: cause}, ErrNetwork, true},
		{"storage", &StorageError{Op: "set", Err: cause}, ErrStorage, true},
		{"integrity", &IntegrityError{Expected: 1, Got: 2}, ErrIntegrity, true},
		{"auth", &AuthError{Reason: "bad cert", Err: cause}, ErrAuth, false},
		{"data", &DataError{Reason: "not json"}, ErrData, false},
		{"missing field", &MissingFieldError{Field: KeyPublicKey}, ErrData, false},
		{"exhausted wrapping network", fmt.Errorf("%w: %w", ErrExhausted, &NetworkError{Op: "post", Err: cause}), ErrExhausted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			require.ErrorIs(t, wrapped, tt.sentinel)
			require.Equal(t, tt.retryable, IsRetryable(wrapped))
		})
	}

	require.ErrorIs(t, &NetworkError{Op: "dial", Err: cause}, cause)
	require.False(t, IsRetryable(nil))
}

func TestIntegrityErrorMessage(t *testing.T) {
	err := &IntegrityError{Expected: 0x12345678, Got: 0}
	require.Equal(t, "crc32 mismatch: expected 0x12345678, got 0x00000000", err.Error())

	var ie *IntegrityError
	require.True(t, errors.As(fmt.Errorf("attempt 1: %w", err), &ie))
	require.Equal(t, uint32(0x12345678), ie.Expected)
}

func TestCredentialSetFromMap(t *testing.T) {
	full := map[string][]byte{
		KeyRootCA:     []byte("ca"),
		KeyDeviceCert: []byte("cert"),
		KeyPrivateKey: []byte("key"),
		KeyPublicKey:  []byte("pub"),
	}
	creds, err := CredentialSetFromMap(full)
	require.NoError(t, err)
	require.Equal(t, full, creds.Map())

	delete(full, KeyPublicKey)
	_, err = CredentialSetFromMap(full)
	var missing *MissingFieldError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, KeyPublicKey, missing.Field)
}

func TestNewBackendLocation(t *testing.T) {
	loc, err := NewBackendLocation("sqlite:///var/lib/agent/agent.db?sealed=true")
	require.NoError(t, err)
	require.Equal(t, "sqlite", loc.Scheme)
	require.Equal(t, "/var/lib/agent/agent.db", loc.Path)
	require.True(t, loc.GetParamBool("sealed"))

	_, err = NewBackendLocation("ftp://example.com/")
	require.Error(t, err)
}

func TestSinks(t *testing.T) {
	var buf bytes.Buffer
	recorder := &RecordingSink{}
	sink := MultiSink{LogSink{Log: slog.New(slog.NewTextHandler(&buf, nil))}, nil, recorder}

	sink.Report(context.Background(), Event{Component: "ota", Kind: EventOtaFailed, Message: "Update failed", Err: errors.New("crc mismatch")})
	sink.Report(context.Background(), Event{Component: "channel", Kind: EventChannelUp, Message: "Connected", Attrs: map[string]string{"broker": "ssl://b:8883"}})

	require.Equal(t, []EventKind{EventOtaFailed, EventChannelUp}, recorder.Kinds())
	out := buf.String()
	require.Contains(t, out, "level=ERROR")
	require.Contains(t, out, "crc mismatch")
	require.Contains(t, out, "broker=ssl://b:8883")
}
