package interfaces

import (
	"context"
	"io"
	"sync"

	"github.com/stretchr/testify/mock"
)

// MockRebooter implements Rebooter for testing.
type MockRebooter struct {
	mock.Mock
}

func (m *MockRebooter) Reboot(reason string) error {
	args := m.Called(reason)
	return args.Error(0)
}

// MockUpdateStarter implements UpdateStarter for testing.
type MockUpdateStarter struct {
	mock.Mock
}

func (m *MockUpdateStarter) Start(ctx context.Context, url string, crc uint32) error {
	args := m.Called(ctx, url, crc)
	return args.Error(0)
}

// MockProvisioner implements Provisioner for testing.
type MockProvisioner struct {
	mock.Mock
}

func (m *MockProvisioner) Provision(ctx context.Context, deviceID string) (*CredentialSet, error) {
	args := m.Called(ctx, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*CredentialSet), args.Error(1)
}

// MockDeprovisioner implements Deprovisioner for testing.
type MockDeprovisioner struct {
	mock.Mock
}

func (m *MockDeprovisioner) Deprovision(ctx context.Context, deviceID string) error {
	args := m.Called(ctx, deviceID)
	return args.Error(0)
}

// MockCredentialStore implements CredentialStore for testing.
type MockCredentialStore struct {
	mock.Mock
}

func (m *MockCredentialStore) ExistsAll(ctx context.Context, keys []string) bool {
	args := m.Called(ctx, keys)
	return args.Bool(0)
}

func (m *MockCredentialStore) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockCredentialStore) ReplaceAll(ctx context.Context, values map[string][]byte) error {
	args := m.Called(ctx, values)
	return args.Error(0)
}

func (m *MockCredentialStore) EraseAll(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockCredentialStore) Credentials(ctx context.Context) (*CredentialSet, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*CredentialSet), args.Error(1)
}

// MockFirmwareSource implements FirmwareSource for testing.
type MockFirmwareSource struct {
	mock.Mock
}

func (m *MockFirmwareSource) Open(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	args := m.Called(ctx, url)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(io.ReadCloser), args.Get(1).(int64), args.Error(2)
}

// RecordingSink is an EventSink that keeps every event it receives.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *RecordingSink) Report(ctx context.Context, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of the recorded events.
func (s *RecordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Kinds returns the kinds of the recorded events in order.
func (s *RecordingSink) Kinds() []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]EventKind, 0, len(s.events))
	for _, ev := range s.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}
