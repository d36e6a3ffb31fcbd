package supervisor

import (
	"context"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ruteri/device-agent/interfaces"
	"github.com/ruteri/device-agent/kms"
	"github.com/ruteri/device-agent/network"
	"github.com/ruteri/device-agent/partition"
	"github.com/ruteri/device-agent/provisioner"
	"github.com/ruteri/device-agent/storage"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const deviceID = "ESP32-001"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCredentials(t *testing.T) *interfaces.CredentialSet {
	t.Helper()
	k, err := kms.NewSimpleKMS([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	creds, err := k.IssueDevice(deviceID)
	require.NoError(t, err)
	return creds
}

// fakeChannel returns scripted results from Run. Once the script is used up
// it stays connected until cancelled.
type fakeChannel struct {
	mu      sync.Mutex
	results []error
	runs    int
}

func (f *fakeChannel) Run(ctx context.Context, onConnected func()) error {
	f.mu.Lock()
	f.runs++
	scripted := len(f.results) > 0
	var err error
	if scripted {
		err = f.results[0]
		f.results = f.results[1:]
	}
	f.mu.Unlock()

	if scripted {
		if errors.Is(err, interfaces.ErrChannelFatal) && onConnected != nil {
			onConnected()
		}
		return err
	}
	if onConnected != nil {
		onConnected()
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeChannel) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

type fixture struct {
	store       *storage.CredentialStore
	provisioner *interfaces.MockProvisioner
	channel     *fakeChannel
	rebooter    *interfaces.MockRebooter
	sink        *interfaces.RecordingSink
}

func newFixture(t *testing.T, channelResults ...error) *fixture {
	t.Helper()
	return &fixture{
		store:       storage.NewCredentialStore(storage.NewMemoryBackend(), testLogger()),
		provisioner: &interfaces.MockProvisioner{},
		channel:     &fakeChannel{results: channelResults},
		rebooter:    &interfaces.MockRebooter{},
		sink:        &interfaces.RecordingSink{},
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		Network:     network.Static{},
		Store:       f.store,
		Provisioner: f.provisioner,
		Channel:     f.channel,
		Rebooter:    f.rebooter,
		Sink:        f.sink,
	}
}

func (f *fixture) provisionInstalls(t *testing.T) {
	creds := testCredentials(t)
	f.provisioner.On("Provision", mock.Anything, deviceID).Return(creds, nil).Run(func(args mock.Arguments) {
		require.NoError(t, f.store.ReplaceAll(args.Get(0).(context.Context), creds.Map()))
	})
}

func fastConfig() Config {
	return Config{
		DeviceID:            deviceID,
		ProvisionRetryDelay: time.Millisecond,
		StartRetryDelay:     time.Millisecond,
		RestartDelay:        time.Millisecond,
	}
}

func TestRun_ProvisionsThenRunsChannel(t *testing.T) {
	f := newFixture(t)
	f.provisionInstalls(t)
	sup := New(fastConfig(), f.deps(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return sup.Phase() == PhaseRunning }, 2*time.Second, time.Millisecond)
	require.True(t, f.store.ExistsAll(context.Background(), interfaces.CredentialKeys))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, PhaseStopped, sup.Phase())
	require.Equal(t, []interfaces.EventKind{interfaces.EventProvisioned}, f.sink.Kinds())
	f.provisioner.AssertNumberOfCalls(t, "Provision", 1)
}

func TestRun_SkipsProvisioningWhenIdentityPresent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.ReplaceAll(context.Background(), testCredentials(t).Map()))
	sup := New(fastConfig(), f.deps(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return sup.Phase() == PhaseRunning }, 2*time.Second, time.Millisecond)
	cancel()
	<-done
	f.provisioner.AssertNotCalled(t, "Provision", mock.Anything, mock.Anything)
}

func TestRun_RetriesProvisioningOnStorageFailure(t *testing.T) {
	f := newFixture(t)
	f.provisioner.On("Provision", mock.Anything, deviceID).
		Return(nil, &interfaces.StorageError{Op: "replace", Err: errors.New("disk full")}).Once()
	f.provisionInstalls(t)
	sup := New(fastConfig(), f.deps(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	require.Eventually(t, func() bool { return sup.Phase() == PhaseRunning }, 2*time.Second, time.Millisecond)
	f.provisioner.AssertNumberOfCalls(t, "Provision", 2)
}

func TestRun_ProvisioningDataErrorIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.provisioner.On("Provision", mock.Anything, deviceID).
		Return(nil, &interfaces.MissingFieldError{Field: interfaces.KeyPublicKey}).Once()
	sup := New(fastConfig(), f.deps(), testLogger())

	err := sup.Run(context.Background())
	var missing *interfaces.MissingFieldError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, PhaseHalted, sup.Phase())
	require.False(t, f.store.ExistsAll(context.Background(), interfaces.CredentialKeys))
	require.Equal(t, 0, f.channel.runCount())
	f.provisioner.AssertExpectations(t)
}

// Ten failed provisioning requests end the sequence without an eleventh.
func TestRun_ProvisioningExhaustedHalts(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	f := newFixture(t)
	client, err := provisioner.NewClient(provisioner.ClientConfig{
		ServerURL:      server.URL,
		RootCA:         pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: server.Certificate().Raw}),
		MaxAttempts:    10,
		RetryDelay:     time.Millisecond,
		AttemptTimeout: time.Second,
	}, f.store, testLogger())
	require.NoError(t, err)

	deps := f.deps()
	deps.Provisioner = client
	sup := New(fastConfig(), deps, testLogger())

	err = sup.Run(context.Background())
	require.ErrorIs(t, err, interfaces.ErrExhausted)
	require.Equal(t, int32(10), hits.Load())
	require.Equal(t, PhaseHalted, sup.Phase())
	require.ErrorIs(t, sup.LastError(), interfaces.ErrExhausted)
	require.Equal(t, []interfaces.EventKind{interfaces.EventProvisionFailed, interfaces.EventSupervisorFatal}, f.sink.Kinds())
	require.Equal(t, 0, f.channel.runCount())
}

func TestRun_RetriesChannelStart(t *testing.T) {
	refused := &interfaces.NetworkError{Op: "connect", Err: errors.New("connection refused")}
	f := newFixture(t, refused, refused)
	require.NoError(t, f.store.ReplaceAll(context.Background(), testCredentials(t).Map()))
	sup := New(fastConfig(), f.deps(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	require.Eventually(t, func() bool { return sup.Phase() == PhaseRunning }, 2*time.Second, time.Millisecond)
	require.Equal(t, 3, f.channel.runCount())
}

func TestRun_ChannelStartAttemptsAreBounded(t *testing.T) {
	refused := &interfaces.NetworkError{Op: "connect", Err: errors.New("connection refused")}
	f := newFixture(t, refused, refused, refused, refused)
	require.NoError(t, f.store.ReplaceAll(context.Background(), testCredentials(t).Map()))
	cfg := fastConfig()
	cfg.StartAttempts = 3
	sup := New(cfg, f.deps(), testLogger())

	err := sup.Run(context.Background())
	require.ErrorIs(t, err, interfaces.ErrNetwork)
	require.Equal(t, 3, f.channel.runCount())
	require.Equal(t, PhaseHalted, sup.Phase())
}

func TestRun_ChannelFatalHaltsByDefault(t *testing.T) {
	fatal := errors.Join(interfaces.ErrChannelFatal, &interfaces.NetworkError{Op: "connect", Err: errors.New("timeout")})
	f := newFixture(t, fatal)
	require.NoError(t, f.store.ReplaceAll(context.Background(), testCredentials(t).Map()))
	sup := New(fastConfig(), f.deps(), testLogger())

	err := sup.Run(context.Background())
	require.ErrorIs(t, err, interfaces.ErrChannelFatal)
	require.Equal(t, 1, f.channel.runCount())
	require.Equal(t, PhaseHalted, sup.Phase())
	require.True(t, f.store.ExistsAll(context.Background(), interfaces.CredentialKeys))
	require.Contains(t, f.sink.Kinds(), interfaces.EventSupervisorFatal)
}

func TestRun_RestartPolicyIsBounded(t *testing.T) {
	fatal := errors.Join(interfaces.ErrChannelFatal, errors.New("broker gone"))
	f := newFixture(t, fatal, fatal, fatal, fatal)
	require.NoError(t, f.store.ReplaceAll(context.Background(), testCredentials(t).Map()))
	cfg := fastConfig()
	cfg.Policy = PolicyRestart
	cfg.MaxRestarts = 2
	sup := New(cfg, f.deps(), testLogger())

	err := sup.Run(context.Background())
	require.ErrorIs(t, err, interfaces.ErrChannelFatal)
	require.Equal(t, 3, f.channel.runCount())
}

func TestRun_RejectedIdentityIsReprovisioned(t *testing.T) {
	rejected := errors.Join(interfaces.ErrChannelFatal, &interfaces.AuthError{Reason: "broker refused the device identity"})
	f := newFixture(t, rejected)
	require.NoError(t, f.store.ReplaceAll(context.Background(), testCredentials(t).Map()))
	f.provisionInstalls(t)
	cfg := fastConfig()
	cfg.Policy = PolicyRestart
	cfg.MaxRestarts = 1
	sup := New(cfg, f.deps(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.channel.runCount() == 2 && sup.Phase() == PhaseRunning
	}, 2*time.Second, time.Millisecond)
	f.provisioner.AssertNumberOfCalls(t, "Provision", 1)
	require.True(t, f.store.ExistsAll(context.Background(), interfaces.CredentialKeys))
}

type fakeBoot struct {
	outcome partition.BootOutcome
	checked error
}

func (b *fakeBoot) ValidateBoot(ctx context.Context, check partition.HealthCheck) (partition.BootOutcome, error) {
	b.checked = check(ctx)
	if b.outcome == partition.BootReverted {
		return b.outcome, b.checked
	}
	return b.outcome, nil
}

func TestRun_RevertedBootReboots(t *testing.T) {
	f := newFixture(t)
	f.rebooter.On("Reboot", "firmware image failed validation").Return(nil).Once()

	deps := f.deps()
	deps.Boot = &fakeBoot{outcome: partition.BootReverted}
	deps.HealthCheck = func(ctx context.Context) error { return errors.New("self test failed") }
	sup := New(fastConfig(), deps, testLogger())

	err := sup.Run(context.Background())
	require.ErrorIs(t, err, ErrBootReverted)
	require.ErrorContains(t, err, "self test failed")
	require.Equal(t, PhaseHalted, sup.Phase())
	require.Equal(t, interfaces.EventBootReverted, f.sink.Kinds()[0])
	require.Equal(t, 0, f.channel.runCount())
	f.rebooter.AssertExpectations(t)
}

func TestRun_ValidatesPendingImageWithRealTable(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	table, err := partition.Open(dir, 0x1000, testLogger())
	require.NoError(t, err)
	session, err := table.Begin(ctx, "ota_1")
	require.NoError(t, err)
	_, err = session.WriteAt([]byte("new image"), 0)
	require.NoError(t, err)
	require.NoError(t, session.Finish())
	require.NoError(t, table.SetBoot(ctx, "ota_1"))

	booted, err := partition.Open(dir, 0x1000, testLogger())
	require.NoError(t, err)

	f := newFixture(t)
	require.NoError(t, f.store.ReplaceAll(ctx, testCredentials(t).Map()))
	deps := f.deps()
	deps.Boot = booted
	sup := New(fastConfig(), deps, testLogger())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = sup.Run(runCtx) }()

	require.Eventually(t, func() bool { return sup.Phase() == PhaseRunning }, 2*time.Second, time.Millisecond)
	require.Equal(t, interfaces.EventBootValidated, f.sink.Kinds()[0])

	running, err := booted.Running(ctx)
	require.NoError(t, err)
	require.Equal(t, "ota_1", running.Label)
	require.Equal(t, interfaces.RoleActive, running.Role)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("restart")
	require.NoError(t, err)
	require.Equal(t, PolicyRestart, p)

	_, err = ParsePolicy("sometimes")
	require.Error(t, err)
}
