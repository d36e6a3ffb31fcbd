package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/device-agent/interfaces"
	"github.com/ruteri/device-agent/metrics"
	"github.com/ruteri/device-agent/partition"
	"go.uber.org/atomic"
)

// Phase is the supervisor's position in the startup sequence.
type Phase string

const (
	PhaseStarting       Phase = "starting"
	PhaseValidatingBoot Phase = "validating_boot"
	PhaseWaitingNetwork Phase = "waiting_network"
	PhaseProvisioning   Phase = "provisioning"
	PhaseConnecting     Phase = "connecting"
	PhaseRunning        Phase = "running"
	PhaseRestarting     Phase = "restarting"
	PhaseHalted         Phase = "halted"
	PhaseStopped        Phase = "stopped"
)

var phaseNames = []string{
	string(PhaseStarting), string(PhaseValidatingBoot), string(PhaseWaitingNetwork),
	string(PhaseProvisioning), string(PhaseConnecting), string(PhaseRunning),
	string(PhaseRestarting), string(PhaseHalted), string(PhaseStopped),
}

// Policy decides what happens after a fatal failure of the sequence.
type Policy string

const (
	PolicyHalt    Policy = "halt"
	PolicyRestart Policy = "restart"
)

// ParsePolicy accepts "halt" or "restart".
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyHalt, PolicyRestart:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown restart policy %q", s)
	}
}

const (
	DefaultProvisionAttempts   = 3
	DefaultProvisionRetryDelay = 5 * time.Second
	DefaultStartAttempts       = 5
	DefaultStartRetryDelay     = 5 * time.Second
	DefaultMaxRestarts         = 3
	DefaultRestartDelay        = 30 * time.Second
	DefaultBootCheckTimeout    = 60 * time.Second
)

type Config struct {
	DeviceID string

	// ProvisionAttempts bounds runs of the whole provisioning flow. Only
	// retryable failures, such as a failed credential write, are retried.
	ProvisionAttempts   int
	ProvisionRetryDelay time.Duration

	// StartAttempts bounds attempts to bring the command channel up.
	StartAttempts   int
	StartRetryDelay time.Duration

	Policy       Policy
	MaxRestarts  int
	RestartDelay time.Duration

	BootCheckTimeout time.Duration
}

func (cfg *Config) setDefaults() {
	if cfg.ProvisionAttempts <= 0 {
		cfg.ProvisionAttempts = DefaultProvisionAttempts
	}
	if cfg.ProvisionRetryDelay < 0 {
		cfg.ProvisionRetryDelay = 0
	}
	if cfg.StartAttempts <= 0 {
		cfg.StartAttempts = DefaultStartAttempts
	}
	if cfg.StartRetryDelay < 0 {
		cfg.StartRetryDelay = 0
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyHalt
	}
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	if cfg.RestartDelay < 0 {
		cfg.RestartDelay = 0
	}
	if cfg.BootCheckTimeout <= 0 {
		cfg.BootCheckTimeout = DefaultBootCheckTimeout
	}
}

// CommandChannel is the long-running connection to the broker.
type CommandChannel interface {
	Run(ctx context.Context, onConnected func()) error
}

// BootValidator confirms or reverts a freshly installed firmware image.
type BootValidator interface {
	ValidateBoot(ctx context.Context, check partition.HealthCheck) (partition.BootOutcome, error)
}

// Deps are the components the supervisor drives. Boot and HealthCheck are optional.
type Deps struct {
	Network     interfaces.NetworkSignal
	Store       interfaces.CredentialStore
	Provisioner interfaces.Provisioner
	Channel     CommandChannel
	Rebooter    interfaces.Rebooter
	Boot        BootValidator
	HealthCheck partition.HealthCheck
	Sink        interfaces.EventSink
}

// ErrBootReverted is returned when a freshly installed image failed its
// health check and the device was asked to boot the previous image.
var ErrBootReverted = errors.New("firmware image failed validation")

type Supervisor struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	phase   atomic.String
	lastErr atomic.Error
}

func New(cfg Config, deps Deps, log *slog.Logger) *Supervisor {
	cfg.setDefaults()
	if deps.Sink == nil {
		deps.Sink = interfaces.MultiSink{}
	}
	if deps.HealthCheck == nil {
		deps.HealthCheck = func(ctx context.Context) error { return deps.Network.WaitReady(ctx) }
	}
	s := &Supervisor{cfg: cfg, deps: deps, log: log}
	s.setPhase(PhaseStarting)
	return s
}

// Phase returns the current phase.
func (s *Supervisor) Phase() Phase {
	return Phase(s.phase.Load())
}

// LastError returns the most recent failure of the sequence, if any.
func (s *Supervisor) LastError() error {
	return s.lastErr.Load()
}

func (s *Supervisor) setPhase(p Phase) {
	if old := s.phase.Swap(string(p)); old != string(p) {
		s.log.Info("Supervisor phase", "phase", p)
	}
	metrics.SetPhase(string(p), phaseNames)
}

// Run executes the sequence until ctx is done or the configured policy gives
// up. It returns ctx.Err() on cancellation and the fatal error otherwise.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.deps.Boot != nil {
		if err := s.validateBoot(ctx); err != nil {
			if ctx.Err() != nil {
				s.setPhase(PhaseStopped)
				return ctx.Err()
			}
			s.fail(ctx, err)
			s.setPhase(PhaseHalted)
			return err
		}
	}

	restarts := 0
	for {
		err := s.runSequence(ctx)
		if ctx.Err() != nil {
			s.setPhase(PhaseStopped)
			return ctx.Err()
		}
		s.fail(ctx, err)

		if s.cfg.Policy != PolicyRestart || restarts >= s.cfg.MaxRestarts {
			s.log.Error("Agent halted", "policy", s.cfg.Policy, "restarts", restarts, "err", err)
			s.setPhase(PhaseHalted)
			return err
		}

		restarts++
		s.setPhase(PhaseRestarting)
		s.log.Warn("Restarting agent sequence", "restart", restarts, "max", s.cfg.MaxRestarts, "delay", s.cfg.RestartDelay)
		if err := sleep(ctx, s.cfg.RestartDelay); err != nil {
			s.setPhase(PhaseStopped)
			return err
		}
	}
}

func (s *Supervisor) runSequence(ctx context.Context) error {
	s.setPhase(PhaseWaitingNetwork)
	if err := s.deps.Network.WaitReady(ctx); err != nil {
		return fmt.Errorf("waiting for network: %w", err)
	}

	if err := s.ensureProvisioned(ctx); err != nil {
		return err
	}

	err := s.runChannel(ctx)
	if errors.Is(err, interfaces.ErrAuth) && ctx.Err() == nil {
		// The broker rejects this identity; drop it so the next sequence provisions a new one.
		s.log.Warn("Erasing rejected device identity", "err", err)
		if eraseErr := s.deps.Store.EraseAll(ctx); eraseErr != nil {
			s.log.Error("Could not erase device identity", "err", eraseErr)
		}
	}
	return err
}

func (s *Supervisor) ensureProvisioned(ctx context.Context) error {
	if s.deps.Store.ExistsAll(ctx, interfaces.CredentialKeys) {
		s.log.Info("Device identity present", "device_id", s.cfg.DeviceID)
		return nil
	}

	s.setPhase(PhaseProvisioning)
	for attempt := 1; ; attempt++ {
		_, err := s.deps.Provisioner.Provision(ctx, s.cfg.DeviceID)
		if err == nil {
			s.report(ctx, interfaces.EventProvisioned, "device identity installed", nil)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.report(ctx, interfaces.EventProvisionFailed, fmt.Sprintf("provisioning attempt %d failed", attempt), err)
		if !interfaces.IsRetryable(err) || attempt >= s.cfg.ProvisionAttempts {
			return fmt.Errorf("provisioning failed after %d runs: %w", attempt, err)
		}

		s.log.Warn("Provisioning failed, retrying", "attempt", attempt, "delay", s.cfg.ProvisionRetryDelay, "err", err)
		if err := sleep(ctx, s.cfg.ProvisionRetryDelay); err != nil {
			return err
		}
	}
}

// runChannel retries bringing the channel up and returns once a running
// channel stops for good.
func (s *Supervisor) runChannel(ctx context.Context) error {
	s.setPhase(PhaseConnecting)
	for attempt := 1; ; attempt++ {
		err := s.deps.Channel.Run(ctx, func() { s.setPhase(PhaseRunning) })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, interfaces.ErrChannelFatal) {
			return fmt.Errorf("command channel: %w", err)
		}
		if err == nil {
			err = errors.New("command channel stopped")
		}
		if !interfaces.IsRetryable(err) || attempt >= s.cfg.StartAttempts {
			return fmt.Errorf("command channel did not start after %d attempts: %w", attempt, err)
		}

		s.log.Warn("Command channel did not start, retrying", "attempt", attempt, "delay", s.cfg.StartRetryDelay, "err", err)
		if err := sleep(ctx, s.cfg.StartRetryDelay); err != nil {
			return err
		}
	}
}

func (s *Supervisor) validateBoot(ctx context.Context) error {
	s.setPhase(PhaseValidatingBoot)

	check := func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.BootCheckTimeout)
		defer cancel()
		return s.deps.HealthCheck(cctx)
	}

	outcome, err := s.deps.Boot.ValidateBoot(ctx, check)
	switch outcome {
	case partition.BootValidated:
		s.report(ctx, interfaces.EventBootValidated, "firmware image confirmed", nil)
		return nil
	case partition.BootReverted:
		s.report(ctx, interfaces.EventBootReverted, "firmware image failed validation", err)
		if rebootErr := s.deps.Rebooter.Reboot("firmware image failed validation"); rebootErr != nil {
			s.log.Error("Reboot after revert failed", "err", rebootErr)
		}
		return fmt.Errorf("%w: %w", ErrBootReverted, err)
	default:
		if err != nil {
			return fmt.Errorf("boot validation: %w", err)
		}
		return nil
	}
}

func (s *Supervisor) fail(ctx context.Context, err error) {
	s.lastErr.Store(err)
	s.log.Error("Agent sequence failed", "err", err)
	s.report(ctx, interfaces.EventSupervisorFatal, "agent sequence failed", err)
}

func (s *Supervisor) report(ctx context.Context, kind interfaces.EventKind, msg string, err error) {
	s.deps.Sink.Report(ctx, interfaces.Event{
		Time:      time.Now(),
		Component: "supervisor",
		Kind:      kind,
		Message:   msg,
		Err:       err,
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
