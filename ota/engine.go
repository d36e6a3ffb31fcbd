package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/device-agent/cryptoutils"
	"github.com/ruteri/device-agent/interfaces"
	"github.com/ruteri/device-agent/metrics"
	"go.uber.org/atomic"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 3 * time.Second
	DefaultRebootDelay = 3 * time.Second
	DefaultChunkSize   = 4096
)

// Config controls retries and streaming of an update.
type Config struct {
	MaxAttempts int
	RetryDelay  time.Duration
	// RebootDelay is waited between committing the boot target and restarting.
	RebootDelay time.Duration
	ChunkSize   int
}

func (cfg *Config) setDefaults() {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.RebootDelay < 0 {
		cfg.RebootDelay = 0
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
}

// DefaultConfig returns the stock retry and streaming settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		RetryDelay:  DefaultRetryDelay,
		RebootDelay: DefaultRebootDelay,
		ChunkSize:   DefaultChunkSize,
	}
}

// Result describes a committed update.
type Result struct {
	Job       interfaces.OtaJob
	Partition interfaces.Partition
	CRC       uint32
}

// Engine downloads firmware into the inactive partition, verifies its CRC-32
// and switches the boot target. At most one job runs at a time. Once a job is
// committed the engine stays in OtaRebooting and refuses further jobs until
// the process restarts.
type Engine struct {
	cfg      Config
	table    interfaces.PartitionTable
	source   interfaces.FirmwareSource
	rebooter interfaces.Rebooter
	sink     interfaces.EventSink
	log      *slog.Logger

	jobLock   sync.Mutex
	state     atomic.Int32
	committed atomic.Bool

	mu     sync.Mutex
	job    *interfaces.OtaJob
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ interfaces.UpdateStarter = (*Engine)(nil)

func NewEngine(cfg Config, table interfaces.PartitionTable, source interfaces.FirmwareSource, rebooter interfaces.Rebooter, sink interfaces.EventSink, log *slog.Logger) *Engine {
	cfg.setDefaults()
	if sink == nil {
		sink = interfaces.MultiSink{}
	}
	return &Engine{
		cfg:      cfg,
		table:    table,
		source:   source,
		rebooter: rebooter,
		sink:     sink,
		log:      log,
	}
}

// State returns the current job state.
func (e *Engine) State() interfaces.OtaState {
	return interfaces.OtaState(e.state.Load())
}

// CurrentJob returns a copy of the running job, or nil when idle.
func (e *Engine) CurrentJob() *interfaces.OtaJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job == nil {
		return nil
	}
	job := *e.job
	return &job
}

// Start runs an update in the background. It returns interfaces.ErrBusy when a
// job is already running. The job outlives ctx; use Cancel to stop it.
func (e *Engine) Start(ctx context.Context, url string, crc uint32) error {
	if err := e.acquire(); err != nil {
		return err
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.jobLock.Unlock()
		defer cancel()

		if _, err := e.run(jobCtx, url, crc); err != nil {
			e.log.Error("Firmware update failed", "url", url, "err", err)
		}
	}()
	return nil
}

// Update runs an update and waits for it.
func (e *Engine) Update(ctx context.Context, url string, crc uint32) (*Result, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.jobLock.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	return e.run(ctx, url, crc)
}

// acquire takes the job lock unless a job holds it or a committed image is
// waiting for the reboot.
func (e *Engine) acquire() error {
	if !e.jobLock.TryLock() {
		return fmt.Errorf("%w: firmware update", interfaces.ErrBusy)
	}
	if e.committed.Load() {
		e.jobLock.Unlock()
		return fmt.Errorf("%w: firmware update committed, reboot pending", interfaces.ErrBusy)
	}
	return nil
}

// Cancel stops the running job, if any. The partially written slot is discarded.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// Wait blocks until a job started with Start has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) setState(s interfaces.OtaState) {
	e.state.Store(int32(s))
	e.log.Debug("OTA state", "state", s.String())
}

func (e *Engine) run(ctx context.Context, url string, crc uint32) (*Result, error) {
	job := &interfaces.OtaJob{
		ID:          uuid.NewString(),
		SourceURL:   url,
		ExpectedCRC: crc,
		StartedAt:   time.Now(),
	}
	e.mu.Lock()
	e.job = job
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.cancel = nil
		if e.committed.Load() {
			e.mu.Unlock()
			return
		}
		e.job = nil
		e.mu.Unlock()
		e.setState(interfaces.OtaIdle)
	}()

	log := e.log.With("job", job.ID, "url", url, "expected_crc", fmt.Sprintf("0x%08x", crc))
	log.Info("Starting firmware update")

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		e.mu.Lock()
		job.Attempt = attempt
		e.mu.Unlock()

		start := time.Now()
		result, err := e.attempt(ctx, job)
		if err == nil {
			e.committed.Store(true)
			metrics.RecordOtaAttempt("committed", time.Since(start), result.Job.BytesWritten)
			return result, e.commit(ctx, log, result)
		}

		e.setState(interfaces.OtaAborted)
		lastErr = err
		metrics.RecordOtaAttempt(outcome(err), time.Since(start), e.bytesWritten())
		e.sink.Report(ctx, interfaces.Event{
			Time:      time.Now(),
			Component: "ota",
			Kind:      interfaces.EventOtaAttempt,
			Message:   fmt.Sprintf("attempt %d/%d failed", attempt, e.cfg.MaxAttempts),
			Err:       err,
			Attrs:     map[string]string{"job": job.ID, "url": url},
		})
		log.Warn("Firmware update attempt failed", "attempt", attempt, "err", err)

		if ctx.Err() != nil || !interfaces.IsRetryable(err) || attempt == e.cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
		case <-time.After(e.cfg.RetryDelay):
		}
	}

	if ctx.Err() != nil && !errors.Is(lastErr, ctx.Err()) {
		lastErr = errors.Join(lastErr, ctx.Err())
	}
	if interfaces.IsRetryable(lastErr) {
		lastErr = fmt.Errorf("%w: firmware update gave up after %d attempts: %w", interfaces.ErrExhausted, job.Attempt, lastErr)
	}
	e.sink.Report(ctx, interfaces.Event{
		Time:      time.Now(),
		Component: "ota",
		Kind:      interfaces.EventOtaFailed,
		Message:   "firmware update failed",
		Err:       lastErr,
		Attrs:     map[string]string{"job": job.ID, "url": url},
	})
	return nil, lastErr
}

func outcome(err error) string {
	switch {
	case errors.Is(err, interfaces.ErrIntegrity):
		return "crc_mismatch"
	case errors.Is(err, interfaces.ErrStorage):
		return "storage_error"
	case errors.Is(err, interfaces.ErrAuth):
		return "auth_error"
	case errors.Is(err, interfaces.ErrData):
		return "rejected"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "network_error"
	}
}

func (e *Engine) bytesWritten() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job == nil {
		return 0
	}
	return e.job.BytesWritten
}

// attempt streams one copy of the image into the inactive slot and commits the
// boot target when the checksum matches.
func (e *Engine) attempt(ctx context.Context, job *interfaces.OtaJob) (*Result, error) {
	e.setState(interfaces.OtaConnecting)

	target, err := e.table.NextUpdate(ctx)
	if err != nil {
		return nil, &interfaces.StorageError{Op: "resolve update partition", Err: err}
	}

	body, size, err := e.source.Open(ctx, job.SourceURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	if size > target.Size {
		return nil, &interfaces.DataError{Reason: fmt.Sprintf("image of %d bytes does not fit partition %s (%d bytes)", size, target.Label, target.Size)}
	}

	session, err := e.table.Begin(ctx, target.Label)
	if err != nil {
		return nil, &interfaces.StorageError{Op: "begin " + target.Label, Err: err}
	}

	e.mu.Lock()
	job.Target = target
	job.BytesWritten = 0
	job.RunningCRC = 0
	e.mu.Unlock()

	e.setState(interfaces.OtaStreaming)
	crc := cryptoutils.NewCRC32()
	buf := make([]byte, e.cfg.ChunkSize)
	var offset int64

	for {
		if err := ctx.Err(); err != nil {
			session.Abort()
			return nil, err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := session.WriteAt(buf[:n], offset); err != nil {
				session.Abort()
				return nil, &interfaces.StorageError{Op: fmt.Sprintf("write %s at 0x%x", target.Label, offset), Err: err}
			}
			crc.Update(buf[:n])
			offset += int64(n)

			e.mu.Lock()
			job.BytesWritten = offset
			job.RunningCRC = crc.Sum32()
			e.mu.Unlock()
		}

		if errors.Is(readErr, io.EOF) {
			break
		} else if readErr != nil {
			session.Abort()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, cryptoutils.ClassifyTLSError("download firmware", readErr)
		}
	}

	if size >= 0 && offset != size {
		session.Abort()
		return nil, &interfaces.NetworkError{Op: "download firmware", Err: fmt.Errorf("stream ended after %d of %d bytes", offset, size)}
	}

	e.setState(interfaces.OtaVerifying)
	got := crc.Sum32()
	if got != job.ExpectedCRC {
		session.Abort()
		return nil, &interfaces.IntegrityError{Expected: job.ExpectedCRC, Got: got}
	}

	e.setState(interfaces.OtaCommitting)
	if err := session.Finish(); err != nil {
		session.Abort()
		return nil, &interfaces.StorageError{Op: "finish " + target.Label, Err: err}
	}
	if err := e.table.SetBoot(ctx, target.Label); err != nil {
		return nil, &interfaces.StorageError{Op: "set boot " + target.Label, Err: err}
	}

	e.mu.Lock()
	snapshot := *job
	e.mu.Unlock()

	return &Result{Job: snapshot, Partition: target, CRC: got}, nil
}

// commit reports the new boot target and restarts the device after RebootDelay.
func (e *Engine) commit(ctx context.Context, log *slog.Logger, result *Result) error {
	e.setState(interfaces.OtaRebooting)
	log.Info("Firmware update committed",
		"partition", result.Partition.Label,
		"bytes", result.Job.BytesWritten,
		"crc", fmt.Sprintf("0x%08x", result.CRC))

	e.sink.Report(ctx, interfaces.Event{
		Time:      time.Now(),
		Component: "ota",
		Kind:      interfaces.EventOtaCommitted,
		Message:   "boot partition set to " + result.Partition.Label,
		Attrs:     map[string]string{"job": result.Job.ID, "partition": result.Partition.Label},
	})

	select {
	case <-ctx.Done():
		log.Warn("Reboot delay interrupted, restarting now")
	case <-time.After(e.cfg.RebootDelay):
	}

	if err := e.rebooter.Reboot("firmware update to " + result.Partition.Label); err != nil {
		return fmt.Errorf("failed to reboot after update: %w", err)
	}
	return nil
}
