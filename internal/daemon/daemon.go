package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/memledger/internal/config"
	"github.com/harun/memledger/internal/logger"
	"github.com/harun/memledger/internal/observability"
	"github.com/harun/memledger/internal/tracing"
	"github.com/harun/memledger/pkg/core"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Version is the release reported by the CLI and in trace resources.
const Version = "0.1.0"

// Daemon keeps the ledger service open, verifies the chains on a schedule
// and serves metrics until it is told to stop.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	service   *core.Service
	scheduler *cron.Cron
	jobs      *jobs
	http      *httpServer
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	stopped   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool            `json:"running"`
	Uptime    time.Duration   `json:"uptime"`
	StartTime time.Time       `json:"start_time,omitempty"`
	Halt      *core.HaltState `json:"halt,omitempty"`
	LastCheck *CheckResult    `json:"last_check,omitempty"`
}

// New opens the service and prepares the scheduled jobs. Nothing runs until
// Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config: cfg,
		logger: log,
		log:    *log.Component("daemon"),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		err := tracing.InitOpenTelemetry(tracing.ProviderConfig{
			ServiceName: cfg.Tracing.ServiceName,
			Version:     Version,
			InstanceID:  cfg.WriterID,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			d.log.Info().Msg("Tracing initialized successfully")
		}
	}

	service, err := core.New(cfg.CoreOptions(log.Component("core")))
	if err != nil {
		d.shutdownTracing()
		cancel()
		return nil, fmt.Errorf("failed to open ledger service: %w", err)
	}
	d.service = service
	d.log.Info().Str("data_dir", cfg.DataDir).Msg("Ledger service opened")

	d.jobs = newJobs(service, d.log)
	scheduler, err := d.jobs.schedule(cfg.Daemon)
	if err != nil {
		_ = service.Close()
		d.shutdownTracing()
		cancel()
		return nil, err
	}
	d.scheduler = scheduler

	if cfg.Daemon.MetricsAddr != "" {
		d.http = newHTTPServer(cfg.Daemon.MetricsAddr, d, d.log)
	}
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// Start writes the PID file, runs a startup verification, starts the
// scheduler and the metrics listener.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	if d.stopped {
		d.mu.Unlock()
		return fmt.Errorf("daemon has been stopped")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	runID := tracing.NewRunID()
	logger := d.log.With().Str("run_id", runID).Logger()
	logger.Info().Msg("Starting memledger daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	// A broken chain found here opens the halt before any caller can write.
	d.jobs.verify(tracing.WithRunID(d.ctx, runID))

	if d.http != nil {
		if err := d.http.Start(); err != nil {
			_ = d.lifecycle.Stop()
			d.setStopped()
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		logger.Info().Str("addr", d.http.Addr()).Msg("Metrics server started")
	}

	d.scheduler.Start()
	logger.Info().Int("jobs", len(d.scheduler.Entries())).Msg("Scheduler started")

	logger.Info().Msg("Daemon started successfully")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop drains scheduled jobs and in-flight requests, then closes the
// service. It waits at most daemon.shutdown_timeout_sec for the drain.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.stopped = true
	d.mu.Unlock()

	d.log.Info().Msg("Stopping memledger daemon")

	timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Stop returns a context that is done once running jobs finish.
	jobsDone := d.scheduler.Stop()
	select {
	case <-jobsDone.Done():
		d.log.Info().Msg("Scheduled jobs drained")
	case <-drainCtx.Done():
		d.log.Warn().Msg("Timeout waiting for scheduled jobs to finish")
	}

	if d.http != nil {
		if err := d.http.Stop(drainCtx); err != nil {
			d.log.Error().Err(err).Msg("Failed to stop metrics server")
		}
	}

	d.cancel()

	var firstErr error
	if err := d.service.Close(); err != nil {
		d.log.Error().Err(err).Msg("Failed to close ledger service")
		firstErr = err
	}

	if err := d.lifecycle.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop lifecycle manager")
		if firstErr == nil {
			firstErr = err
		}
	}

	d.shutdownTracing()

	d.log.Info().Msg("Daemon stopped successfully")
	return firstErr
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.log.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	status := Status{
		Running: d.running,
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	d.mu.RUnlock()

	status.Halt = d.service.Halt()
	status.LastCheck = d.jobs.last()
	return status
}

// Run starts the daemon and blocks until ctx is cancelled or SIGINT/SIGTERM
// arrives, then stops it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.log.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-ctx.Done():
		d.log.Info().Msg("Context cancelled")
	}

	return d.Stop()
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetService returns the ledger service the daemon owns
func (d *Daemon) GetService() *core.Service {
	return d.service
}
