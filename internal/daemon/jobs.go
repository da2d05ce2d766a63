package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/memledger/internal/config"
	"github.com/harun/memledger/internal/tracing"
	"github.com/harun/memledger/pkg/core"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// CheckResult is the outcome of the most recent scheduled verification.
type CheckResult struct {
	At      time.Time `json:"at"`
	OK      bool      `json:"ok"`
	Records int       `json:"records"`
	Error   string    `json:"error,omitempty"`
}

// maintenance is the slice of the service the scheduled jobs need.
type maintenance interface {
	Verify(ctx context.Context) (core.VerifyReport, error)
	RecoverClaims(ctx context.Context) (int, error)
}

type jobs struct {
	svc    maintenance
	logger zerolog.Logger

	mu        sync.RWMutex
	lastCheck *CheckResult
}

func newJobs(svc maintenance, logger zerolog.Logger) *jobs {
	return &jobs{svc: svc, logger: logger}
}

// schedule builds a cron scheduler with the verify and claim recovery jobs.
// An empty spec leaves the job out. Overlapping runs are skipped.
func (j *jobs) schedule(cfg config.DaemonConfig) (*cron.Cron, error) {
	cl := cronLogger{logger: j.logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	if cfg.VerifySchedule != "" {
		if _, err := c.AddFunc(cfg.VerifySchedule, func() {
			j.verify(tracing.WithRunID(context.Background(), tracing.NewRunID()))
		}); err != nil {
			return nil, fmt.Errorf("invalid verify schedule %q: %w", cfg.VerifySchedule, err)
		}
	}
	if cfg.RecoverClaimsSchedule != "" {
		if _, err := c.AddFunc(cfg.RecoverClaimsSchedule, func() {
			j.recoverClaims(tracing.WithRunID(context.Background(), tracing.NewRunID()))
		}); err != nil {
			return nil, fmt.Errorf("invalid recover claims schedule %q: %w", cfg.RecoverClaimsSchedule, err)
		}
	}
	return c, nil
}

func (j *jobs) verify(ctx context.Context) {
	start := time.Now()
	report, err := j.svc.Verify(ctx)

	res := &CheckResult{At: start.UTC(), OK: err == nil && report.OK}
	res.Records = report.Checkpoints.Count + report.Audit.Count
	if err != nil {
		res.Error = err.Error()
	}
	j.mu.Lock()
	j.lastCheck = res
	j.mu.Unlock()

	ev := j.logger.Info()
	if !res.OK {
		ev = j.logger.Error()
	}
	ev.Str("run_id", tracing.GetRunID(ctx)).
		Bool("ok", res.OK).
		Int("records", res.Records).
		Dur("took", time.Since(start)).
		AnErr("error", err).
		Interface("halt", report.Halt).
		Msg("Chain verification finished")
}

func (j *jobs) recoverClaims(ctx context.Context) {
	n, err := j.svc.RecoverClaims(ctx)
	if err != nil {
		j.logger.Warn().Err(err).Str("run_id", tracing.GetRunID(ctx)).Msg("Claim recovery failed")
		return
	}
	if n > 0 {
		j.logger.Info().Int("recovered", n).Str("run_id", tracing.GetRunID(ctx)).Msg("Stale claims returned to pending")
	}
}

func (j *jobs) last() *CheckResult {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.lastCheck == nil {
		return nil
	}
	c := *j.lastCheck
	return &c
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log(l.logger.Debug(), msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log(l.logger.Error().Err(err), msg, keysAndValues...)
}

func (l cronLogger) log(ev *zerolog.Event, msg string, keysAndValues ...interface{}) {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, keysAndValues[i+1])
	}
	ev.Str("component", "cron").Msg(msg)
}
