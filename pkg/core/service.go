package core

import (
	"context"
	"regexp"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/memledger/internal/observability"
	"github.com/harun/memledger/internal/tracing"
	"github.com/harun/memledger/pkg/errs"
	"github.com/harun/memledger/pkg/gate"
	"github.com/harun/memledger/pkg/ledger"
	"github.com/harun/memledger/pkg/retrieval"
	"github.com/harun/memledger/pkg/tiers"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	opCheckpointAppend = "checkpoint.append"
	opCheckpointTail   = "checkpoint.tail"
	opAuditTail        = "audit.tail"
	opVerify           = "ledger.verify"
	opStore            = "tiers.store"
	opSearch           = "retrieval.search"
	opPropose          = "gate.propose"
	opPatch            = "gate.patch"
	opWithdraw         = "gate.withdraw"
	opApprove          = "gate.approve"
	opReject           = "gate.reject"
	opGet              = "gate.get"
	opList             = "gate.list"
	opStats            = "gate.stats"
	opRecoverClaims    = "gate.recover_claims"
	opClearHalt        = "ops.clear_halt"
)

const systemActor = "memledger"

var actorRe = regexp.MustCompile(actorPattern)

// Service owns the ledger, tier store, retrieval engine and gate, and is the
// only entry point callers use. Every method returns an *errs.Error on
// failure; panics inside components are recovered at this boundary.
type Service struct {
	opts   Options
	layout Layout
	logger zerolog.Logger

	checkpoints *ledger.CheckpointChain
	audit       *ledger.AuditChain
	store       *tiers.Store
	engine      *retrieval.Engine
	gate        *gate.Gate

	schemas *schemaSet
	limiter *actorLimiter
	halt    *haltSwitch

	life   sync.RWMutex
	closed atomic.Bool
}

// New builds every component under opts.DataDir.
func New(opts Options) (*Service, error) {
	const op = "core.new"
	observability.EnsureRegistered()

	if opts.DataDir == "" {
		return nil, errs.Validation(op, "data directory is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.WriterID == "" {
		opts.WriterID = systemActor
	}
	layout := LayoutFor(opts.DataDir)

	s := &Service{
		opts:    opts,
		layout:  layout,
		logger:  logger.With().Str("component", "core").Logger(),
		limiter: newActorLimiter(opts.RateLimit),
	}

	var err error
	if s.schemas, err = compileSchemas(); err != nil {
		return nil, errs.Wrap(op, errs.CodeInvalidInput, err)
	}
	if s.halt, err = loadHalt(layout.HaltFile); err != nil {
		return nil, errs.Wrap(op, errs.CodeIO, err)
	}

	s.checkpoints, err = ledger.NewCheckpointChain(ledger.CheckpointConfig{
		Path:         layout.Checkpoints,
		WriterID:     opts.WriterID,
		LockTimeout:  opts.LockTimeout,
		MaxFileBytes: opts.MaxFileBytes,
		Clock:        opts.Clock,
		Logger:       &logger,
	})
	if err != nil {
		return nil, err
	}
	s.audit, err = ledger.NewAuditChain(ledger.AuditConfig{
		Dir:          layout.AuditDir,
		LockTimeout:  opts.LockTimeout,
		MaxFileBytes: opts.MaxFileBytes,
		Clock:        opts.Clock,
		Logger:       &logger,
	})
	if err != nil {
		return nil, err
	}
	s.store, err = tiers.New(tiers.Config{
		Root:         layout.TiersDir,
		LockTimeout:  opts.LockTimeout,
		MaxFileBytes: opts.MaxFileBytes,
		MaxTextBytes: opts.MaxTextBytes,
		DedupWindow:  opts.DedupWindow,
		Watch:        opts.Watch,
		Clock:        opts.Clock,
		Logger:       &logger,
	})
	if err != nil {
		return nil, err
	}

	evidenceDir := layout.EvidenceDir
	if opts.Retrieval.DisableEvidence {
		evidenceDir = ""
	}
	s.engine, err = retrieval.NewEngine(retrieval.Config{
		Store:        s.store,
		EvidenceDir:  evidenceDir,
		MinScore:     opts.Retrieval.MinScore,
		HalfLifeDays: opts.Retrieval.HalfLifeDays,
		ScopeBonus:   opts.Retrieval.ScopeBonus,
		QuorumMin:    opts.Retrieval.QuorumMin,
		QuorumTarget: opts.Retrieval.QuorumTarget,
		MaxFiles:     opts.Retrieval.MaxFiles,
		Clock:        opts.Clock,
		Logger:       &logger,
	})
	if err != nil {
		s.store.Close()
		return nil, err
	}

	s.gate, err = gate.New(gate.Config{
		Root:        layout.GateDir,
		Store:       s.store,
		Audit:       s.audit,
		Secrets:     opts.Gate.Secrets,
		TokenMaxAge: opts.Gate.TokenMaxAge,
		Mode:        opts.Gate.Mode,
		PIIRules:    opts.Gate.PIIRules,
		SessionID:   opts.Gate.SessionID,
		ClaimTTL:    opts.Gate.ClaimTTL,
		Clock:       opts.Clock,
		Logger:      &logger,
	})
	if err != nil {
		s.store.Close()
		return nil, err
	}
	s.store.SetVerifier(s.gate.Signer())

	if st := s.halt.current(); st != nil {
		s.logger.Warn().Str("reason", st.Reason).Time("since", st.Since).Msg("Starting with writes halted")
	}
	s.logger.Info().Str("data_dir", opts.DataDir).Msg("Memory ledger service ready")
	return s, nil
}

// Layout returns where the service keeps its files.
func (s *Service) Layout() Layout {
	return s.layout
}

// Close waits for in-flight operations and releases the store watcher.
// Calls after Close fail with CodeBusy.
func (s *Service) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.life.Lock()
	defer s.life.Unlock()
	err := s.store.Close()
	s.logger.Info().Msg("Memory ledger service closed")
	return err
}

// call describes one operation for run.
type call struct {
	op       string
	actor    string
	mutating bool
	request  interface{}
}

// run applies the boundary rules shared by every operation: lifecycle, run
// context, panic recovery, actor and schema validation, the integrity halt
// and rate limits. Integrity errors from fn open a halt.
func run[T any](s *Service, ctx context.Context, c call, fn func(context.Context) (T, error)) (out T, err error) {
	var zero T
	s.life.RLock()
	defer s.life.RUnlock()
	if s.closed.Load() {
		return zero, errs.New(c.op, errs.CodeBusy, "service is shutting down")
	}

	ctx = tracing.NewOperationContext(ctx, c.actor)
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("op", c.op).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Recovered panic in core operation")
			out, err = zero, errs.New(c.op, errs.CodeIO, "internal failure: %v", r)
		}
	}()

	if c.mutating || c.actor != "" {
		if !actorRe.MatchString(c.actor) {
			return zero, errs.Validation(c.op, "invalid actor %q", c.actor)
		}
	}
	if c.request != nil {
		if vErr := s.schemas.validate(c.op, c.request); vErr != nil {
			return zero, errs.Validation(c.op, "%s", vErr.Error())
		}
	}
	if c.mutating {
		if st := s.halt.current(); st != nil {
			return zero, errs.New(c.op, errs.CodeHalted, "writes halted since %s: %s",
				st.Since.Format(time.RFC3339), st.Reason)
		}
		if !s.limiter.Allow(c.actor) {
			observability.RecordRateLimited(c.op)
			return zero, errs.New(c.op, errs.CodeRateLimited, "actor %s exceeded its request rate", c.actor)
		}
	}

	out, err = fn(ctx)
	if err != nil {
		err = errs.Normalize(c.op, err)
		if errs.KindFor(err) == errs.KindIntegrity && errs.CodeFor(err) != errs.CodeHalted {
			s.tripHalt(ctx, c.op, err.Error())
		}
		logger.Debug().Err(err).Str("code", string(errs.CodeFor(err))).Msg("Operation failed")
	}
	return out, err
}

func (s *Service) tripHalt(ctx context.Context, op, reason string) {
	logger := tracing.LoggerFromContext(ctx, s.logger)
	opened, err := s.halt.trip(HaltState{Reason: reason, Since: s.opts.Clock().UTC(), Op: op})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to persist halt marker")
	}
	if opened {
		logger.Error().Str("op", op).Str("reason", reason).Msg("Integrity incident, writes halted")
	}
}

// checkpoint records a completed mutation in the run log.
func (s *Service) checkpoint(ctx context.Context, scope, decision, nextStep string, evidence ...string) error {
	ev := make([]string, 0, len(evidence))
	for _, e := range evidence {
		if e != "" {
			ev = append(ev, e)
		}
	}
	_, err := s.checkpoints.Append(ctx, ledger.Checkpoint{
		RunID:    tracing.GetRunID(ctx),
		Scope:    scope,
		Decision: decision,
		NextStep: nextStep,
		Evidence: ev,
	})
	return err
}

// Halt returns the open integrity incident, or nil.
func (s *Service) Halt() *HaltState {
	return s.halt.current()
}
