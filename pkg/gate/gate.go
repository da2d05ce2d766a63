package gate

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/memledger/internal/observability"
	"github.com/harun/memledger/internal/tracing"
	"github.com/harun/memledger/pkg/canon"
	"github.com/harun/memledger/pkg/errs"
	"github.com/harun/memledger/pkg/ledger"
	"github.com/harun/memledger/pkg/tiers"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultTokenMaxAge = 15 * time.Minute
	DefaultSessionID   = "gate"
	DefaultClaimTTL    = 2 * time.Minute
	DefaultListLimit   = 50
	MaxListLimit       = 1000
)

// PermanentStore is the part of the tier store the gate writes through.
type PermanentStore interface {
	Put(ctx context.Context, req tiers.PutRequest) (tiers.PutResult, error)
	ContentHashes(ctx context.Context, tier tiers.Tier) (map[string]tiers.ContentRef, error)
}

// Auditor records gate actions.
type Auditor interface {
	Append(ctx context.Context, entry ledger.AuditEntry) (ledger.AuditRecord, error)
}

// Config configures a Gate.
type Config struct {
	Root    string
	Store   PermanentStore
	Audit   Auditor
	Secrets SecretProvider
	// TokenMaxAge bounds token validity. Zero uses the default, negative
	// disables expiry.
	TokenMaxAge time.Duration
	Mode        DiversityMode
	PIIRules    []RuleConfig
	// SessionID is the ultra_long session partition approvals write to.
	SessionID string
	ClaimTTL  time.Duration
	Clock     func() time.Time
	Logger    *zerolog.Logger
}

// Gate runs the proposal state machine guarding the permanent tier.
type Gate struct {
	cfg    Config
	repo   *repo
	signer *Signer
	pii    *PIIScanner
	policy DiversityPolicy
	logger zerolog.Logger
}

// New creates a gate storing proposals under cfg.Root.
func New(cfg Config) (*Gate, error) {
	const op = "gate.new"
	observability.EnsureRegistered()

	if cfg.Root == "" {
		return nil, errs.Validation(op, "gate root is required")
	}
	if cfg.Store == nil || cfg.Audit == nil {
		return nil, errs.Validation(op, "store and audit chain are required")
	}
	if cfg.TokenMaxAge == 0 {
		cfg.TokenMaxAge = DefaultTokenMaxAge
	}
	if cfg.TokenMaxAge < 0 {
		cfg.TokenMaxAge = 0
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeDiverse
	}
	if cfg.Mode != ModeDiverse && cfg.Mode != ModeSingleSource {
		return nil, errs.Validation(op, "unknown diversity mode %q", cfg.Mode)
	}
	if cfg.SessionID == "" {
		cfg.SessionID = DefaultSessionID
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "gate").Logger()

	scanner, err := NewPIIScanner(cfg.PIIRules)
	if err != nil {
		return nil, errs.Validation(op, "%s", err.Error())
	}
	r, err := newRepo(cfg.Root)
	if err != nil {
		return nil, errs.Wrap(op, errs.CodeIO, err)
	}

	g := &Gate{
		cfg:    cfg,
		repo:   r,
		signer: NewSigner(cfg.Secrets, cfg.TokenMaxAge, cfg.Clock, logger),
		pii:    scanner,
		policy: PolicyFor(cfg.Mode),
		logger: logger,
	}
	g.refreshPending()
	return g, nil
}

// Signer returns the token signer; it verifies tokens for the tier store.
func (g *Gate) Signer() *Signer {
	return g.signer
}

// Policy returns the active diversity thresholds.
func (g *Gate) Policy() DiversityPolicy {
	return g.policy
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(errs.CodeFor(err))
}

func (g *Gate) begin(ctx context.Context, action, id string) (context.Context, func(*error)) {
	if id != "" {
		ctx = tracing.WithProposalID(ctx, id)
	}
	ctx, span := tracing.StartSpan(ctx, "memledger.gate", "gate."+action,
		attribute.String("proposal_id", id))
	return ctx, func(errp *error) {
		observability.RecordGateTransition(action, resultLabel(*errp))
		tracing.EndSpan(span, *errp)
	}
}

func (g *Gate) refreshPending() {
	matches, err := filepath.Glob(filepath.Join(g.cfg.Root, string(StatePending), "*", "gp-*"+docExt+"*"))
	if err != nil {
		return
	}
	observability.SetGatePending(len(matches))
}

// Propose scans text for PII, evaluates reference diversity and stores a
// pending proposal.
func (g *Gate) Propose(ctx context.Context, req ProposeRequest) (p Proposal, err error) {
	const op = "gate.propose"
	ctx, end := g.begin(ctx, "propose", "")
	defer end(&err)
	logger := tracing.LoggerFromContext(ctx, g.logger)

	if strings.TrimSpace(req.Text) == "" {
		return Proposal{}, errs.Validation(op, "text cannot be empty")
	}
	if strings.TrimSpace(req.Proposer) == "" {
		return Proposal{}, errs.Validation(op, "proposer is required")
	}
	refs := make([]string, 0, len(req.References))
	for i, ref := range req.References {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return Proposal{}, errs.Validation(op, "reference %d is empty", i)
		}
		refs = append(refs, ref)
	}

	scan := g.pii.Scan(req.Text)
	refCountOK, diversityOK, roots := g.policy.Evaluate(refs)

	hashed := req.Text
	switch {
	case req.RedactedText != "":
		hashed = req.RedactedText
	case scan.Detected():
		hashed = scan.Suggestion
	}
	contentHash := canon.HashText(hashed)
	dup, _, err := g.findDuplicate(ctx, contentHash, "")
	if err != nil {
		return Proposal{}, err
	}

	id, err := gonanoid.New()
	if err != nil {
		return Proposal{}, errs.Wrap(op, errs.CodeIO, err)
	}
	now := g.cfg.Clock().UTC()
	p = Proposal{
		ID:                 "gp-" + id,
		CreatedAt:          now,
		UpdatedAt:          now,
		State:              StatePending,
		Proposer:           req.Proposer,
		ScopeID:            req.ScopeID,
		Text:               req.Text,
		RedactedText:       req.RedactedText,
		SuggestedRedaction: scan.Suggestion,
		PIIFlags:           scan.Flags,
		References:         refs,
		ContentHash:        contentHash,
		SourceRoots:        roots,
		Rationale:          req.Rationale,
		Checks: Checks{
			RefCountOK:         refCountOK,
			SourceDiversityOK:  diversityOK,
			PIIDetected:        scan.Detected(),
			RedactionSuggested: scan.Suggestion != "",
			DuplicateDetected:  dup != nil,
		},
	}
	if err := g.repo.create(p); err != nil {
		return Proposal{}, errs.Wrap(op, errs.CodeIO, err)
	}

	_, err = g.cfg.Audit.Append(ctx, ledger.AuditEntry{
		Actor:  p.Proposer,
		Action: "gate.propose",
		ID:     p.ID,
		Meta: map[string]any{
			"content_hash": p.ContentHash,
			"ref_count":    len(p.References),
			"source_roots": p.SourceRoots,
			"pii_flags":    p.PIIFlags,
			"checks":       p.Checks,
		},
	})
	if err != nil {
		if rmErr := g.repo.remove(p); rmErr != nil {
			logger.Error().Err(rmErr).Str("proposal_id", p.ID).Msg("Failed to remove unaudited proposal")
		}
		return Proposal{}, errs.Normalize(op, err)
	}

	g.refreshPending()
	logger.Info().
		Str("proposal_id", p.ID).
		Bool("ref_count_ok", refCountOK).
		Bool("source_diversity_ok", diversityOK).
		Strs("pii_flags", p.PIIFlags).
		Msg("Proposal created")
	return p, nil
}

// findDuplicate looks for contentHash among approved proposals and the
// ultra_long tier. A tier record stamped with selfID is not a duplicate; it
// is returned as recovered so an interrupted approval can finish.
func (g *Gate) findDuplicate(ctx context.Context, contentHash, selfID string) (dup *string, recovered *tiers.ContentRef, err error) {
	const op = "gate.duplicate_check"
	approved, bad, err := g.repo.list(StateApproved)
	if err != nil {
		return nil, nil, errs.Wrap(op, errs.CodeIO, err)
	}
	if len(bad) > 0 {
		g.logger.Warn().Strs("files", bad).Msg("Unreadable approved proposals skipped")
	}
	for _, a := range approved {
		if a.ContentHash == contentHash && a.ID != selfID {
			id := a.ID
			return &id, nil, nil
		}
	}

	hashes, err := g.cfg.Store.ContentHashes(ctx, tiers.UltraLong)
	if err != nil {
		return nil, nil, errs.Normalize(op, err)
	}
	if ref, ok := hashes[contentHash]; ok {
		if selfID != "" && ref.ProposalID == selfID {
			return nil, &ref, nil
		}
		holder := ref.RecordID
		return &holder, nil, nil
	}
	return nil, nil, nil
}

// Patch replaces the redaction of a pending proposal and rehashes it.
func (g *Gate) Patch(ctx context.Context, id, redactedText, actor string) (p Proposal, err error) {
	const op = "gate.patch"
	ctx, end := g.begin(ctx, "patch", id)
	defer end(&err)

	if strings.TrimSpace(redactedText) == "" {
		return Proposal{}, errs.Validation(op, "redacted text cannot be empty")
	}
	if strings.TrimSpace(actor) == "" {
		return Proposal{}, errs.Validation(op, "actor is required")
	}

	c, err := g.repo.claim(op, id)
	if err != nil {
		return Proposal{}, err
	}
	defer c.done()

	prev := c.proposal
	next := prev
	next.RedactedText = redactedText
	next.ContentHash = canon.HashText(redactedText)
	next.UpdatedAt = g.cfg.Clock().UTC()

	return g.commitAndAudit(ctx, op, c, prev, next, ledger.AuditEntry{
		Actor:  actor,
		Action: "gate.patch",
		ID:     id,
		Meta: map[string]any{
			"prev_content_hash": prev.ContentHash,
			"content_hash":      next.ContentHash,
		},
	})
}

// Withdraw moves a pending proposal to withdrawn.
func (g *Gate) Withdraw(ctx context.Context, id, actor string) (p Proposal, err error) {
	const op = "gate.withdraw"
	ctx, end := g.begin(ctx, "withdraw", id)
	defer end(&err)

	if strings.TrimSpace(actor) == "" {
		return Proposal{}, errs.Validation(op, "actor is required")
	}
	c, err := g.repo.claim(op, id)
	if err != nil {
		return Proposal{}, err
	}
	defer c.done()

	prev := c.proposal
	now := g.cfg.Clock().UTC()
	next := prev
	next.State = StateWithdrawn
	next.WithdrawnBy = actor
	next.UpdatedAt = now
	next.DecidedAt = &now

	return g.commitAndAudit(ctx, op, c, prev, next, ledger.AuditEntry{
		Actor:  actor,
		Action: "gate.withdraw",
		ID:     id,
		Meta:   map[string]any{"proposer": prev.Proposer},
	})
}

// Reject moves a pending proposal to rejected. The proposer may reject.
func (g *Gate) Reject(ctx context.Context, req RejectRequest) (p Proposal, err error) {
	const op = "gate.reject"
	ctx, end := g.begin(ctx, "reject", req.ID)
	defer end(&err)

	if strings.TrimSpace(req.Approver) == "" {
		return Proposal{}, errs.Validation(op, "approver is required")
	}
	if strings.TrimSpace(req.Code) == "" {
		return Proposal{}, errs.Validation(op, "reject code is required")
	}
	c, err := g.repo.claim(op, req.ID)
	if err != nil {
		return Proposal{}, err
	}
	defer c.done()

	prev := c.proposal
	now := g.cfg.Clock().UTC()
	next := prev
	next.State = StateRejected
	next.Approver = req.Approver
	next.RejectCode = req.Code
	next.Reason = req.Reason
	next.UpdatedAt = now
	next.DecidedAt = &now

	return g.commitAndAudit(ctx, op, c, prev, next, ledger.AuditEntry{
		Actor:  req.Approver,
		Action: "gate.reject",
		ID:     req.ID,
		Meta:   map[string]any{"code": req.Code, "reason": req.Reason},
	})
}

// commitAndAudit persists next and audits it, restoring prev when the audit
// append fails.
func (g *Gate) commitAndAudit(ctx context.Context, op string, c *claim, prev, next Proposal, entry ledger.AuditEntry) (Proposal, error) {
	logger := tracing.LoggerFromContext(ctx, g.logger)
	if err := c.commit(next); err != nil {
		return Proposal{}, errs.Wrap(op, errs.CodeIO, err)
	}
	if _, err := g.cfg.Audit.Append(ctx, entry); err != nil {
		if rErr := g.repo.revert(prev, next); rErr != nil {
			logger.Error().Err(rErr).Str("proposal_id", prev.ID).Msg("Failed to restore proposal after audit failure")
		}
		return Proposal{}, errs.Normalize(op, err)
	}
	g.refreshPending()
	logger.Info().
		Str("proposal_id", next.ID).
		Str("state", string(next.State)).
		Str("action", entry.Action).
		Msg("Proposal updated")
	return next, nil
}

// Approve runs the approval checks in order (state, four-eyes, evidence,
// PII, duplicate), then writes the final text to the permanent tier with a
// fresh gate token and records the decision.
func (g *Gate) Approve(ctx context.Context, req ApproveRequest) (p Proposal, err error) {
	const op = "gate.approve"
	ctx, end := g.begin(ctx, "approve", req.ID)
	defer end(&err)
	logger := tracing.LoggerFromContext(ctx, g.logger).With().Str("proposal_id", req.ID).Logger()

	if strings.TrimSpace(req.Approver) == "" {
		return Proposal{}, errs.Validation(op, "approver is required")
	}
	runID := req.RunID
	if runID == "" {
		runID = tracing.GetRunID(ctx)
	}

	c, err := g.repo.claim(op, req.ID)
	if err != nil {
		return Proposal{}, err
	}
	defer c.done()

	prev := c.proposal
	deny := func(e error) (Proposal, error) {
		if rErr := c.release(); rErr != nil {
			logger.Error().Err(rErr).Msg("Failed to release proposal claim")
		}
		logger.Info().Err(e).Msg("Approval denied")
		return Proposal{}, e
	}

	if req.Approver == prev.Proposer {
		return deny(errs.New(op, errs.CodeFourEyes, "approver %s proposed %s", req.Approver, prev.ID))
	}
	if !prev.Checks.RefCountOK || !prev.Checks.SourceDiversityOK {
		return deny(errs.New(op, errs.CodeWeakEvidence,
			"%d references from %d roots, need %d from %d",
			len(prev.References), len(prev.SourceRoots), g.policy.MinRefs, g.policy.MinRoots))
	}
	if prev.Checks.PIIDetected && prev.RedactedText == "" {
		return deny(errs.New(op, errs.CodePiiUnresolved, "pii flagged (%s) and no redaction supplied",
			strings.Join(prev.PIIFlags, ",")))
	}

	final := prev.FinalText()
	contentHash := canon.HashText(final)
	dup, recovered, err := g.findDuplicate(ctx, contentHash, prev.ID)
	if err != nil {
		return deny(err)
	}
	if dup != nil {
		return deny(errs.New(op, errs.CodeDuplicate, "content already stored as %s", *dup))
	}

	token := g.signer.Issue(prev.ID, contentHash)
	var ref StoreRef
	if recovered != nil {
		logger.Warn().Str("record_id", recovered.RecordID).Msg("Reusing permanent record from interrupted approval")
		ref = StoreRef{Path: recovered.Path, RecordID: recovered.RecordID}
	} else {
		res, err := g.cfg.Store.Put(ctx, tiers.PutRequest{
			Tier:         tiers.UltraLong,
			ScopeID:      prev.ScopeID,
			SessionID:    g.cfg.SessionID,
			Text:         final,
			References:   prev.References,
			PIIFlags:     prev.PIIFlags,
			GateToken:    token,
			ApprovedHash: contentHash,
		})
		if err != nil {
			return deny(errs.Normalize(op, err))
		}
		ref = StoreRef{Path: res.Path, RecordID: res.Record.ID}
	}

	now := g.cfg.Clock().UTC()
	next := prev
	next.State = StateApproved
	next.Approver = req.Approver
	next.RunID = runID
	next.EvidenceRef = req.EvidenceRef
	next.ContentHash = contentHash
	next.TokenHash = canon.HashText(token)
	next.Store = &ref
	next.UpdatedAt = now
	next.DecidedAt = &now

	if err := c.commit(next); err != nil {
		return Proposal{}, errs.Wrap(op, errs.CodeIO, err)
	}
	g.refreshPending()

	_, err = g.cfg.Audit.Append(ctx, ledger.AuditEntry{
		Actor:  req.Approver,
		Action: "gate.approve",
		ID:     prev.ID,
		Meta: map[string]any{
			"proposer":     prev.Proposer,
			"content_hash": contentHash,
			"store_path":   ref.Path,
			"record_id":    ref.RecordID,
			"run_id":       runID,
			"evidence_ref": req.EvidenceRef,
		},
	})
	if err != nil {
		// The permanent record exists, so the approval stands.
		logger.Error().Err(err).Msg("Approval persisted but audit append failed")
		return next, errs.Normalize(op, err)
	}

	logger.Info().
		Str("approver", req.Approver).
		Str("record_id", ref.RecordID).
		Msg("Proposal approved")
	return next, nil
}

// Get returns a proposal by id.
func (g *Gate) Get(ctx context.Context, id string) (Proposal, error) {
	return g.repo.get("gate.get", id)
}

// List returns proposals newest first.
func (g *Gate) List(ctx context.Context, f ListFilter) ([]Proposal, error) {
	const op = "gate.list"
	if f.State != "" && !f.State.Valid() {
		return nil, errs.Validation(op, "unknown state %q", f.State)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	all, bad, err := g.repo.list(f.State)
	if err != nil {
		return nil, errs.Wrap(op, errs.CodeIO, err)
	}
	if len(bad) > 0 {
		logger := tracing.LoggerFromContext(ctx, g.logger)
		logger.Warn().Strs("files", bad).Msg("Unreadable proposals skipped")
	}
	out := make([]Proposal, 0, limit)
	for _, p := range all {
		if f.Proposer != "" && p.Proposer != f.Proposer {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Stats counts proposals per state.
func (g *Gate) Stats(ctx context.Context) (Stats, error) {
	all, _, err := g.repo.list("")
	if err != nil {
		return Stats{}, errs.Wrap("gate.stats", errs.CodeIO, err)
	}
	claimed, _ := filepath.Glob(filepath.Join(g.cfg.Root, string(StatePending), "*", "gp-*"+docExt+claimSuffix))

	var s Stats
	for _, p := range all {
		switch p.State {
		case StatePending:
			s.Pending++
		case StateApproved:
			s.Approved++
		case StateRejected:
			s.Rejected++
		case StateWithdrawn:
			s.Withdrawn++
		}
	}
	s.Total = len(all)
	s.Claimed = len(claimed)
	observability.SetGatePending(s.Pending)
	return s, nil
}

// RecoverClaims returns claims older than the claim TTL to pending.
func (g *Gate) RecoverClaims(ctx context.Context) (int, error) {
	n, err := g.repo.recoverClaims(g.cfg.ClaimTTL, g.cfg.Clock())
	if err != nil {
		return 0, errs.Wrap("gate.recover_claims", errs.CodeIO, err)
	}
	if n > 0 {
		logger := tracing.LoggerFromContext(ctx, g.logger)
		logger.Warn().Int("claims", n).Msg("Recovered stale proposal claims")
		g.refreshPending()
	}
	return n, nil
}

// IsTokenError reports whether err came from token verification.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrMalformedToken) || errors.Is(err, ErrTokenMismatch) || errors.Is(err, ErrTokenExpired)
}
