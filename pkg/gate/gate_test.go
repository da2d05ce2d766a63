package gate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/memledger/pkg/canon"
	"github.com/harun/memledger/pkg/errs"
	"github.com/harun/memledger/pkg/ledger"
	"github.com/harun/memledger/pkg/tiers"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyAuditor fails appends for one action.
type flakyAuditor struct {
	inner  Auditor
	failOn string
}

func (a *flakyAuditor) Append(ctx context.Context, entry ledger.AuditEntry) (ledger.AuditRecord, error) {
	if entry.Action == a.failOn {
		return ledger.AuditRecord{}, errors.New("audit disk full")
	}
	return a.inner.Append(ctx, entry)
}

type fixture struct {
	gate  *Gate
	store *tiers.Store
	audit *ledger.AuditChain
	flaky *flakyAuditor
	clock *testClock
	root  string
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	root := t.TempDir()
	clock := &testClock{now: time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)}
	logger := zerolog.Nop()

	store, err := tiers.New(tiers.Config{
		Root:   filepath.Join(root, "tiers"),
		Clock:  clock.Now,
		Logger: &logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	audit, err := ledger.NewAuditChain(ledger.AuditConfig{
		Dir:    filepath.Join(root, "audit"),
		Clock:  clock.Now,
		Logger: &logger,
	})
	require.NoError(t, err)
	flaky := &flakyAuditor{inner: audit}

	cfg := Config{
		Root:    filepath.Join(root, "gate"),
		Store:   store,
		Audit:   flaky,
		Secrets: StaticSecret("test-secret"),
		Clock:   clock.Now,
		Logger:  &logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := New(cfg)
	require.NoError(t, err)
	store.SetVerifier(g.Signer())

	return &fixture{gate: g, store: store, audit: audit, flaky: flaky, clock: clock, root: root}
}

var diverseRefs = []string{"docs/deploy.md#L4", "docs/runbook.md", "src/deploy/main.go"}

func (f *fixture) propose(t *testing.T, text string, refs []string) Proposal {
	t.Helper()
	p, err := f.gate.Propose(context.Background(), ProposeRequest{
		Text:       text,
		References: refs,
		Proposer:   "alice",
		Rationale:  "seen in three incidents",
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) lastAudit(t *testing.T) ledger.AuditRecord {
	t.Helper()
	tail, err := f.audit.Tail(1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	return tail[0]
}

func (f *fixture) permanentRecords(t *testing.T) []tiers.ScannedRecord {
	t.Helper()
	res, err := f.store.Scan(context.Background(), tiers.ScanOptions{Tiers: []tiers.Tier{tiers.UltraLong}})
	require.NoError(t, err)
	return res.Records
}

func TestGate_ProposeRunsChecks(t *testing.T) {
	f := newFixture(t, nil)

	p := f.propose(t, "deploys use blue/green", diverseRefs)

	assert.Regexp(t, `^gp-[A-Za-z0-9_-]+$`, p.ID)
	assert.Equal(t, StatePending, p.State)
	assert.Equal(t, canon.HashText("deploys use blue/green"), p.ContentHash)
	assert.Equal(t, []string{"docs", "src"}, p.SourceRoots)
	assert.Equal(t, Checks{RefCountOK: true, SourceDiversityOK: true}, p.Checks)
	assert.FileExists(t, filepath.Join(f.root, "gate", "pending", "2026-03-10", p.ID+".json"))

	rec := f.lastAudit(t)
	assert.Equal(t, "gate.propose", rec.Action)
	assert.Equal(t, "alice", rec.Actor)
	assert.Equal(t, p.ID, rec.ID)

	got, err := f.gate.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ContentHash, got.ContentHash)
}

func TestGate_ProposeValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  ProposeRequest
	}{
		{"empty text", ProposeRequest{Text: " ", Proposer: "alice"}},
		{"no proposer", ProposeRequest{Text: "x"}},
		{"blank reference", ProposeRequest{Text: "x", Proposer: "alice", References: []string{"docs/a", ""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.gate.Propose(ctx, tt.req)
			assert.Equal(t, errs.KindValidation, errs.KindFor(err))
		})
	}
}

func TestGate_ProposeFlagsPII(t *testing.T) {
	f := newFixture(t, nil)

	p := f.propose(t, "escalate to oncall@example.com", diverseRefs)

	assert.True(t, p.Checks.PIIDetected)
	assert.True(t, p.Checks.RedactionSuggested)
	assert.Equal(t, []string{"email"}, p.PIIFlags)
	assert.Equal(t, "escalate to ******@example.com", p.SuggestedRedaction)
	assert.Equal(t, "escalate to oncall@example.com", p.Text)
	assert.Equal(t, canon.HashText(p.SuggestedRedaction), p.ContentHash)
	assert.Empty(t, p.RedactedText)
}

func TestGate_ApproveWritesPermanentTier(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.propose(t, "deploys use blue/green", diverseRefs)

	approved, err := f.gate.Approve(ctx, ApproveRequest{
		ID:          p.ID,
		Approver:    "bob",
		RunID:       "run-7",
		EvidenceRef: "evidence/2026-03-10/search-run-7.json",
	})
	require.NoError(t, err)

	assert.Equal(t, StateApproved, approved.State)
	assert.Equal(t, "bob", approved.Approver)
	assert.Equal(t, "run-7", approved.RunID)
	require.NotNil(t, approved.DecidedAt)
	require.NotNil(t, approved.Store)
	assert.FileExists(t, filepath.Join(f.root, "gate", "approved", "2026-03-10", p.ID+".json"))
	assert.NoFileExists(t, filepath.Join(f.root, "gate", "pending", "2026-03-10", p.ID+".json"))

	assert.Regexp(t, `^[0-9a-f]{64}$`, approved.TokenHash)
	stored, err := f.gate.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, approved.TokenHash, stored.TokenHash)

	// A second token for the same approval cannot write again.
	_, err = f.store.Put(ctx, tiers.PutRequest{
		Tier:         tiers.UltraLong,
		SessionID:    "elsewhere",
		Text:         "deploys use blue/green",
		GateToken:    f.gate.Signer().Issue(p.ID, approved.ContentHash),
		ApprovedHash: approved.ContentHash,
	})
	assert.ErrorIs(t, err, errs.ErrGateRequired)

	records := f.permanentRecords(t)
	require.Len(t, records, 1)
	assert.Equal(t, "deploys use blue/green", records[0].Text)
	assert.Equal(t, DefaultSessionID, records[0].SessionID)
	require.NotNil(t, records[0].Gate)
	assert.Equal(t, p.ID, records[0].Gate.ProposalID)
	assert.Equal(t, approved.Store.RecordID, records[0].ID)

	rec := f.lastAudit(t)
	assert.Equal(t, "gate.approve", rec.Action)
	assert.Equal(t, "bob", rec.Actor)
	assert.Equal(t, "run-7", rec.Meta["run_id"])
	assert.Equal(t, approved.Store.RecordID, rec.Meta["record_id"])
}

func TestGate_ApproveDenials(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		refs     []string
		approver string
		code     errs.Code
	}{
		{"four eyes", "deploys use blue/green", diverseRefs, "alice", errs.CodeFourEyes},
		{"two refs one root", "cache ttl is 5m", []string{"docs/a.md", "docs/b.md"}, "bob", errs.CodeWeakEvidence},
		{"three refs one root", "cache ttl is 5m", []string{"docs/a.md", "docs/b.md", "docs/c.md"}, "bob", errs.CodeWeakEvidence},
		{"pii unresolved", "page oncall@example.com", diverseRefs, "bob", errs.CodePiiUnresolved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			p := f.propose(t, tt.text, tt.refs)

			_, err := f.gate.Approve(context.Background(), ApproveRequest{ID: p.ID, Approver: tt.approver})
			require.Error(t, err)
			assert.Equal(t, tt.code, errs.CodeFor(err))

			got, err := f.gate.Get(context.Background(), p.ID)
			require.NoError(t, err)
			assert.Equal(t, StatePending, got.State)
			assert.FileExists(t, filepath.Join(f.root, "gate", "pending", "2026-03-10", p.ID+".json"))
			assert.Empty(t, f.permanentRecords(t))
		})
	}
}

func TestGate_FourEyesCheckedBeforeEvidence(t *testing.T) {
	f := newFixture(t, nil)
	p := f.propose(t, "weak and self approved", []string{"docs/a.md"})

	_, err := f.gate.Approve(context.Background(), ApproveRequest{ID: p.ID, Approver: "alice"})
	assert.ErrorIs(t, err, errs.ErrFourEyesViolation)
}

func TestGate_SingleSourceMode(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Mode = ModeSingleSource })
	p := f.propose(t, "cache ttl is 5m", []string{"docs/a.md", "docs/b.md", "docs/c.md", "docs/d.md"})

	_, err := f.gate.Approve(context.Background(), ApproveRequest{ID: p.ID, Approver: "bob"})
	assert.NoError(t, err)
}

func TestGate_PatchResolvesPII(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.propose(t, "page oncall@example.com", diverseRefs)

	patched, err := f.gate.Patch(ctx, p.ID, "page the oncall alias", "alice")
	require.NoError(t, err)
	assert.Equal(t, StatePending, patched.State)
	assert.Equal(t, canon.HashText("page the oncall alias"), patched.ContentHash)
	assert.Equal(t, "gate.patch", f.lastAudit(t).Action)

	approved, err := f.gate.Approve(ctx, ApproveRequest{ID: p.ID, Approver: "bob"})
	require.NoError(t, err)
	assert.Equal(t, canon.HashText("page the oncall alias"), approved.ContentHash)

	records := f.permanentRecords(t)
	require.Len(t, records, 1)
	assert.Equal(t, "page the oncall alias", records[0].Text)
}

func TestGate_DuplicateApproval(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first := f.propose(t, "deploys use blue/green", diverseRefs)
	second := f.propose(t, "deploys use blue/green", diverseRefs)
	assert.False(t, second.Checks.DuplicateDetected)

	_, err := f.gate.Approve(ctx, ApproveRequest{ID: first.ID, Approver: "bob"})
	require.NoError(t, err)

	third := f.propose(t, "deploys use blue/green", diverseRefs)
	assert.True(t, third.Checks.DuplicateDetected)

	_, err = f.gate.Approve(ctx, ApproveRequest{ID: second.ID, Approver: "bob"})
	assert.ErrorIs(t, err, errs.ErrDuplicate)
	assert.Len(t, f.permanentRecords(t), 1)
}

func TestGate_ApproveRecoversInterruptedWrite(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.propose(t, "deploys use blue/green", diverseRefs)

	// A previous approval wrote the record and died before committing.
	res, err := f.store.Put(ctx, tiers.PutRequest{
		Tier:         tiers.UltraLong,
		SessionID:    DefaultSessionID,
		Text:         p.Text,
		GateToken:    f.gate.Signer().Issue(p.ID, p.ContentHash),
		ApprovedHash: p.ContentHash,
	})
	require.NoError(t, err)

	approved, err := f.gate.Approve(ctx, ApproveRequest{ID: p.ID, Approver: "bob"})
	require.NoError(t, err)
	assert.Equal(t, res.Record.ID, approved.Store.RecordID)
	assert.Len(t, f.permanentRecords(t), 1)
}

func TestGate_TerminalStates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rejected := f.propose(t, "rejected text", diverseRefs)
	_, err := f.gate.Reject(ctx, RejectRequest{ID: rejected.ID, Approver: "bob"})
	assert.Equal(t, errs.KindValidation, errs.KindFor(err))

	out, err := f.gate.Reject(ctx, RejectRequest{ID: rejected.ID, Approver: "bob", Code: "stale", Reason: "superseded"})
	require.NoError(t, err)
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, "stale", out.RejectCode)
	assert.Equal(t, "gate.reject", f.lastAudit(t).Action)

	withdrawn := f.propose(t, "withdrawn text", diverseRefs)
	out, err = f.gate.Withdraw(ctx, withdrawn.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StateWithdrawn, out.State)
	assert.Equal(t, "alice", out.WithdrawnBy)

	for _, id := range []string{rejected.ID, withdrawn.ID} {
		_, err = f.gate.Approve(ctx, ApproveRequest{ID: id, Approver: "bob"})
		assert.ErrorIs(t, err, errs.ErrInvalidState)
		_, err = f.gate.Withdraw(ctx, id, "alice")
		assert.ErrorIs(t, err, errs.ErrInvalidState)
		_, err = f.gate.Patch(ctx, id, "new", "alice")
		assert.ErrorIs(t, err, errs.ErrInvalidState)
	}

	_, err = f.gate.Approve(ctx, ApproveRequest{ID: "gp-missing", Approver: "bob"})
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = f.gate.Get(ctx, "../etc/passwd")
	assert.Equal(t, errs.KindValidation, errs.KindFor(err))
}

func TestGate_AuditFailureRevertsTransition(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.propose(t, "deploys use blue/green", diverseRefs)

	f.flaky.failOn = "gate.reject"
	_, err := f.gate.Reject(ctx, RejectRequest{ID: p.ID, Approver: "bob", Code: "stale"})
	require.Error(t, err)

	got, err := f.gate.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.NoFileExists(t, filepath.Join(f.root, "gate", "rejected", "2026-03-10", p.ID+".json"))

	f.flaky.failOn = ""
	_, err = f.gate.Approve(ctx, ApproveRequest{ID: p.ID, Approver: "bob"})
	assert.NoError(t, err)
}

func TestGate_AuditFailureRemovesProposal(t *testing.T) {
	f := newFixture(t, nil)
	f.flaky.failOn = "gate.propose"

	_, err := f.gate.Propose(context.Background(), ProposeRequest{Text: "x", Proposer: "alice"})
	require.Error(t, err)

	list, err := f.gate.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestGate_ClaimBusyAndRecovery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.propose(t, "deploys use blue/green", diverseRefs)

	doc := filepath.Join(f.root, "gate", "pending", "2026-03-10", p.ID+".json")
	require.NoError(t, os.Rename(doc, doc+claimSuffix))

	_, err := f.gate.Approve(ctx, ApproveRequest{ID: p.ID, Approver: "bob"})
	assert.ErrorIs(t, err, errs.ErrBusy)

	got, err := f.gate.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)

	stats, err := f.gate.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Claimed)

	// Claim age is measured on the gate clock
	claimedAt := f.clock.Now()
	require.NoError(t, os.Chtimes(doc+claimSuffix, claimedAt, claimedAt))

	f.clock.Advance(DefaultClaimTTL - time.Second)
	n, err := f.gate.RecoverClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fresh claims stay")

	f.clock.Advance(2 * time.Second)
	n, err = f.gate.RecoverClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.FileExists(t, doc)

	_, err = f.gate.Approve(ctx, ApproveRequest{ID: p.ID, Approver: "bob"})
	assert.NoError(t, err)
}

func TestGate_ConcurrentApproveSingleWinner(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.propose(t, "deploys use blue/green", diverseRefs)

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.gate.Approve(ctx, ApproveRequest{ID: p.ID, Approver: "bob"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.Contains(t, []errs.Code{errs.CodeInvalidState, errs.CodeBusy}, errs.CodeFor(err))
	}
	assert.Equal(t, 1, ok)
	assert.Len(t, f.permanentRecords(t), 1)
}

func TestGate_ListAndStats(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a := f.propose(t, "first", diverseRefs)
	f.clock.Advance(time.Minute)
	b := f.propose(t, "second", diverseRefs)
	f.clock.Advance(time.Minute)
	c, err := f.gate.Propose(ctx, ProposeRequest{Text: "third", References: diverseRefs, Proposer: "carol"})
	require.NoError(t, err)

	_, err = f.gate.Approve(ctx, ApproveRequest{ID: a.ID, Approver: "bob"})
	require.NoError(t, err)
	_, err = f.gate.Withdraw(ctx, b.ID, "alice")
	require.NoError(t, err)

	all, err := f.gate.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{c.ID, b.ID, a.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	pending, err := f.gate.List(ctx, ListFilter{State: StatePending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, c.ID, pending[0].ID)

	byAlice, err := f.gate.List(ctx, ListFilter{Proposer: "alice", Limit: 1})
	require.NoError(t, err)
	require.Len(t, byAlice, 1)
	assert.Equal(t, b.ID, byAlice[0].ID)

	_, err = f.gate.List(ctx, ListFilter{State: "archived"})
	assert.Equal(t, errs.KindValidation, errs.KindFor(err))

	stats, err := f.gate.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1, Approved: 1, Withdrawn: 1, Total: 3}, stats)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	f := newFixture(t, nil)
	_, err = New(Config{Root: t.TempDir(), Store: f.store, Audit: f.audit, Mode: "random"})
	assert.Error(t, err)

	_, err = New(Config{Root: t.TempDir(), Store: f.store, Audit: f.audit, PIIRules: []RuleConfig{{Name: "x", Pattern: "("}}})
	assert.Error(t, err)
}
