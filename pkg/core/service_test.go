package core

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/memledger/pkg/errs"
	"github.com/harun/memledger/pkg/gate"
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

func testOptions(t *testing.T, dir string, clock *testClock) Options {
	t.Helper()
	logger := zerolog.Nop()
	return Options{
		DataDir: dir,
		Gate:    GateOptions{Secrets: gate.StaticSecret("test-secret")},
		Clock:   clock.Now,
		Logger:  &logger,
	}
}

func newTestService(t *testing.T, mutate func(*Options)) (*Service, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)}
	opts := testOptions(t, t.TempDir(), clock)
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, clock
}

var diverseRefs = []string{"docs/deploy.md#L4", "docs/runbook.md", "src/deploy/main.go"}

func TestService_EndToEnd(t *testing.T) {
	svc, clock := newTestService(t, nil)
	ctx := context.Background()

	stored, err := svc.Store(ctx, "alice", StoreRequest{
		Tier:       "short",
		SessionID:  "s1",
		Text:       "rollback uses the previous blue stack",
		References: []string{"docs/rollback.md#L2"},
	})
	require.NoError(t, err)
	assert.Equal(t, tiers.Short, stored.Record.Tier)

	clock.Advance(time.Second)
	found, err := svc.Search(ctx, "", SearchRequest{Text: "rollback blue", K: 5})
	require.NoError(t, err)
	require.Len(t, found.Items, 1)
	assert.Equal(t, stored.Record.ID, found.Items[0].ID)
	assert.FileExists(t, found.EvidencePath)

	p, err := svc.Propose(ctx, "alice", ProposeRequest{Text: "deploys use blue/green", References: diverseRefs})
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Proposer)

	_, err = svc.Approve(ctx, "alice", ApproveRequest{ID: p.ID})
	assert.ErrorIs(t, err, errs.ErrFourEyesViolation)

	approved, err := svc.Approve(ctx, "bob", ApproveRequest{ID: p.ID, EvidenceRef: found.EvidencePath})
	require.NoError(t, err)
	assert.Equal(t, gate.StateApproved, approved.State)
	assert.NotEmpty(t, approved.RunID)

	permanent, err := svc.Search(ctx, "", SearchRequest{Text: "deploys blue green", Tiers: []tiers.Tier{tiers.UltraLong}})
	require.NoError(t, err)
	require.Len(t, permanent.Items, 1)
	assert.Equal(t, approved.Store.RecordID, permanent.Items[0].ID)

	cps, err := svc.TailCheckpoints(ctx, 10)
	require.NoError(t, err)
	decisions := []string{}
	for _, cp := range cps {
		decisions = append(decisions, cp.Decision)
	}
	assert.Equal(t, []string{opStore, opPropose, opApprove}, decisions)
	assert.Equal(t, approved.RunID, cps[2].RunID)

	audit, err := svc.TailAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, "gate.propose", audit[0].Action)
	assert.Equal(t, "gate.approve", audit[1].Action)

	report, err := svc.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 3, report.Checkpoints.Count)
	assert.Nil(t, report.Halt)

	stats, err := svc.GateStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Approved)
}

func TestService_GateTokenSingleUse(t *testing.T) {
	svc, clock := newTestService(t, nil)
	ctx := context.Background()
	text := "deploys use blue/green"

	p, err := svc.Propose(ctx, "alice", ProposeRequest{Text: text, References: diverseRefs})
	require.NoError(t, err)
	approved, err := svc.Approve(ctx, "bob", ApproveRequest{ID: p.ID})
	require.NoError(t, err)

	got, err := svc.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9a-f]{64}$`, got.TokenHash)
	assert.NotContains(t, got.TokenHash, "gt.")

	// A valid token for an approval that already wrote is refused.
	token := svc.gate.Signer().Issue(p.ID, approved.ContentHash)
	for i := 0; i < 2; i++ {
		clock.Advance(3 * time.Second)
		_, err = svc.Store(ctx, "mallory", StoreRequest{
			Tier:         "ultra_long",
			SessionID:    "s1",
			Text:         text,
			GateToken:    token,
			ApprovedHash: approved.ContentHash,
		})
		assert.ErrorIs(t, err, errs.ErrGateRequired)
	}

	permanent, err := svc.Search(ctx, "", SearchRequest{Text: "deploys blue green", Tiers: []tiers.Tier{tiers.UltraLong}})
	require.NoError(t, err)
	assert.Len(t, permanent.Items, 1)
}

func TestService_DirectPermanentWriteRefused(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.Store(context.Background(), "alice", StoreRequest{Tier: "ultra_long", SessionID: "s1", Text: "sneaky"})
	assert.ErrorIs(t, err, errs.ErrGateRequired)
}

func TestService_SchemaValidation(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"unknown tier", func() error {
			_, err := svc.Store(ctx, "alice", StoreRequest{Tier: "forever", SessionID: "s1", Text: "x"})
			return err
		}},
		{"missing session", func() error {
			_, err := svc.Store(ctx, "alice", StoreRequest{Tier: "short", Text: "x"})
			return err
		}},
		{"blank text", func() error {
			_, err := svc.Store(ctx, "alice", StoreRequest{Tier: "short", SessionID: "s1", Text: "   "})
			return err
		}},
		{"nested weight", func() error {
			_, err := svc.Store(ctx, "alice", StoreRequest{Tier: "short", SessionID: "s1", Text: "x",
				Weight: map[string]any{"nested": map[string]any{"a": 1}}})
			return err
		}},
		{"empty query", func() error {
			_, err := svc.Search(ctx, "", SearchRequest{})
			return err
		}},
		{"negative k", func() error {
			_, err := svc.Search(ctx, "", SearchRequest{Text: "x", K: -1})
			return err
		}},
		{"bad proposal id", func() error {
			_, err := svc.Approve(ctx, "bob", ApproveRequest{ID: "../../etc"})
			return err
		}},
		{"reject without code", func() error {
			_, err := svc.Reject(ctx, "bob", RejectRequest{ID: "gp-abc"})
			return err
		}},
		{"unknown state", func() error {
			_, err := svc.ListProposals(ctx, ListRequest{State: "archived"})
			return err
		}},
		{"missing actor", func() error {
			_, err := svc.Propose(ctx, "", ProposeRequest{Text: "x"})
			return err
		}},
		{"actor with spaces", func() error {
			_, err := svc.Propose(ctx, "alice smith", ProposeRequest{Text: "x"})
			return err
		}},
		{"checkpoint without decision", func() error {
			_, err := svc.AppendCheckpoint(ctx, "alice", CheckpointRequest{RunID: "r1"})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.Equal(t, errs.KindValidation, errs.KindFor(err))
			_, ok := errs.As(err)
			assert.True(t, ok)
		})
	}
}

func TestService_RateLimitPerActor(t *testing.T) {
	svc, _ := newTestService(t, func(o *Options) {
		o.RateLimit = RateLimitOptions{PerSecond: 0.001, Burst: 2}
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.AppendCheckpoint(ctx, "alice", CheckpointRequest{Decision: "step", Evidence: []string{string(rune('a' + i))}})
		require.NoError(t, err)
	}
	_, err := svc.AppendCheckpoint(ctx, "alice", CheckpointRequest{Decision: "step", Evidence: []string{"c"}})
	assert.ErrorIs(t, err, errs.ErrRateLimited)
	assert.Equal(t, errs.KindResource, errs.KindFor(err))

	_, err = svc.AppendCheckpoint(ctx, "bob", CheckpointRequest{Decision: "step", Evidence: []string{"d"}})
	assert.NoError(t, err)

	// Reads are not limited.
	_, err = svc.TailCheckpoints(ctx, 1)
	assert.NoError(t, err)
}

func TestService_CheckpointDuplicate(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	req := CheckpointRequest{RunID: "run-1", Scope: "deploy", Decision: "ship", NextStep: "watch"}

	rec, err := svc.AppendCheckpoint(ctx, "alice", req)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Seq)
	assert.Equal(t, systemActor, rec.Writer)

	_, err = svc.AppendCheckpoint(ctx, "alice", req)
	assert.ErrorIs(t, err, errs.ErrDuplicateDetected)
	assert.Nil(t, svc.Halt())
}

func TestService_IntegrityHalt(t *testing.T) {
	dir := t.TempDir()
	clock := &testClock{now: time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)}
	svc, err := New(testOptions(t, dir, clock))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.Store(ctx, "alice", StoreRequest{Tier: "short", SessionID: "s1", Text: "alpha"})
	require.NoError(t, err)

	path := svc.Layout().Checkpoints
	original, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(original), `"decision":"tiers.store"`, `"decision":"tampered"`, 1)
	require.NotEqual(t, string(original), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0600))

	report, err := svc.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, report.OK)
	require.NotNil(t, report.Checkpoints.BreakIndex)
	assert.Equal(t, 0, *report.Checkpoints.BreakIndex)
	require.NotNil(t, report.Halt)
	assert.FileExists(t, svc.Layout().HaltFile)

	_, err = svc.Store(ctx, "alice", StoreRequest{Tier: "short", SessionID: "s1", Text: "beta"})
	assert.ErrorIs(t, err, errs.ErrHalted)
	assert.Equal(t, errs.KindIntegrity, errs.KindFor(err))
	_, err = svc.Propose(ctx, "alice", ProposeRequest{Text: "x"})
	assert.ErrorIs(t, err, errs.ErrHalted)

	_, err = svc.Search(ctx, "", SearchRequest{Text: "alpha"})
	assert.NoError(t, err, "reads continue while halted")

	require.NoError(t, svc.Close())
	svc, err = New(testOptions(t, dir, clock))
	require.NoError(t, err)
	defer svc.Close()
	require.NotNil(t, svc.Halt(), "halt survives restart")

	_, err = svc.ClearHalt(ctx, "oncall", "investigating")
	assert.ErrorIs(t, err, errs.ErrChainBroken)
	require.NotNil(t, svc.Halt())

	require.NoError(t, os.WriteFile(path, original, 0600))
	report, err = svc.ClearHalt(ctx, "oncall", "restored from backup")
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Nil(t, svc.Halt())
	assert.NoFileExists(t, svc.Layout().HaltFile)

	audit, err := svc.TailAudit(ctx, 1)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, opClearHalt, audit[0].Action)
	assert.Equal(t, "oncall", audit[0].Actor)

	_, err = svc.Store(ctx, "alice", StoreRequest{Tier: "short", SessionID: "s1", Text: "beta"})
	assert.NoError(t, err)
}

func TestService_CorruptTailHaltsWrites(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.AppendCheckpoint(ctx, "alice", CheckpointRequest{Decision: "first"})
	require.NoError(t, err)

	f, err := os.OpenFile(svc.Layout().Checkpoints, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{\"run_id\":\"half\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err := svc.Store(ctx, "alice", StoreRequest{Tier: "short", SessionID: "s1", Text: "alpha"})
	assert.ErrorIs(t, err, errs.ErrCorruptTail)
	assert.NotEmpty(t, res.Record.ID, "the record itself was stored")
	require.NotNil(t, svc.Halt())

	_, err = svc.Store(ctx, "alice", StoreRequest{Tier: "short", SessionID: "s2", Text: "beta"})
	assert.ErrorIs(t, err, errs.ErrHalted)
}

func TestService_RecoversPanics(t *testing.T) {
	svc, _ := newTestService(t, nil)

	out, err := run(svc, context.Background(), call{op: "test.panic"}, func(ctx context.Context) (int, error) {
		panic("boom")
	})
	assert.Zero(t, out)
	require.Error(t, err)
	assert.Equal(t, errs.CodeIO, errs.CodeFor(err))
	assert.Contains(t, err.Error(), "boom")
	assert.Nil(t, svc.Halt())
}

func TestService_Close(t *testing.T) {
	svc, _ := newTestService(t, nil)
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	_, err := svc.GateStats(context.Background())
	assert.ErrorIs(t, err, errs.ErrBusy)
}

func TestNew_RequiresDataDir(t *testing.T) {
	_, err := New(Options{})
	assert.Equal(t, errs.KindValidation, errs.KindFor(err))
}
