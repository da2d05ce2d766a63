package retrieval

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/memledger/internal/tracing"
	"github.com/harun/memledger/pkg/errs"
	"github.com/harun/memledger/pkg/tiers"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeScanner struct {
	records  []tiers.ScannedRecord
	failures []tiers.FileFailure
	err      error
	lastOpts tiers.ScanOptions
}

func (f *fakeScanner) Scan(_ context.Context, opts tiers.ScanOptions) (tiers.ScanResult, error) {
	f.lastOpts = opts
	if f.err != nil {
		return tiers.ScanResult{}, f.err
	}
	return tiers.ScanResult{Records: f.records, Files: 1, Failures: f.failures}, nil
}

func rec(id string, tier tiers.Tier, text string, age time.Duration, refs ...string) tiers.ScannedRecord {
	return tiers.ScannedRecord{
		MemoryRecord: tiers.MemoryRecord{
			ID:         id,
			Tier:       tier,
			Text:       text,
			Timestamp:  testNow.Add(-age),
			References: refs,
			SessionID:  "s",
		},
		Path: "/tmp/" + id,
	}
}

func newTestEngine(t *testing.T, scanner Scanner, mutate func(*Config)) *Engine {
	t.Helper()
	logger := zerolog.Nop()
	cfg := Config{
		Store:  scanner,
		Clock:  func() time.Time { return testNow },
		Logger: &logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	return engine
}

func TestEngine_AlphaScenarioAgainstStore(t *testing.T) {
	logger := zerolog.Nop()
	store, err := tiers.New(tiers.Config{
		Root:   filepath.Join(t.TempDir(), "tiers"),
		Clock:  func() time.Time { return testNow },
		Logger: &logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	_, err = store.Put(ctx, putFixture(tiers.Short, "alpha rollout finished", testNow.Add(-2*time.Hour), "docs/a.md#L1-2", "notes/b.md#L4"))
	require.NoError(t, err)
	_, err = store.Put(ctx, putFixture(tiers.Medium, "beta cluster drained", testNow.Add(-24*time.Hour)))
	require.NoError(t, err)
	_, err = store.Put(ctx, putFixture(tiers.Long, "gamma budget approved", testNow.Add(-72*time.Hour)))
	require.NoError(t, err)

	engine := newTestEngine(t, store, nil)

	res, err := engine.Search(ctx, Query{Text: "alpha"})
	require.NoError(t, err)
	assert.False(t, res.NoHit)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "alpha rollout finished", res.Items[0].Text)
	assert.Equal(t, 1, res.Quorum.Returned)
	assert.True(t, res.Quorum.Met)
	assert.False(t, res.Quorum.TargetMet)
	assert.Greater(t, res.Items[0].Score, DefaultMinScore)

	miss, err := engine.Search(ctx, Query{Text: "zeta"})
	require.NoError(t, err)
	assert.True(t, miss.NoHit)
	assert.Empty(t, miss.Items)
	assert.Equal(t, 0, miss.Quorum.Returned)
	assert.False(t, miss.Quorum.Met)
}

func putFixture(tier tiers.Tier, text string, ts time.Time, refs ...string) tiers.PutRequest {
	return tiers.PutRequest{Tier: tier, SessionID: "s1", Text: text, Timestamp: ts, References: refs}
}

func TestEngine_ThresholdDiscardsWeakMatches(t *testing.T) {
	scanner := &fakeScanner{records: []tiers.ScannedRecord{
		rec("weak", tiers.UltraLong, "t1", 365*24*time.Hour),
		rec("strong", tiers.Short, "t1 t2 t3 t4 t5", time.Hour),
	}}
	engine := newTestEngine(t, scanner, nil)

	res, err := engine.Search(context.Background(), Query{Text: "t1 t2 t3 t4 t5 t6 t7 t8 t9 t10"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "strong", res.Items[0].ID)
	assert.Equal(t, 1, res.Candidates)
}

func TestEngine_MinScoreOverride(t *testing.T) {
	scanner := &fakeScanner{records: []tiers.ScannedRecord{
		rec("a", tiers.Short, "deploy", time.Hour),
	}}
	engine := newTestEngine(t, scanner, nil)

	res, err := engine.Search(context.Background(), Query{Text: "deploy", MinScore: 5})
	require.NoError(t, err)
	assert.True(t, res.NoHit)
}

func TestEngine_SortsAndDedupesBySource(t *testing.T) {
	scanner := &fakeScanner{records: []tiers.ScannedRecord{
		rec("old", tiers.Short, "deploy plan", 10*24*time.Hour, "docs/deploy.md#L1-5"),
		rec("new", tiers.Short, "deploy plan", time.Hour, "docs/deploy.md#L9-12"),
		rec("other", tiers.Long, "deploy", 2*24*time.Hour, "docs/other.md#L1"),
		rec("norefs", tiers.Medium, "deploy plan", 3*24*time.Hour),
	}}
	engine := newTestEngine(t, scanner, nil)

	res, err := engine.Search(context.Background(), Query{Text: "deploy plan"})
	require.NoError(t, err)

	ids := make([]string, 0, len(res.Items))
	for _, it := range res.Items {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []string{"new", "norefs", "other"}, ids)
	assert.Equal(t, "docs/deploy.md", res.Items[0].Source)
	for i := 1; i < len(res.Items); i++ {
		assert.GreaterOrEqual(t, res.Items[i-1].Score, res.Items[i].Score)
	}
}

func TestEngine_TimestampBreaksScoreTies(t *testing.T) {
	a := rec("a", tiers.Short, "same", time.Hour)
	b := rec("b", tiers.Short, "same", time.Hour)
	b.Timestamp = a.Timestamp.Add(time.Nanosecond)
	engine := newTestEngine(t, &fakeScanner{records: []tiers.ScannedRecord{a, b}}, func(c *Config) {
		c.HalfLifeDays = 1e9
	})

	res, err := engine.Search(context.Background(), Query{Text: "same"})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "b", res.Items[0].ID)
}

func TestEngine_TruncatesToKAndReportsQuorum(t *testing.T) {
	var records []tiers.ScannedRecord
	for _, id := range []string{"r1", "r2", "r3", "r4", "r5"} {
		records = append(records, rec(id, tiers.Short, "incident review", time.Hour))
	}
	engine := newTestEngine(t, &fakeScanner{records: records}, nil)

	res, err := engine.Search(context.Background(), Query{Text: "incident", K: 2})
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
	assert.Equal(t, Quorum{Returned: 2, Minimum: 1, Target: 3, Met: true, TargetMet: false}, res.Quorum)

	res, err = engine.Search(context.Background(), Query{Text: "incident", K: 500})
	require.NoError(t, err)
	assert.Len(t, res.Items, 5)
	assert.True(t, res.Quorum.TargetMet)
}

func TestEngine_RerankOnlyTouchesOldUncitedCandidates(t *testing.T) {
	scanner := &fakeScanner{records: []tiers.ScannedRecord{
		rec("fresh", tiers.Short, "cache eviction policy", time.Hour, "a.md", "b.md"),
		rec("stale", tiers.Long, "cache eviction policy", 400*24*time.Hour),
	}}
	engine := newTestEngine(t, scanner, nil)

	res, err := engine.Search(context.Background(), Query{Text: "cache eviction policy", Rerank: true})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)

	byID := map[string]Item{}
	for _, it := range res.Items {
		byID[it.ID] = it
	}
	assert.False(t, byID["fresh"].Reranked)
	assert.Equal(t, byID["fresh"].BaseScore, byID["fresh"].Score)

	stale := byID["stale"]
	assert.True(t, stale.Reranked)
	assert.LessOrEqual(t, stale.Score, stale.BaseScore+RerankMaxUplift)
}

func TestEngine_EvidenceFile(t *testing.T) {
	dir := t.TempDir()
	scanner := &fakeScanner{records: []tiers.ScannedRecord{rec("a", tiers.Short, "alpha", time.Hour, "x.md")}}
	engine := newTestEngine(t, scanner, func(c *Config) { c.EvidenceDir = dir })

	ctx := tracing.WithRunID(context.Background(), "run-42")
	res, err := engine.Search(ctx, Query{Text: "alpha", K: 3, Rerank: true})
	require.NoError(t, err)
	assert.Equal(t, "run-42", res.RunID)
	assert.Equal(t, filepath.Join(dir, "2026-03-10", "search-run-42.json"), res.EvidencePath)

	ev, err := ReadEvidence(res.EvidencePath)
	require.NoError(t, err)
	assert.Equal(t, "run-42", ev.RunID)
	assert.Equal(t, "alpha", ev.Query.Text)
	assert.Equal(t, 3, ev.EffectiveK)
	assert.Len(t, ev.PreRerank, 1)
	assert.Len(t, ev.PostRerank, 1)
	assert.Equal(t, DefaultMinScore, ev.Policy.MinScore)
	assert.Equal(t, DefaultHalfLifeDays, ev.Policy.HalfLifeDays)
	assert.Equal(t, RerankMaxUplift, ev.Policy.RerankMaxUplift)
}

func TestEngine_EvidenceFailureDoesNotFailSearch(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))
	scanner := &fakeScanner{records: []tiers.ScannedRecord{rec("a", tiers.Short, "alpha", time.Hour)}}
	engine := newTestEngine(t, scanner, func(c *Config) { c.EvidenceDir = blocker })

	res, err := engine.Search(context.Background(), Query{Text: "alpha"})
	require.NoError(t, err)
	assert.Empty(t, res.EvidencePath)
	assert.Len(t, res.Items, 1)
}

func TestEngine_PassesScanBoundsAndFailures(t *testing.T) {
	scanner := &fakeScanner{
		records:  []tiers.ScannedRecord{rec("a", tiers.Short, "alpha", time.Hour)},
		failures: []tiers.FileFailure{{Path: "/x", Line: 3, Error: "bad json"}},
	}
	engine := newTestEngine(t, scanner, func(c *Config) { c.MaxFiles = 7 })

	res, err := engine.Search(context.Background(), Query{Text: "alpha", Tiers: []tiers.Tier{tiers.Short}})
	require.NoError(t, err)
	assert.Equal(t, 7, scanner.lastOpts.MaxFiles)
	assert.Equal(t, []tiers.Tier{tiers.Short}, scanner.lastOpts.Tiers)
	assert.Len(t, res.Failures, 1)
	assert.Len(t, res.Items, 1)
}

func TestEngine_Validation(t *testing.T) {
	engine := newTestEngine(t, &fakeScanner{}, nil)
	ctx := context.Background()

	_, err := engine.Search(ctx, Query{Text: "  ,, "})
	assert.Equal(t, errs.KindValidation, errs.KindFor(err))

	_, err = engine.Search(ctx, Query{Text: "x", Tiers: []tiers.Tier{"weekly"}})
	assert.Equal(t, errs.KindValidation, errs.KindFor(err))

	_, err = engine.Search(ctx, Query{Text: "x", HalfLifeDays: -1})
	assert.Equal(t, errs.KindValidation, errs.KindFor(err))
}

func TestEngine_ScanErrorPropagates(t *testing.T) {
	engine := newTestEngine(t, &fakeScanner{err: errors.New("disk gone")}, nil)
	_, err := engine.Search(context.Background(), Query{Text: "alpha"})
	require.Error(t, err)
	_, ok := errs.As(err)
	assert.True(t, ok)
}
