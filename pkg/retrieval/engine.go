package retrieval

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/harun/memledger/internal/observability"
	"github.com/harun/memledger/internal/tracing"
	"github.com/harun/memledger/pkg/errs"
	"github.com/harun/memledger/pkg/tiers"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultK          = 10
	MaxK              = 100
	DefaultQuorumMin  = 1
	DefaultQuorumGoal = 3
	DefaultMaxFiles   = 500
)

// Scanner reads tier partitions.
type Scanner interface {
	Scan(ctx context.Context, opts tiers.ScanOptions) (tiers.ScanResult, error)
}

// Config configures an Engine.
type Config struct {
	Store Scanner
	// EvidenceDir receives one JSON file per search. Empty disables evidence.
	EvidenceDir  string
	MinScore     float64
	HalfLifeDays float64
	ScopeBonus   float64
	QuorumMin    int
	QuorumTarget int
	// MaxFiles bounds the partitions read by one search, newest days first.
	MaxFiles int
	Clock    func() time.Time
	Logger   *zerolog.Logger
}

// Query is one search request. Zero values take the engine defaults.
type Query struct {
	Text         string       `json:"query"`
	K            int          `json:"k"`
	Tiers        []tiers.Tier `json:"tiers,omitempty"`
	HalfLifeDays float64      `json:"half_life_days,omitempty"`
	Rerank       bool         `json:"rerank"`
	MinScore     float64      `json:"min_score,omitempty"`
}

// Item is a ranked record.
type Item struct {
	ID        string     `json:"id"`
	Tier      tiers.Tier `json:"tier"`
	ScopeID   string     `json:"scope_id,omitempty"`
	SessionID string     `json:"session_id"`
	Timestamp time.Time  `json:"timestamp"`
	Text      string     `json:"text"`
	// References are kept verbatim, including line anchors.
	References []string `json:"references"`
	Path       string   `json:"path"`
	Line       int      `json:"line"`
	Source     string   `json:"source"`
	Scores     Scores   `json:"scores"`
	BaseScore  float64  `json:"base_score"`
	Score      float64  `json:"score"`
	Reranked   bool     `json:"reranked"`
}

// Quorum reports the returned count against the configured minimum and target.
type Quorum struct {
	Returned  int  `json:"returned"`
	Minimum   int  `json:"minimum"`
	Target    int  `json:"target"`
	Met       bool `json:"met"`
	TargetMet bool `json:"target_met"`
}

// Result is the outcome of a search.
type Result struct {
	RunID        string              `json:"run_id"`
	Items        []Item              `json:"items"`
	Quorum       Quorum              `json:"quorum"`
	NoHit        bool                `json:"no_hit"`
	EvidencePath string              `json:"evidence_path,omitempty"`
	Scanned      int                 `json:"scanned_files"`
	Candidates   int                 `json:"candidates"`
	Failures     []tiers.FileFailure `json:"failures,omitempty"`
}

// Engine scores and ranks memory records.
type Engine struct {
	cfg    Config
	logger zerolog.Logger
}

// NewEngine creates an engine over cfg.Store.
func NewEngine(cfg Config) (*Engine, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, errs.Validation("retrieval.new", "store is required")
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = DefaultMinScore
	}
	if cfg.HalfLifeDays <= 0 {
		cfg.HalfLifeDays = DefaultHalfLifeDays
	}
	if cfg.ScopeBonus <= 0 {
		cfg.ScopeBonus = DefaultScopeBonus
	}
	if cfg.QuorumMin <= 0 {
		cfg.QuorumMin = DefaultQuorumMin
	}
	if cfg.QuorumTarget < cfg.QuorumMin {
		cfg.QuorumTarget = DefaultQuorumGoal
		if cfg.QuorumTarget < cfg.QuorumMin {
			cfg.QuorumTarget = cfg.QuorumMin
		}
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Engine{cfg: cfg, logger: logger.With().Str("component", "retrieval").Logger()}, nil
}

// ClampK applies the default and clamps k to [1, MaxK].
func ClampK(k int) int {
	if k == 0 {
		return DefaultK
	}
	if k < 1 {
		return 1
	}
	if k > MaxK {
		return MaxK
	}
	return k
}

// Search scores every record of the selected tiers against q.
func (e *Engine) Search(ctx context.Context, q Query) (res Result, err error) {
	const op = "retrieval.search"
	runID := tracing.GetRunID(ctx)
	if runID == "" {
		runID = uuid.NewString()
		ctx = tracing.WithRunID(ctx, runID)
	}
	ctx, span := tracing.StartSpan(ctx, "memledger.retrieval", "retrieval.search",
		attribute.String("run_id", runID),
		attribute.Bool("rerank", q.Rerank))
	start := time.Now()
	defer func() {
		observability.RecordSearch(time.Since(start), len(res.Items), err)
		tracing.EndSpan(span, err)
	}()
	logger := tracing.LoggerFromContext(ctx, e.logger)

	tokens := Tokenize(q.Text)
	if len(tokens) == 0 {
		return Result{}, errs.Validation(op, "query has no searchable tokens")
	}
	if q.HalfLifeDays < 0 {
		return Result{}, errs.Validation(op, "half_life_days must be positive")
	}
	for _, t := range q.Tiers {
		if !t.Valid() {
			return Result{}, errs.Validation(op, "unknown tier %q", t)
		}
	}
	k := ClampK(q.K)
	halfLife := q.HalfLifeDays
	if halfLife == 0 {
		halfLife = e.cfg.HalfLifeDays
	}
	minScore := q.MinScore
	if minScore <= 0 {
		minScore = e.cfg.MinScore
	}

	scan, err := e.cfg.Store.Scan(ctx, tiers.ScanOptions{Tiers: q.Tiers, MaxFiles: e.cfg.MaxFiles})
	if err != nil {
		return Result{}, errs.Normalize(op, err)
	}

	now := e.cfg.Clock().UTC()
	candidates := make([]Item, 0, len(scan.Records))
	for _, rec := range scan.Records {
		scores := ScoreRecord(tokens, rec.MemoryRecord, now, halfLife, e.cfg.ScopeBonus)
		if scores.Keyword <= 0 {
			continue
		}
		base := scores.Combined()
		if base <= minScore {
			continue
		}
		candidates = append(candidates, newItem(rec, scores, base))
	}
	nCandidates := len(candidates)
	candidates = dedupeBySource(sortItems(candidates))

	pre := truncate(candidates, k)
	items := pre
	if q.Rerank {
		reranked := make([]Item, len(candidates))
		for i, it := range candidates {
			it.Score, it.Reranked = Rerank(it.Scores, it.BaseScore)
			reranked[i] = it
		}
		items = truncate(sortItems(reranked), k)
	}

	res = Result{
		RunID:      runID,
		Items:      items,
		NoHit:      len(items) == 0,
		Scanned:    scan.Files,
		Candidates: nCandidates,
		Failures:   scan.Failures,
		Quorum: Quorum{
			Returned:  len(items),
			Minimum:   e.cfg.QuorumMin,
			Target:    e.cfg.QuorumTarget,
			Met:       len(items) >= e.cfg.QuorumMin,
			TargetMet: len(items) >= e.cfg.QuorumTarget,
		},
	}

	if e.cfg.EvidenceDir != "" {
		path, werr := e.writeEvidence(runID, now, q, k, halfLife, minScore, pre, res)
		if werr != nil {
			observability.RecordEvidenceFailure()
			logger.Warn().Err(werr).Msg("Search evidence not written")
		} else {
			res.EvidencePath = path
		}
	}

	logger.Debug().
		Int("candidates", nCandidates).
		Int("returned", len(items)).
		Bool("no_hit", res.NoHit).
		Msg("Search completed")
	return res, nil
}

func newItem(rec tiers.ScannedRecord, scores Scores, base float64) Item {
	refs := rec.References
	if refs == nil {
		refs = []string{}
	}
	text := rec.Text
	if rec.RedactedText != "" {
		text = rec.RedactedText
	}
	return Item{
		ID:         rec.ID,
		Tier:       rec.Tier,
		ScopeID:    rec.ScopeID,
		SessionID:  rec.SessionID,
		Timestamp:  rec.Timestamp,
		Text:       text,
		References: refs,
		Path:       rec.Path,
		Line:       rec.Line,
		Source:     SourceKey(rec.MemoryRecord),
		Scores:     scores,
		BaseScore:  base,
		Score:      base,
	}
}

// sortItems orders by score then timestamp, both descending; ids break ties.
func sortItems(items []Item) []Item {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		if !items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].Timestamp.After(items[j].Timestamp)
		}
		return items[i].ID < items[j].ID
	})
	return items
}

// dedupeBySource keeps the first item per source.
func dedupeBySource(items []Item) []Item {
	seen := make(map[string]bool, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if seen[it.Source] {
			continue
		}
		seen[it.Source] = true
		out = append(out, it)
	}
	return out
}

func truncate(items []Item, k int) []Item {
	if len(items) > k {
		items = items[:k]
	}
	out := make([]Item, len(items))
	copy(out, items)
	return out
}
