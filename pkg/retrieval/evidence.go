package retrieval

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Evidence is the persisted record of one search run.
type Evidence struct {
	RunID      string    `json:"run_id"`
	CreatedAt  time.Time `json:"created_at"`
	Query      Query     `json:"query"`
	EffectiveK int       `json:"effective_k"`
	Policy     Policy    `json:"policy"`
	PreRerank  []Item    `json:"pre_rerank"`
	PostRerank []Item    `json:"post_rerank"`
	Quorum     Quorum    `json:"quorum"`
	NoHit      bool      `json:"no_hit"`
	Scanned    int       `json:"scanned_files"`
	Candidates int       `json:"candidates"`
	Failures   int       `json:"scan_failures"`
}

// Policy captures the constants a run was scored with.
type Policy struct {
	WeightKeyword     float64 `json:"w_kw"`
	WeightRecency     float64 `json:"w_recency"`
	WeightRefs        float64 `json:"w_refs"`
	WeightTier        float64 `json:"w_tier"`
	HalfLifeDays      float64 `json:"half_life_days"`
	MinScore          float64 `json:"min_score"`
	ScopeBonus        float64 `json:"scope_bonus"`
	RefsSaturation    int     `json:"refs_saturation"`
	RerankApplyBelow  float64 `json:"rerank_apply_below"`
	RerankBaseBlend   float64 `json:"rerank_base_blend"`
	RerankRubricBlend float64 `json:"rerank_rubric_blend"`
	RerankStrongKW    float64 `json:"rerank_strong_kw"`
	RerankMaxUplift   float64 `json:"rerank_max_uplift"`
	MaxFiles          int     `json:"max_files"`
}

func (e *Engine) policy(halfLife, minScore float64) Policy {
	return Policy{
		WeightKeyword:     WeightKeyword,
		WeightRecency:     WeightRecency,
		WeightRefs:        WeightRefs,
		WeightTier:        WeightTier,
		HalfLifeDays:      halfLife,
		MinScore:          minScore,
		ScopeBonus:        e.cfg.ScopeBonus,
		RefsSaturation:    RefsSaturation,
		RerankApplyBelow:  RerankApplyBelow,
		RerankBaseBlend:   RerankBaseBlend,
		RerankRubricBlend: RerankRubricBlend,
		RerankStrongKW:    RerankStrongKW,
		RerankMaxUplift:   RerankMaxUplift,
		MaxFiles:          e.cfg.MaxFiles,
	}
}

// evidencePath is <dir>/<day>/search-<run_id>.json.
func (e *Engine) evidencePath(runID string, now time.Time) string {
	return filepath.Join(e.cfg.EvidenceDir, now.Format("2006-01-02"), "search-"+runID+".json")
}

func (e *Engine) writeEvidence(runID string, now time.Time, q Query, k int, halfLife, minScore float64, pre []Item, res Result) (string, error) {
	ev := Evidence{
		RunID:      runID,
		CreatedAt:  now,
		Query:      q,
		EffectiveK: k,
		Policy:     e.policy(halfLife, minScore),
		PreRerank:  pre,
		PostRerank: res.Items,
		Quorum:     res.Quorum,
		NoHit:      res.NoHit,
		Scanned:    res.Scanned,
		Candidates: res.Candidates,
		Failures:   len(res.Failures),
	}
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return "", err
	}

	path := e.evidencePath(runID, now)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

// ReadEvidence loads an evidence file.
func ReadEvidence(path string) (Evidence, error) {
	var ev Evidence
	data, err := os.ReadFile(path)
	if err != nil {
		return ev, err
	}
	err = json.Unmarshal(data, &ev)
	return ev, err
}
