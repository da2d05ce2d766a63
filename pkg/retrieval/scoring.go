package retrieval

import (
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/harun/memledger/pkg/tiers"
)

// Score weights and rerank constants.
const (
	WeightKeyword = 1.0
	WeightRecency = 0.6
	WeightRefs    = 0.4
	WeightTier    = 0.2

	DefaultHalfLifeDays = 7.0
	DefaultMinScore     = 0.25
	DefaultScopeBonus   = 0.1
	RefsSaturation      = 5

	RerankApplyBelow  = 0.2
	RerankBaseBlend   = 0.92
	RerankRubricBlend = 0.08
	RerankRefsBonus   = 0.05
	RerankStrongKW    = 0.9
	RerankMaxUplift   = 0.02
)

// Scores are the four independent sub-scores of a record, each in [0,1].
type Scores struct {
	Keyword    float64 `json:"kw"`
	Recency    float64 `json:"recency"`
	Refs       float64 `json:"refs"`
	TierWeight float64 `json:"tier_weight"`
}

// Combined is the weighted base score.
func (s Scores) Combined() float64 {
	return WeightKeyword*s.Keyword + WeightRecency*s.Recency + WeightRefs*s.Refs + WeightTier*s.TierWeight
}

// Tokenize lowercases text and splits it on anything that is not a letter,
// digit or underscore, so snake_case identifiers stay whole. Duplicates are
// collapsed.
func Tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

// KeywordScore is the share of query tokens present in the record, plus
// bonus when the scope id contains a query token, capped at 1.
func KeywordScore(query map[string]struct{}, text, scopeID string, bonus float64) float64 {
	if len(query) == 0 {
		return 0
	}
	recordTokens := Tokenize(text)
	hits := 0
	for tok := range query {
		if _, ok := recordTokens[tok]; ok {
			hits++
		}
	}
	score := float64(hits) / float64(len(query))

	if scopeID != "" {
		scope := strings.ToLower(scopeID)
		for tok := range query {
			if strings.Contains(scope, tok) {
				score += bonus
				break
			}
		}
	}
	return math.Min(1, score)
}

// RecencyScore decays as 1/(1+age/halfLife). Future timestamps count as age 0.
func RecencyScore(ts, now time.Time, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		halfLifeDays = DefaultHalfLifeDays
	}
	ageDays := now.Sub(ts).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return 1 / (1 + ageDays/halfLifeDays)
}

// RefsScore saturates at RefsSaturation references.
func RefsScore(n int) float64 {
	return math.Min(1, float64(n)/RefsSaturation)
}

// ScoreRecord computes the sub-scores of rec for the query tokens.
func ScoreRecord(query map[string]struct{}, rec tiers.MemoryRecord, now time.Time, halfLifeDays, scopeBonus float64) Scores {
	text := rec.Text
	if rec.RedactedText != "" {
		text = rec.RedactedText
	}
	return Scores{
		Keyword:    KeywordScore(query, text, rec.ScopeID, scopeBonus),
		Recency:    RecencyScore(rec.Timestamp, now, halfLifeDays),
		Refs:       RefsScore(len(rec.References)),
		TierWeight: rec.Tier.Weight(),
	}
}

// RerankApplies reports whether a candidate is old and poorly cited enough to
// be re-scored.
func RerankApplies(s Scores) bool {
	return s.Recency < RerankApplyBelow && s.Refs < RerankApplyBelow
}

// Rubric is the secondary score used by the rerank pass.
func Rubric(s Scores) float64 {
	r := 0.6*s.Keyword + 0.2*s.Recency + 0.2*s.Refs
	if s.Refs >= RerankApplyBelow {
		r += RerankRefsBonus
	}
	return math.Min(1, r)
}

// Rerank returns the blended score for a candidate and whether it changed.
// Strong keyword matches gain at most RerankMaxUplift.
func Rerank(s Scores, base float64) (float64, bool) {
	if !RerankApplies(s) {
		return base, false
	}
	next := RerankBaseBlend*base + RerankRubricBlend*Rubric(s)
	if s.Keyword >= RerankStrongKW && next-base > RerankMaxUplift {
		next = base + RerankMaxUplift
	}
	return next, true
}

// SourceKey identifies the source of a record for de-duplication: the path
// part of its first reference, or the record id.
func SourceKey(rec tiers.MemoryRecord) string {
	for _, ref := range rec.References {
		path := ref
		if i := strings.Index(ref, "#"); i >= 0 {
			path = ref[:i]
		}
		path = strings.TrimSpace(path)
		if path != "" {
			return path
		}
	}
	return "id:" + rec.ID
}
