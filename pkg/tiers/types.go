package tiers

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Tier is one of the five temporal buckets for memory records.
type Tier string

const (
	UltraShort Tier = "ultra_short"
	Short      Tier = "short"
	Medium     Tier = "medium"
	Long       Tier = "long"
	UltraLong  Tier = "ultra_long"
)

// AllTiers lists tiers from most ephemeral to permanent.
var AllTiers = []Tier{UltraShort, Short, Medium, Long, UltraLong}

var tierWeights = map[Tier]float64{
	UltraShort: 1.0,
	Short:      0.8,
	Medium:     0.6,
	Long:       0.4,
	UltraLong:  0.2,
}

// ParseTier validates s as a tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.TrimSpace(s))
	if _, ok := tierWeights[t]; !ok {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierWeights[t]
	return ok
}

// Weight is the fixed ranking weight of the tier, strictly decreasing from
// ultra_short to ultra_long.
func (t Tier) Weight() float64 {
	return tierWeights[t]
}

// Weight is a free-form side channel of scalar values. Unknown keys are kept.
type Weight map[string]any

// Validate rejects non-scalar values.
func (w Weight) Validate() error {
	for k, v := range w {
		switch v.(type) {
		case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		default:
			return fmt.Errorf("weight %q must be a scalar, got %T", k, v)
		}
	}
	return nil
}

// Float returns a numeric weight value.
func (w Weight) Float(key string) (float64, bool) {
	switch v := w[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// GateStamp binds a permanent-tier record to the proposal that authorized it.
type GateStamp struct {
	ProposalID  string `json:"proposal_id"`
	ContentHash string `json:"content_hash"`
}

// MemoryRecord is one line of a tier partition. Records are never mutated
// after append.
type MemoryRecord struct {
	ID           string     `json:"id"`
	Tier         Tier       `json:"tier"`
	ScopeID      string     `json:"scope_id,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
	Text         string     `json:"text"`
	RedactedText string     `json:"redacted_text,omitempty"`
	References   []string   `json:"references"`
	SessionID    string     `json:"session_id"`
	Weight       Weight     `json:"weight,omitempty"`
	PIIFlags     []string   `json:"pii_flags,omitempty"`
	ContentHash  string     `json:"content_hash"`
	Gate         *GateStamp `json:"gate,omitempty"`
}

// PutRequest is the input of Store.Put.
type PutRequest struct {
	Tier         Tier
	ScopeID      string
	SessionID    string
	Text         string
	RedactedText string
	References   []string
	Weight       Weight
	PIIFlags     []string
	// Timestamp is the logical time of the record; zero means now. It selects
	// the day partition, so backfilled writes land in their historical day.
	Timestamp time.Time
	// GateToken and ApprovedHash are required for UltraLong.
	GateToken    string
	ApprovedHash string
}

// PutResult is the outcome of Store.Put.
type PutResult struct {
	Record       MemoryRecord `json:"record"`
	Path         string       `json:"path"`
	Deduplicated bool         `json:"deduplicated"`
}

// Partition is one tier/day/session file.
type Partition struct {
	Tier    Tier   `json:"tier"`
	Day     string `json:"day"`
	Session string `json:"session"`
	Path    string `json:"path"`
}

// ScanOptions bounds a scan.
type ScanOptions struct {
	Tiers []Tier
	// MaxFiles caps the partitions read, newest days first. 0 means no cap.
	MaxFiles int
}

// ScannedRecord is a record with its location.
type ScannedRecord struct {
	MemoryRecord
	Path string `json:"path"`
	Line int    `json:"line"`
}

// FileFailure describes a partition or line skipped during a scan.
type FileFailure struct {
	Path  string `json:"path"`
	Line  int    `json:"line,omitempty"`
	Error string `json:"error"`
}

// ScanResult collects per-file outcomes; failures never abort the scan.
type ScanResult struct {
	Records   []ScannedRecord `json:"records"`
	Files     int             `json:"files"`
	Failures  []FileFailure   `json:"failures,omitempty"`
	Truncated bool            `json:"truncated"`
}

// ContentRef locates the record holding a content hash.
type ContentRef struct {
	RecordID   string `json:"record_id"`
	Path       string `json:"path"`
	ProposalID string `json:"proposal_id,omitempty"`
}

// SessionIndex is the advisory per-session summary.
type SessionIndex struct {
	SessionID string    `json:"session_id"`
	LastWrite time.Time `json:"last_write"`
	LastTier  Tier      `json:"last_tier"`
	LastPath  string    `json:"last_path"`
	Writes    int       `json:"writes"`
}
