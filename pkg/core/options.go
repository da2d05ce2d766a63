package core

import (
	"path/filepath"
	"time"

	"github.com/harun/memledger/pkg/gate"
	"github.com/rs/zerolog"
)

// Options configures a Service. Zero values take each component's default.
type Options struct {
	// DataDir holds every file the service owns. See Layout.
	DataDir string
	// WriterID is stamped on checkpoint records.
	WriterID     string
	LockTimeout  time.Duration
	MaxFileBytes int64
	MaxTextBytes int
	DedupWindow  time.Duration
	// Watch enables the fsnotify-backed partition cache.
	Watch bool

	Retrieval RetrievalOptions
	Gate      GateOptions
	RateLimit RateLimitOptions

	Clock  func() time.Time
	Logger *zerolog.Logger
}

// RetrievalOptions tunes search.
type RetrievalOptions struct {
	MinScore     float64
	HalfLifeDays float64
	ScopeBonus   float64
	QuorumMin    int
	QuorumTarget int
	MaxFiles     int
	// DisableEvidence skips the per-search evidence file.
	DisableEvidence bool
}

// GateOptions tunes the approval gate.
type GateOptions struct {
	Mode        gate.DiversityMode
	PIIRules    []gate.RuleConfig
	Secrets     gate.SecretProvider
	TokenMaxAge time.Duration
	ClaimTTL    time.Duration
	SessionID   string
}

// RateLimitOptions bounds mutating calls per actor. A zero PerSecond
// disables limiting.
type RateLimitOptions struct {
	PerSecond float64
	Burst     int
}

// Layout is where each component keeps its files under DataDir.
type Layout struct {
	Checkpoints string `json:"checkpoints"`
	AuditDir    string `json:"audit_dir"`
	TiersDir    string `json:"tiers_dir"`
	GateDir     string `json:"gate_dir"`
	EvidenceDir string `json:"evidence_dir"`
	HaltFile    string `json:"halt_file"`
}

// LayoutFor returns the file layout rooted at dataDir.
func LayoutFor(dataDir string) Layout {
	return Layout{
		Checkpoints: filepath.Join(dataDir, "ledger", "checkpoints.ndjson"),
		AuditDir:    filepath.Join(dataDir, "ledger", "audit"),
		TiersDir:    filepath.Join(dataDir, "tiers"),
		GateDir:     filepath.Join(dataDir, "gate"),
		EvidenceDir: filepath.Join(dataDir, "evidence"),
		HaltFile:    filepath.Join(dataDir, "HALT"),
	}
}
