package config

import (
	"encoding/json"
	"errors"

	"github.com/harun/memledger/pkg/gate"
)

// DefaultSecretEnv is the environment variable the gate secret is read from.
const DefaultSecretEnv = "MEMLEDGER_GATE_SECRET"

// Config represents the main memledger configuration
type Config struct {
	// Data directory; every ledger, tier and gate file lives under it
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Writer ID stamped on checkpoint records
	WriterID string `json:"writer_id" mapstructure:"writer_id"`

	Ledger    LedgerConfig    `json:"ledger" mapstructure:"ledger"`
	Tiers     TiersConfig     `json:"tiers" mapstructure:"tiers"`
	Retrieval RetrievalConfig `json:"retrieval" mapstructure:"retrieval"`
	Gate      GateConfig      `json:"gate" mapstructure:"gate"`
	RateLimit RateLimitConfig `json:"rate_limit" mapstructure:"rate_limit"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Daemon    DaemonConfig    `json:"daemon" mapstructure:"daemon"`
	Tracing   TracingConfig   `json:"tracing" mapstructure:"tracing"`
}

// LedgerConfig holds file locking and size limits shared by every chain
type LedgerConfig struct {
	LockTimeoutMs int   `json:"lock_timeout_ms" mapstructure:"lock_timeout_ms"`
	MaxFileBytes  int64 `json:"max_file_bytes" mapstructure:"max_file_bytes"`
}

// TiersConfig holds tier store settings
type TiersConfig struct {
	MaxTextBytes  int  `json:"max_text_bytes" mapstructure:"max_text_bytes"`
	DedupWindowMs int  `json:"dedup_window_ms" mapstructure:"dedup_window_ms"` // -1 disables
	Watch         bool `json:"watch" mapstructure:"watch"`
}

// RetrievalConfig holds search tuning
type RetrievalConfig struct {
	MinScore     float64 `json:"min_score" mapstructure:"min_score"`
	HalfLifeDays float64 `json:"half_life_days" mapstructure:"half_life_days"`
	ScopeBonus   float64 `json:"scope_bonus" mapstructure:"scope_bonus"`
	QuorumMin    int     `json:"quorum_min" mapstructure:"quorum_min"`
	QuorumTarget int     `json:"quorum_target" mapstructure:"quorum_target"`
	MaxFiles     int     `json:"max_files" mapstructure:"max_files"`
	Evidence     bool    `json:"evidence" mapstructure:"evidence"`
}

// GateConfig holds approval gate settings
type GateConfig struct {
	Mode string `json:"mode" mapstructure:"mode"` // diverse, single_source
	// SecretEnv names the environment variable holding the HMAC key
	SecretEnv string `json:"secret_env" mapstructure:"secret_env"`
	// Secret is an inline key; prefer SecretEnv
	Secret          string            `json:"secret,omitempty" mapstructure:"secret"`
	TokenMaxAgeSec  int               `json:"token_max_age_sec" mapstructure:"token_max_age_sec"` // -1 disables expiry
	ClaimTTLSec     int               `json:"claim_ttl_sec" mapstructure:"claim_ttl_sec"`
	SessionID       string            `json:"session_id" mapstructure:"session_id"`
	PIIRules        []gate.RuleConfig `json:"pii_rules,omitempty" mapstructure:"pii_rules"`
}

// RateLimitConfig bounds mutating calls per actor
type RateLimitConfig struct {
	PerSecond float64 `json:"per_second" mapstructure:"per_second"` // 0 disables
	Burst     int     `json:"burst" mapstructure:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Console   bool   `json:"console" mapstructure:"console"`
}

// DaemonConfig holds the long-running service settings
type DaemonConfig struct {
	VerifySchedule        string `json:"verify_schedule" mapstructure:"verify_schedule"`
	RecoverClaimsSchedule string `json:"recover_claims_schedule" mapstructure:"recover_claims_schedule"`
	MetricsAddr           string `json:"metrics_addr" mapstructure:"metrics_addr"` // empty disables
	ShutdownTimeoutSec    int    `json:"shutdown_timeout_sec" mapstructure:"shutdown_timeout_sec"`
	PIDFile               string `json:"pid_file" mapstructure:"pid_file"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"` // 0 samples everything
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		DataDir:  "",
		WriterID: "memledger",
		Ledger: LedgerConfig{
			LockTimeoutMs: 5000,
			MaxFileBytes:  64 << 20,
		},
		Tiers: TiersConfig{
			MaxTextBytes:  64 << 10,
			DedupWindowMs: 2000,
			Watch:         true,
		},
		Retrieval: RetrievalConfig{
			MinScore:     0.25,
			HalfLifeDays: 7,
			ScopeBonus:   0.1,
			QuorumMin:    1,
			QuorumTarget: 3,
			MaxFiles:     500,
			Evidence:     true,
		},
		Gate: GateConfig{
			Mode:           string(gate.ModeDiverse),
			SecretEnv:      DefaultSecretEnv,
			TokenMaxAgeSec: 900,
			ClaimTTLSec:    120,
			SessionID:      gate.DefaultSessionID,
		},
		RateLimit: RateLimitConfig{
			PerSecond: 0,
			Burst:     10,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
			Console:   true,
		},
		Daemon: DaemonConfig{
			VerifySchedule:        "@every 5m",
			RecoverClaimsSchedule: "@every 1m",
			MetricsAddr:           "127.0.0.1:9464",
			ShutdownTimeoutSec:    10,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "memledger",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config with the inline
// secret masked
func (c *Config) String() string {
	masked := *c
	if masked.Gate.Secret != "" {
		masked.Gate.Secret = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
