package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/harun/memledger/pkg/gate"
	"github.com/robfig/cron/v3"
)

var (
	envNamePattern   = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateDiversityMode validates the gate evidence policy
func (v *Validator) ValidateDiversityMode(mode string) error {
	if mode == "" {
		return nil // Use default
	}
	switch gate.DiversityMode(mode) {
	case gate.ModeDiverse, gate.ModeSingleSource:
		return nil
	}
	return fmt.Errorf("invalid gate mode: %s (must be one of: %s, %s)", mode, gate.ModeDiverse, gate.ModeSingleSource)
}

// ValidateSecretEnv validates the name of the gate secret variable
func (v *Validator) ValidateSecretEnv(name string) error {
	if name == "" {
		return nil
	}
	if !envNamePattern.MatchString(name) {
		return fmt.Errorf("invalid gate secret_env %q (must be an upper-case environment variable name)", name)
	}
	return nil
}

// ValidateSchedule validates a cron spec or @every descriptor
func (v *Validator) ValidateSchedule(field, spec string) error {
	if spec == "" {
		return nil // Disabled
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, spec, err)
	}
	return nil
}

// ValidateAddr validates a host:port listen address
func (v *Validator) ValidateAddr(addr string) error {
	if addr == "" {
		return nil // Disabled
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid daemon metrics_addr %q: %w", addr, err)
	}
	return nil
}

// ValidatePIIRules compiles the configured rules
func (v *Validator) ValidatePIIRules(rules []gate.RuleConfig) error {
	if len(rules) == 0 {
		return nil // Use built-in rules
	}
	if _, err := gate.NewPIIScanner(rules); err != nil {
		return fmt.Errorf("gate pii_rules: %w", err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if strings.TrimSpace(cfg.DataDir) == "" {
		errors = append(errors, fmt.Errorf("data_dir is required"))
	}

	// Ledger
	if cfg.Ledger.LockTimeoutMs < 0 {
		errors = append(errors, fmt.Errorf("ledger.lock_timeout_ms must be >= 0"))
	}
	if cfg.Ledger.MaxFileBytes < 0 {
		errors = append(errors, fmt.Errorf("ledger.max_file_bytes must be >= 0"))
	}

	// Tiers
	if cfg.Tiers.MaxTextBytes < 0 {
		errors = append(errors, fmt.Errorf("tiers.max_text_bytes must be >= 0"))
	}
	if cfg.Tiers.DedupWindowMs < -1 {
		errors = append(errors, fmt.Errorf("tiers.dedup_window_ms must be >= -1"))
	}

	// Retrieval
	if cfg.Retrieval.MinScore < 0 {
		errors = append(errors, fmt.Errorf("retrieval.min_score must be >= 0"))
	}
	if cfg.Retrieval.HalfLifeDays < 0 {
		errors = append(errors, fmt.Errorf("retrieval.half_life_days must be >= 0"))
	}
	if cfg.Retrieval.QuorumMin < 0 || cfg.Retrieval.QuorumTarget < 0 {
		errors = append(errors, fmt.Errorf("retrieval quorum values must be >= 0"))
	}
	if cfg.Retrieval.QuorumTarget > 0 && cfg.Retrieval.QuorumMin > cfg.Retrieval.QuorumTarget {
		errors = append(errors, fmt.Errorf("retrieval.quorum_min (%d) exceeds quorum_target (%d)",
			cfg.Retrieval.QuorumMin, cfg.Retrieval.QuorumTarget))
	}
	if cfg.Retrieval.MaxFiles < 0 {
		errors = append(errors, fmt.Errorf("retrieval.max_files must be >= 0"))
	}

	// Gate
	if err := v.ValidateDiversityMode(cfg.Gate.Mode); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateSecretEnv(cfg.Gate.SecretEnv); err != nil {
		errors = append(errors, err)
	}
	if cfg.Gate.TokenMaxAgeSec < -1 {
		errors = append(errors, fmt.Errorf("gate.token_max_age_sec must be >= -1"))
	}
	if cfg.Gate.ClaimTTLSec < 0 {
		errors = append(errors, fmt.Errorf("gate.claim_ttl_sec must be >= 0"))
	}
	if cfg.Gate.SessionID != "" && !sessionIDPattern.MatchString(cfg.Gate.SessionID) {
		errors = append(errors, fmt.Errorf("invalid gate.session_id %q", cfg.Gate.SessionID))
	}
	if err := v.ValidatePIIRules(cfg.Gate.PIIRules); err != nil {
		errors = append(errors, err)
	}

	// Rate limit
	if cfg.RateLimit.PerSecond < 0 {
		errors = append(errors, fmt.Errorf("rate_limit.per_second must be >= 0"))
	}
	if cfg.RateLimit.Burst < 0 {
		errors = append(errors, fmt.Errorf("rate_limit.burst must be >= 0"))
	}

	// Daemon
	if err := v.ValidateSchedule("daemon.verify_schedule", cfg.Daemon.VerifySchedule); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateSchedule("daemon.recover_claims_schedule", cfg.Daemon.RecoverClaimsSchedule); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateAddr(cfg.Daemon.MetricsAddr); err != nil {
		errors = append(errors, err)
	}
	if cfg.Daemon.ShutdownTimeoutSec < 0 {
		errors = append(errors, fmt.Errorf("daemon.shutdown_timeout_sec must be >= 0"))
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
