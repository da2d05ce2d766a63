package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appDir         = ".memledger"
	configFileName = "memledger.json"
	envPrefix      = "MEMLEDGER"
)

// envKeys are the settings that can be overridden with MEMLEDGER_* variables,
// e.g. MEMLEDGER_GATE_MODE or MEMLEDGER_LOGGING_LEVEL.
var envKeys = []string{
	"data_dir",
	"writer_id",
	"ledger.lock_timeout_ms",
	"ledger.max_file_bytes",
	"tiers.max_text_bytes",
	"tiers.dedup_window_ms",
	"tiers.watch",
	"retrieval.min_score",
	"retrieval.half_life_days",
	"retrieval.scope_bonus",
	"retrieval.quorum_min",
	"retrieval.quorum_target",
	"retrieval.max_files",
	"retrieval.evidence",
	"gate.mode",
	"gate.secret_env",
	"gate.token_max_age_sec",
	"gate.claim_ttl_sec",
	"gate.session_id",
	"rate_limit.per_second",
	"rate_limit.burst",
	"logging.level",
	"logging.file",
	"logging.console",
	"logging.redaction",
	"daemon.verify_schedule",
	"daemon.recover_claims_schedule",
	"daemon.metrics_addr",
	"daemon.shutdown_timeout_sec",
	"daemon.pid_file",
	"tracing.enabled",
	"tracing.service_name",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, appDir, configFileName), nil
}

// Load reads the config file, when present, and applies MEMLEDGER_*
// environment overrides on top of the defaults
func (l *Loader) Load() (*Config, error) {
	configPath := l.configPath
	if configPath == "" {
		p, err := defaultConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Set data directory if not specified
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, appDir)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "memledger.log")
	}
	if cfg.Daemon.PIDFile == "" {
		cfg.Daemon.PIDFile = filepath.Join(cfg.DataDir, "memledger.pid")
	}

	return cfg, nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("writer_id", cfg.WriterID)
	v.Set("ledger", cfg.Ledger)
	v.Set("tiers", cfg.Tiers)
	v.Set("retrieval", cfg.Retrieval)
	v.Set("gate", cfg.Gate)
	v.Set("rate_limit", cfg.RateLimit)
	v.Set("logging", cfg.Logging)
	v.Set("daemon", cfg.Daemon)
	v.Set("tracing", cfg.Tracing)

	if err := v.WriteConfig(); err != nil {
		// If file doesn't exist, create it
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return os.Chmod(configPath, 0600)
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	p, err := defaultConfigPath()
	if err != nil {
		return ""
	}
	return p
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
