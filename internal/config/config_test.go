package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/harun/memledger/pkg/gate"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "memledger", cfg.WriterID)
	assert.Equal(t, 5000, cfg.Ledger.LockTimeoutMs)
	assert.Equal(t, int64(64<<20), cfg.Ledger.MaxFileBytes)
	assert.Equal(t, 2000, cfg.Tiers.DedupWindowMs)
	assert.Equal(t, 0.25, cfg.Retrieval.MinScore)
	assert.Equal(t, 3, cfg.Retrieval.QuorumTarget)
	assert.Equal(t, "diverse", cfg.Gate.Mode)
	assert.Equal(t, DefaultSecretEnv, cfg.Gate.SecretEnv)
	assert.Equal(t, "@every 5m", cfg.Daemon.VerifySchedule)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
}

func TestConfigValidate(t *testing.T) {
	t.Run("defaults with data dir are valid", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DataDir = t.TempDir()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("errors are joined", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Gate.Mode = "lenient"
		cfg.Logging.Level = "trace"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "data_dir is required")
		assert.Contains(t, err.Error(), "invalid gate mode")
		assert.Contains(t, err.Error(), "invalid log level")
	})
}

func TestConfigStringMasksSecret(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gate.Secret = "hunter2-super-secret"

	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "[REDACTED]")
	assert.Equal(t, "hunter2-super-secret", cfg.Gate.Secret)
}

func TestSecretProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gate.SecretEnv = "MEMLEDGER_TEST_SECRET"
	t.Setenv("MEMLEDGER_TEST_SECRET", "from-env")

	key, err := cfg.SecretProvider().Secret()
	require.NoError(t, err)
	assert.Equal(t, "from-env", string(key))

	cfg.Gate.Secret = "inline"
	key, err = cfg.SecretProvider().Secret()
	require.NoError(t, err)
	assert.Equal(t, "inline", string(key))
}

func TestCoreOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/memledger"
	cfg.Tiers.DedupWindowMs = -1
	cfg.Gate.TokenMaxAgeSec = -1
	cfg.Gate.Mode = "single_source"
	cfg.Retrieval.Evidence = false
	logger := zerolog.Nop()

	opts := cfg.CoreOptions(&logger)

	assert.Equal(t, "/var/lib/memledger", opts.DataDir)
	assert.Equal(t, 5*time.Second, opts.LockTimeout)
	assert.True(t, opts.DedupWindow < 0)
	assert.True(t, opts.Gate.TokenMaxAge < 0)
	assert.Equal(t, 2*time.Minute, opts.Gate.ClaimTTL)
	assert.Equal(t, gate.ModeSingleSource, opts.Gate.Mode)
	assert.True(t, opts.Retrieval.DisableEvidence)
	assert.Equal(t, 500, opts.Retrieval.MaxFiles)
	assert.Same(t, &logger, opts.Logger)
}

func TestConfigRoundTripThroughSave(t *testing.T) {
	path := t.TempDir() + "/memledger.json"
	cfg := DefaultConfig()
	cfg.DataDir = "/srv/memledger"
	cfg.Gate.PIIRules = []gate.RuleConfig{{Name: "badge", Pattern: `EMP-\d{6}`, Strategy: gate.MaskKeepLast4}}

	require.NoError(t, NewLoader(path).Save(cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "/srv/memledger", loaded.DataDir)
	require.Len(t, loaded.Gate.PIIRules, 1)
	assert.Equal(t, "badge", loaded.Gate.PIIRules[0].Name)
	assert.Equal(t, gate.MaskKeepLast4, loaded.Gate.PIIRules[0].Strategy)
	assert.True(t, strings.HasSuffix(loaded.Logging.File, "memledger.log"))
}
