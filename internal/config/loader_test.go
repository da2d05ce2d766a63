package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.configPath)
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "diverse", cfg.Gate.Mode)
		assert.NotEmpty(t, cfg.DataDir)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		testConfig := `{
			"data_dir": "` + tmpDir + `",
			"gate": {
				"mode": "single_source",
				"claim_ttl_sec": 30
			},
			"retrieval": {
				"half_life_days": 14
			}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0600))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, tmpDir, cfg.DataDir)
		assert.Equal(t, "single_source", cfg.Gate.Mode)
		assert.Equal(t, 30, cfg.Gate.ClaimTTLSec)
		assert.Equal(t, 14.0, cfg.Retrieval.HalfLifeDays)
		// Untouched keys keep their defaults.
		assert.Equal(t, 900, cfg.Gate.TokenMaxAgeSec)
		assert.Equal(t, 0.25, cfg.Retrieval.MinScore)
	})

	t.Run("set default paths", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"data_dir": "`+tmpDir+`"}`), 0600))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, filepath.Join(tmpDir, "memledger.log"), cfg.Logging.File)
		assert.Equal(t, filepath.Join(tmpDir, "memledger.pid"), cfg.Daemon.PIDFile)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"logging": {"level": "info"}}`), 0600))

		t.Setenv("MEMLEDGER_LOGGING_LEVEL", "debug")
		t.Setenv("MEMLEDGER_GATE_MODE", "single_source")
		t.Setenv("MEMLEDGER_DATA_DIR", tmpDir)

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "single_source", cfg.Gate.Mode)
		assert.Equal(t, tmpDir, cfg.DataDir)
	})

	t.Run("invalid json", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"gate": `), 0600))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderGetConfigPath(t *testing.T) {
	assert.Equal(t, "/custom/path.json", NewLoader("/custom/path.json").GetConfigPath())

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".memledger", "memledger.json"), NewLoader("").GetConfigPath())
}

func TestLoad(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}
