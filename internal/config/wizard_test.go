package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWizardRun(t *testing.T) {
	t.Run("answers override defaults", func(t *testing.T) {
		input := strings.Join([]string{
			"/srv/memledger",
			"single_source",
			"lower_case", // rejected, asked again
			"LEDGER_SECRET",
			"@every 10m",
			"-",
			"debug",
		}, "\n") + "\n"
		var out bytes.Buffer

		cfg, err := NewWizardIO(strings.NewReader(input), &out).Run(nil)

		require.NoError(t, err)
		assert.Equal(t, "/srv/memledger", cfg.DataDir)
		assert.Equal(t, "single_source", cfg.Gate.Mode)
		assert.Equal(t, "LEDGER_SECRET", cfg.Gate.SecretEnv)
		assert.Equal(t, "@every 10m", cfg.Daemon.VerifySchedule)
		assert.Empty(t, cfg.Daemon.MetricsAddr)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Contains(t, out.String(), "Error: invalid gate secret_env")
		assert.Contains(t, out.String(), "Configuration complete!")
	})

	t.Run("empty answers keep base", func(t *testing.T) {
		base := DefaultConfig()
		base.DataDir = "/var/lib/memledger"
		base.Logging.Level = "warn"

		cfg, err := NewWizardIO(strings.NewReader(strings.Repeat("\n", 6)), &bytes.Buffer{}).Run(base)

		require.NoError(t, err)
		assert.Equal(t, "/var/lib/memledger", cfg.DataDir)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, "127.0.0.1:9464", cfg.Daemon.MetricsAddr)
	})

	t.Run("invalid mode is ignored", func(t *testing.T) {
		input := "/srv/m\nlenient\n\n\n\n\n"
		cfg, err := NewWizardIO(strings.NewReader(input), &bytes.Buffer{}).Run(nil)

		require.NoError(t, err)
		assert.Equal(t, "diverse", cfg.Gate.Mode)
	})

	t.Run("data dir required", func(t *testing.T) {
		_, err := NewWizardIO(strings.NewReader("\n"), &bytes.Buffer{}).Run(nil)
		assert.Error(t, err)
	})

	t.Run("input ends early", func(t *testing.T) {
		_, err := NewWizardIO(strings.NewReader("/srv/m\n"), &bytes.Buffer{}).Run(nil)
		assert.Error(t, err)
	})
}
