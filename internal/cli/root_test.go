package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/harun/memledger/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"--version"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		assert.Contains(t, output.String(), "memledger version")
		assert.Contains(t, output.String(), GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		helpText := output.String()
		assert.Contains(t, helpText, "memledger")
		assert.Contains(t, helpText, "approval gate")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "info", logLevelFlag.DefValue)

		require.NotNil(t, cmd.PersistentFlags().Lookup("actor"))
	})

	t.Run("command tree", func(t *testing.T) {
		cmd := GetRootCmd()
		for _, path := range [][]string{
			{"checkpoint", "append"},
			{"checkpoint", "tail"},
			{"checkpoint", "verify"},
			{"audit", "verify"},
			{"audit", "tail"},
			{"store"},
			{"search"},
			{"gate", "propose"},
			{"gate", "patch"},
			{"gate", "withdraw"},
			{"gate", "approve"},
			{"gate", "reject"},
			{"gate", "get"},
			{"gate", "list"},
			{"gate", "stats"},
			{"gate", "recover"},
			{"halt", "status"},
			{"halt", "clear"},
			{"configure"},
			{"serve"},
			{"start"},
			{"stop"},
			{"status"},
		} {
			found, _, err := cmd.Find(path)
			require.NoError(t, err, strings.Join(path, " "))
			assert.NotEqual(t, cmd, found, strings.Join(path, " "))
		}
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"foreign", errors.New("boom"), ExitFailure},
		{"validation", errs.Validation("op", "bad"), ExitValidation},
		{"conflict", errs.New("op", errs.CodeFourEyes, "same actor"), ExitConflict},
		{"not found", errs.New("op", errs.CodeNotFound, "missing"), ExitNotFound},
		{"integrity", errs.New("op", errs.CodeChainBroken, "broken"), ExitIntegrity},
		{"resource", errs.New("op", errs.CodeLockTimeout, "slow"), ExitResource},
		{"wrapped", errors.Join(errors.New("ctx"), errs.New("op", errs.CodeHalted, "halted")), ExitIntegrity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestParseWeight(t *testing.T) {
	w, err := parseWeight([]string{"priority=2", "pinned=true", "owner=ops", "gone=null"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"priority": 2.0, "pinned": true, "owner": "ops", "gone": nil}, w)

	_, err = parseWeight([]string{"novalue"})
	assert.Error(t, err)

	w, err = parseWeight(nil)
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestWriteError(t *testing.T) {
	var buf bytes.Buffer
	writeError(&buf, errs.New("gate.approve", errs.CodeWeakEvidence, "need 3 references"))

	out := buf.String()
	assert.Contains(t, out, `"kind": "conflict"`)
	assert.Contains(t, out, `"code": "weak_evidence"`)
	assert.Contains(t, out, `"op": "gate.approve"`)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5s", formatDuration(5*time.Second))
	assert.Equal(t, "2m3s", formatDuration(123*time.Second))
	assert.Equal(t, "1h0m1s", formatDuration(3601*time.Second))
}
