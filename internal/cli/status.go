package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/harun/memledger/internal/daemon"
	"github.com/harun/memledger/pkg/core"
	"github.com/spf13/cobra"
)

type statusView struct {
	Status  string          `json:"status"`
	PID     int             `json:"pid,omitempty"`
	Uptime  string          `json:"uptime,omitempty"`
	DataDir string          `json:"data_dir"`
	Halted  bool            `json:"halted"`
	Halt    *core.HaltState `json:"halt,omitempty"`
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long: `Show whether the memledger daemon is running and whether writes are halted.
It reads the PID and halt files only and never opens the ledger.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			view := daemonStatus(cfg.Daemon.PIDFile, cfg.DataDir)
			return writeJSON(cmd.OutOrStdout(), view)
		},
	}
}

func daemonStatus(pidFile, dataDir string) statusView {
	view := statusView{Status: "stopped", DataDir: dataDir}

	if pid, err := daemon.ReadPID(pidFile); err == nil && daemon.ProcessAlive(pid) {
		view.Status = "running"
		view.PID = pid
		// PID file modification time is the start time
		if info, err := os.Stat(pidFile); err == nil {
			view.Uptime = formatDuration(time.Since(info.ModTime()))
		}
	}

	if data, err := os.ReadFile(core.LayoutFor(dataDir).HaltFile); err == nil {
		var h core.HaltState
		if json.Unmarshal(data, &h) != nil || h.Reason == "" {
			h = core.HaltState{Reason: "unreadable halt marker"}
		}
		view.Halted = true
		view.Halt = &h
	}
	return view
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
