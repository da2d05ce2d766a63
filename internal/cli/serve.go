package cli

import (
	"fmt"

	"github.com/harun/memledger/internal/daemon"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Run the memledger daemon in the foreground",
		Long: `Run the memledger daemon in the foreground. It verifies the chains at start
and on daemon.verify_schedule, returns stale gate claims to pending, and serves
/metrics and /healthz on daemon.metrics_addr. SIGINT or SIGTERM drains it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}

			pidFile := cfg.Daemon.PIDFile
			if pid, err := daemon.ReadPID(pidFile); err == nil && daemon.ProcessAlive(pid) {
				return fmt.Errorf("daemon is already running (PID %d, %s)", pid, pidFile)
			}

			log, err := opts.newLogger(cmd, cfg, true)
			if err != nil {
				return err
			}
			defer log.Close()

			d, err := daemon.New(cfg, log)
			if err != nil {
				return err
			}
			return d.Run(cmd.Context())
		},
	}
}
