package cli

import (
	"errors"

	"github.com/harun/memledger/internal/daemon"
	"github.com/harun/memledger/pkg/errs"
	"github.com/spf13/cobra"
)

const version = daemon.Version

// rootOptions carries the global flags to every subcommand
type rootOptions struct {
	cfgFile  string
	logLevel string
	actor    string
}

// NewRootCmd builds the command tree. Each call returns fresh flag state.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "memledger",
		Short: "memledger - evidence-gated tiered memory ledger",
		Long: `memledger keeps agent memory in hash-chained, append-only files.
Records land in short, medium or long tiers directly; the permanent tier is
only written through the approval gate, which checks evidence, PII and
four-eyes before anything is made permanent.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default is $HOME/.memledger/memledger.json)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error); setting it also logs to stderr")
	cmd.PersistentFlags().StringVar(&opts.actor, "actor", "", "acting identity (default $MEMLEDGER_ACTOR, then $USER)")

	// Version template
	cmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	cmd.AddCommand(
		newCheckpointCmd(opts),
		newAuditCmd(opts),
		newStoreCmd(opts),
		newSearchCmd(opts),
		newGateCmd(opts),
		newHaltCmd(opts),
		newConfigureCmd(opts),
		newServeCmd(opts),
		newStopCmd(opts),
		newStatusCmd(opts),
	)
	return cmd
}

// Execute runs the command line and writes any failure to stderr as JSON.
// This is called by main.main().
func Execute() error {
	cmd := NewRootCmd()
	err := cmd.Execute()
	if err != nil {
		writeError(cmd.ErrOrStderr(), err)
	}
	return err
}

// GetRootCmd returns a fresh root command for testing
func GetRootCmd() *cobra.Command {
	return NewRootCmd()
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// Exit codes by error kind. Usage and other errors exit 1.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitValidation = 2
	ExitConflict   = 3
	ExitNotFound   = 4
	ExitIntegrity  = 5
	ExitResource   = 6
)

// ExitCode maps an error onto the process exit status
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var e *errs.Error
	if !errors.As(err, &e) {
		return ExitFailure
	}
	switch e.Kind {
	case errs.KindValidation:
		return ExitValidation
	case errs.KindConflict:
		return ExitConflict
	case errs.KindNotFound:
		return ExitNotFound
	case errs.KindIntegrity:
		return ExitIntegrity
	case errs.KindResource:
		return ExitResource
	}
	return ExitFailure
}
