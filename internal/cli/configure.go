package cli

import (
	"fmt"

	"github.com/harun/memledger/internal/config"
	"github.com/spf13/cobra"
)

func newConfigureCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Run interactive configuration wizard",
		Long: `Run an interactive configuration wizard to set up memledger.
The wizard asks for the data directory, the evidence policy of the approval
gate, where the gate secret lives, and the daemon schedule.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigure(cmd, opts)
		},
	}
}

func runConfigure(cmd *cobra.Command, opts *rootOptions) error {
	loader := config.NewLoader(opts.cfgFile)

	// Start from the current file so re-running only changes what is asked
	base, err := loader.Load()
	if err != nil {
		base = nil
	}

	wizard := config.NewWizardIO(cmd.InOrStdin(), cmd.OutOrStdout())
	cfg, err := wizard.Run(base)
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nConfiguration saved to: %s\n", loader.GetConfigPath())
	fmt.Fprintln(out, "\nYou can now start memledger with: memledger serve")

	return nil
}
