package cli

import (
	"github.com/harun/memledger/pkg/core"
	"github.com/spf13/cobra"
)

type haltView struct {
	Halted bool            `json:"halted"`
	Halt   *core.HaltState `json:"halt,omitempty"`
}

func newHaltCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "halt",
		Short: "Inspect or clear the integrity halt",
		Long: `A failed chain verification opens an integrity halt: every write is refused
until an operator clears it. Clearing re-verifies both chains first.`,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether writes are halted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd, func(s *session) error {
				h := s.svc.Halt()
				return writeJSON(cmd.OutOrStdout(), haltView{Halted: h != nil, Halt: h})
			})
		},
	}

	var note string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Re-verify the chains and lift the halt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd, func(s *session) error {
				report, err := s.svc.ClearHalt(cmd.Context(), s.actor, note)
				return emit(cmd, report, err, true)
			})
		},
	}
	clearCmd.Flags().StringVar(&note, "note", "", "incident note recorded in the audit chain")

	cmd.AddCommand(statusCmd, clearCmd)
	return cmd
}
