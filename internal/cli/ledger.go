package cli

import (
	"github.com/harun/memledger/pkg/core"
	"github.com/harun/memledger/pkg/errs"
	"github.com/spf13/cobra"
)

func newCheckpointCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Append to and inspect the checkpoint chain",
	}

	var req core.CheckpointRequest
	appendCmd := &cobra.Command{
		Use:   "append",
		Short: "Append one checkpoint record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd, func(s *session) error {
				rec, err := s.svc.AppendCheckpoint(cmd.Context(), s.actor, req)
				return emit(cmd, rec, err, false)
			})
		},
	}
	appendCmd.Flags().StringVar(&req.RunID, "run-id", "", "run identifier (default: a new run)")
	appendCmd.Flags().StringVar(&req.Scope, "scope", "", "what the decision applies to")
	appendCmd.Flags().StringVar(&req.Decision, "decision", "", "decision taken (required)")
	appendCmd.Flags().StringVar(&req.NextStep, "next-step", "", "planned next step")
	appendCmd.Flags().StringSliceVar(&req.Evidence, "evidence", nil, "evidence reference (repeatable)")
	_ = appendCmd.MarkFlagRequired("decision")

	cmd.AddCommand(
		appendCmd,
		newTailCmd(opts, "Show the last checkpoint records", func(s *session, cmd *cobra.Command, n int) error {
			recs, err := s.svc.TailCheckpoints(cmd.Context(), n)
			return emit(cmd, recs, err, false)
		}),
		newVerifyCmd(opts, "Verify the checkpoint chain", func(r core.VerifyReport) (interface{}, bool) {
			return struct {
				OK   bool            `json:"ok"`
				Halt *core.HaltState `json:"halt,omitempty"`
				core.VerifyReport
			}{OK: r.Checkpoints.OK, Halt: r.Halt, VerifyReport: r}, r.Checkpoints.OK
		}),
	)
	return cmd
}

func newAuditCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the day-partitioned audit chain",
	}
	cmd.AddCommand(
		newTailCmd(opts, "Show the last audit records", func(s *session, cmd *cobra.Command, n int) error {
			recs, err := s.svc.TailAudit(cmd.Context(), n)
			return emit(cmd, recs, err, false)
		}),
		newVerifyCmd(opts, "Verify every audit day and the links between days", func(r core.VerifyReport) (interface{}, bool) {
			return struct {
				OK   bool            `json:"ok"`
				Halt *core.HaltState `json:"halt,omitempty"`
				core.VerifyReport
			}{OK: r.Audit.OK, Halt: r.Halt, VerifyReport: r}, r.Audit.OK
		}),
	)
	return cmd
}

func newTailCmd(opts *rootOptions, short string, fn func(*session, *cobra.Command, int) error) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if n < 0 {
				return errs.Validation("cli", "-n must be >= 0")
			}
			return opts.withSession(cmd, func(s *session) error {
				return fn(s, cmd, n)
			})
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 10, "number of records")
	return cmd
}

// newVerifyCmd runs a full verification and reports the part the command
// names. A broken chain exits non-zero after printing the report.
func newVerifyCmd(opts *rootOptions, short string, view func(core.VerifyReport) (interface{}, bool)) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd, func(s *session) error {
				report, err := s.svc.Verify(cmd.Context())
				if err != nil {
					return err
				}
				out, ok := view(report)
				if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
				if !ok {
					return errs.New(cmd.Parent().Name()+".verify", errs.CodeChainBroken, "chain verification failed")
				}
				return nil
			})
		},
	}
}
