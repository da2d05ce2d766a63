package cli

import (
	"github.com/harun/memledger/pkg/core"
	"github.com/harun/memledger/pkg/gate"
	"github.com/spf13/cobra"
)

func newGateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Propose, review and approve permanent memory",
		Long: `The approval gate is the only way into the ultra_long tier. A proposal
needs enough independent evidence, no unresolved PII, and an approver other
than the proposer.`,
	}
	cmd.AddCommand(
		newProposeCmd(opts),
		newPatchCmd(opts),
		newWithdrawCmd(opts),
		newApproveCmd(opts),
		newRejectCmd(opts),
		newGetCmd(opts),
		newListCmd(opts),
		newStatsCmd(opts),
		newRecoverCmd(opts),
	)
	return cmd
}

func newProposeCmd(opts *rootOptions) *cobra.Command {
	var req core.ProposeRequest

	cmd := &cobra.Command{
		Use:   "propose [text]",
		Short: "Submit text for the permanent tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readText(cmd, req.Text, args)
			if err != nil {
				return err
			}
			req.Text = text
			return opts.withSession(cmd, func(s *session) error {
				p, err := s.svc.Propose(cmd.Context(), s.actor, req)
				return emit(cmd, p, err, p.ID != "")
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Text, "text", "", `proposal text, "-" for stdin`)
	f.StringSliceVar(&req.References, "ref", nil, "evidence reference (repeatable)")
	f.StringVar(&req.ScopeID, "scope", "", "scope id")
	f.StringVar(&req.Rationale, "rationale", "", "why this should be permanent")
	f.StringVar(&req.RedactedText, "redacted", "", "redacted text, if the original carries PII")
	return cmd
}

func newPatchCmd(opts *rootOptions) *cobra.Command {
	var req core.PatchRequest

	cmd := &cobra.Command{
		Use:   "patch <id>",
		Short: "Supply a redaction for a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ID = args[0]
			text, err := readText(cmd, req.RedactedText, nil)
			if err != nil {
				return err
			}
			req.RedactedText = text
			return opts.withSession(cmd, func(s *session) error {
				p, err := s.svc.Patch(cmd.Context(), s.actor, req)
				return emit(cmd, p, err, p.ID != "")
			})
		},
	}
	cmd.Flags().StringVar(&req.RedactedText, "redacted", "", `redacted text, "-" for stdin (required)`)
	_ = cmd.MarkFlagRequired("redacted")
	return cmd
}

func newWithdrawCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw <id>",
		Short: "Withdraw a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd, func(s *session) error {
				p, err := s.svc.Withdraw(cmd.Context(), s.actor, core.WithdrawRequest{ID: args[0]})
				return emit(cmd, p, err, p.ID != "")
			})
		},
	}
}

func newApproveCmd(opts *rootOptions) *cobra.Command {
	var req core.ApproveRequest

	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a proposal and write it to the permanent tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ID = args[0]
			return opts.withSession(cmd, func(s *session) error {
				p, err := s.svc.Approve(cmd.Context(), s.actor, req)
				return emit(cmd, p, err, p.State == gate.StateApproved)
			})
		},
	}
	cmd.Flags().StringVar(&req.RunID, "run-id", "", "run that produced the evidence")
	cmd.Flags().StringVar(&req.EvidenceRef, "evidence-ref", "", "evidence file or reference backing the approval")
	return cmd
}

func newRejectCmd(opts *rootOptions) *cobra.Command {
	var req core.RejectRequest

	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ID = args[0]
			return opts.withSession(cmd, func(s *session) error {
				p, err := s.svc.Reject(cmd.Context(), s.actor, req)
				return emit(cmd, p, err, p.State == gate.StateRejected)
			})
		},
	}
	cmd.Flags().StringVar(&req.Code, "code", "", "rejection code, e.g. weak_evidence (required)")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "free-form reason")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd, func(s *session) error {
				p, err := s.svc.GetProposal(cmd.Context(), args[0])
				return emit(cmd, p, err, false)
			})
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var (
		req   core.ListRequest
		state string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.State = gate.State(state)
			return opts.withSession(cmd, func(s *session) error {
				ps, err := s.svc.ListProposals(cmd.Context(), req)
				if ps == nil && err == nil {
					ps = []gate.Proposal{}
				}
				return emit(cmd, ps, err, false)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "pending, approved, rejected or withdrawn")
	cmd.Flags().StringVar(&req.Proposer, "proposer", "", "only proposals by this actor")
	cmd.Flags().IntVar(&req.Limit, "limit", gate.DefaultListLimit, "maximum proposals")
	return cmd
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count proposals per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd, func(s *session) error {
				st, err := s.svc.GateStats(cmd.Context())
				return emit(cmd, st, err, false)
			})
		},
	}
}

func newRecoverCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Return stale claims from interrupted approvals to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd, func(s *session) error {
				n, err := s.svc.RecoverClaims(cmd.Context())
				return emit(cmd, map[string]int{"recovered": n}, err, false)
			})
		},
	}
}
