package core

import (
	"context"
	"fmt"

	"github.com/harun/memledger/internal/tracing"
	"github.com/harun/memledger/pkg/errs"
	"github.com/harun/memledger/pkg/gate"
	"github.com/harun/memledger/pkg/ledger"
	"github.com/harun/memledger/pkg/retrieval"
	"github.com/harun/memledger/pkg/tiers"
)

// AppendCheckpoint writes one record to the checkpoint chain.
func (s *Service) AppendCheckpoint(ctx context.Context, actor string, req CheckpointRequest) (ledger.CheckpointRecord, error) {
	return run(s, ctx, call{op: opCheckpointAppend, actor: actor, mutating: true, request: req},
		func(ctx context.Context) (ledger.CheckpointRecord, error) {
			runID := req.RunID
			if runID == "" {
				runID = tracing.GetRunID(ctx)
			}
			return s.checkpoints.Append(ctx, ledger.Checkpoint{
				RunID:    runID,
				Scope:    req.Scope,
				Decision: req.Decision,
				NextStep: req.NextStep,
				Evidence: req.Evidence,
			})
		})
}

// TailCheckpoints returns the last n checkpoints, oldest first.
func (s *Service) TailCheckpoints(ctx context.Context, n int) ([]ledger.CheckpointRecord, error) {
	return run(s, ctx, call{op: opCheckpointTail},
		func(ctx context.Context) ([]ledger.CheckpointRecord, error) {
			if n < 0 {
				return nil, errs.Validation(opCheckpointTail, "n cannot be negative")
			}
			return s.checkpoints.Tail(n)
		})
}

// TailAudit returns the last n audit records across days, oldest first.
func (s *Service) TailAudit(ctx context.Context, n int) ([]ledger.AuditRecord, error) {
	return run(s, ctx, call{op: opAuditTail},
		func(ctx context.Context) ([]ledger.AuditRecord, error) {
			if n < 0 {
				return nil, errs.Validation(opAuditTail, "n cannot be negative")
			}
			return s.audit.Tail(n)
		})
}

// Verify walks the checkpoint chain and every audit day. A break opens an
// integrity halt.
func (s *Service) Verify(ctx context.Context) (VerifyReport, error) {
	return run(s, ctx, call{op: opVerify}, func(ctx context.Context) (VerifyReport, error) {
		return s.verify(ctx)
	})
}

func (s *Service) verify(ctx context.Context) (VerifyReport, error) {
	cp, err := s.checkpoints.Verify(ctx)
	if err != nil {
		return VerifyReport{}, err
	}
	audit, err := s.audit.VerifyAll(ctx)
	if err != nil {
		return VerifyReport{}, err
	}

	report := VerifyReport{OK: cp.OK && audit.OK, Checkpoints: cp, Audit: audit}
	switch {
	case !cp.OK:
		s.tripHalt(ctx, opVerify, fmt.Sprintf("checkpoint chain broken at index %d: %s", breakIndex(cp), cp.Reason))
	case !audit.OK:
		s.tripHalt(ctx, opVerify, fmt.Sprintf("audit chain broken on %s", audit.BrokenDay))
	}
	report.Halt = s.halt.current()
	return report, nil
}

func breakIndex(r ledger.VerifyResult) int {
	if r.BreakIndex == nil {
		return -1
	}
	return *r.BreakIndex
}

// ClearHalt closes an integrity incident after both chains verify again. The
// operator is recorded in the audit and checkpoint chains.
func (s *Service) ClearHalt(ctx context.Context, actor, note string) (VerifyReport, error) {
	return run(s, ctx, call{op: opClearHalt, actor: actor},
		func(ctx context.Context) (VerifyReport, error) {
			if actor == "" {
				return VerifyReport{}, errs.Validation(opClearHalt, "actor is required")
			}
			prev := s.halt.current()
			if prev == nil {
				return VerifyReport{Halt: nil, OK: true}, nil
			}

			report, err := s.verify(ctx)
			if err != nil {
				return VerifyReport{}, err
			}
			if !report.OK {
				return report, errs.New(opClearHalt, errs.CodeChainBroken, "chains still fail verification")
			}
			if _, err := s.halt.clear(); err != nil {
				return report, errs.Wrap(opClearHalt, errs.CodeIO, err)
			}
			report.Halt = nil

			if _, err := s.audit.Append(ctx, ledger.AuditEntry{
				Actor:  actor,
				Action: opClearHalt,
				Meta: map[string]any{
					"reason": prev.Reason,
					"since":  prev.Since,
					"note":   note,
				},
			}); err != nil {
				return report, err
			}
			return report, s.checkpoint(ctx, "ops", opClearHalt, "", prev.Reason)
		})
}

// Store writes a memory record. UltraLong writes need a gate token; use
// Approve for the normal path.
func (s *Service) Store(ctx context.Context, actor string, req StoreRequest) (tiers.PutResult, error) {
	return run(s, ctx, call{op: opStore, actor: actor, mutating: true, request: req},
		func(ctx context.Context) (tiers.PutResult, error) {
			res, err := s.store.Put(ctx, req.toPut())
			if err != nil {
				return tiers.PutResult{}, err
			}
			if res.Deduplicated {
				return res, nil
			}
			return res, s.checkpoint(ctx, "tiers/"+string(res.Record.Tier), opStore, "", res.Path, res.Record.ID)
		})
}

// Search ranks stored records against a query. The actor is optional.
func (s *Service) Search(ctx context.Context, actor string, req SearchRequest) (retrieval.Result, error) {
	return run(s, ctx, call{op: opSearch, actor: actor, request: req},
		func(ctx context.Context) (retrieval.Result, error) {
			return s.engine.Search(ctx, req)
		})
}

// Propose submits text for the permanent tier on behalf of actor.
func (s *Service) Propose(ctx context.Context, actor string, req ProposeRequest) (gate.Proposal, error) {
	return run(s, ctx, call{op: opPropose, actor: actor, mutating: true, request: req},
		func(ctx context.Context) (gate.Proposal, error) {
			p, err := s.gate.Propose(ctx, gate.ProposeRequest{
				Text:         req.Text,
				References:   req.References,
				Proposer:     actor,
				ScopeID:      req.ScopeID,
				Rationale:    req.Rationale,
				RedactedText: req.RedactedText,
			})
			if err != nil {
				return gate.Proposal{}, err
			}
			return p, s.checkpoint(ctx, "gate", opPropose, "review", p.ID)
		})
}

// Patch sets the redaction of a pending proposal.
func (s *Service) Patch(ctx context.Context, actor string, req PatchRequest) (gate.Proposal, error) {
	return run(s, ctx, call{op: opPatch, actor: actor, mutating: true, request: req},
		func(ctx context.Context) (gate.Proposal, error) {
			p, err := s.gate.Patch(ctx, req.ID, req.RedactedText, actor)
			if err != nil {
				return gate.Proposal{}, err
			}
			return p, s.checkpoint(ctx, "gate", opPatch, "review", p.ID)
		})
}

// Withdraw withdraws a pending proposal.
func (s *Service) Withdraw(ctx context.Context, actor string, req WithdrawRequest) (gate.Proposal, error) {
	return run(s, ctx, call{op: opWithdraw, actor: actor, mutating: true, request: req},
		func(ctx context.Context) (gate.Proposal, error) {
			p, err := s.gate.Withdraw(ctx, req.ID, actor)
			if err != nil {
				return gate.Proposal{}, err
			}
			return p, s.checkpoint(ctx, "gate", opWithdraw, "", p.ID)
		})
}

// Approve approves a proposal with actor as the approver.
func (s *Service) Approve(ctx context.Context, actor string, req ApproveRequest) (gate.Proposal, error) {
	return run(s, ctx, call{op: opApprove, actor: actor, mutating: true, request: req},
		func(ctx context.Context) (gate.Proposal, error) {
			p, err := s.gate.Approve(ctx, gate.ApproveRequest{
				ID:          req.ID,
				Approver:    actor,
				RunID:       req.RunID,
				EvidenceRef: req.EvidenceRef,
			})
			if err != nil {
				return p, err
			}
			storePath := ""
			if p.Store != nil {
				storePath = p.Store.Path
			}
			return p, s.checkpoint(ctx, "gate", opApprove, "", p.ID, storePath, req.EvidenceRef)
		})
}

// Reject rejects a proposal with actor as the approver.
func (s *Service) Reject(ctx context.Context, actor string, req RejectRequest) (gate.Proposal, error) {
	return run(s, ctx, call{op: opReject, actor: actor, mutating: true, request: req},
		func(ctx context.Context) (gate.Proposal, error) {
			p, err := s.gate.Reject(ctx, gate.RejectRequest{
				ID:       req.ID,
				Approver: actor,
				Code:     req.Code,
				Reason:   req.Reason,
			})
			if err != nil {
				return gate.Proposal{}, err
			}
			return p, s.checkpoint(ctx, "gate", opReject, "", p.ID, req.Code)
		})
}

// GetProposal returns one proposal.
func (s *Service) GetProposal(ctx context.Context, id string) (gate.Proposal, error) {
	return run(s, ctx, call{op: opGet}, func(ctx context.Context) (gate.Proposal, error) {
		return s.gate.Get(ctx, id)
	})
}

// ListProposals returns proposals newest first.
func (s *Service) ListProposals(ctx context.Context, req ListRequest) ([]gate.Proposal, error) {
	return run(s, ctx, call{op: opList, request: req}, func(ctx context.Context) ([]gate.Proposal, error) {
		return s.gate.List(ctx, req)
	})
}

// GateStats counts proposals per state.
func (s *Service) GateStats(ctx context.Context) (gate.Stats, error) {
	return run(s, ctx, call{op: opStats}, func(ctx context.Context) (gate.Stats, error) {
		return s.gate.Stats(ctx)
	})
}

// RecoverClaims returns stale proposal claims to pending.
func (s *Service) RecoverClaims(ctx context.Context) (int, error) {
	return run(s, ctx, call{op: opRecoverClaims}, func(ctx context.Context) (int, error) {
		return s.gate.RecoverClaims(ctx)
	})
}
