package core

import (
	"time"

	"github.com/harun/memledger/pkg/gate"
	"github.com/harun/memledger/pkg/ledger"
	"github.com/harun/memledger/pkg/retrieval"
	"github.com/harun/memledger/pkg/tiers"
)

// CheckpointRequest appends one operational checkpoint. An empty RunID takes
// the run of the call.
type CheckpointRequest struct {
	RunID    string   `json:"run_id,omitempty"`
	Scope    string   `json:"scope"`
	Decision string   `json:"decision"`
	NextStep string   `json:"next_step"`
	Evidence []string `json:"evidence,omitempty"`
}

// StoreRequest writes a memory record.
type StoreRequest struct {
	Tier         string         `json:"tier"`
	ScopeID      string         `json:"scope_id,omitempty"`
	SessionID    string         `json:"session_id"`
	Text         string         `json:"text"`
	RedactedText string         `json:"redacted_text,omitempty"`
	References   []string       `json:"references,omitempty"`
	Weight       map[string]any `json:"weight,omitempty"`
	PIIFlags     []string       `json:"pii_flags,omitempty"`
	Timestamp    *time.Time     `json:"timestamp,omitempty"`
	GateToken    string         `json:"gate_token,omitempty"`
	ApprovedHash string         `json:"approved_hash,omitempty"`
}

func (r StoreRequest) toPut() tiers.PutRequest {
	put := tiers.PutRequest{
		Tier:         tiers.Tier(r.Tier),
		ScopeID:      r.ScopeID,
		SessionID:    r.SessionID,
		Text:         r.Text,
		RedactedText: r.RedactedText,
		References:   r.References,
		Weight:       tiers.Weight(r.Weight),
		PIIFlags:     r.PIIFlags,
		GateToken:    r.GateToken,
		ApprovedHash: r.ApprovedHash,
	}
	if r.Timestamp != nil {
		put.Timestamp = *r.Timestamp
	}
	return put
}

// SearchRequest is a retrieval query.
type SearchRequest = retrieval.Query

// ProposeRequest submits text for the permanent tier. The caller is the
// proposer.
type ProposeRequest struct {
	Text         string   `json:"text"`
	References   []string `json:"references,omitempty"`
	ScopeID      string   `json:"scope_id,omitempty"`
	Rationale    string   `json:"rationale,omitempty"`
	RedactedText string   `json:"redacted_text,omitempty"`
}

// PatchRequest supplies a redaction for a pending proposal.
type PatchRequest struct {
	ID           string `json:"id"`
	RedactedText string `json:"redacted_text"`
}

// WithdrawRequest withdraws a pending proposal.
type WithdrawRequest struct {
	ID string `json:"id"`
}

// ApproveRequest approves a proposal. The caller is the approver.
type ApproveRequest struct {
	ID          string `json:"id"`
	RunID       string `json:"run_id,omitempty"`
	EvidenceRef string `json:"evidence_ref,omitempty"`
}

// RejectRequest rejects a proposal. The caller is the approver.
type RejectRequest struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// ListRequest filters proposals.
type ListRequest = gate.ListFilter

// VerifyReport is the result of verifying both chains.
type VerifyReport struct {
	OK          bool                     `json:"ok"`
	Checkpoints ledger.VerifyResult      `json:"checkpoints"`
	Audit       ledger.AuditVerifyResult `json:"audit"`
	Halt        *HaltState               `json:"halt,omitempty"`
}
