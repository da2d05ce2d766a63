package gate

import (
	"time"
)

// State is a proposal lifecycle state. Every state but Pending is terminal.
type State string

const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateRejected  State = "rejected"
	StateWithdrawn State = "withdrawn"
)

// AllStates lists every state.
var AllStates = []State{StatePending, StateApproved, StateRejected, StateWithdrawn}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateApproved, StateRejected, StateWithdrawn:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s != StatePending
}

// Checks are the automated checks run at proposal time.
type Checks struct {
	RefCountOK         bool `json:"ref_count_ok"`
	SourceDiversityOK  bool `json:"source_diversity_ok"`
	PIIDetected        bool `json:"pii_detected"`
	RedactionSuggested bool `json:"redaction_suggested"`
	DuplicateDetected  bool `json:"duplicate_detected"`
}

// StoreRef points at the permanent-tier record written on approval.
type StoreRef struct {
	Path     string `json:"path"`
	RecordID string `json:"record_id"`
}

// Proposal is a candidate for the permanent tier.
type Proposal struct {
	ID                 string     `json:"id"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	DecidedAt          *time.Time `json:"decided_at,omitempty"`
	State              State      `json:"state"`
	Proposer           string     `json:"proposer"`
	Approver           string     `json:"approver,omitempty"`
	ScopeID            string     `json:"scope_id,omitempty"`
	Text               string     `json:"text"`
	RedactedText       string     `json:"redacted_text,omitempty"`
	SuggestedRedaction string     `json:"suggested_redaction,omitempty"`
	PIIFlags           []string   `json:"pii_flags"`
	References         []string   `json:"references"`
	ContentHash        string     `json:"content_hash"`
	SourceRoots        []string   `json:"source_roots"`
	Checks             Checks     `json:"automated_checks"`
	Rationale          string     `json:"rationale,omitempty"`
	RunID              string     `json:"run_id,omitempty"`
	EvidenceRef        string     `json:"evidence_ref,omitempty"`
	RejectCode         string     `json:"reject_code,omitempty"`
	Reason             string     `json:"reason,omitempty"`
	WithdrawnBy        string     `json:"withdrawn_by,omitempty"`
	Store              *StoreRef  `json:"store,omitempty"`
	// TokenHash is the SHA-256 of the gate token that authorised the write.
	// The token itself is single use and never stored.
	TokenHash string `json:"token_sha256,omitempty"`
}

// FinalText is the text that would be written on approval: the supplied
// redaction when present, else the raw text.
func (p Proposal) FinalText() string {
	if p.RedactedText != "" {
		return p.RedactedText
	}
	return p.Text
}

// ProposeRequest is the input of Gate.Propose.
type ProposeRequest struct {
	Text       string   `json:"text"`
	References []string `json:"references"`
	Proposer   string   `json:"proposer"`
	ScopeID    string   `json:"scope_id,omitempty"`
	Rationale  string   `json:"rationale,omitempty"`
	// RedactedText supplies a redaction up front.
	RedactedText string `json:"redacted_text,omitempty"`
}

// ApproveRequest is the input of Gate.Approve.
type ApproveRequest struct {
	ID          string `json:"id"`
	Approver    string `json:"approver"`
	RunID       string `json:"run_id"`
	EvidenceRef string `json:"evidence_ref"`
}

// RejectRequest is the input of Gate.Reject.
type RejectRequest struct {
	ID       string `json:"id"`
	Approver string `json:"approver"`
	Code     string `json:"code"`
	Reason   string `json:"reason,omitempty"`
}

// ListFilter narrows Gate.List.
type ListFilter struct {
	State    State  `json:"state,omitempty"`
	Proposer string `json:"proposer,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// Stats counts proposals per state.
type Stats struct {
	Pending   int `json:"pending"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Withdrawn int `json:"withdrawn"`
	Total     int `json:"total"`
	// Claimed counts pending proposals mid-transition.
	Claimed int `json:"claimed"`
}
