// Package gate guards the permanent (ultra_long) memory tier.
//
// Text reaches the permanent tier only through a proposal. Propose runs the
// automated checks (reference count, source diversity, PII scan, duplicate
// hint) and stores the proposal as pending. A pending proposal ends in
// exactly one of approved, rejected or withdrawn.
//
// Approve re-checks, in order: the proposal is pending, the approver is not
// the proposer, the evidence checks passed, flagged PII has a redaction, and
// the final text is not already approved. It then issues a gate token bound
// to the proposal id and the SHA-256 of the final text, writes the text to
// the tier store with that token, and records the decision in the audit
// chain.
//
// Proposals are JSON documents under <root>/<state>/<YYYY-MM-DD>/<id>.json.
// A transition claims a proposal by renaming its document to <id>.json.claim
// so concurrent approvers in other processes see CodeBusy instead of racing.
package gate
