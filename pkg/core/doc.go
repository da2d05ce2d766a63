// Package core is the service facade over the ledger, tier store, retrieval
// engine and approval gate.
//
// Every operation takes the calling actor and a request struct. Requests are
// checked against a JSON schema, mutating calls are rate limited per actor,
// and every completed mutation appends a checkpoint. A failed chain
// verification, or any integrity error surfaced by a component, halts
// mutating calls until an operator calls ClearHalt; the halt survives
// restarts through a marker file in the data directory.
package core
