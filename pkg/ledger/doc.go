// Package ledger implements tamper-evident, hash-chained append-only logs.
//
// Invariants:
// - this_hash = sha256(canonical(body) + "\n" + prev_hash); the first record links to the zero hash.
// - Appends hold an exclusive lock on the target file, write one full line and fsync before unlocking.
// - An append identical to the immediately preceding payload is rejected, never written.
// - Corruption is reported by Verify and refused by Append; nothing is repaired.
//
// Usage:
//
//	cp, _ := ledger.NewCheckpointChain(ledger.CheckpointConfig{Path: "/data/checkpoints.ndjson", WriterID: "host:1"})
//	_, _ = cp.Append(ctx, ledger.Checkpoint{RunID: "r1", Scope: "gate", Decision: "approved"})
//	res, _ := cp.Verify(ctx)
//	_ = res.OK
package ledger
