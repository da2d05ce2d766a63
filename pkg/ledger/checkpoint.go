package ledger

import (
	"context"
	"time"

	"github.com/harun/memledger/pkg/errs"
	"github.com/rs/zerolog"
)

// CheckpointLayout is the line layout of the operational run log.
var CheckpointLayout = Layout{
	Name:           "checkpoint",
	TimestampField: "utc_ts",
	SequenceField:  "seq",
	WriterField:    "writer",
}

// Checkpoint is the caller-supplied part of a run log entry.
type Checkpoint struct {
	RunID    string   `json:"run_id"`
	Scope    string   `json:"scope"`
	Decision string   `json:"decision"`
	NextStep string   `json:"next_step"`
	Evidence []string `json:"evidence"`
}

// CheckpointRecord is a stored checkpoint line.
type CheckpointRecord struct {
	Checkpoint
	UTCTimestamp string `json:"utc_ts"`
	Seq          int    `json:"seq"`
	Writer       string `json:"writer"`
	PrevHash     string `json:"prev_hash"`
	ThisHash     string `json:"this_hash"`
}

// CheckpointConfig configures a CheckpointChain.
type CheckpointConfig struct {
	Path         string
	WriterID     string
	LockTimeout  time.Duration
	MaxFileBytes int64
	Clock        func() time.Time
	Logger       *zerolog.Logger
}

// CheckpointChain records operational checkpoints in a single chained file.
type CheckpointChain struct {
	chain *Chain
}

// NewCheckpointChain creates a checkpoint chain at cfg.Path.
func NewCheckpointChain(cfg CheckpointConfig) (*CheckpointChain, error) {
	chain, err := NewChain(Config{
		Path:         cfg.Path,
		Layout:       CheckpointLayout,
		WriterID:     cfg.WriterID,
		LockTimeout:  cfg.LockTimeout,
		MaxFileBytes: cfg.MaxFileBytes,
		Clock:        cfg.Clock,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &CheckpointChain{chain: chain}, nil
}

// Append records cp. Identical consecutive checkpoints fail with
// errs.ErrDuplicateDetected.
func (c *CheckpointChain) Append(ctx context.Context, cp Checkpoint) (CheckpointRecord, error) {
	const op = "checkpoint.append"
	if cp.RunID == "" {
		return CheckpointRecord{}, errs.Validation(op, "run_id is required")
	}
	if cp.Decision == "" {
		return CheckpointRecord{}, errs.Validation(op, "decision is required")
	}
	evidence := cp.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	rec, err := c.chain.Append(ctx, map[string]any{
		"run_id":    cp.RunID,
		"scope":     cp.Scope,
		"decision":  cp.Decision,
		"next_step": cp.NextStep,
		"evidence":  evidence,
	})
	if err != nil {
		return CheckpointRecord{}, err
	}
	return toCheckpoint(rec)
}

// Tail returns the last n checkpoints.
func (c *CheckpointChain) Tail(n int) ([]CheckpointRecord, error) {
	records, err := c.chain.Tail(n)
	if err != nil {
		return nil, err
	}
	out := make([]CheckpointRecord, 0, len(records))
	for _, rec := range records {
		cp, err := toCheckpoint(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Verify walks the checkpoint chain.
func (c *CheckpointChain) Verify(ctx context.Context) (VerifyResult, error) {
	return c.chain.Verify(ctx)
}

// Chain exposes the underlying generic chain.
func (c *CheckpointChain) Chain() *Chain {
	return c.chain
}

func toCheckpoint(rec Record) (CheckpointRecord, error) {
	var cp CheckpointRecord
	if err := rec.Decode(&cp); err != nil {
		return CheckpointRecord{}, errs.Wrap("checkpoint.decode", errs.CodeChainBroken, err)
	}
	return cp, nil
}
