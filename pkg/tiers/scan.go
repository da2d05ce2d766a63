package tiers

import (
	"bytes"
	"context"
	"encoding/json"
	"os"

	"github.com/harun/memledger/internal/observability"
	"github.com/harun/memledger/internal/tracing"
	"github.com/harun/memledger/pkg/canon"
	"github.com/harun/memledger/pkg/errs"
	"go.opentelemetry.io/otel/attribute"
)

// Scan reads partitions without locking. A partition or line that cannot be
// read is reported in ScanResult.Failures and the scan continues.
func (s *Store) Scan(ctx context.Context, opts ScanOptions) (res ScanResult, err error) {
	const op = "tiers.scan"
	ctx, span := tracing.StartSpan(ctx, "memledger.tiers", "tiers.scan",
		attribute.Int("max_files", opts.MaxFiles))
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	for _, t := range opts.Tiers {
		if !t.Valid() {
			return ScanResult{}, errs.Validation(op, "unknown tier %q", t)
		}
	}

	parts, err := s.catalog.Partitions(opts.Tiers)
	if err != nil {
		return ScanResult{}, errs.Wrap(op, errs.CodeIO, err)
	}
	if opts.MaxFiles > 0 && len(parts) > opts.MaxFiles {
		parts = parts[:opts.MaxFiles]
		res.Truncated = true
	}

	res.Records = []ScannedRecord{}
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return res, errs.Wrap(op, errs.CodeIO, err)
		}
		records, failures := readPartition(p)
		res.Files++
		res.Records = append(res.Records, records...)
		res.Failures = append(res.Failures, failures...)
	}

	if len(res.Failures) > 0 {
		observability.RecordScanFailures(len(res.Failures))
		logger.Warn().Int("failures", len(res.Failures)).Int("files", res.Files).Msg("Scan skipped unreadable data")
	}
	span.SetAttributes(attribute.Int("files", res.Files), attribute.Int("records", len(res.Records)))
	return res, nil
}

func readPartition(p Partition) ([]ScannedRecord, []FileFailure) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, []FileFailure{{Path: p.Path, Error: err.Error()}}
	}

	var records []ScannedRecord
	var failures []FileFailure
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec MemoryRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			failures = append(failures, FileFailure{Path: p.Path, Line: i + 1, Error: err.Error()})
			continue
		}
		if rec.Tier == "" {
			rec.Tier = p.Tier
		}
		if rec.SessionID == "" {
			rec.SessionID = p.Session
		}
		if rec.ContentHash == "" {
			rec.ContentHash = canon.HashText(rec.Text)
		}
		records = append(records, ScannedRecord{MemoryRecord: rec, Path: p.Path, Line: i + 1})
	}
	return records, failures
}

// ContentHashes indexes every readable record of tier by content hash. The
// first record seen for a hash wins.
func (s *Store) ContentHashes(ctx context.Context, tier Tier) (map[string]ContentRef, error) {
	res, err := s.Scan(ctx, ScanOptions{Tiers: []Tier{tier}})
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]ContentRef, len(res.Records))
	for _, rec := range res.Records {
		if _, ok := hashes[rec.ContentHash]; ok {
			continue
		}
		ref := ContentRef{RecordID: rec.ID, Path: rec.Path}
		if rec.Gate != nil {
			ref.ProposalID = rec.Gate.ProposalID
		}
		hashes[rec.ContentHash] = ref
	}
	return hashes, nil
}
