package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/harun/memledger/internal/observability"
	"github.com/harun/memledger/internal/tracing"
	"github.com/harun/memledger/pkg/canon"
	"github.com/harun/memledger/pkg/errs"
	"github.com/harun/memledger/pkg/fslock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// FieldPrevHash is the line field holding the predecessor hash.
	FieldPrevHash = "prev_hash"
	// FieldThisHash is the line field holding the record hash.
	FieldThisHash = "this_hash"

	// TimestampFormat is the server timestamp layout; one bucket per UTC second.
	TimestampFormat = "2006-01-02T15:04:05Z"

	defaultLockTimeout  = 5 * time.Second
	defaultMaxFileBytes = 64 << 20
)

// Layout names the server-generated fields of a chain's lines.
type Layout struct {
	// Name labels metrics and spans, e.g. "checkpoint" or "audit".
	Name string
	// TimestampField is always written.
	TimestampField string
	// SequenceField is written when non-empty.
	SequenceField string
	// WriterField is written when non-empty.
	WriterField string
}

func (l Layout) reserved(key string) bool {
	switch key {
	case FieldPrevHash, FieldThisHash, l.TimestampField:
		return true
	}
	return (l.SequenceField != "" && key == l.SequenceField) ||
		(l.WriterField != "" && key == l.WriterField)
}

// Config configures a Chain.
type Config struct {
	Path         string
	Layout       Layout
	WriterID     string
	LockTimeout  time.Duration
	MaxFileBytes int64
	Clock        func() time.Time
	// Genesis supplies prev_hash for the first record of an empty file.
	// Nil means canon.ZeroHash.
	Genesis func() (string, error)
	Logger  *zerolog.Logger
}

// Chain is an append-only, hash-chained NDJSON file.
type Chain struct {
	cfg    Config
	logger zerolog.Logger
}

// Record is one chain entry. Fields holds every key on the line, with numbers
// decoded as json.Number.
type Record struct {
	Index  int
	Fields map[string]any
}

// VerifyResult reports the outcome of walking a chain.
type VerifyResult struct {
	OK            bool   `json:"ok"`
	BreakIndex    *int   `json:"break_index"`
	LastHash      string `json:"last_hash"`
	Count         int    `json:"count"`
	TruncatedTail bool   `json:"truncated_tail,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// NewChain validates cfg and returns a Chain. The file is created lazily on
// first append.
func NewChain(cfg Config) (*Chain, error) {
	if cfg.Path == "" {
		return nil, errors.New("chain path is required")
	}
	if cfg.Layout.TimestampField == "" {
		return nil, errors.New("chain layout requires a timestamp field")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = defaultMaxFileBytes
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Layout.Name == "" {
		cfg.Layout.Name = "chain"
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	observability.EnsureRegistered()
	return &Chain{
		cfg:    cfg,
		logger: logger.With().Str("chain", cfg.Layout.Name).Str("path", cfg.Path).Logger(),
	}, nil
}

// Path returns the chain file path.
func (c *Chain) Path() string {
	return c.cfg.Path
}

// PrevHash returns the stored predecessor hash.
func (r Record) PrevHash() string {
	s, _ := r.Fields[FieldPrevHash].(string)
	return s
}

// ThisHash returns the stored record hash.
func (r Record) ThisHash() string {
	s, _ := r.Fields[FieldThisHash].(string)
	return s
}

// String returns a string field or "".
func (r Record) String(key string) string {
	s, _ := r.Fields[key].(string)
	return s
}

// Int returns an integer field or 0.
func (r Record) Int(key string) int {
	switch v := r.Fields[key].(type) {
	case json.Number:
		n, _ := strconv.Atoi(v.String())
		return n
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// Body returns the hashed portion of the record: every field except the hashes.
func (r Record) Body() map[string]any {
	body := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		if k == FieldPrevHash || k == FieldThisHash {
			continue
		}
		body[k] = v
	}
	return body
}

// Payload returns the caller-supplied fields of the record.
func (r Record) Payload(layout Layout) map[string]any {
	payload := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		if layout.reserved(k) {
			continue
		}
		payload[k] = v
	}
	return payload
}

// Decode unmarshals the record fields into v.
func (r Record) Decode(v any) error {
	raw, err := json.Marshal(r.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Recompute returns the hash the record should carry given prevHash.
func (r Record) Recompute(prevHash string) (string, error) {
	body, err := canon.JSON(r.Body())
	if err != nil {
		return "", err
	}
	return canon.ChainHash(body, prevHash), nil
}

// Append writes payload as the next record. The line is built completely,
// written with a single write call and fsynced while the file lock is held.
func (c *Chain) Append(ctx context.Context, payload map[string]any) (rec Record, err error) {
	const op = "ledger.append"
	ctx, span := tracing.StartSpan(ctx, "memledger.ledger", "ledger.append",
		attribute.String("chain", c.cfg.Layout.Name))
	start := time.Now()
	defer func() {
		observability.RecordLedgerAppend(c.cfg.Layout.Name, time.Since(start), err == nil)
		tracing.EndSpan(span, err)
	}()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	normalized, err := c.normalizePayload(op, payload)
	if err != nil {
		return Record{}, err
	}

	lf, err := fslock.Open(ctx, c.cfg.Path, c.cfg.LockTimeout)
	if err != nil {
		if errors.Is(err, fslock.ErrTimeout) {
			return Record{}, errs.Wrap(op, errs.CodeLockTimeout, err)
		}
		return Record{}, errs.Wrap(op, errs.CodeIO, err)
	}
	defer lf.Unlock()

	data, err := os.ReadFile(c.cfg.Path)
	if err != nil {
		return Record{}, errs.Wrap(op, errs.CodeIO, err)
	}
	scan := parseLines(data)
	if scan.badIndex >= 0 {
		logger.Error().Int("index", scan.badIndex).Msg("Refusing append onto unparseable line")
		return Record{}, errs.New(op, errs.CodeCorruptTail,
			"%s has an unparseable record at index %d", c.cfg.Path, scan.badIndex)
	}

	prevHash := canon.ZeroHash
	var last *Record
	if n := len(scan.records); n > 0 {
		last = &scan.records[n-1]
		prevHash = last.ThisHash()
	} else if c.cfg.Genesis != nil {
		prevHash, err = c.cfg.Genesis()
		if err != nil {
			return Record{}, errs.Normalize(op, err)
		}
	}

	if last != nil && canon.Equal(normalized, last.Payload(c.cfg.Layout)) {
		return Record{}, errs.New(op, errs.CodeDuplicateDetected,
			"payload repeats record %d", last.Index)
	}

	now := c.cfg.Clock().UTC().Truncate(time.Second)
	ts := now.Format(TimestampFormat)
	body := make(map[string]any, len(normalized)+3)
	for k, v := range normalized {
		body[k] = v
	}
	body[c.cfg.Layout.TimestampField] = ts
	if c.cfg.Layout.SequenceField != "" {
		seq := 1
		if last != nil && last.String(c.cfg.Layout.TimestampField) == ts {
			seq = last.Int(c.cfg.Layout.SequenceField) + 1
		}
		body[c.cfg.Layout.SequenceField] = json.Number(strconv.Itoa(seq))
	}
	if c.cfg.Layout.WriterField != "" {
		body[c.cfg.Layout.WriterField] = c.cfg.WriterID
	}

	canonicalBody, err := canon.JSON(body)
	if err != nil {
		return Record{}, errs.Wrap(op, errs.CodeInvalidInput, err)
	}
	thisHash := canon.ChainHash(canonicalBody, prevHash)

	fields := body
	fields[FieldPrevHash] = prevHash
	fields[FieldThisHash] = thisHash
	line, err := canon.JSON(fields)
	if err != nil {
		return Record{}, errs.Wrap(op, errs.CodeInvalidInput, err)
	}
	line = append(line, '\n')

	size, err := lf.Size()
	if err != nil {
		return Record{}, errs.Wrap(op, errs.CodeIO, err)
	}
	if size+int64(len(line)) > c.cfg.MaxFileBytes {
		return Record{}, errs.New(op, errs.CodeFileTooLarge,
			"%s would exceed %d bytes", c.cfg.Path, c.cfg.MaxFileBytes)
	}

	if err := lf.WriteDurable(line); err != nil {
		return Record{}, errs.Wrap(op, errs.CodeIO, err)
	}

	rec = Record{Index: len(scan.records), Fields: fields}
	logger.Debug().
		Int("index", rec.Index).
		Str("this_hash", thisHash).
		Msg("Record appended")
	return rec, nil
}

func (c *Chain) normalizePayload(op string, payload map[string]any) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, errs.Validation(op, "payload cannot be empty")
	}
	for k := range payload {
		if k == "" {
			return nil, errs.Validation(op, "payload keys cannot be empty")
		}
		if c.cfg.Layout.reserved(k) {
			return nil, errs.Validation(op, "payload key %q is server-generated", k)
		}
	}
	raw, err := canon.JSON(payload)
	if err != nil {
		return nil, errs.Wrap(op, errs.CodeInvalidInput, err)
	}
	normalized, err := canon.DecodeObject(raw)
	if err != nil {
		return nil, errs.Wrap(op, errs.CodeInvalidInput, err)
	}
	return normalized, nil
}

// ReadAll returns every record up to the last fully-parseable one. It takes
// no lock; an unparseable line ends the read and is logged, not returned.
func (c *Chain) ReadAll() ([]Record, error) {
	scan, err := c.load()
	if err != nil {
		return nil, err
	}
	if scan.badIndex >= 0 {
		c.logger.Warn().
			Int("index", scan.badIndex).
			Bool("tail", scan.badIsTail).
			Msg("Stopped reading at unparseable record")
	}
	return scan.records, nil
}

// Tail returns the last n readable records in file order.
func (c *Chain) Tail(n int) ([]Record, error) {
	records, err := c.ReadAll()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return []Record{}, nil
	}
	if len(records) > n {
		records = records[len(records)-n:]
	}
	return records, nil
}

// LastHash returns the hash of the last readable record, or "" when the file
// holds none.
func (c *Chain) LastHash() (string, error) {
	scan, err := c.load()
	if err != nil {
		return "", err
	}
	if scan.badIndex >= 0 {
		return "", errs.New("ledger.last_hash", errs.CodeCorruptTail,
			"%s has an unparseable record at index %d", c.cfg.Path, scan.badIndex)
	}
	if len(scan.records) == 0 {
		return "", nil
	}
	return scan.records[len(scan.records)-1].ThisHash(), nil
}

// Verify walks the chain from its genesis hash.
func (c *Chain) Verify(ctx context.Context) (VerifyResult, error) {
	start := canon.ZeroHash
	if c.cfg.Genesis != nil {
		g, err := c.cfg.Genesis()
		if err != nil {
			return VerifyResult{}, errs.Normalize("ledger.verify", err)
		}
		start = g
	}
	return c.VerifyFrom(ctx, start)
}

// VerifyFrom walks the chain expecting the first record to link to start.
// The result names the first index whose stored hashes do not recompute.
func (c *Chain) VerifyFrom(ctx context.Context, start string) (res VerifyResult, err error) {
	_, span := tracing.StartSpan(ctx, "memledger.ledger", "ledger.verify",
		attribute.String("chain", c.cfg.Layout.Name))
	defer func() {
		if err == nil {
			observability.RecordLedgerVerify(c.cfg.Layout.Name, res.OK, res.Count)
		}
		tracing.EndSpan(span, err)
	}()

	scan, err := c.load()
	if err != nil {
		return VerifyResult{}, err
	}

	res = verifyRecords(scan.records, start)
	if !res.OK {
		c.logger.Error().Int("break_index", *res.BreakIndex).Str("reason", res.Reason).Msg("Chain verification failed")
		return res, nil
	}
	if scan.badIndex >= 0 {
		idx := scan.badIndex
		res.OK = false
		res.BreakIndex = &idx
		res.TruncatedTail = scan.badIsTail
		res.Reason = "unparseable record"
		c.logger.Error().Int("break_index", idx).Bool("tail", scan.badIsTail).Msg("Chain verification found unparseable record")
	}
	return res, nil
}

func verifyRecords(records []Record, start string) VerifyResult {
	expected := start
	for i, rec := range records {
		if rec.PrevHash() != expected {
			idx := i
			return VerifyResult{BreakIndex: &idx, LastHash: expected, Count: i, Reason: "prev_hash mismatch"}
		}
		recomputed, err := rec.Recompute(expected)
		if err != nil || recomputed != rec.ThisHash() {
			idx := i
			return VerifyResult{BreakIndex: &idx, LastHash: expected, Count: i, Reason: "this_hash mismatch"}
		}
		expected = rec.ThisHash()
	}
	return VerifyResult{OK: true, LastHash: expected, Count: len(records)}
}

type scanResult struct {
	records   []Record
	badIndex  int
	badIsTail bool
}

func (c *Chain) load() (scanResult, error) {
	data, err := os.ReadFile(c.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return scanResult{badIndex: -1}, nil
		}
		return scanResult{}, errs.Wrap("ledger.read", errs.CodeIO, fmt.Errorf("failed to read chain: %w", err))
	}
	return parseLines(data), nil
}

// parseLines decodes NDJSON, stopping at the first line that is not a complete
// JSON object. A final line without a newline counts as unparseable.
func parseLines(data []byte) scanResult {
	res := scanResult{badIndex: -1}
	lines := bytes.Split(data, []byte{'\n'})
	// The element after the last newline is empty for well-formed files.
	complete := len(lines) - 1
	for i, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		idx := len(res.records)
		var obj map[string]any
		var err error
		if i >= complete {
			err = errors.New("missing newline")
		} else {
			obj, err = canon.DecodeObject(line)
		}
		if err != nil {
			res.badIndex = idx
			res.badIsTail = onlyBlankAfter(lines[i+1:])
			return res
		}
		res.records = append(res.records, Record{Index: idx, Fields: obj})
	}
	return res
}

func onlyBlankAfter(lines [][]byte) bool {
	for _, l := range lines {
		if len(bytes.TrimSpace(l)) > 0 {
			return false
		}
	}
	return true
}
