package ledger

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/harun/memledger/pkg/canon"
	"github.com/harun/memledger/pkg/errs"
	"github.com/rs/zerolog"
)

// AuditLayout is the line layout of the gate actions log.
var AuditLayout = Layout{
	Name:           "audit",
	TimestampField: "ts",
}

const dayFormat = "2006-01-02"

// AuditEntry is the caller-supplied part of an audit line.
type AuditEntry struct {
	Actor  string         `json:"actor"`
	Action string         `json:"action"`
	ID     string         `json:"id"`
	Meta   map[string]any `json:"meta"`
}

// AuditRecord is a stored audit line.
type AuditRecord struct {
	AuditEntry
	Timestamp string `json:"ts"`
	PrevHash  string `json:"prev_hash"`
	ThisHash  string `json:"this_hash"`
	Day       string `json:"-"`
}

// AuditConfig configures an AuditChain.
type AuditConfig struct {
	Dir          string
	LockTimeout  time.Duration
	MaxFileBytes int64
	Clock        func() time.Time
	Logger       *zerolog.Logger
}

// DayVerifyResult is the verification of one day partition.
type DayVerifyResult struct {
	Day string `json:"day"`
	VerifyResult
}

// AuditVerifyResult aggregates verification across all days.
type AuditVerifyResult struct {
	OK        bool              `json:"ok"`
	BrokenDay string            `json:"broken_day,omitempty"`
	LastHash  string            `json:"last_hash"`
	Count     int               `json:"count"`
	Days      []DayVerifyResult `json:"days"`
}

// AuditChain is a day-partitioned chain. The first record of a day links to
// the last record of the most recent earlier day, so the whole log forms one
// chain across files.
type AuditChain struct {
	cfg AuditConfig
}

// NewAuditChain creates an audit chain rooted at cfg.Dir.
func NewAuditChain(cfg AuditConfig) (*AuditChain, error) {
	if cfg.Dir == "" {
		return nil, errs.Validation("audit.new", "audit directory is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, errs.Wrap("audit.new", errs.CodeIO, err)
	}
	return &AuditChain{cfg: cfg}, nil
}

func (a *AuditChain) dayPath(day string) string {
	return filepath.Join(a.cfg.Dir, day+".ndjson")
}

func (a *AuditChain) chainFor(day string, clock func() time.Time) (*Chain, error) {
	return NewChain(Config{
		Path:         a.dayPath(day),
		Layout:       AuditLayout,
		LockTimeout:  a.cfg.LockTimeout,
		MaxFileBytes: a.cfg.MaxFileBytes,
		Clock:        clock,
		Logger:       a.cfg.Logger,
		Genesis: func() (string, error) {
			return a.lastHashBefore(day)
		},
	})
}

// Days lists day partitions in ascending order.
func (a *AuditChain) Days() ([]string, error) {
	entries, err := os.ReadDir(a.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, errs.Wrap("audit.days", errs.CodeIO, err)
	}
	days := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".ndjson") {
			continue
		}
		day := strings.TrimSuffix(name, ".ndjson")
		if _, err := time.Parse(dayFormat, day); err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Strings(days)
	return days, nil
}

// lastHashBefore returns the last stored hash of the latest day earlier than
// day, or the zero hash when there is none. Read without locking.
func (a *AuditChain) lastHashBefore(day string) (string, error) {
	days, err := a.Days()
	if err != nil {
		return "", err
	}
	for i := len(days) - 1; i >= 0; i-- {
		if days[i] >= day {
			continue
		}
		chain, err := a.chainFor(days[i], nil)
		if err != nil {
			return "", err
		}
		h, err := chain.LastHash()
		if err != nil {
			return "", err
		}
		if h != "" {
			return h, nil
		}
	}
	return canon.ZeroHash, nil
}

// Append writes entry to today's partition.
func (a *AuditChain) Append(ctx context.Context, entry AuditEntry) (AuditRecord, error) {
	const op = "audit.append"
	if entry.Actor == "" {
		return AuditRecord{}, errs.Validation(op, "actor is required")
	}
	if entry.Action == "" {
		return AuditRecord{}, errs.Validation(op, "action is required")
	}
	meta := entry.Meta
	if meta == nil {
		meta = map[string]any{}
	}

	now := a.cfg.Clock().UTC()
	day := now.Format(dayFormat)
	chain, err := a.chainFor(day, func() time.Time { return now })
	if err != nil {
		return AuditRecord{}, err
	}
	rec, err := chain.Append(ctx, map[string]any{
		"actor":  entry.Actor,
		"action": entry.Action,
		"id":     entry.ID,
		"meta":   meta,
	})
	if err != nil {
		return AuditRecord{}, err
	}
	return toAudit(rec, day)
}

// Read returns the readable records of one day.
func (a *AuditChain) Read(day string) ([]AuditRecord, error) {
	chain, err := a.chainFor(day, nil)
	if err != nil {
		return nil, err
	}
	records, err := chain.ReadAll()
	if err != nil {
		return nil, err
	}
	out := make([]AuditRecord, 0, len(records))
	for _, rec := range records {
		ar, err := toAudit(rec, day)
		if err != nil {
			return nil, err
		}
		out = append(out, ar)
	}
	return out, nil
}

// Tail returns the last n records across days, oldest first.
func (a *AuditChain) Tail(n int) ([]AuditRecord, error) {
	if n <= 0 {
		return []AuditRecord{}, nil
	}
	days, err := a.Days()
	if err != nil {
		return nil, err
	}
	var out []AuditRecord
	for i := len(days) - 1; i >= 0 && len(out) < n; i-- {
		records, err := a.Read(days[i])
		if err != nil {
			return nil, err
		}
		out = append(records, out...)
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// VerifyAll walks every day partition in order, carrying the last hash of
// each day into the next.
func (a *AuditChain) VerifyAll(ctx context.Context) (AuditVerifyResult, error) {
	days, err := a.Days()
	if err != nil {
		return AuditVerifyResult{}, err
	}
	res := AuditVerifyResult{OK: true, LastHash: canon.ZeroHash, Days: []DayVerifyResult{}}
	expected := canon.ZeroHash
	for _, day := range days {
		chain, err := a.chainFor(day, nil)
		if err != nil {
			return AuditVerifyResult{}, err
		}
		vr, err := chain.VerifyFrom(ctx, expected)
		if err != nil {
			return AuditVerifyResult{}, err
		}
		res.Days = append(res.Days, DayVerifyResult{Day: day, VerifyResult: vr})
		res.Count += vr.Count
		if !vr.OK {
			res.OK = false
			res.BrokenDay = day
			res.LastHash = vr.LastHash
			return res, nil
		}
		if vr.Count > 0 {
			expected = vr.LastHash
		}
	}
	res.LastHash = expected
	return res, nil
}

func toAudit(rec Record, day string) (AuditRecord, error) {
	var ar AuditRecord
	if err := rec.Decode(&ar); err != nil {
		return AuditRecord{}, errs.Wrap("audit.decode", errs.CodeChainBroken, err)
	}
	ar.Day = day
	return ar, nil
}
