package tiers

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
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
	defaultLockTimeout   = 5 * time.Second
	defaultMaxFileBytes  = 64 << 20
	defaultMaxTextBytes  = 64 << 10
	defaultDedupWindow   = 2 * time.Second
	defaultMaxFutureSkew = 5 * time.Minute
	maxSessionIDLength   = 128
)

// TokenVerifier checks that a gate token was issued for contentHash and
// returns the proposal it belongs to.
type TokenVerifier interface {
	VerifyToken(token, contentHash string) (proposalID string, err error)
}

// Config configures a Store.
type Config struct {
	Root         string
	LockTimeout  time.Duration
	MaxFileBytes int64
	MaxTextBytes int
	// DedupWindow suppresses identical puts for the same tier and session.
	// Negative disables; zero uses the default.
	DedupWindow   time.Duration
	MaxFutureSkew time.Duration
	// Watch keeps the partition catalog cached and refreshed by fsnotify.
	Watch    bool
	Verifier TokenVerifier
	Clock    func() time.Time
	Logger   *zerolog.Logger
}

// Store is the tiered memory store. Each put appends one line to
// <root>/<tier>/<day>/<session>.ndjson under an exclusive file lock.
type Store struct {
	cfg     Config
	logger  zerolog.Logger
	catalog *Catalog
	watcher *Watcher
	dedup   *dedupWindow

	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// New creates a store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.Root == "" {
		return nil, errs.Validation("tiers.new", "store root is required")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = defaultMaxFileBytes
	}
	if cfg.MaxTextBytes <= 0 {
		cfg.MaxTextBytes = defaultMaxTextBytes
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = defaultDedupWindow
	}
	if cfg.MaxFutureSkew <= 0 {
		cfg.MaxFutureSkew = defaultMaxFutureSkew
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "tiers").Logger()

	if err := os.MkdirAll(cfg.Root, 0700); err != nil {
		return nil, errs.Wrap("tiers.new", errs.CodeIO, err)
	}

	s := &Store{
		cfg:        cfg,
		logger:     logger,
		catalog:    NewCatalog(cfg.Root),
		writeLocks: make(map[string]*sync.Mutex),
	}
	if cfg.DedupWindow > 0 {
		s.dedup = newDedupWindow(context.Background(), cfg.DedupWindow, cfg.Clock)
	}
	if cfg.Watch {
		w, err := NewWatcher(s.catalog, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Partition watcher unavailable, listings will not be cached")
		} else {
			s.watcher = w
		}
	}

	logger.Info().Str("root", cfg.Root).Dur("dedup_window", cfg.DedupWindow).Msg("Tier store initialized")
	return s, nil
}

// Close stops background goroutines.
func (s *Store) Close() error {
	if s.dedup != nil {
		s.dedup.Stop()
	}
	if s.watcher != nil {
		return s.watcher.Stop()
	}
	return nil
}

// Catalog returns the partition catalog.
func (s *Store) Catalog() *Catalog {
	return s.catalog
}

// SetVerifier installs the gate token verifier used for ultra_long writes.
func (s *Store) SetVerifier(v TokenVerifier) {
	s.locksMu.Lock()
	s.cfg.Verifier = v
	s.locksMu.Unlock()
}

func (s *Store) verifier() TokenVerifier {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	return s.cfg.Verifier
}

// PartitionPath returns the file for tier, day and session.
func (s *Store) PartitionPath(tier Tier, day, sessionID string) string {
	return filepath.Join(s.cfg.Root, string(tier), day, sessionID+fileExt)
}

func (s *Store) indexPath(sessionID string) string {
	return filepath.Join(s.cfg.Root, indexDir, sessionID+".json")
}

// validateSessionID rejects ids that could escape the partition directory.
func validateSessionID(sessionID string) error {
	if sessionID == "" {
		return errors.New("session id cannot be empty")
	}
	if len(sessionID) > maxSessionIDLength {
		return errors.New("session id is too long")
	}
	if strings.Contains(sessionID, "..") {
		return errors.New("session id cannot contain '..'")
	}
	if strings.ContainsAny(sessionID, "/\\") {
		return errors.New("session id cannot contain path separators")
	}
	if strings.Contains(sessionID, "\x00") {
		return errors.New("session id cannot contain null bytes")
	}
	if strings.HasPrefix(sessionID, "_") || strings.HasPrefix(sessionID, ".") {
		return errors.New("session id cannot start with '_' or '.'")
	}
	return nil
}

func (s *Store) validate(op string, req PutRequest) error {
	if !req.Tier.Valid() {
		return errs.Validation(op, "unknown tier %q", req.Tier)
	}
	if err := validateSessionID(req.SessionID); err != nil {
		return errs.Validation(op, "%s", err.Error())
	}
	if strings.TrimSpace(req.Text) == "" {
		return errs.Validation(op, "text cannot be empty")
	}
	if len(req.Text) > s.cfg.MaxTextBytes {
		return errs.Validation(op, "text exceeds %d bytes", s.cfg.MaxTextBytes)
	}
	for i, ref := range req.References {
		if strings.TrimSpace(ref) == "" {
			return errs.Validation(op, "reference %d is empty", i)
		}
	}
	if err := req.Weight.Validate(); err != nil {
		return errs.Validation(op, "%s", err.Error())
	}
	return nil
}

func (s *Store) writeLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, ok := s.writeLocks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[key] = lock
	return lock
}

// Put appends a memory record. UltraLong writes require a gate token whose
// signature covers the SHA-256 of the submitted text.
func (s *Store) Put(ctx context.Context, req PutRequest) (res PutResult, err error) {
	const op = "tiers.put"
	ctx = tracing.WithSessionID(ctx, req.SessionID)
	ctx, span := tracing.StartSpan(ctx, "memledger.tiers", "tiers.put",
		attribute.String("tier", string(req.Tier)),
		attribute.String("session_id", req.SessionID))
	start := time.Now()
	defer func() {
		observability.RecordTierStore(string(req.Tier), time.Since(start), err == nil)
		tracing.EndSpan(span, err)
	}()
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("tier", string(req.Tier)).Logger()

	if err := s.validate(op, req); err != nil {
		return PutResult{}, err
	}

	now := s.cfg.Clock().UTC()
	ts := now
	if !req.Timestamp.IsZero() {
		ts = req.Timestamp.UTC()
		if ts.After(now.Add(s.cfg.MaxFutureSkew)) {
			return PutResult{}, errs.Validation(op, "timestamp %s is in the future", ts.Format(time.RFC3339))
		}
	}

	contentHash := canon.HashText(req.Text)
	var stamp *GateStamp
	if req.Tier == UltraLong {
		stamp, err = s.checkGate(op, req, contentHash)
		if err != nil {
			logger.Warn().Err(err).Msg("Permanent tier write refused")
			return PutResult{}, err
		}

		// A token authorises one write. Taken before the partition lock.
		gateLock := s.writeLock("gate/" + stamp.ProposalID)
		gateLock.Lock()
		defer gateLock.Unlock()

		if err := s.checkTokenUnused(ctx, op, stamp.ProposalID); err != nil {
			logger.Warn().Err(err).Str("proposal_id", stamp.ProposalID).Msg("Gate token replay refused")
			return PutResult{}, err
		}
	}

	// Serializes the dedup check with the write for this partition key.
	lock := s.writeLock(string(req.Tier) + "/" + req.SessionID)
	lock.Lock()
	defer lock.Unlock()

	key := string(req.Tier) + "\x00" + req.SessionID + "\x00" + contentHash
	if s.dedup != nil {
		if prev, ok := s.dedup.Get(key); ok {
			logger.Debug().Str("record_id", prev.Record.ID).Msg("Suppressed duplicate put")
			prev.Deduplicated = true
			return prev, nil
		}
	}

	refs := req.References
	if refs == nil {
		refs = []string{}
	}
	rec := MemoryRecord{
		ID:           uuid.NewString(),
		Tier:         req.Tier,
		ScopeID:      req.ScopeID,
		Timestamp:    ts,
		Text:         req.Text,
		RedactedText: req.RedactedText,
		References:   refs,
		SessionID:    req.SessionID,
		Weight:       req.Weight,
		PIIFlags:     req.PIIFlags,
		ContentHash:  contentHash,
		Gate:         stamp,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return PutResult{}, errs.Wrap(op, errs.CodeInvalidInput, err)
	}
	line = append(line, '\n')

	path := s.PartitionPath(req.Tier, ts.Format(dayFormat), req.SessionID)
	_, statErr := os.Stat(path)
	created := os.IsNotExist(statErr)

	if err := s.appendLine(ctx, op, path, line); err != nil {
		return PutResult{}, err
	}
	if created {
		s.catalog.Invalidate()
	}

	res = PutResult{Record: rec, Path: path}
	if s.dedup != nil {
		s.dedup.Set(key, res)
	}
	s.touchIndex(logger, rec, path)

	logger.Debug().Str("record_id", rec.ID).Str("path", path).Msg("Memory record stored")
	return res, nil
}

func (s *Store) appendLine(ctx context.Context, op, path string, line []byte) error {
	lf, err := fslock.Open(ctx, path, s.cfg.LockTimeout)
	if err != nil {
		if errors.Is(err, fslock.ErrTimeout) {
			return errs.Wrap(op, errs.CodeLockTimeout, err)
		}
		return errs.Wrap(op, errs.CodeIO, err)
	}
	defer lf.Unlock()

	size, err := lf.Size()
	if err != nil {
		return errs.Wrap(op, errs.CodeIO, err)
	}
	if size+int64(len(line)) > s.cfg.MaxFileBytes {
		return errs.New(op, errs.CodeFileTooLarge, "%s would exceed %d bytes", path, s.cfg.MaxFileBytes)
	}
	if err := lf.WriteDurable(line); err != nil {
		return errs.Wrap(op, errs.CodeIO, err)
	}
	return nil
}

func (s *Store) checkGate(op string, req PutRequest, contentHash string) (*GateStamp, error) {
	if req.GateToken == "" || req.ApprovedHash == "" {
		return nil, errs.New(op, errs.CodeGateRequired, "ultra_long writes require a gate token and approved hash")
	}
	if !strings.EqualFold(req.ApprovedHash, contentHash) {
		return nil, errs.New(op, errs.CodeGateRequired, "text does not match the approved content hash")
	}
	v := s.verifier()
	if v == nil {
		return nil, errs.New(op, errs.CodeGateRequired, "no gate token verifier configured")
	}
	proposalID, err := v.VerifyToken(req.GateToken, contentHash)
	if err != nil {
		return nil, errs.Wrap(op, errs.CodeGateRequired, err)
	}
	return &GateStamp{ProposalID: proposalID, ContentHash: contentHash}, nil
}

// checkTokenUnused refuses when a permanent record already carries the
// stamp of proposalID.
func (s *Store) checkTokenUnused(ctx context.Context, op, proposalID string) error {
	res, err := s.Scan(ctx, ScanOptions{Tiers: []Tier{UltraLong}})
	if err != nil {
		return errs.Normalize(op, err)
	}
	for _, rec := range res.Records {
		if rec.Gate != nil && rec.Gate.ProposalID == proposalID {
			return errs.New(op, errs.CodeGateRequired, "gate token for %s was already used by record %s", proposalID, rec.ID)
		}
	}
	return nil
}

// touchIndex refreshes the advisory session index. Failures are logged and
// swallowed.
func (s *Store) touchIndex(logger zerolog.Logger, rec MemoryRecord, path string) {
	idxPath := s.indexPath(rec.SessionID)
	idx := SessionIndex{SessionID: rec.SessionID}
	if data, err := os.ReadFile(idxPath); err == nil {
		_ = json.Unmarshal(data, &idx)
		idx.SessionID = rec.SessionID
	}
	idx.LastWrite = s.cfg.Clock().UTC()
	idx.LastTier = rec.Tier
	idx.LastPath = path
	idx.Writes++

	data, err := json.Marshal(idx)
	if err != nil {
		return
	}
	if err := writeFileAtomic(idxPath, data); err != nil {
		logger.Debug().Err(err).Str("session_id", rec.SessionID).Msg("Session index refresh failed")
	}
}

// SessionIndex returns the advisory index of a session.
func (s *Store) SessionIndex(sessionID string) (SessionIndex, error) {
	const op = "tiers.session_index"
	if err := validateSessionID(sessionID); err != nil {
		return SessionIndex{}, errs.Validation(op, "%s", err.Error())
	}
	data, err := os.ReadFile(s.indexPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return SessionIndex{}, errs.New(op, errs.CodeNotFound, "no index for session %q", sessionID)
		}
		return SessionIndex{}, errs.Wrap(op, errs.CodeIO, err)
	}
	var idx SessionIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return SessionIndex{}, errs.Wrap(op, errs.CodeIO, err)
	}
	return idx, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
