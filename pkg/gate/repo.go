package gate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/memledger/pkg/errs"
)

const (
	dayFormat   = "2006-01-02"
	docExt      = ".json"
	claimSuffix = ".claim"
)

var idPattern = regexp.MustCompile(`^gp-[A-Za-z0-9_-]{1,64}$`)

// repo stores one JSON document per proposal at <root>/<state>/<day>/<id>.json,
// where day is the creation day.
type repo struct {
	root string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func newRepo(root string) (*repo, error) {
	for _, s := range AllStates {
		if err := os.MkdirAll(filepath.Join(root, string(s)), 0700); err != nil {
			return nil, err
		}
	}
	return &repo{root: root, locks: make(map[string]*sync.Mutex)}, nil
}

func validID(id string) bool {
	return idPattern.MatchString(id)
}

func (r *repo) docPath(state State, day, id string) string {
	return filepath.Join(r.root, string(state), day, id+docExt)
}

func (r *repo) lock(id string) func() {
	r.locksMu.Lock()
	mu, ok := r.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[id] = mu
	}
	r.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// locate finds the document of id. claimed is true for a pending proposal
// held by a transition.
func (r *repo) locate(id string) (path string, state State, claimed bool, err error) {
	for _, s := range AllStates {
		matches, err := filepath.Glob(filepath.Join(r.root, string(s), "*", id+docExt))
		if err != nil {
			return "", "", false, err
		}
		if len(matches) > 0 {
			return matches[0], s, false, nil
		}
	}
	matches, err := filepath.Glob(filepath.Join(r.root, string(StatePending), "*", id+docExt+claimSuffix))
	if err != nil {
		return "", "", false, err
	}
	if len(matches) > 0 {
		return matches[0], StatePending, true, nil
	}
	return "", "", false, os.ErrNotExist
}

func readProposal(path string) (Proposal, error) {
	var p Proposal
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return p, nil
}

// get loads a proposal in any state, including one that is claimed.
func (r *repo) get(op, id string) (Proposal, error) {
	if !validID(id) {
		return Proposal{}, errs.Validation(op, "invalid proposal id %q", id)
	}
	path, _, _, err := r.locate(id)
	if err != nil {
		if os.IsNotExist(err) {
			return Proposal{}, errs.New(op, errs.CodeNotFound, "proposal %s not found", id)
		}
		return Proposal{}, errs.Wrap(op, errs.CodeIO, err)
	}
	p, err := readProposal(path)
	if err != nil {
		return Proposal{}, errs.Wrap(op, errs.CodeIO, err)
	}
	return p, nil
}

func (r *repo) create(p Proposal) error {
	return writeAtomic(r.docPath(StatePending, p.CreatedAt.UTC().Format(dayFormat), p.ID), p)
}

func (r *repo) remove(p Proposal) error {
	return os.Remove(r.docPath(p.State, p.CreatedAt.UTC().Format(dayFormat), p.ID))
}

// claim gives the caller exclusive use of a pending proposal by renaming its
// document to <id>.json.claim. Only one process can win the rename.
type claim struct {
	repo     *repo
	proposal Proposal
	day      string
	path     string
	unlock   func()
}

func (r *repo) claim(op, id string) (*claim, error) {
	if !validID(id) {
		return nil, errs.Validation(op, "invalid proposal id %q", id)
	}
	unlock := r.lock(id)

	path, state, claimed, err := r.locate(id)
	if err != nil {
		unlock()
		if os.IsNotExist(err) {
			return nil, errs.New(op, errs.CodeNotFound, "proposal %s not found", id)
		}
		return nil, errs.Wrap(op, errs.CodeIO, err)
	}
	if state != StatePending {
		unlock()
		return nil, errs.New(op, errs.CodeInvalidState, "proposal %s is %s", id, state)
	}
	if claimed {
		unlock()
		return nil, errs.New(op, errs.CodeBusy, "proposal %s is being transitioned by another process", id)
	}

	claimPath := path + claimSuffix
	if err := os.Rename(path, claimPath); err != nil {
		unlock()
		if os.IsNotExist(err) {
			return nil, errs.New(op, errs.CodeBusy, "proposal %s changed during claim", id)
		}
		return nil, errs.Wrap(op, errs.CodeIO, err)
	}

	// Rename keeps the old mtime; stale-claim recovery needs the claim time.
	now := time.Now()
	os.Chtimes(claimPath, now, now)

	p, err := readProposal(claimPath)
	if err != nil {
		os.Rename(claimPath, path)
		unlock()
		return nil, errs.Wrap(op, errs.CodeIO, err)
	}
	return &claim{
		repo:     r,
		proposal: p,
		day:      filepath.Base(filepath.Dir(path)),
		path:     claimPath,
		unlock:   unlock,
	}, nil
}

// done ends the in-process exclusion. Callers defer it right after claim.
func (c *claim) done() {
	c.unlock()
}

// release returns the proposal unchanged.
func (c *claim) release() error {
	return os.Rename(c.path, strings.TrimSuffix(c.path, claimSuffix))
}

// commit writes p under its state and drops the claim. A pending p replaces
// the pending document. On failure the claim is released.
func (c *claim) commit(p Proposal) error {
	target := c.repo.docPath(p.State, c.day, p.ID)
	if err := writeAtomic(target, p); err != nil {
		c.release()
		return err
	}
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// revert restores the claimed document after a failed commit follow-up.
func (r *repo) revert(prev, committed Proposal) error {
	day := prev.CreatedAt.UTC().Format(dayFormat)
	if committed.State != StatePending {
		os.Remove(r.docPath(committed.State, day, committed.ID))
	}
	return writeAtomic(r.docPath(StatePending, day, prev.ID), prev)
}

// list reads all documents of state, or of every state when empty.
func (r *repo) list(state State) ([]Proposal, []string, error) {
	states := AllStates
	if state != "" {
		states = []State{state}
	}
	var out []Proposal
	var bad []string
	for _, s := range states {
		pattern := filepath.Join(r.root, string(s), "*", "gp-*"+docExt)
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, nil, err
		}
		if s == StatePending {
			claimed, err := filepath.Glob(pattern + claimSuffix)
			if err != nil {
				return nil, nil, err
			}
			matches = append(matches, claimed...)
		}
		for _, m := range matches {
			p, err := readProposal(m)
			if err != nil {
				bad = append(bad, m)
				continue
			}
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, bad, nil
}

// recoverClaims returns claims older than age to pending. Claims left behind
// by a crashed process would otherwise block their proposal forever.
func (r *repo) recoverClaims(age time.Duration, now time.Time) (int, error) {
	matches, err := filepath.Glob(filepath.Join(r.root, string(StatePending), "*", "*"+docExt+claimSuffix))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || now.Sub(info.ModTime()) < age {
			continue
		}
		if err := os.Rename(m, strings.TrimSuffix(m, claimSuffix)); err == nil {
			n++
		}
	}
	return n, nil
}

func writeAtomic(path string, p Proposal) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
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
