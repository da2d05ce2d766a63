package core

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/memledger/internal/observability"
)

// HaltState describes an open integrity incident.
type HaltState struct {
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
	// Op is the operation that detected the incident.
	Op string `json:"op,omitempty"`
}

// haltSwitch blocks mutating operations while an integrity incident is open.
// The state is mirrored to a marker file so a restart does not clear it.
type haltSwitch struct {
	mu    sync.RWMutex
	path  string
	state *HaltState
}

func loadHalt(path string) (*haltSwitch, error) {
	h := &haltSwitch{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		observability.SetIntegrityHalted(false)
		return h, nil
	}
	if err != nil {
		return nil, err
	}
	var st HaltState
	if err := json.Unmarshal(data, &st); err != nil || st.Reason == "" {
		st = HaltState{Reason: "unreadable halt marker", Since: time.Now().UTC()}
	}
	h.state = &st
	observability.SetIntegrityHalted(true)
	return h, nil
}

func (h *haltSwitch) current() *HaltState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.state == nil {
		return nil
	}
	st := *h.state
	return &st
}

// trip opens an incident unless one is already open. It reports whether this
// call opened it.
func (h *haltSwitch) trip(st HaltState) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != nil {
		return false, nil
	}
	h.state = &st
	observability.SetIntegrityHalted(true)

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return true, err
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0700); err != nil {
		return true, err
	}
	return true, os.WriteFile(h.path, data, 0600)
}

// clear closes the incident and returns what it was.
func (h *haltSwitch) clear() (*HaltState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.state
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	h.state = nil
	observability.SetIntegrityHalted(false)
	return prev, nil
}
