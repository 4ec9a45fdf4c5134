package orchestrate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// stepRecord is one completed step in an execution history.
type stepRecord struct {
	Step   string          `json:"step"`
	At     time.Time       `json:"at"`
	Result json.RawMessage `json:"result,omitempty"`
}

// History is the append-only step log of one execution context. A step's
// record is written only after the step completes, so reopening a history
// after a crash replays exactly the completed prefix: finished steps return
// their recorded results, the interrupted step re-executes.
type History struct {
	path string

	mu   sync.Mutex
	f    *os.File
	done map[string]json.RawMessage
}

// OpenHistory opens (creating if needed) a history file and loads its
// completed steps.
func OpenHistory(path string) (*History, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	done, err := loadSteps(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}
	return &History{path: path, f: f, done: done}, nil
}

func loadSteps(path string) (map[string]json.RawMessage, error) {
	done := make(map[string]json.RawMessage)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return done, nil
		}
		return nil, fmt.Errorf("read history file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxHistoryLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec stepRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// Torn final write from a crash; the step will re-execute.
			continue
		}
		if rec.Step == "" {
			continue
		}
		done[rec.Step] = rec.Result
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan history file: %w", err)
	}
	return done, nil
}

const maxHistoryLineBytes = 1 << 20

// Step executes fn unless a result for id is already recorded. In both cases
// the step's result is decoded into out (which may be nil). fn must be
// idempotent against external state: after a crash it can run a second time.
func (h *History) Step(id string, out any, fn func() (any, error)) error {
	h.mu.Lock()
	raw, ok := h.done[id]
	h.mu.Unlock()

	if !ok {
		v, err := fn()
		if err != nil {
			return err
		}
		marshaled, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal step %s result: %w", id, err)
		}
		if err := h.record(id, marshaled); err != nil {
			return err
		}
		raw = marshaled
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode step %s result: %w", id, err)
		}
	}
	return nil
}

// Replayed reports whether a result for id is already recorded.
func (h *History) Replayed(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.done[id]
	return ok
}

func (h *History) record(id string, result json.RawMessage) error {
	line, err := json.Marshal(stepRecord{Step: id, At: time.Now().UTC(), Result: result})
	if err != nil {
		return fmt.Errorf("marshal step %s: %w", id, err)
	}
	line = append(line, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return fmt.Errorf("history %s is closed", h.path)
	}
	if _, err := h.f.Write(line); err != nil {
		return fmt.Errorf("append step %s: %w", id, err)
	}
	if err := h.f.Sync(); err != nil {
		return fmt.Errorf("sync history file: %w", err)
	}
	h.done[id] = result
	return nil
}

// Close closes the history file.
func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return nil
	}
	err := h.f.Close()
	h.f = nil
	return err
}

// Remove closes the history and deletes its file. Used to truncate a
// predecessor context after a continuation and to retire finished batch units.
func (h *History) Remove() error {
	if err := h.Close(); err != nil {
		return err
	}
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove history file: %w", err)
	}
	return nil
}
