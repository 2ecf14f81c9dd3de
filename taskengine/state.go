package taskengine

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

type StateEntry struct {
	Status    Status `json:"status"`
	Timestamp string `json:"timestamp"`
}

// A StateStore persists per-task execution state for one host. Only the
// engine mutates it; a reset clears everything and forces full re-execution.
type StateStore interface {
	Get(id string) (StateEntry, bool, error)

	Set(id string, entry StateEntry) error

	All() (map[string]StateEntry, error)

	// Reset deletes all persisted state for this host.
	Reset() error
}

type fileStateStore struct {
	path string
}

// NewFileStateStore stores state as JSON at dir/state-<hostname>.json.
// An empty dir defaults to ~/.disaggbench.
func NewFileStateStore(dir string) (StateStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".disaggbench")
	}
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve hostname: %w", err)
	}
	err = os.MkdirAll(dir, fs.ModePerm)
	if err != nil {
		return nil, err
	}
	return &fileStateStore{path: filepath.Join(dir, fmt.Sprintf("state-%s.json", hostname))}, nil
}

func (s *fileStateStore) load() (map[string]StateEntry, error) {
	buf, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]StateEntry{}, nil
	} else if err != nil {
		return nil, err
	}
	state := map[string]StateEntry{}
	err = json.Unmarshal(buf, &state)
	if err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", s.path, err)
	}
	return state, nil
}

func (s *fileStateStore) save(state map[string]StateEntry) error {
	buf, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, buf, 0o644)
}

func (s *fileStateStore) Get(id string) (StateEntry, bool, error) {
	state, err := s.load()
	if err != nil {
		return StateEntry{}, false, err
	}
	entry, ok := state[id]
	return entry, ok, nil
}

func (s *fileStateStore) Set(id string, entry StateEntry) error {
	state, err := s.load()
	if err != nil {
		return err
	}
	state[id] = entry
	return s.save(state)
}

func (s *fileStateStore) All() (map[string]StateEntry, error) {
	return s.load()
}

func (s *fileStateStore) Reset() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

type memStateStore struct {
	state map[string]StateEntry
}

// NewMemStateStore keeps state in memory. Intended for tests.
func NewMemStateStore() StateStore {
	return &memStateStore{state: map[string]StateEntry{}}
}

func (s *memStateStore) Get(id string) (StateEntry, bool, error) {
	entry, ok := s.state[id]
	return entry, ok, nil
}

func (s *memStateStore) Set(id string, entry StateEntry) error {
	s.state[id] = entry
	return nil
}

func (s *memStateStore) All() (map[string]StateEntry, error) {
	out := map[string]StateEntry{}
	for k, v := range s.state {
		out[k] = v
	}
	return out, nil
}

func (s *memStateStore) Reset() error {
	s.state = map[string]StateEntry{}
	return nil
}
