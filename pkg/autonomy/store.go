package autonomy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoState signals a store that has never been written. The machine
// treats it as a first boot and starts at GREEN.
var ErrNoState = errors.New("autonomy: no persisted state")

// PersistedState is the durable form of the machine. It survives
// restarts so a crash cannot launder a restriction back to GREEN.
type PersistedState struct {
	Level        string      `json:"level"`
	Panic        bool        `json:"panic"`
	Since        time.Time   `json:"since"`
	Cycle        uint64      `json:"cycle"`
	LastLiveness time.Time   `json:"last_liveness"`
	Backlog      int         `json:"backlog"`
	Criticals    []time.Time `json:"criticals,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// StateStore persists machine state across restarts.
type StateStore interface {
	Load(ctx context.Context) (*PersistedState, error)
	Save(ctx context.Context, state *PersistedState) error
	Close() error
}

// FileStore keeps the state as a single JSON document, written atomically
// via a temp file and rename.
type FileStore struct {
	path string
}

// NewFileStore creates the parent directory if needed.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("autonomy: creating state dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Load(_ context.Context) (*PersistedState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("autonomy: reading state: %w", err)
	}
	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("autonomy: decoding state: %w", err)
	}
	return &state, nil
}

func (s *FileStore) Save(_ context.Context, state *PersistedState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("autonomy: encoding state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("autonomy: writing state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("autonomy: replacing state: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// MemoryStateStore is an in-process store for tests. Failing simulates an
// unavailable backend.
type MemoryStateStore struct {
	state   *PersistedState
	failing bool
}

func NewMemoryStateStore() *MemoryStateStore { return &MemoryStateStore{} }

func (s *MemoryStateStore) SetFailing(failing bool) { s.failing = failing }

func (s *MemoryStateStore) Load(_ context.Context) (*PersistedState, error) {
	if s.failing {
		return nil, errors.New("state store unavailable")
	}
	if s.state == nil {
		return nil, ErrNoState
	}
	clone := *s.state
	return &clone, nil
}

func (s *MemoryStateStore) Save(_ context.Context, state *PersistedState) error {
	if s.failing {
		return errors.New("state store unavailable")
	}
	clone := *state
	s.state = &clone
	return nil
}

func (s *MemoryStateStore) Close() error { return nil }
