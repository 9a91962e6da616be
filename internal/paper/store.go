package paper

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
)

// State is the durable form of the position table. The file written by
// FileStore is the only source of truth on restart.
type State struct {
	OpenPositions   []Position      `json:"open_positions"`
	ClosedPositions []Position      `json:"closed_positions"`
	SessionPnL      decimal.Decimal `json:"session_pnl"`
	TotalTrades     int             `json:"total_trades"`
	Wins            int             `json:"wins"`
	Losses          int             `json:"losses"`
	SessionStart    time.Time       `json:"session_start"`
	SavedAt         time.Time       `json:"saved_at"`
}

// Store persists engine state.
type Store interface {
	Load() (*State, error) // nil state and nil error when nothing was saved yet
	Save(state *State) error
}

// FileStore keeps the state in a JSON file, replaced atomically on each save.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Save writes to a temp file first, then renames over the previous state.
func (s *FileStore) Save(state *State) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("paper: create state dir for %s: %w", s.path, err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("paper: encode state: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("paper: write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("paper: rename %s: %w", tmpPath, err)
	}
	return nil
}

// Load reads the state file. A missing or empty file yields a nil state.
func (s *FileStore) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("paper: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("paper: decode %s: %w", s.path, err)
	}
	return &state, nil
}

// MemoryStore keeps the last saved state in memory.
type MemoryStore struct {
	State   *State
	Saves   int
	FailErr error
}

func (m *MemoryStore) Load() (*State, error) {
	return m.State, nil
}

func (m *MemoryStore) Save(state *State) error {
	if m.FailErr != nil {
		return m.FailErr
	}
	cp := *state
	m.State = &cp
	m.Saves++
	return nil
}
