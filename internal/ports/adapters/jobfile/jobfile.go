package jobfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forPelevin/unmark/internal/types"
)

// SchemaVersion is written into every saved state. Files with a different
// version are refused instead of being reinterpreted.
const SchemaVersion = 1

const DefaultName = "paused_job.json"

// Store persists the paused job in a single JSON file.
type Store struct {
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Load returns the persisted state and true, or false when nothing is saved.
func (s *Store) Load() (types.PausedJobState, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return types.PausedJobState{}, false, nil
		}
		return types.PausedJobState{}, false, fmt.Errorf("read job state: %w", err)
	}

	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return types.PausedJobState{}, false, fmt.Errorf("parse job state %s: %w", s.path, err)
	}
	if probe.Version != SchemaVersion {
		return types.PausedJobState{}, false, fmt.Errorf("%w: %s has version %d, this build reads %d",
			types.ErrUnsupportedVersion, s.path, probe.Version, SchemaVersion)
	}

	var st types.PausedJobState
	if err := json.Unmarshal(data, &st); err != nil {
		return types.PausedJobState{}, false, fmt.Errorf("parse job state %s: %w", s.path, err)
	}
	return st, true, nil
}

// Save writes the state atomically: a temp file in the same directory is
// renamed over the old one.
func (s *Store) Save(st types.PausedJobState) error {
	st.Version = SchemaVersion
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".paused_job-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Delete removes the state. A missing file is not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete job state: %w", err)
	}
	return nil
}
