package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forPelevin/unmark/internal/types"
)

const PrefsName = "ui_settings.json"

// Preferences are the operator's persisted pool settings.
type Preferences struct {
	InstanceCount int `json:"instance_count"`
	BasePort      int `json:"base_port"`
}

func DefaultPreferences() Preferences {
	return Preferences{InstanceCount: 1, BasePort: 8080}
}

// Validate checks the instance count against maxInstances.
func (p Preferences) Validate(maxInstances int) error {
	if p.InstanceCount < 1 || (maxInstances > 0 && p.InstanceCount > maxInstances) {
		return fmt.Errorf("%w: got %d, allowed 1..%d", types.ErrInvalidInstanceCount, p.InstanceCount, maxInstances)
	}
	if p.BasePort < 1 || p.BasePort > 65535-maxInstances {
		return fmt.Errorf("base port %d out of range", p.BasePort)
	}
	return nil
}

// PrefsStore persists Preferences in a single JSON file on disk.
type PrefsStore struct {
	path string
}

func NewPrefsStore(path string) *PrefsStore {
	return &PrefsStore{path: path}
}

// Load reads preferences from disk or returns defaults when missing. Zero
// fields left by older files are filled from the defaults.
func (s *PrefsStore) Load() (Preferences, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultPreferences(), nil
		}
		return Preferences{}, err
	}

	p := DefaultPreferences()
	if err := json.Unmarshal(data, &p); err != nil {
		return Preferences{}, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return p, nil
}

// LoadIfExists is Load that also reports whether a preference file was found.
func (s *PrefsStore) LoadIfExists() (Preferences, bool, error) {
	if _, err := os.Stat(s.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultPreferences(), false, nil
		}
		return Preferences{}, false, err
	}
	p, err := s.Load()
	return p, err == nil, err
}

// Save writes preferences as indented JSON and creates parent directories.
func (s *PrefsStore) Save(p Preferences) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(s.path, data, 0o644)
}
