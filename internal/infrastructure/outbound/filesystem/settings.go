package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/sophialabs/kbeconsole/internal/domain/discovery"
)

// ErrNoSettings indicates the settings file does not exist and defaults apply.
var ErrNoSettings = errors.New("settings file not found")

// SettingsRepository loads discovery settings from a YAML file.
type SettingsRepository struct {
	path string
}

// NewSettingsRepository creates a repository for the file at path.
func NewSettingsRepository(path string) (*SettingsRepository, error) {
	if path == "" {
		return &SettingsRepository{}, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve settings path: %w", err)
	}
	return &SettingsRepository{path: abs}, nil
}

// Path returns the absolute settings file path, or "" when none is configured.
func (r *SettingsRepository) Path() string {
	return r.path
}

// Load reads and normalizes the settings. A missing file yields the defaults
// together with ErrNoSettings. Non-fatal validation problems are returned in
// problems; the offending values have already been replaced or excluded.
func (r *SettingsRepository) Load(_ context.Context) (s discovery.Settings, problems []error, err error) {
	s = discovery.DefaultSettings()
	if r.path == "" {
		return s, s.Normalize(), ErrNoSettings
	}

	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, s.Normalize(), ErrNoSettings
	}
	if err != nil {
		return discovery.Settings{}, nil, fmt.Errorf("failed to read settings: %w", err)
	}

	s, err = parseSettings(data)
	if err != nil {
		return discovery.Settings{}, nil, fmt.Errorf("failed to parse settings %s: %w", r.path, err)
	}
	return s, s.Normalize(), nil
}

func parseSettings(data []byte) (discovery.Settings, error) {
	s := discovery.DefaultSettings()

	var raw yamlSettings
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return s, err
	}

	if raw.UseMachinesBuffer != nil {
		s.UseBuffer = *raw.UseMachinesBuffer
	}
	if raw.StopBufferTime != nil {
		s.StopBufferTime = discovery.Seconds(*raw.StopBufferTime)
	}
	if raw.MachinesBufferFlushTime != nil {
		s.FlushTime = discovery.Seconds(*raw.MachinesBufferFlushTime)
	}
	if raw.MachinesQueryWaitTime != nil {
		s.QueryWaitTime = discovery.Seconds(*raw.MachinesQueryWaitTime)
	}
	s.Addresses = raw.MachinesAddress
	if raw.MachinesPort != nil {
		s.MachinePort = *raw.MachinesPort
	}
	if raw.UID != nil {
		s.UID = *raw.UID
	}
	s.Username = raw.Username
	if raw.StaleProbeLimit != nil {
		s.StaleProbeLimit = *raw.StaleProbeLimit
	}
	if raw.RefreshRate != nil {
		s.RefreshRate = *raw.RefreshRate
	}
	if raw.RefreshBurst != nil {
		s.RefreshBurst = *raw.RefreshBurst
	}
	return s, nil
}
