package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Presence is the user-visible indicator published while the
// supervisor is not STOPPED. Its existence marks the host as resident.
type Presence struct {
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Instance  string    `json:"instance"`
	HostPID   int       `json:"host_pid"`
	State     string    `json:"state"`
	Epoch     uint32    `json:"epoch"`
	EnginePID int       `json:"engine_pid,omitempty"`
	Since     time.Time `json:"since"`
}

const (
	presenceTitle = "Twoyi Engine"
	presenceText  = "The container is running in the background"
)

func writePresence(path string, p Presence) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create presence directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("write presence file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename presence file: %w", err)
	}
	return nil
}

func removePresence(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove presence file: %w", err)
	}
	return nil
}

// ReadPresence loads the presence file. It returns nil, nil when the
// host is not resident.
func ReadPresence(path string) (*Presence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read presence file: %w", err)
	}
	var p Presence
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse presence file: %w", err)
	}
	return &p, nil
}
