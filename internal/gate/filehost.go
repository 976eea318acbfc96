package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"twoyi/internal/logging"
)

// grantsFile is the on-disk form of the user's answers:
//
//	grants:
//	  notifications: granted
//	  storage: denied
//	unsupported: [foreground]
type grantsFile struct {
	Grants      map[Capability]Status `yaml:"grants"`
	Unsupported []Capability          `yaml:"unsupported,omitempty"`
}

// FileHost answers capability queries from a YAML grants file. It is the
// host surface on platforms without native permission prompts: the
// interactive gate renders the prompt and records the answer here, and
// "settings" is the grants file itself.
type FileHost struct {
	path        string
	storageRoot string
	logger      *slog.Logger

	mu sync.Mutex
}

// NewFileHost returns a FileHost backed by path. storage is granted
// implicitly when storageRoot is writable.
func NewFileHost(path, storageRoot string, logger *slog.Logger) *FileHost {
	return &FileHost{
		path:        path,
		storageRoot: storageRoot,
		logger:      logging.Component(logger, "gate"),
	}
}

// Path returns the grants file path.
func (h *FileHost) Path() string { return h.path }

// Query implements Host. A capability listed as unsupported is not
// exposed on this host and counts as granted.
func (h *FileHost) Query(c Capability) Status {
	h.mu.Lock()
	file, err := h.load()
	h.mu.Unlock()
	if err != nil {
		h.logger.Warn("grants file unreadable, treating capabilities as unknown", "path", h.path, "error", err)
	}

	if slices.Contains(file.Unsupported, c) {
		return Granted
	}
	if c == Storage && h.storageWritable() {
		return Granted
	}
	return file.Grants[c]
}

// Request implements Host. The prompt itself is rendered by the caller
// from the gate's Decision.
func (h *FileHost) Request(c Capability) {
	h.logger.Debug("awaiting answer", "capability", c)
}

// OpenSettings implements Host by pointing the user at the grants file.
func (h *FileHost) OpenSettings(c Capability) {
	h.logger.Info("capability permanently denied, edit the grants file to change it",
		"capability", c,
		"path", h.path,
	)
}

// Record stores the user's answer for c. Granting storage also creates
// the storage root.
func (h *FileHost) Record(c Capability, s Status) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	file, err := h.load()
	if err != nil {
		return err
	}
	if file.Grants == nil {
		file.Grants = make(map[Capability]Status)
	}
	file.Grants[c] = s

	if c == Storage && s == Granted && h.storageRoot != "" {
		if err := os.MkdirAll(h.storageRoot, 0o755); err != nil {
			return fmt.Errorf("create storage root: %w", err)
		}
	}
	return h.save(file)
}

func (h *FileHost) storageWritable() bool {
	if h.storageRoot == "" {
		return false
	}
	return unix.Access(h.storageRoot, unix.W_OK|unix.X_OK) == nil
}

func (h *FileHost) load() (grantsFile, error) {
	var file grantsFile
	data, err := os.ReadFile(h.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return file, nil
		}
		return file, fmt.Errorf("read grants file: %w", err)
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return grantsFile{}, fmt.Errorf("parse grants file: %w", err)
	}
	return file, nil
}

func (h *FileHost) save(file grantsFile) error {
	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshal grants file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return fmt.Errorf("create grants directory: %w", err)
	}

	tempPath := h.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("write grants file: %w", err)
	}
	if err := os.Rename(tempPath, h.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename grants file: %w", err)
	}
	return nil
}
