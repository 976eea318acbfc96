package rom

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// readSentinel returns the fingerprint recorded in dir/.ready, or "" if
// there is none.
func readSentinel(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, SentinelName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", ioError("read sentinel", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// writeSentinel writes the fingerprint atomically (temp file, fsync,
// rename) and fsyncs the directory so the rename is durable.
func writeSentinel(dir, fingerprint string) error {
	final := filepath.Join(dir, SentinelName)
	temp := final + ".tmp"

	f, err := os.OpenFile(temp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return ioError("create sentinel", err)
	}
	if _, err := f.WriteString(fingerprint + "\n"); err != nil {
		f.Close()
		os.Remove(temp)
		return ioError("write sentinel", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(temp)
		return ioError("sync sentinel", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(temp)
		return ioError("close sentinel", err)
	}

	if err := os.Rename(temp, final); err != nil {
		os.Remove(temp)
		return ioError("rename sentinel", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return ioError("open directory for sync", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return ioError("sync directory", err)
	}
	return nil
}

// orphans lists staging and trash directories left next to romDir by an
// interrupted provisioning.
func orphans(romDir string) ([]string, error) {
	parent, base := filepath.Dir(romDir), filepath.Base(romDir)
	var found []string
	for _, pattern := range []string{base + ".staging-*", base + ".trash-*"} {
		matches, err := filepath.Glob(filepath.Join(parent, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		found = append(found, matches...)
	}
	return found, nil
}
