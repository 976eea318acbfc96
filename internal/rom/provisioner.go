// Package rom materializes the bundled RomImage into private storage.
//
// The live tree at rom/ is only ever replaced whole: a new image is
// extracted into a sibling staging directory, verified entry by entry
// against the manifest, swapped in, and then marked ready by writing the
// manifest fingerprint to rom/.ready. Every mutation happens under an
// exclusive flock on rom/.lock.
package rom

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"twoyi/internal/logging"
)

// Config configures a Provisioner.
type Config struct {
	RomDir    string // live image directory, <data_dir>/rom
	BundleDir string // directory holding the manifest and archive
	Logger    *slog.Logger
}

// Provisioner keeps RomDir consistent with the bundle.
type Provisioner struct {
	romDir    string
	bundleDir string
	logger    *slog.Logger
}

// Result describes a successful EnsureBootFiles call.
type Result struct {
	Fingerprint string
	Version     string
	Provisioned bool // false when the sentinel already matched
	Entries     int
	Elapsed     time.Duration
}

// Status is a read-only snapshot used by `twoyi status`.
type Status struct {
	RomDir      string `json:"rom_dir"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Bundled     string `json:"bundled,omitempty"`
	Version     string `json:"version,omitempty"`
	Ready       bool   `json:"ready"`
	Orphans     int    `json:"orphans"`
	BundleError string `json:"bundle_error,omitempty"`
}

// New returns a Provisioner.
func New(cfg Config) *Provisioner {
	return &Provisioner{
		romDir:    filepath.Clean(cfg.RomDir),
		bundleDir: cfg.BundleDir,
		logger:    logging.Component(cfg.Logger, "rom"),
	}
}

// RomDir returns the live image directory.
func (p *Provisioner) RomDir() string { return p.romDir }

// EnsureBootFiles guarantees that, on a nil error, RomDir matches the
// bundled manifest. Concurrent callers serialize on the lock; whoever
// gets it first does the work and the rest take the hot path.
func (p *Provisioner) EnsureBootFiles(ctx context.Context) (Result, error) {
	start := time.Now()

	bundle, err := OpenBundle(p.bundleDir)
	if err != nil {
		return Result{}, err
	}
	want := bundle.Fingerprint()
	result := Result{Fingerprint: want, Version: bundle.Manifest.Version}

	lock, err := lockDir(ctx, p.romDir)
	if err != nil {
		return Result{}, err
	}
	defer lock.unlock()

	p.collectOrphans()

	have, err := readSentinel(p.romDir)
	if err != nil {
		return Result{}, err
	}
	if have == want {
		result.Elapsed = time.Since(start)
		p.logger.Debug("rom up to date", "fingerprint", want)
		return result, nil
	}

	p.logger.Info("provisioning rom",
		"version", bundle.Manifest.Version,
		"fingerprint", want,
		"previous", valueOr(have, "none"),
		"entries", len(bundle.Manifest.Entries))

	staging, err := os.MkdirTemp(filepath.Dir(p.romDir), filepath.Base(p.romDir)+".staging-")
	if err != nil {
		return Result{}, ioError("create staging directory", err)
	}
	stagedLock, err := tryLockFile(filepath.Join(staging, LockName))
	if err != nil {
		os.RemoveAll(staging)
		return Result{}, err
	}
	defer stagedLock.unlock()

	n, err := p.extract(ctx, bundle, staging)
	if err != nil {
		os.RemoveAll(staging)
		p.logger.Error("provisioning failed", "error", err)
		return Result{}, err
	}
	if err := syncDir(staging); err != nil {
		os.RemoveAll(staging)
		return Result{}, err
	}

	retired, err := p.swap(staging)
	if err != nil {
		os.RemoveAll(staging)
		return Result{}, err
	}
	if err := writeSentinel(p.romDir, want); err != nil {
		return Result{}, err
	}
	if err := os.RemoveAll(retired); err != nil {
		p.logger.Warn("failed to remove retired rom tree", "path", retired, "error", err)
	}

	result.Provisioned = true
	result.Entries = n
	result.Elapsed = time.Since(start)
	p.logger.Info("rom ready", "fingerprint", want, "entries", n, "elapsed", result.Elapsed)
	return result, nil
}

// Status reports the on-disk and bundled fingerprints without locking.
func (p *Provisioner) Status() (Status, error) {
	st := Status{RomDir: p.romDir}

	have, err := readSentinel(p.romDir)
	if err != nil {
		return st, err
	}
	st.Fingerprint = have

	if left, err := orphans(p.romDir); err == nil {
		st.Orphans = len(left)
	}

	bundle, err := OpenBundle(p.bundleDir)
	if err != nil {
		st.BundleError = err.Error()
		return st, nil
	}
	st.Bundled = bundle.Fingerprint()
	st.Version = bundle.Manifest.Version
	st.Ready = have != "" && have == st.Bundled
	return st, nil
}

// Reset removes the live image and any orphans under the lock. The next
// EnsureBootFiles provisions from scratch.
func (p *Provisioner) Reset(ctx context.Context) error {
	lock, err := lockDir(ctx, p.romDir)
	if err != nil {
		return err
	}
	defer lock.unlock()

	if err := os.RemoveAll(p.romDir); err != nil {
		return ioError("remove rom directory", err)
	}
	p.collectOrphans()
	p.logger.Info("rom reset", "path", p.romDir)
	return nil
}

// swap puts staging in place of romDir and returns the path now holding
// the retired tree. RENAME_EXCHANGE keeps romDir present throughout;
// filesystems without it fall back to two renames.
func (p *Provisioner) swap(staging string) (string, error) {
	err := unix.Renameat2(unix.AT_FDCWD, staging, unix.AT_FDCWD, p.romDir, unix.RENAME_EXCHANGE)
	if err == nil {
		return staging, syncDir(filepath.Dir(p.romDir))
	}
	if !errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.ENOSYS) && !errors.Is(err, unix.EOPNOTSUPP) {
		return "", ioError("exchange rom directories", err)
	}
	return p.swapByRename(staging)
}

// swapByRename retires romDir to a .trash- sibling and renames staging
// into its place. The retired tree keeps the held lock file, which is
// how lockDir tells an in-flight swap from a leftover.
func (p *Provisioner) swapByRename(staging string) (string, error) {
	trash := strings.Replace(staging, ".staging-", ".trash-", 1)
	retired := true
	if err := os.Rename(p.romDir, trash); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return "", ioError("retire rom directory", err)
		}
		retired = false
	}
	if err := os.Rename(staging, p.romDir); err != nil {
		if retired {
			if rerr := os.Rename(trash, p.romDir); rerr != nil {
				p.logger.Error("failed to restore rom directory, previous tree left behind",
					"path", trash, "error", rerr)
			}
		}
		return "", ioError("install rom directory", err)
	}
	return trash, syncDir(filepath.Dir(p.romDir))
}

func (p *Provisioner) collectOrphans() {
	left, err := orphans(p.romDir)
	if err != nil {
		p.logger.Warn("failed to scan for orphaned staging directories", "error", err)
		return
	}
	for _, dir := range left {
		p.logger.Info("removing orphaned rom directory", "path", dir)
		if err := os.RemoveAll(dir); err != nil {
			p.logger.Warn("failed to remove orphan", "path", dir, "error", err)
		}
	}
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// trackedWriter remembers the first write error so a failed io.Copy can
// be attributed to the disk rather than the archive.
type trackedWriter struct {
	w   io.Writer
	err error
}

func (t *trackedWriter) Write(b []byte) (int, error) {
	n, err := t.w.Write(b)
	if err != nil && t.err == nil {
		t.err = err
	}
	return n, err
}
