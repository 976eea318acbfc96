package rom

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/cavaliergopher/cpio"
	"github.com/zeebo/blake3"
)

// extract unpacks the bundle archive into dir, checking every entry
// against the manifest. It returns the number of entries written.
func (p *Provisioner) extract(ctx context.Context, bundle *Bundle, dir string) (int, error) {
	if err := os.Chmod(dir, 0o755); err != nil {
		return 0, ioError("chmod staging directory", err)
	}

	rc, err := bundle.openArchive()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	want := bundle.Manifest.index()
	seen := make(map[string]bool, len(want))
	var dirs []*Entry

	archive := cpio.NewReader(rc)
	for {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("extract rom: %w", err)
		}

		hdr, err := archive.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, integrityf(bundle.Manifest.Archive, "corrupt archive: "+err.Error(), nil, nil)
		}

		name, err := cleanPath(hdr.Name)
		if err != nil {
			return 0, err
		}
		if name == "." {
			continue
		}
		entry, ok := want[name]
		if !ok {
			return 0, integrityf(name, "not in manifest", nil, nil)
		}
		if seen[name] {
			return 0, integrityf(name, "duplicate archive entry", nil, nil)
		}
		seen[name] = true

		target := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return 0, ioError("create parent directory", err)
		}

		switch hdr.Mode & cpio.ModeType {
		case cpio.TypeDir:
			if entry.Type != TypeDir {
				return 0, integrityf(name, "type mismatch", entry.Type, TypeDir)
			}
			if err := os.Mkdir(target, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
				return 0, ioError("create directory", err)
			}
			dirs = append(dirs, entry)

		case cpio.TypeSymlink:
			if entry.Type != TypeSymlink {
				return 0, integrityf(name, "type mismatch", entry.Type, TypeSymlink)
			}
			if hdr.Linkname != entry.Target {
				return 0, integrityf(name, "symlink target mismatch", entry.Target, hdr.Linkname)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return 0, ioError("create symlink", err)
			}

		case cpio.TypeReg:
			if entry.Type != TypeFile {
				return 0, integrityf(name, "type mismatch", entry.Type, TypeFile)
			}
			if hdr.Size != entry.Size {
				return 0, integrityf(name, "length mismatch", entry.Size, hdr.Size)
			}
			if err := writeFile(target, archive, entry); err != nil {
				return 0, err
			}

		default:
			return 0, integrityf(name, "unsupported archive entry type", nil, hdr.Mode)
		}
	}

	for path := range want {
		if !seen[path] {
			return 0, integrityf(path, "missing from archive", nil, nil)
		}
	}

	// Deepest first so restrictive parents do not block their children.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i].Path) > len(dirs[j].Path) })
	for _, e := range dirs {
		target := filepath.Join(dir, filepath.FromSlash(e.Path))
		if err := os.Chmod(target, os.FileMode(e.Mode)&os.ModePerm); err != nil {
			return 0, ioError("chmod directory", err)
		}
	}

	return len(seen), nil
}

// writeFile copies one regular file out of the archive, verifying its
// length and digest, and fsyncs it.
func writeFile(target string, r io.Reader, entry *Entry) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return ioError("create file", err)
	}
	defer f.Close()

	hasher := blake3.New()
	out := &trackedWriter{w: f}
	n, err := io.Copy(io.MultiWriter(out, hasher), r)
	if err != nil {
		if out.err != nil {
			return ioError("write "+entry.Path, out.err)
		}
		return integrityf(entry.Path, "read archive: "+err.Error(), nil, nil)
	}
	if n != entry.Size {
		return integrityf(entry.Path, "length mismatch", entry.Size, n)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != entry.Digest {
		return integrityf(entry.Path, "digest mismatch", entry.Digest, got)
	}

	if err := f.Chmod(os.FileMode(entry.Mode) & os.ModePerm); err != nil {
		return ioError("chmod file", err)
	}
	if err := f.Sync(); err != nil {
		return ioError("sync file", err)
	}
	if err := f.Close(); err != nil {
		return ioError("close file", err)
	}
	return nil
}
