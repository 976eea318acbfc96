package rom

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/cavaliergopher/cpio"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// PackOptions configures Pack.
type PackOptions struct {
	Source      string // directory tree to package
	OutDir      string // bundle directory to create
	Version     string
	Compression string // none, zstd or lz4
}

// Pack builds a bundle (archive plus manifest) from a directory tree.
// Regular files, directories and symlinks are supported.
func Pack(opts PackOptions) (*Manifest, error) {
	suffix, ok := archiveSuffixes[opts.Compression]
	if !ok {
		return nil, fmt.Errorf("unknown compression %q", opts.Compression)
	}
	if opts.Version == "" {
		return nil, fmt.Errorf("version is required")
	}
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle directory: %w", err)
	}

	m := &Manifest{Version: opts.Version, Archive: "rom" + suffix}

	out, err := os.Create(filepath.Join(opts.OutDir, m.Archive))
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	var (
		sink  io.Writer = out
		flush           = func() error { return nil }
	)
	switch opts.Compression {
	case CompressionZstd:
		enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("init zstd: %w", err)
		}
		sink, flush = enc, enc.Close
	case CompressionLZ4:
		enc := lz4.NewWriter(out)
		sink, flush = enc, enc.Close
	}

	w := cpio.NewWriter(sink)
	err = filepath.WalkDir(opts.Source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(opts.Source, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == SentinelName || rel == LockName {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		entry := Entry{Path: rel, Mode: uint32(info.Mode().Perm())}

		switch {
		case d.IsDir():
			entry.Type = TypeDir
			err = w.WriteHeader(&cpio.Header{Name: rel, Mode: cpio.TypeDir | cpio.FileMode(entry.Mode), Links: 2})
		case info.Mode()&fs.ModeSymlink != 0:
			target, lerr := os.Readlink(path)
			if lerr != nil {
				return lerr
			}
			entry.Type, entry.Target, entry.Mode = TypeSymlink, target, 0o777
			if err = w.WriteHeader(&cpio.Header{Name: rel, Mode: cpio.TypeSymlink | cpio.ModePerm, Size: int64(len(target))}); err == nil {
				_, err = w.Write([]byte(target))
			}
		case info.Mode().IsRegular():
			entry.Type, entry.Size = TypeFile, info.Size()
			entry.Digest, err = packFile(w, path, rel, info)
		default:
			return fmt.Errorf("%s: unsupported file type %s", rel, info.Mode().Type())
		}
		if err != nil {
			return fmt.Errorf("pack %s: %w", rel, err)
		}
		m.Entries = append(m.Entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	if err := flush(); err != nil {
		return nil, fmt.Errorf("flush archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("close archive file: %w", err)
	}

	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].Path < m.Entries[j].Path })
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := m.Save(filepath.Join(opts.OutDir, ManifestName)); err != nil {
		return nil, err
	}
	return m, nil
}

func packFile(w *cpio.Writer, path, name string, info fs.FileInfo) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hdr := &cpio.Header{
		Name:    name,
		Mode:    cpio.TypeReg | cpio.FileMode(info.Mode().Perm()),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := w.WriteHeader(hdr); err != nil {
		return "", err
	}

	hasher := blake3.New()
	n, err := io.Copy(io.MultiWriter(w, hasher), f)
	if err != nil {
		return "", err
	}
	if n != info.Size() {
		return "", fmt.Errorf("file changed while packing: %d of %d bytes", n, info.Size())
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
