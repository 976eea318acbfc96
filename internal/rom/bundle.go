package rom

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names accepted by Pack and implied by archive suffixes.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

var archiveSuffixes = map[string]string{
	CompressionNone: ".cpio",
	CompressionZstd: ".cpio.zst",
	CompressionLZ4:  ".cpio.lz4",
}

// Bundle is the packaged RomImage shipped with the host: a manifest and
// the cpio archive it describes.
type Bundle struct {
	Dir         string
	Manifest    *Manifest
	fingerprint string
}

// OpenBundle loads and fingerprints the manifest in dir. The archive is
// only opened during extraction.
func OpenBundle(dir string) (*Bundle, error) {
	m, err := LoadManifest(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("open bundle %s: %w", dir, err)
	}
	fp, err := m.Fingerprint()
	if err != nil {
		return nil, err
	}
	return &Bundle{Dir: dir, Manifest: m, fingerprint: fp}, nil
}

// Fingerprint returns the manifest fingerprint.
func (b *Bundle) Fingerprint() string { return b.fingerprint }

// ArchivePath returns the archive's location.
func (b *Bundle) ArchivePath() string { return filepath.Join(b.Dir, b.Manifest.Archive) }

// openArchive returns the decompressed cpio stream.
func (b *Bundle) openArchive() (io.ReadCloser, error) {
	format, err := archiveFormat(b.Manifest.Archive)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(b.ArchivePath())
	if err != nil {
		return nil, ioError("open archive", err)
	}

	switch format {
	case CompressionZstd:
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, integrityf(b.Manifest.Archive, "zstd: "+err.Error(), nil, nil)
		}
		return &stackedReader{Reader: dec, close: func() error { dec.Close(); return f.Close() }}, nil
	case CompressionLZ4:
		return &stackedReader{Reader: lz4.NewReader(f), close: f.Close}, nil
	default:
		return f, nil
	}
}

// archiveFormat maps an archive file name to its compression.
func archiveFormat(name string) (string, error) {
	switch {
	case strings.HasSuffix(name, ".cpio.zst"):
		return CompressionZstd, nil
	case strings.HasSuffix(name, ".cpio.lz4"):
		return CompressionLZ4, nil
	case strings.HasSuffix(name, ".cpio"):
		return CompressionNone, nil
	}
	return "", fmt.Errorf("unsupported archive %q (want .cpio, .cpio.zst or .cpio.lz4)", name)
}

type stackedReader struct {
	io.Reader
	close func() error
}

func (r *stackedReader) Close() error { return r.close() }
