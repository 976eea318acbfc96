package rom

import (
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ManifestName is the manifest's file name inside a bundle directory.
const ManifestName = "rom.manifest.yaml"

// Names reserved at the root of rom/.
const (
	SentinelName = ".ready"
	LockName     = ".lock"
)

// EntryType is the kind of filesystem object a manifest entry describes.
type EntryType string

const (
	TypeFile    EntryType = "file"
	TypeDir     EntryType = "dir"
	TypeSymlink EntryType = "symlink"
)

// Entry is one path of the RomImage. Mode holds permission bits only.
type Entry struct {
	Path   string    `yaml:"path" cbor:"path"`
	Type   EntryType `yaml:"type" cbor:"type"`
	Mode   uint32    `yaml:"mode" cbor:"mode"`
	Size   int64     `yaml:"size,omitempty" cbor:"size"`
	Digest string    `yaml:"digest,omitempty" cbor:"digest"`
	Target string    `yaml:"target,omitempty" cbor:"target"`
}

// Manifest lists the contents of a bundled RomImage.
type Manifest struct {
	Version string  `yaml:"version"`
	Archive string  `yaml:"archive"`
	Entries []Entry `yaml:"entries"`
}

// fingerprintKey separates manifest fingerprints from any other BLAKE3
// use of the same bytes.
var fingerprintKey = []byte("twoyi.rom.manifest.fingerprint.1")

var fingerprintEncMode cbor.EncMode

func init() {
	var err error
	fingerprintEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("rom: cbor encoder initialization failed: " + err.Error())
	}
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(file string) (*Manifest, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, ioError("read manifest", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, integrityf(file, "parse manifest: "+err.Error(), nil, nil)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Save writes the manifest as YAML.
func (m *Manifest) Save(file string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(file, data, 0o644); err != nil {
		return ioError("write manifest", err)
	}
	return nil
}

// Validate checks that every entry is well formed and that no path
// escapes the image root or traverses a symlink entry.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return integrityf(ManifestName, "missing version", nil, nil)
	}
	if m.Archive == "" || strings.ContainsRune(m.Archive, '/') {
		return integrityf(ManifestName, "archive must be a bare file name", nil, m.Archive)
	}
	if _, err := archiveFormat(m.Archive); err != nil {
		return integrityf(ManifestName, err.Error(), nil, nil)
	}

	seen := make(map[string]EntryType, len(m.Entries))
	for _, e := range m.Entries {
		clean, err := cleanPath(e.Path)
		if err != nil {
			return err
		}
		if clean != e.Path {
			return integrityf(e.Path, "path is not canonical", clean, e.Path)
		}
		if clean == "." {
			return integrityf(e.Path, "entry names the image root", nil, nil)
		}
		if clean == SentinelName || clean == LockName {
			return integrityf(e.Path, "reserved name", nil, nil)
		}
		if _, dup := seen[clean]; dup {
			return integrityf(e.Path, "duplicate entry", nil, nil)
		}
		switch e.Type {
		case TypeFile:
			if e.Size < 0 {
				return integrityf(e.Path, "negative size", nil, e.Size)
			}
			if len(e.Digest) != hex.EncodedLen(32) {
				return integrityf(e.Path, "missing or malformed digest", nil, e.Digest)
			}
		case TypeDir:
		case TypeSymlink:
			if e.Target == "" {
				return integrityf(e.Path, "symlink without target", nil, nil)
			}
		default:
			return integrityf(e.Path, "unknown entry type", nil, e.Type)
		}
		seen[clean] = e.Type
	}

	for p := range seen {
		for dir := path.Dir(p); dir != "."; dir = path.Dir(dir) {
			if seen[dir] == TypeSymlink || seen[dir] == TypeFile {
				return integrityf(p, "parent is not a directory", TypeDir, seen[dir])
			}
		}
	}
	return nil
}

// Fingerprint is the keyed BLAKE3 hash of the deterministic CBOR
// encoding of the version and the entries sorted by path. The archive
// name is not part of it, so recompressing a bundle does not force a
// reprovision.
func (m *Manifest) Fingerprint() (string, error) {
	entries := slices.Clone(m.Entries)
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Path, b.Path) })

	data, err := fingerprintEncMode.Marshal(struct {
		Version string  `cbor:"version"`
		Entries []Entry `cbor:"entries"`
	}{m.Version, entries})
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}

	h, err := blake3.NewKeyed(fingerprintKey)
	if err != nil {
		return "", fmt.Errorf("init hasher: %w", err)
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (m *Manifest) index() map[string]*Entry {
	idx := make(map[string]*Entry, len(m.Entries))
	for i := range m.Entries {
		idx[m.Entries[i].Path] = &m.Entries[i]
	}
	return idx
}

// cleanPath normalizes an archive or manifest path to a relative,
// slash-separated form and rejects anything that leaves the root.
func cleanPath(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, 0) {
		return "", integrityf(name, "invalid path", nil, nil)
	}
	if strings.HasPrefix(name, "/") {
		return "", integrityf(name, "absolute path", nil, nil)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", integrityf(name, "path escapes image root", nil, nil)
	}
	return clean, nil
}
