package rom

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var validDigest = strings.Repeat("ab", 32)

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		archive string
		wantErr bool
	}{
		{
			name: "valid",
			entries: []Entry{
				{Path: "system", Type: TypeDir, Mode: 0o755},
				{Path: "system/init", Type: TypeFile, Mode: 0o755, Size: 3, Digest: validDigest},
				{Path: "bin", Type: TypeSymlink, Target: "system/bin"},
			},
		},
		{name: "absolute path", entries: []Entry{{Path: "/etc/passwd", Type: TypeDir}}, wantErr: true},
		{name: "parent escape", entries: []Entry{{Path: "../etc", Type: TypeDir}}, wantErr: true},
		{name: "non canonical", entries: []Entry{{Path: "a//b", Type: TypeDir}}, wantErr: true},
		{name: "root entry", entries: []Entry{{Path: ".", Type: TypeDir}}, wantErr: true},
		{name: "reserved sentinel", entries: []Entry{{Path: ".ready", Type: TypeFile, Digest: validDigest}}, wantErr: true},
		{name: "reserved lock", entries: []Entry{{Path: ".lock", Type: TypeFile, Digest: validDigest}}, wantErr: true},
		{
			name: "duplicate",
			entries: []Entry{
				{Path: "a", Type: TypeDir},
				{Path: "a", Type: TypeDir},
			},
			wantErr: true,
		},
		{name: "file without digest", entries: []Entry{{Path: "f", Type: TypeFile}}, wantErr: true},
		{name: "symlink without target", entries: []Entry{{Path: "l", Type: TypeSymlink}}, wantErr: true},
		{name: "unknown type", entries: []Entry{{Path: "d", Type: "device"}}, wantErr: true},
		{
			name: "path through symlink",
			entries: []Entry{
				{Path: "etc", Type: TypeSymlink, Target: "/etc"},
				{Path: "etc/passwd", Type: TypeFile, Digest: validDigest},
			},
			wantErr: true,
		},
		{name: "bad archive suffix", archive: "rom.tar", wantErr: true},
		{name: "archive with directory", archive: "../rom.cpio", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := tt.archive
			if archive == "" {
				archive = "rom.cpio"
			}
			m := &Manifest{Version: "1", Archive: archive, Entries: tt.entries}
			err := m.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrIntegrity), "got %v", err)
		})
	}
}

func TestFingerprintIgnoresEntryOrderAndArchive(t *testing.T) {
	a := &Manifest{Version: "1", Archive: "rom.cpio", Entries: []Entry{
		{Path: "a", Type: TypeDir, Mode: 0o755},
		{Path: "b", Type: TypeFile, Mode: 0o644, Size: 1, Digest: validDigest},
	}}
	b := &Manifest{Version: "1", Archive: "rom.cpio.zst", Entries: []Entry{a.Entries[1], a.Entries[0]}}

	fa, err := a.Fingerprint()
	require.NoError(t, err)
	fb, err := b.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 64)

	b.Version = "2"
	fc, err := b.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc)
}

func TestFingerprintSensitiveToContent(t *testing.T) {
	m := &Manifest{Version: "1", Archive: "rom.cpio", Entries: []Entry{
		{Path: "b", Type: TypeFile, Mode: 0o644, Size: 1, Digest: validDigest},
	}}
	before, err := m.Fingerprint()
	require.NoError(t, err)

	m.Entries[0].Mode = 0o755
	after, err := m.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}
