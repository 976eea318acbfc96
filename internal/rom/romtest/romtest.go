// Package romtest builds ROM bundles for tests outside package rom.
package romtest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"twoyi/internal/rom"
)

// Bundle packs files into a bundle directory and returns its path.
// Files named in executables get mode 0755.
func Bundle(tb testing.TB, version string, files map[string]string, executables ...string) string {
	tb.Helper()
	src := filepath.Join(tb.TempDir(), "src")
	for name, content := range files {
		path := filepath.Join(src, name)
		require.NoError(tb, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(tb, os.WriteFile(path, []byte(content), 0o644))
	}
	for _, name := range executables {
		require.NoError(tb, os.Chmod(filepath.Join(src, name), 0o755))
	}

	out := filepath.Join(tb.TempDir(), "bundle")
	_, err := rom.Pack(rom.PackOptions{
		Source:      src,
		OutDir:      out,
		Version:     version,
		Compression: rom.CompressionZstd,
	})
	require.NoError(tb, err)
	return out
}
