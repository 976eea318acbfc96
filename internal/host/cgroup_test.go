package host

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCgroup(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    cgroupInfo
	}{
		{
			name:    "cgroup v2 host",
			content: "0::/user.slice/user-1000.slice/session-2.scope\n",
			want:    cgroupInfo{Version: 2},
		},
		{
			name:    "cgroup v2 docker scope",
			content: "0::/system.slice/docker-a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2.scope\n",
			want: cgroupInfo{
				Version:     2,
				InContainer: true,
				ContainerID: "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2",
			},
		},
		{
			name: "cgroup v1 mixed lines",
			content: `12:memory:/
11:cpuset:/
10:blkio:/docker/deadbeef0123456789abcdef0123456789abcdef0123456789abcdef01234567
9:net_cls:/
`,
			want: cgroupInfo{
				Version:     1,
				InContainer: true,
				ContainerID: "deadbeef0123456789abcdef0123456789abcdef0123456789abcdef01234567",
			},
		},
		{
			name:    "kubernetes containerd",
			content: "0::/kubepods/besteffort/pod12345/a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2\n",
			want: cgroupInfo{
				Version:     2,
				InContainer: true,
				ContainerID: "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2",
			},
		},
		{
			name:    "runtime without a full id",
			content: "0::/docker/abc123\n",
			want:    cgroupInfo{Version: 2, InContainer: true},
		},
		{
			name:    "empty",
			content: "",
			want:    cgroupInfo{Version: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCgroup(tt.content))
		})
	}
}

func TestReadCgroup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cgroup")
	require.NoError(t, os.WriteFile(path, []byte("0::/\n"), 0o644))

	info, err := readCgroup(path)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Version)
	assert.False(t, info.InContainer)

	_, err = readCgroup(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
