package host

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// containerIDPattern matches a 64-character hex container ID.
var containerIDPattern = regexp.MustCompile(`[a-f0-9]{64}`)

// containerRuntimes are cgroup path markers of container runtimes.
var containerRuntimes = []string{"docker", "kubepods", "containerd", "libpod", "lxc"}

// cgroupInfo is what /proc/self/cgroup says about the host process.
type cgroupInfo struct {
	Version     int    // 1 or 2
	InContainer bool   // a runtime marker was found
	ContainerID string // 64-hex id when the runtime exposes one
}

func readCgroup(path string) (cgroupInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cgroupInfo{}, fmt.Errorf("read cgroup: %w", err)
	}
	return parseCgroup(string(data)), nil
}

// parseCgroup inspects cgroup file contents.
//
//	cgroup v1: "12:memory:/docker/<64-hex-id>"
//	cgroup v2: "0::/system.slice/docker-<64-hex-id>.scope"
//	containerd: "0::/kubepods/pod<uuid>/<64-hex-id>"
func parseCgroup(content string) cgroupInfo {
	info := cgroupInfo{Version: 2}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "0::") {
			info.Version = 1
		}

		for _, runtime := range containerRuntimes {
			if !strings.Contains(line, runtime) {
				continue
			}
			info.InContainer = true
			if info.ContainerID == "" {
				info.ContainerID = containerIDPattern.FindString(line)
			}
		}
	}
	return info
}
