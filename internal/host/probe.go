package host

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"twoyi/internal/display"
	"twoyi/internal/logging"
)

// Capabilities is what the one-time environment probe found.
type Capabilities struct {
	DockerReachable bool   `json:"docker_reachable"`
	DockerError     string `json:"docker_error,omitempty"`
	InContainer     bool   `json:"in_container"`
	ContainerID     string `json:"container_id,omitempty"`
	CgroupVersion   int    `json:"cgroup_version,omitempty"`
	UserNamespaces  bool   `json:"user_namespaces"`
	StatusBarHeight int    `json:"status_bar_height"`
}

// ProbeConfig configures a Probe. Zero paths use the /proc defaults.
type ProbeConfig struct {
	// Ping checks the docker daemon. Nil means docker is unavailable.
	Ping        func(ctx context.Context) error
	PingTimeout time.Duration

	CgroupFile    string
	MaxUserNSFile string
	UsernsClone   string

	Logger *slog.Logger
}

// Probe inspects the environment once and caches the answer for the
// life of the process.
type Probe struct {
	cfg    ProbeConfig
	logger *slog.Logger
	result func() Capabilities
}

// NewProbe returns a Probe. Nothing is inspected until Capabilities is
// first called.
func NewProbe(cfg ProbeConfig) *Probe {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	if cfg.CgroupFile == "" {
		cfg.CgroupFile = "/proc/self/cgroup"
	}
	if cfg.MaxUserNSFile == "" {
		cfg.MaxUserNSFile = "/proc/sys/user/max_user_namespaces"
	}
	if cfg.UsernsClone == "" {
		cfg.UsernsClone = "/proc/sys/kernel/unprivileged_userns_clone"
	}
	p := &Probe{cfg: cfg, logger: logging.Component(cfg.Logger, "host")}
	p.result = sync.OnceValue(p.run)
	return p
}

// Capabilities returns the cached probe result.
func (p *Probe) Capabilities() Capabilities { return p.result() }

func (p *Probe) run() Capabilities {
	var caps Capabilities

	if p.cfg.Ping == nil {
		caps.DockerError = "no docker client"
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PingTimeout)
		err := p.cfg.Ping(ctx)
		cancel()
		if err != nil {
			caps.DockerError = err.Error()
		} else {
			caps.DockerReachable = true
		}
	}

	if info, err := readCgroup(p.cfg.CgroupFile); err != nil {
		p.logger.Debug("cgroup probe failed", "error", err)
	} else {
		caps.InContainer = info.InContainer
		caps.ContainerID = info.ContainerID
		caps.CgroupVersion = info.Version
	}

	caps.UserNamespaces = p.userNamespaces()
	caps.StatusBarHeight = display.StatusBarHeight()

	p.logger.Info("environment probed",
		"docker", caps.DockerReachable,
		"in_container", caps.InContainer,
		"cgroup", caps.CgroupVersion,
		"userns", caps.UserNamespaces,
	)
	return caps
}

// userNamespaces reports whether unprivileged user namespaces can be
// created. Debian-style kernels add a separate unprivileged_userns_clone
// switch; it only counts when present.
func (p *Probe) userNamespaces() bool {
	limit, err := readInt(p.cfg.MaxUserNSFile)
	if err != nil || limit <= 0 {
		return false
	}
	if clone, err := readInt(p.cfg.UsernsClone); err == nil && clone == 0 {
		return false
	}
	return true
}

func readInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
