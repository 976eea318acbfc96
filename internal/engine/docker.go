package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"twoyi/internal/logging"
)

// Paths of the RomImage and control socket inside the engine container.
const (
	containerRomDir = "/rom"
	containerSocket = "/run/twoyi/ctl.sock"
)

// DockerAPI is the subset of the docker client used by DockerLauncher.
// *client.Client satisfies it.
type DockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerLauncher runs the engine as a container from Image, with the
// RomImage mounted read-only at /rom and the control socket at
// /run/twoyi/ctl.sock.
type DockerLauncher struct {
	api      DockerAPI
	image    string
	platform *ocispec.Platform
	logger   *slog.Logger
}

// NewDocker returns a DockerLauncher. platform may be nil to let the
// daemon pick.
func NewDocker(api DockerAPI, image string, platform *ocispec.Platform, logger *slog.Logger) *DockerLauncher {
	return &DockerLauncher{
		api:      api,
		image:    image,
		platform: platform,
		logger:   logging.Component(logger, "engine"),
	}
}

func (d *DockerLauncher) Name() string { return "docker" }

// Launch creates and starts the engine container.
func (d *DockerLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	initPath := spec.Init
	if !path.IsAbs(initPath) {
		initPath = path.Join(containerRomDir, initPath)
	}

	cfg := &container.Config{
		Image:      d.image,
		Cmd:        append([]string{initPath}, spec.Args...),
		Env:        Environ(spec, containerSocket, containerRomDir),
		WorkingDir: containerRomDir,
		Labels: map[string]string{
			"io.twoyi.engine": "true",
			"io.twoyi.epoch":  strconv.FormatUint(uint64(spec.Epoch), 10),
		},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: spec.RomDir, Target: containerRomDir, ReadOnly: true},
			{Type: mount.TypeBind, Source: spec.SocketPath, Target: containerSocket},
		},
	}

	resp, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, d.platform, "")
	if err != nil {
		return nil, fmt.Errorf("%w: create container: %w", ErrSpawn, err)
	}

	if err := d.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.api.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("%w: start container: %w", ErrSpawn, err)
	}

	p := &dockerProcess{
		api:      d.api,
		id:       resp.ID,
		done:     make(chan struct{}),
		logsDone: make(chan struct{}),
		logger:   d.logger,
	}
	if inspect, err := d.api.ContainerInspect(ctx, resp.ID); err == nil && inspect.ContainerJSONBase != nil && inspect.State != nil {
		p.pid = inspect.State.Pid
	}

	go p.copyLogs(spec.LogFile)
	go p.wait()

	d.logger.Info("engine container started", "container", shortID(resp.ID), "pid", p.pid, "epoch", spec.Epoch, "image", d.image)
	return p, nil
}

type dockerProcess struct {
	api    DockerAPI
	id     string
	pid    int
	done   chan struct{}
	exit   Exit
	logger *slog.Logger

	logsDone chan struct{}
}

func (p *dockerProcess) ID() string            { return shortID(p.id) }
func (p *dockerProcess) PID() int              { return p.pid }
func (p *dockerProcess) Done() <-chan struct{} { return p.done }

func (p *dockerProcess) Exit() Exit {
	<-p.done
	return p.exit
}

func (p *dockerProcess) wait() {
	defer close(p.done)

	statusCh, errCh := p.api.ContainerWait(context.Background(), p.id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		p.exit = Exit{Code: int(status.StatusCode), At: time.Now()}
		if status.Error != nil && status.Error.Message != "" {
			p.exit.Err = errors.New(status.Error.Message)
		}
	case err := <-errCh:
		p.exit = Exit{Code: -1, At: time.Now(), Err: fmt.Errorf("wait container: %w", err)}
	}

	p.waitLogs()
	if err := p.api.ContainerRemove(context.Background(), p.id, container.RemoveOptions{Force: true}); err != nil {
		p.logger.Warn("failed to remove engine container", "container", shortID(p.id), "error", err)
	}
}

// copyLogs follows the container's output into the engine log.
func (p *dockerProcess) copyLogs(file string) {
	defer close(p.logsDone)

	out, err := openLog(file)
	if err != nil {
		p.logger.Warn("engine log unavailable", "error", err)
		return
	}
	defer out.Close()

	rc, err := p.api.ContainerLogs(context.Background(), p.id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		p.logger.Warn("failed to follow engine output", "error", err)
		return
	}
	defer rc.Close()

	if _, err := stdcopy.StdCopy(out, out, rc); err != nil && !errors.Is(err, io.EOF) {
		p.logger.Debug("engine log stream ended", "error", err)
	}
}

func (p *dockerProcess) waitLogs() {
	select {
	case <-p.logsDone:
	case <-time.After(2 * time.Second):
	}
}

// Kill sends SIGKILL to the container.
func (p *dockerProcess) Kill(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.api.ContainerKill(ctx, p.id, "SIGKILL"); err != nil {
		return fmt.Errorf("kill engine container %s: %w", shortID(p.id), err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
