// Package host runs a Twoyi host process in two phases. Bootstrap runs
// to completion first: it probes the environment, provisions the ROM,
// binds the control socket and builds the supervisor. Resident then
// runs the supervisor until it reaches STOPPED. The phases are joined
// by a one-slot handoff channel.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"twoyi/internal/bridge"
	"twoyi/internal/clock"
	"twoyi/internal/config"
	"twoyi/internal/engine"
	"twoyi/internal/logging"
	"twoyi/internal/rom"
	"twoyi/internal/supervisor"
)

// Options configures a Host.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	// InstanceID identifies this host process; a random UUID by default.
	InstanceID string

	// Docker enables the docker launcher; Ping is used by the probe.
	Docker engine.DockerAPI
	Ping   func(ctx context.Context) error

	// Probe, Launcher and Bridge override the defaults, mainly in tests.
	Probe    *Probe
	Launcher engine.Launcher
	Bridge   *bridge.Bridge
	Clock    clock.Clock
}

// Resident is what bootstrap hands to the resident phase.
type Resident struct {
	InstanceID   string
	Capabilities Capabilities
	Boot         rom.Result
	Launcher     string
	Bridge       *bridge.Bridge
	Supervisor   *supervisor.Supervisor
}

// Host owns one bootstrap and one resident phase.
type Host struct {
	opts   Options
	cfg    *config.Config
	logger *slog.Logger
	probe  *Probe

	booted  atomic.Bool
	handoff chan *Resident
}

// New returns a Host for opts.
func New(opts Options) (*Host, error) {
	if opts.Config == nil {
		return nil, errors.New("host: config is required")
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	logger := logging.Component(opts.Logger, "host").With("instance", opts.InstanceID)

	probe := opts.Probe
	if probe == nil {
		probe = NewProbe(ProbeConfig{Ping: opts.Ping, Logger: opts.Logger})
	}

	return &Host{
		opts:    opts,
		cfg:     opts.Config,
		logger:  logger,
		probe:   probe,
		handoff: make(chan *Resident, 1),
	}, nil
}

// InstanceID returns the host instance identifier.
func (h *Host) InstanceID() string { return h.opts.InstanceID }

// Bootstrap prepares everything the supervisor needs. On success the
// control socket is bound and a Resident is waiting in the handoff.
func (h *Host) Bootstrap(ctx context.Context) error {
	if !h.booted.CompareAndSwap(false, true) {
		return errors.New("host already bootstrapped")
	}
	caps := h.probe.Capabilities()

	launcher, err := h.selectLauncher(caps)
	if err != nil {
		return err
	}

	prov := rom.New(rom.Config{
		RomDir:    h.cfg.RomDir(),
		BundleDir: h.cfg.Bundle,
		Logger:    h.opts.Logger,
	})
	boot, err := prov.EnsureBootFiles(ctx)
	if err != nil {
		return fmt.Errorf("provision rom: %w", err)
	}
	h.logger.Info("rom ready",
		"fingerprint", boot.Fingerprint,
		"version", boot.Version,
		"provisioned", boot.Provisioned,
		"elapsed", boot.Elapsed,
	)

	br := h.opts.Bridge
	if br == nil {
		br = bridge.Shared(bridge.Config{
			SocketPath:     h.cfg.SocketPath(),
			MaxConnections:   h.cfg.Bridge.MaxConnections,
			HandshakeTimeout: h.cfg.Bridge.HandshakeTimeout,
			ReadTimeout:      h.cfg.Bridge.ReadTimeout,
			Logger:           h.opts.Logger,
		})
	}
	if err := br.Start(ctx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}

	sc := h.cfg.Supervisor
	sv, err := supervisor.New(supervisor.Config{
		Launcher: launcher,
		Bridge:   br,
		Preflight: func(ctx context.Context) error {
			_, err := prov.EnsureBootFiles(ctx)
			return err
		},
		Spec: engine.Spec{
			RomDir:      prov.RomDir(),
			SocketPath:  br.SocketPath(),
			Init:        h.cfg.Engine.Init,
			Args:        h.cfg.Engine.Args,
			Loader:      h.cfg.Engine.Loader,
			Passthrough: h.cfg.Engine.EnvPassthrough,
			LogFile:     h.cfg.Engine.LogFile,
		},
		HandshakeTimeout: sc.HandshakeTimeout,
		GracePeriod:      sc.GracePeriod,
		BackoffBase:      sc.BackoffBase,
		BackoffCap:       sc.BackoffCap,
		CrashThreshold:   sc.CrashThreshold,
		CrashWindow:      sc.CrashWindow,
		PresencePath:     h.cfg.PresencePath(),
		JournalPath:      h.cfg.JournalPath(),
		InstanceID:       h.opts.InstanceID,
		Clock:            h.opts.Clock,
		Logger:           h.opts.Logger,
	})
	if err != nil {
		br.Stop()
		return fmt.Errorf("create supervisor: %w", err)
	}

	resident := &Resident{
		InstanceID:   h.opts.InstanceID,
		Capabilities: caps,
		Boot:         boot,
		Launcher:     launcher.Name(),
		Bridge:       br,
		Supervisor:   sv,
	}
	h.handoff <- resident
	h.logger.Info("bootstrap complete", "launcher", launcher.Name())
	return nil
}

// Resident runs the supervisor handed over by Bootstrap until it reaches
// STOPPED. Cancelling ctx requests a stop. The returned error is the
// supervisor's terminal error, nil after a requested stop.
func (h *Host) Resident(ctx context.Context, started func(*Resident)) error {
	var res *Resident
	select {
	case res = <-h.handoff:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer res.Bridge.Stop()

	if err := res.Supervisor.Start(ctx); err != nil {
		return err
	}
	if started != nil {
		started(res)
	}
	return res.Supervisor.Wait()
}

// Run performs both phases.
func (h *Host) Run(ctx context.Context, started func(*Resident)) error {
	if err := h.Bootstrap(ctx); err != nil {
		return err
	}
	return h.Resident(ctx, started)
}

func (h *Host) selectLauncher(caps Capabilities) (engine.Launcher, error) {
	if h.opts.Launcher != nil {
		return h.opts.Launcher, nil
	}

	docker := func() engine.Launcher {
		return engine.NewDocker(h.opts.Docker, h.cfg.Engine.Image, nil, h.opts.Logger)
	}

	switch h.cfg.Engine.Launcher {
	case config.LauncherLocal:
		return engine.NewLocal(h.opts.Logger), nil
	case config.LauncherDocker:
		if h.opts.Docker == nil || !caps.DockerReachable {
			return nil, fmt.Errorf("%w: docker launcher requested but the daemon is unreachable: %s",
				engine.ErrSpawn, caps.DockerError)
		}
		return docker(), nil
	case config.LauncherAuto:
		if h.opts.Docker != nil && caps.DockerReachable {
			return docker(), nil
		}
		h.logger.Info("docker unavailable, using the local launcher", "reason", caps.DockerError)
		return engine.NewLocal(h.opts.Logger), nil
	default:
		return nil, fmt.Errorf("unknown launcher %q", h.cfg.Engine.Launcher)
	}
}
