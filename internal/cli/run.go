package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/docker/client"
	"github.com/spf13/cobra"

	"twoyi/internal/engine"
	"twoyi/internal/host"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	SkipGate bool
	Launcher string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Provision the ROM and supervise the engine until stopped",
		Long: `Pass the permission gate, provision the ROM image, bind the control
socket and keep the engine running. SIGINT or SIGTERM asks the engine to
shut down gracefully; the command exits once it has stopped.

Exit codes:
  0  stopped on request
  1  transient failure, safe to retry
  2  terminal failure (ROM integrity error, crash loop, bad config)
  3  permission gate not passed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.SkipGate, "skip-gate", false, "do not evaluate the permission gate")
	cmd.Flags().StringVar(&opts.Launcher, "launcher", "", "engine launcher (local|docker|auto), overrides engine.launcher")
	return cmd
}

func runHost(ctx context.Context, opts *RunOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if opts.Launcher != "" {
		cfg.Engine.Launcher = opts.Launcher
		if err := cfg.Validate(); err != nil {
			return WrapExitError(ExitCommandError, "invalid --launcher", err)
		}
	}

	if !opts.SkipGate {
		if err := passGate(ctx, opts.RootOptions, interactive()); err != nil {
			return err
		}
	}

	hostOpts := host.Options{Config: cfg, Logger: opts.Logger}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		opts.Logger.Debug("docker client unavailable", "error", err)
	} else {
		defer dockerClient.Close()
		hostOpts.Docker = dockerClient
		hostOpts.Ping = func(ctx context.Context) error {
			_, err := dockerClient.Ping(ctx)
			return err
		}
	}

	h, err := host.New(hostOpts)
	if err != nil {
		return WrapExitError(ExitCommandError, "create host", err)
	}

	err = h.Run(ctx, func(r *host.Resident) {
		opts.Logger.Info("engine supervision started",
			"instance", r.InstanceID,
			"launcher", r.Launcher,
			"rom", r.Boot.Version,
			"socket", r.Bridge.SocketPath(),
		)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// Signalled before bootstrap finished.
		return nil
	case errors.Is(err, engine.ErrSpawn):
		return WrapExitError(ExitCommandError, "launch engine", err)
	default:
		return err
	}
}
