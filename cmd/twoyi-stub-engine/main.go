// twoyi-stub-engine stands in for the container engine during
// development and in integration tests. It connects to the control
// socket named in TWOYI_CTL_SOCK, handshakes with TWOYI_EPOCH, sends
// heartbeats and exits cleanly when the host asks it to shut down.
//
// Failure modes can be rehearsed with --crash-after, --no-handshake and
// --ignore-shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"twoyi/internal/engineclient"
	"twoyi/internal/logging"
)

type options struct {
	heartbeat      time.Duration
	bootDelay      time.Duration
	crashAfter     time.Duration
	crashCode      int
	noHandshake    bool
	ignoreShutdown bool
	logLevel       string
}

func main() {
	code, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "twoyi-stub-engine: %v\n", err)
	}
	os.Exit(code)
}

func run(args []string) (int, error) {
	var opts options
	flagSet := pflag.NewFlagSet("twoyi-stub-engine", pflag.ContinueOnError)
	flagSet.DurationVar(&opts.heartbeat, "heartbeat", 2*time.Second, "heartbeat interval, 0 to disable")
	flagSet.DurationVar(&opts.bootDelay, "boot-delay", 0, "wait this long before handshaking")
	flagSet.DurationVar(&opts.crashAfter, "crash-after", 0, "exit with --crash-code this long after handshaking")
	flagSet.IntVar(&opts.crashCode, "crash-code", 1, "exit code used by --crash-after")
	flagSet.BoolVar(&opts.noHandshake, "no-handshake", false, "never connect to the host")
	flagSet.BoolVar(&opts.ignoreShutdown, "ignore-shutdown", false, "acknowledge shutdown but never exit")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, nil
		}
		return 2, err
	}

	logger, closer, err := logging.New(logging.Options{Level: opts.logLevel, Format: "text"})
	if err != nil {
		return 2, err
	}
	defer closer.Close()
	logger = logging.Component(logger, "stub-engine")

	cfg, err := engineclient.FromEnv()
	if err != nil {
		return 2, err
	}
	logger = logger.With("epoch", cfg.Epoch)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.noHandshake {
		logger.Info("not handshaking")
		<-ctx.Done()
		return 128 + int(syscall.SIGTERM), nil
	}

	if opts.bootDelay > 0 {
		select {
		case <-time.After(opts.bootDelay):
		case <-ctx.Done():
			return 128 + int(syscall.SIGTERM), nil
		}
	}

	client, err := engineclient.Dial(ctx, cfg)
	if err != nil {
		return 1, err
	}
	defer client.Close()
	logger.Info("handshake sent", "socket", cfg.SocketPath)

	if err := client.Heartbeat("booted"); err != nil {
		return 1, fmt.Errorf("send heartbeat: %w", err)
	}
	go heartbeats(ctx, client, opts.heartbeat, logger)

	waitCtx, cancelWait := context.WithCancel(context.Background())
	defer cancelWait()

	shutdown := make(chan time.Duration, 1)
	waitErr := make(chan error, 1)
	go func() {
		grace, err := client.WaitShutdown(waitCtx)
		if err != nil {
			waitErr <- err
			return
		}
		shutdown <- grace
	}()

	var crash <-chan time.Time
	if opts.crashAfter > 0 {
		crash = time.After(opts.crashAfter)
	}

	select {
	case grace := <-shutdown:
		logger.Info("shutdown requested", "grace", grace)
		if err := client.AckShutdown(); err != nil {
			logger.Warn("failed to acknowledge shutdown", "error", err)
		}
		if opts.ignoreShutdown {
			<-ctx.Done()
			return 128 + int(syscall.SIGTERM), nil
		}
		client.AnnounceExit(0, "shutdown requested")
		return 0, nil

	case <-crash:
		logger.Warn("simulating crash", "code", opts.crashCode)
		client.AnnounceExit(opts.crashCode, "simulated crash")
		return opts.crashCode, nil

	case <-ctx.Done():
		client.AnnounceExit(128+int(syscall.SIGTERM), "terminated by signal")
		return 128 + int(syscall.SIGTERM), nil

	case err := <-waitErr:
		return 1, fmt.Errorf("control connection lost: %w", err)
	}
}

func heartbeats(ctx context.Context, client *engineclient.Client, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat("running"); err != nil {
				logger.Debug("heartbeat failed", "error", err)
				return
			}
		}
	}
}
