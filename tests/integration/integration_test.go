package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twoyi/internal/bridge"
	"twoyi/internal/config"
	"twoyi/internal/engineclient"
	"twoyi/internal/host"
	"twoyi/internal/logging"
	"twoyi/internal/rom/romtest"
	"twoyi/internal/supervisor"
)

// engineModeEnv switches the test binary into engine mode. The local
// launcher starts this same binary as the engine's init, passing the
// variable through the scrubbed environment.
const engineModeEnv = "TWOYI_TEST_ENGINE"

func TestMain(m *testing.M) {
	if mode := os.Getenv(engineModeEnv); mode != "" {
		os.Exit(runEngine(mode))
	}
	os.Exit(m.Run())
}

// runEngine is the engine side. Modes:
//
//	serve       handshake, then exit 0 once asked to shut down
//	crash-once  exit 3 right after the first incarnation's handshake, then serve
//	crash       exit 3 right after every handshake
//	silent      never connect
//	stubborn    acknowledge shutdown but never exit
func runEngine(mode string) int {
	cfg, err := engineclient.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if mode == "silent" {
		time.Sleep(time.Minute)
		return 0
	}

	ctx := context.Background()
	client, err := engineclient.Dial(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer client.Close()
	client.Heartbeat("booted")

	if mode == "crash" || (mode == "crash-once" && cfg.Epoch == 1) {
		// Let the host see the handshake before the exit.
		time.Sleep(250 * time.Millisecond)
		client.AnnounceExit(3, "simulated crash")
		return 3
	}

	if _, err := client.WaitShutdown(ctx); err != nil {
		return 1
	}
	client.AckShutdown()
	if mode == "stubborn" {
		time.Sleep(time.Minute)
	}
	return 0
}

type testHost struct {
	cfg     *config.Config
	host    *host.Host
	started chan *host.Resident
	cancel  context.CancelFunc

	done chan struct{}
	err  error // valid once done is closed
}

func startHost(t *testing.T, mode string, mutate func(*config.Config)) *testHost {
	t.Helper()

	self, err := os.Executable()
	require.NoError(t, err)
	t.Setenv(engineModeEnv, mode)

	// Short path: the socket lives in the data directory.
	dataDir, err := os.MkdirTemp("", "tyi")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dataDir) })

	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.Bundle = romtest.Bundle(t, "1.0.0", map[string]string{
		"system/build.prop": "ro.product.model=twoyi\n",
		"vendor/etc/fstab":  "\n",
	})
	cfg.Engine.Launcher = config.LauncherLocal
	cfg.Engine.Init = self
	cfg.Engine.EnvPassthrough = []string{engineModeEnv}
	cfg.Engine.LogFile = filepath.Join(dataDir, "engine.log")
	cfg.Supervisor.HandshakeTimeout = 5 * time.Second
	cfg.Supervisor.GracePeriod = 2 * time.Second
	cfg.Supervisor.BackoffBase = 10 * time.Millisecond
	cfg.Supervisor.BackoffCap = 50 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	logger := logging.Discard()
	h, err := host.New(host.Options{
		Config: cfg,
		Logger: logger,
		Bridge: bridge.New(bridge.Config{
			SocketPath:       cfg.SocketPath(),
			MaxConnections:   cfg.Bridge.MaxConnections,
			HandshakeTimeout: cfg.Bridge.HandshakeTimeout,
			Logger:           logger,
		}),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	th := &testHost{
		cfg:     cfg,
		host:    h,
		started: make(chan *host.Resident, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(th.done)
		th.err = h.Run(ctx, func(r *host.Resident) { th.started <- r })
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-th.done:
		case <-time.After(10 * time.Second):
			t.Error("host did not stop")
		}
	})
	return th
}

func (th *testHost) resident(t *testing.T) *host.Resident {
	t.Helper()
	select {
	case r := <-th.started:
		return r
	case <-th.done:
		t.Fatalf("host exited before the resident phase: %v", th.err)
	case <-time.After(10 * time.Second):
		t.Fatal("resident phase never started")
	}
	return nil
}

func (th *testHost) stop(t *testing.T) error {
	t.Helper()
	th.cancel()
	return th.wait(t, 10*time.Second)
}

func (th *testHost) wait(t *testing.T, timeout time.Duration) error {
	t.Helper()
	select {
	case <-th.done:
		return th.err
	case <-time.After(timeout):
		t.Fatal("host did not stop")
		return nil
	}
}

func waitRunning(t *testing.T, sv *supervisor.Supervisor, epoch uint32) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sv.State() == supervisor.Running && sv.Engine().Epoch >= epoch
	}, 10*time.Second, 10*time.Millisecond, "engine epoch %d never reached RUNNING", epoch)
}

func TestEngineLifecycle(t *testing.T) {
	th := startHost(t, "serve", nil)
	res := th.resident(t)
	sv := res.Supervisor

	assert.Equal(t, "local", res.Launcher)
	assert.True(t, res.Boot.Provisioned)
	assert.FileExists(t, filepath.Join(th.cfg.RomDir(), "system", "build.prop"))

	waitRunning(t, sv, 1)
	info := sv.Engine()
	assert.Equal(t, uint32(1), info.Epoch)
	assert.Positive(t, info.PID)

	require.Eventually(t, func() bool { return sv.Engine().BootStage == "booted" },
		5*time.Second, 10*time.Millisecond, "heartbeat never arrived")

	presence, err := supervisor.ReadPresence(th.cfg.PresencePath())
	require.NoError(t, err)
	require.NotNil(t, presence)
	assert.Equal(t, "RUNNING", presence.State)
	assert.Equal(t, os.Getpid(), presence.HostPID)
	assert.Equal(t, info.PID, presence.EnginePID)

	require.NoError(t, th.stop(t))
	assert.Equal(t, supervisor.Stopped, sv.State())
	assert.Equal(t, 0, sv.Engine().LastExitCode)

	presence, err = supervisor.ReadPresence(th.cfg.PresencePath())
	require.NoError(t, err)
	assert.Nil(t, presence, "presence must be withdrawn once stopped")
	assert.NoFileExists(t, th.cfg.SocketPath())

	entries, err := supervisor.ReadJournal(th.cfg.JournalPath())
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, "transition", last.Event)
	assert.Equal(t, "STOPPED", last.To)
}

func TestRestartAfterCrash(t *testing.T) {
	th := startHost(t, "crash-once", nil)
	sv := th.resident(t).Supervisor

	waitRunning(t, sv, 2)
	info := sv.Engine()
	assert.Equal(t, uint32(2), info.Epoch)
	assert.Equal(t, 1, info.Crashes)
	assert.Equal(t, 3, info.LastExitCode)

	require.NoError(t, th.stop(t))

	entries, err := supervisor.ReadJournal(th.cfg.JournalPath())
	require.NoError(t, err)
	var sawBackoff, sawCrash bool
	for _, e := range entries {
		if e.Event == "transition" && e.From == "RUNNING" && e.To == "BACKOFF" {
			sawBackoff = true
		}
		if e.Event == "exit" && e.Epoch == 1 && e.Code != nil && *e.Code == 3 {
			sawCrash = true
			assert.Equal(t, "simulated crash", e.Reason)
		}
	}
	assert.True(t, sawBackoff, "journal: %+v", entries)
	assert.True(t, sawCrash, "journal: %+v", entries)
}

func TestCrashLoopIsTerminal(t *testing.T) {
	th := startHost(t, "crash", func(cfg *config.Config) {
		cfg.Supervisor.CrashThreshold = 3
	})
	sv := th.resident(t).Supervisor

	err := th.wait(t, 20*time.Second)
	require.ErrorIs(t, err, supervisor.ErrCrashLoop)
	assert.Equal(t, supervisor.Stopped, sv.State())
	assert.Equal(t, uint32(3), sv.Engine().Epoch)

	presence, perr := supervisor.ReadPresence(th.cfg.PresencePath())
	require.NoError(t, perr)
	assert.Nil(t, presence)
}

func TestHandshakeTimeoutRetries(t *testing.T) {
	th := startHost(t, "silent", func(cfg *config.Config) {
		cfg.Supervisor.HandshakeTimeout = 200 * time.Millisecond
	})
	sv := th.resident(t).Supervisor

	require.Eventually(t, func() bool { return sv.Engine().Epoch >= 2 },
		10*time.Second, 10*time.Millisecond, "silent engine was never replaced")
	assert.NotEqual(t, supervisor.Running, sv.State())

	require.NoError(t, th.stop(t))

	entries, err := supervisor.ReadJournal(th.cfg.JournalPath())
	require.NoError(t, err)
	var timeouts int
	for _, e := range entries {
		if e.Event == "transition" && e.From == "STARTING" && e.To == "BACKOFF" {
			timeouts++
			assert.Contains(t, e.Error, "handshake")
		}
	}
	assert.GreaterOrEqual(t, timeouts, 1)
}

func TestStubbornEngineKilledAfterGrace(t *testing.T) {
	const grace = 300 * time.Millisecond
	th := startHost(t, "stubborn", func(cfg *config.Config) {
		cfg.Supervisor.GracePeriod = grace
	})
	sv := th.resident(t).Supervisor
	waitRunning(t, sv, 1)

	began := time.Now()
	require.NoError(t, th.stop(t))
	assert.GreaterOrEqual(t, time.Since(began), grace)
	assert.Equal(t, 128+9, sv.Engine().LastExitCode, "engine should have been SIGKILLed")
}

func TestBootstrapFailsWithoutBundle(t *testing.T) {
	dataDir, err := os.MkdirTemp("", "tyi")
	require.NoError(t, err)
	defer os.RemoveAll(dataDir)

	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.Bundle = filepath.Join(dataDir, "missing")
	cfg.Engine.Launcher = config.LauncherLocal

	h, err := host.New(host.Options{
		Config: cfg,
		Logger: logging.Discard(),
		Bridge: bridge.New(bridge.Config{SocketPath: cfg.SocketPath(), Logger: logging.Discard()}),
	})
	require.NoError(t, err)

	err = h.Run(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, supervisor.ErrCrashLoop))
	assert.NoFileExists(t, cfg.SocketPath())
	assert.NoFileExists(t, cfg.PresencePath())
}
