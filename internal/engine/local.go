package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"twoyi/internal/logging"
)

// LocalLauncher runs the engine's init directly on the host, in its own
// process group with the RomImage as working directory.
type LocalLauncher struct {
	logger *slog.Logger
}

// NewLocal returns a LocalLauncher.
func NewLocal(logger *slog.Logger) *LocalLauncher {
	return &LocalLauncher{logger: logging.Component(logger, "engine")}
}

func (l *LocalLauncher) Name() string { return "local" }

// Launch starts init. The process is not tied to ctx; its lifetime is
// managed through Kill.
func (l *LocalLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	initPath := spec.Init
	if !filepath.IsAbs(initPath) {
		initPath = filepath.Join(spec.RomDir, initPath)
	}

	info, err := os.Stat(initPath)
	if err != nil {
		return nil, fmt.Errorf("%w: stat init: %w", ErrSpawn, err)
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return nil, fmt.Errorf("%w: %s is not an executable file (mode %o)", ErrSpawn, initPath, info.Mode())
	}

	logFile, err := openLog(spec.LogFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	defer logFile.Close()

	cmd := exec.Command(initPath, spec.Args...)
	cmd.Dir = spec.RomDir
	cmd.Env = Environ(spec, spec.SocketPath, spec.RomDir)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %w", ErrSpawn, initPath, err)
	}

	p := &localProcess{cmd: cmd, done: make(chan struct{})}
	go p.wait()

	l.logger.Info("engine started", "pid", cmd.Process.Pid, "epoch", spec.Epoch, "init", initPath)
	return p, nil
}

type localProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	once sync.Once
	exit Exit
}

func (p *localProcess) ID() string            { return strconv.Itoa(p.cmd.Process.Pid) }
func (p *localProcess) PID() int              { return p.cmd.Process.Pid }
func (p *localProcess) Done() <-chan struct{} { return p.done }

func (p *localProcess) Exit() Exit {
	<-p.done
	return p.exit
}

func (p *localProcess) wait() {
	err := p.cmd.Wait()
	exit := Exit{At: time.Now()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		exit.Code = exitCode(exitErr)
	default:
		exit.Code = -1
		exit.Err = err
	}

	p.exit = exit
	close(p.done)
}

// exitCode maps a signal death onto the shell convention 128+signal.
func exitCode(err *exec.ExitError) int {
	if status, ok := err.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return err.ExitCode()
}

// Kill sends SIGKILL to the whole process group.
func (p *localProcess) Kill(context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill engine group %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open engine log: %w", err)
	}
	return f, nil
}
