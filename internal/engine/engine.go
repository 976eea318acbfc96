// Package engine launches the container engine process.
//
// Two launchers are provided: LocalLauncher runs the image's init
// directly with os/exec, DockerLauncher runs it inside a container with
// the RomImage bind-mounted read-only. Both append the engine's output
// to the engine log file.
package engine

import (
	"context"
	"errors"
	"time"
)

// ErrSpawn marks a failure to start the engine.
var ErrSpawn = errors.New("engine spawn failed")

// Spec describes one engine incarnation.
type Spec struct {
	Epoch       uint32
	RomDir      string
	SocketPath  string
	Init        string // relative to RomDir unless absolute
	Args        []string
	Loader      string   // exported as TYLOADER when set
	Passthrough []string // extra host variables to forward
	LogFile     string
	HostEnv     []string // defaults to os.Environ()
}

// Exit records how an engine process ended.
type Exit struct {
	Code int
	At   time.Time
	Err  error // set when the exit status could not be determined
}

// Process is a running engine.
type Process interface {
	// ID identifies the process for logs: a pid or a container id.
	ID() string
	// PID is the host pid, or 0 if unknown.
	PID() int
	// Done is closed once the process has exited and Exit is valid.
	Done() <-chan struct{}
	Exit() Exit
	// Kill forcefully terminates the process. It is safe to call after
	// the process has exited.
	Kill(ctx context.Context) error
}

// Launcher starts engine processes.
type Launcher interface {
	Name() string
	Launch(ctx context.Context, spec Spec) (Process, error)
}
