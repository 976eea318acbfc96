// Package supervisor keeps exactly one engine process alive.
//
// The supervisor runs a single control goroutine that drives the state
// machine STARTING -> RUNNING -> BACKOFF -> STARTING ... until a stop is
// requested or a terminal failure occurs, at which point it enters
// STOPPED and never leaves it. Every launch gets a new epoch, which the
// bridge uses to discard messages from earlier incarnations.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"twoyi/internal/bridge"
	"twoyi/internal/clock"
	"twoyi/internal/engine"
	"twoyi/internal/logging"
	"twoyi/pkg/protocol"
)

var (
	// ErrHandshakeTimeout is recorded when a launched engine does not
	// handshake in time.
	ErrHandshakeTimeout = errors.New("engine handshake timeout")
	// ErrCrashLoop is the terminal error after too many crashes within
	// the crash window.
	ErrCrashLoop = errors.New("engine crash loop")
)

// State is the supervisor's lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Backoff
)

func (s State) String() string {
	switch s {
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Backoff:
		return "BACKOFF"
	case Stopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Bridge is the part of *bridge.Bridge the supervisor drives.
type Bridge interface {
	SetEpoch(epoch uint32)
	Subscribe(kind protocol.Kind, h bridge.Handler) (unsubscribe func())
	Send(epoch uint32, msg protocol.Message) error
	StopAccepting()
	Stop()
}

// Transition is delivered to watchers on every state change.
type Transition struct {
	From   State
	To     State
	Epoch  uint32
	At     time.Time
	Reason string
	Err    error
}

// EngineInfo describes the current or most recent engine incarnation.
type EngineInfo struct {
	Epoch         uint32    `json:"epoch"`
	ID            string    `json:"id,omitempty"`
	PID           int       `json:"pid,omitempty"`
	Exited        bool      `json:"exited"`
	LastExitCode  int       `json:"last_exit_code"`
	LastExitAt    time.Time `json:"last_exit_at,omitempty"`
	ExitReason    string    `json:"exit_reason,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	BootStage     string    `json:"boot_stage,omitempty"`
	Crashes       int       `json:"crashes"`
}

// Config configures a Supervisor.
type Config struct {
	Launcher engine.Launcher
	Bridge   Bridge
	// Preflight runs before every STARTING. A failure is terminal.
	Preflight func(ctx context.Context) error
	// Spec is the template for each launch; Epoch is filled in.
	Spec engine.Spec

	HandshakeTimeout time.Duration
	GracePeriod      time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	CrashThreshold   int
	CrashWindow      time.Duration

	PresencePath string
	JournalPath  string
	InstanceID   string

	Clock clock.Clock
	// Jitter picks a delay in [0, ceiling]. Defaults to full jitter.
	Jitter func(ceiling time.Duration) time.Duration
	Logger *slog.Logger
}

// Supervisor owns the engine lifecycle.
type Supervisor struct {
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	journal *Journal

	handshakes chan protocol.Message
	acks       chan protocol.Message
	unsubs     []func()

	mu       sync.Mutex
	state    State
	since    time.Time
	epoch    uint32
	info     EngineInfo
	err      error
	crashes  []time.Time
	attempt  int
	watchers map[chan Transition]struct{}
	started  bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New validates cfg and returns an idle supervisor in state STOPPED.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Launcher == nil {
		return nil, errors.New("supervisor: launcher is required")
	}
	if cfg.Bridge == nil {
		return nil, errors.New("supervisor: bridge is required")
	}
	if cfg.HandshakeTimeout <= 0 || cfg.GracePeriod <= 0 || cfg.BackoffBase <= 0 || cfg.BackoffCap <= 0 || cfg.CrashWindow <= 0 {
		return nil, errors.New("supervisor: timers must be positive")
	}
	if cfg.CrashThreshold < 1 {
		return nil, errors.New("supervisor: crash threshold must be at least 1")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Jitter == nil {
		cfg.Jitter = fullJitter
	}
	if cfg.Preflight == nil {
		cfg.Preflight = func(context.Context) error { return nil }
	}

	journal, err := OpenJournal(cfg.JournalPath)
	if err != nil {
		return nil, err
	}

	return &Supervisor{
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     logging.Component(cfg.Logger, "supervisor"),
		journal:    journal,
		handshakes: make(chan protocol.Message, 8),
		acks:       make(chan protocol.Message, 8),
		state:      Stopped,
		since:      cfg.Clock.Now(),
		watchers:   make(map[chan Transition]struct{}),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Start launches the control goroutine. Cancelling ctx has the same
// effect as RequestStop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("supervisor already started")
	}
	s.started = true
	s.mu.Unlock()

	s.unsubs = []func(){
		s.cfg.Bridge.Subscribe(protocol.KindHandshake, forward(s.handshakes)),
		s.cfg.Bridge.Subscribe(protocol.KindShutdownAck, forward(s.acks)),
		s.cfg.Bridge.Subscribe(protocol.KindHeartbeat, s.onHeartbeat),
		s.cfg.Bridge.Subscribe(protocol.KindExit, s.onExitNotice),
	}

	go s.run(ctx)
	return nil
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Engine returns a snapshot of the current engine incarnation.
func (s *Supervisor) Engine() EngineInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	info.Crashes = len(s.crashes)
	return info
}

// Err returns the terminal error once the supervisor is STOPPED: nil
// after a requested stop, ErrCrashLoop, or the preflight failure.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// RequestStop asks the supervisor to shut the engine down and enter
// STOPPED. It does not wait; use Done.
func (s *Supervisor) RequestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done is closed once the supervisor has reached STOPPED for good.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Wait blocks until STOPPED and returns Err.
func (s *Supervisor) Wait() error {
	<-s.done
	return s.Err()
}

// Watch subscribes to state transitions. Slow watchers miss
// transitions rather than stall the supervisor. The returned function
// cancels the subscription.
func (s *Supervisor) Watch() (<-chan Transition, func()) {
	ch := make(chan Transition, 32)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, ch)
			s.mu.Unlock()
		})
	}
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		for _, unsub := range s.unsubs {
			unsub()
		}
		if err := s.journal.Close(); err != nil {
			s.logger.Warn("close journal", "error", err)
		}
	}()

	for {
		if s.stopping(ctx) {
			s.finish(nil, "stop requested")
			return
		}
		if err := s.cfg.Preflight(ctx); err != nil {
			if s.stopping(ctx) {
				s.finish(nil, "stop requested")
				return
			}
			s.finish(fmt.Errorf("preflight: %w", err), "preflight failed")
			return
		}
		s.transition(Starting, "launching engine", nil)

		if !s.runEngine(ctx) {
			return
		}

		delay := s.backoffDelay()
		s.logger.Info("backing off", "delay", delay, "attempt", s.attempt)
		select {
		case <-s.clock.After(delay):
		case <-s.stop:
			s.finish(nil, "stop requested")
			return
		case <-ctx.Done():
			s.finish(nil, "context cancelled")
			return
		}
	}
}

// runEngine launches one incarnation and follows it until it ends. It
// returns false once the supervisor has entered STOPPED.
func (s *Supervisor) runEngine(ctx context.Context) bool {
	epoch := s.nextEpoch()
	s.cfg.Bridge.SetEpoch(epoch)

	spec := s.cfg.Spec
	spec.Epoch = epoch
	proc, err := s.cfg.Launcher.Launch(ctx, spec)
	if err != nil {
		s.logger.Error("engine launch failed", "epoch", epoch, "error", err)
		s.transition(Backoff, "spawn failed", err)
		return true
	}
	s.setProcess(proc)
	s.logger.Info("engine launched",
		"epoch", epoch,
		"launcher", s.cfg.Launcher.Name(),
		"id", proc.ID(),
		"pid", proc.PID(),
	)

	timeout := s.clock.After(s.cfg.HandshakeTimeout)
handshake:
	for {
		select {
		case msg := <-s.handshakes:
			if msg.Epoch == epoch {
				break handshake
			}
		case <-proc.Done():
			exit := s.recordExit(proc)
			s.transition(Backoff, "engine exited before handshake",
				fmt.Errorf("%w: exit code %d", engine.ErrSpawn, exit.Code))
			return true
		case <-timeout:
			s.kill(proc)
			if !s.awaitKilled(ctx, proc) {
				return false
			}
			s.transition(Backoff, "handshake timeout", ErrHandshakeTimeout)
			return true
		case <-s.stop:
			s.shutdown(proc, epoch)
			s.finish(nil, "stop requested")
			return false
		case <-ctx.Done():
			s.shutdown(proc, epoch)
			s.finish(nil, "context cancelled")
			return false
		}
	}

	startedAt := s.clock.Now()
	s.transition(Running, "handshake received", nil)

	for {
		select {
		case msg := <-s.handshakes:
			s.logger.Debug("engine reconnected", "epoch", msg.Epoch)
		case <-proc.Done():
			exit := s.recordExit(proc)
			if s.clock.Now().Sub(startedAt) >= s.cfg.CrashWindow {
				s.mu.Lock()
				s.attempt = 0
				s.mu.Unlock()
			}
			if exit.Code == 0 {
				s.transition(Backoff, "engine exited cleanly", nil)
				return true
			}
			if s.countCrash() {
				s.finish(fmt.Errorf("%w: %d crashes within %v", ErrCrashLoop, s.cfg.CrashThreshold, s.cfg.CrashWindow), "crash loop")
				return false
			}
			s.transition(Backoff, fmt.Sprintf("engine exited with code %d", exit.Code), nil)
			return true
		case <-s.stop:
			s.shutdown(proc, epoch)
			s.finish(nil, "stop requested")
			return false
		case <-ctx.Done():
			s.shutdown(proc, epoch)
			s.finish(nil, "context cancelled")
			return false
		}
	}
}

// shutdown stops accepting new connections, asks the engine to exit and
// kills it once it acknowledges, exits, or the grace period elapses.
func (s *Supervisor) shutdown(proc engine.Process, epoch uint32) {
	s.cfg.Bridge.StopAccepting()

	grace := s.clock.After(s.cfg.GracePeriod)
	msg, err := protocol.Shutdown(epoch, s.cfg.GracePeriod)
	if err == nil {
		err = s.cfg.Bridge.Send(epoch, msg)
	}
	if err != nil {
		s.logger.Warn("engine not reachable for graceful shutdown", "epoch", epoch, "error", err)
	} else {
	wait:
		for {
			select {
			case ack := <-s.acks:
				if ack.Epoch != epoch {
					continue
				}
				s.logger.Info("engine acknowledged shutdown", "epoch", epoch)
				select {
				case <-proc.Done():
				case <-grace:
					s.logger.Warn("engine acknowledged but did not exit within grace period", "epoch", epoch)
				}
				break wait
			case <-proc.Done():
				break wait
			case <-grace:
				s.logger.Warn("grace period elapsed", "epoch", epoch, "grace", s.cfg.GracePeriod)
				break wait
			}
		}
	}

	s.abandon(proc)
}

// awaitKilled waits for a killed engine to be reaped, retrying the kill
// every handshake timeout. A stop or cancellation is still honoured while
// the engine lingers. It returns false once the supervisor has entered
// STOPPED.
func (s *Supervisor) awaitKilled(ctx context.Context, proc engine.Process) bool {
	for {
		select {
		case <-proc.Done():
			s.recordExit(proc)
			return true
		case <-s.clock.After(s.cfg.HandshakeTimeout):
			s.logger.Warn("engine still running after kill, retrying", "id", proc.ID())
			s.kill(proc)
		case <-s.stop:
			s.abandon(proc)
			s.finish(nil, "stop requested")
			return false
		case <-ctx.Done():
			s.abandon(proc)
			s.finish(nil, "context cancelled")
			return false
		}
	}
}

// abandon makes a last kill attempt before the supervisor stops.
func (s *Supervisor) abandon(proc engine.Process) {
	s.kill(proc)
	select {
	case <-proc.Done():
		s.recordExit(proc)
	default:
		s.logger.Error("engine left running", "id", proc.ID(), "pid", proc.PID())
	}
}

func (s *Supervisor) kill(proc engine.Process) {
	select {
	case <-proc.Done():
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := proc.Kill(ctx); err != nil {
		s.logger.Error("kill engine", "id", proc.ID(), "error", err)
		return
	}
	select {
	case <-proc.Done():
	case <-ctx.Done():
	}
}

// finish enters STOPPED. The bridge is torn down first so that no
// listening endpoint remains once STOPPED is observable.
func (s *Supervisor) finish(err error, reason string) {
	s.cfg.Bridge.Stop()
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.transition(Stopped, reason, err)
	if err != nil {
		s.logger.Error("supervisor stopped", "error", err)
	}
}

func (s *Supervisor) stopping(ctx context.Context) bool {
	select {
	case <-s.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// transition changes state and republishes or removes the presence file
// while holding the state lock, so State and the presence file agree.
func (s *Supervisor) transition(to State, reason string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	from := s.state
	if to == Stopped {
		if perr := removePresence(s.cfg.PresencePath); perr != nil {
			s.logger.Warn("presence", "error", perr)
		}
	} else {
		p := Presence{
			Title:     presenceTitle,
			Text:      presenceText,
			Instance:  s.cfg.InstanceID,
			HostPID:   os.Getpid(),
			State:     to.String(),
			Epoch:     s.epoch,
			EnginePID: s.info.PID,
			Since:     now.UTC(),
		}
		if perr := writePresence(s.cfg.PresencePath, p); perr != nil {
			s.logger.Warn("presence", "error", perr)
		}
	}
	s.state = to
	s.since = now

	entry := JournalEntry{
		Time:   now.UTC(),
		Event:  "transition",
		From:   from.String(),
		To:     to.String(),
		Epoch:  s.epoch,
		PID:    s.info.PID,
		Reason: reason,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if jerr := s.journal.Log(entry); jerr != nil {
		s.logger.Warn("journal", "error", jerr)
	}

	attrs := []any{"from", from.String(), "to", to.String(), "epoch", s.epoch, "reason", reason}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	s.logger.Info("state transition", attrs...)

	t := Transition{From: from, To: to, Epoch: s.epoch, At: now, Reason: reason, Err: err}
	for ch := range s.watchers {
		select {
		case ch <- t:
		default:
			s.logger.Debug("watcher is full, dropping transition", "to", to.String())
		}
	}
}

func (s *Supervisor) nextEpoch() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.info = EngineInfo{
		Epoch:        s.epoch,
		Exited:       s.info.Exited,
		LastExitCode: s.info.LastExitCode,
		LastExitAt:   s.info.LastExitAt,
	}
	return s.epoch
}

func (s *Supervisor) setProcess(proc engine.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.ID = proc.ID()
	s.info.PID = proc.PID()
	s.info.Exited = false
}

func (s *Supervisor) recordExit(proc engine.Process) engine.Exit {
	exit := proc.Exit()

	s.mu.Lock()
	s.info.Exited = true
	s.info.LastExitCode = exit.Code
	s.info.LastExitAt = exit.At
	code := exit.Code
	entry := JournalEntry{
		Time:   exit.At.UTC(),
		Event:  "exit",
		Epoch:  s.info.Epoch,
		PID:    s.info.PID,
		Code:   &code,
		Reason: s.info.ExitReason,
	}
	if exit.Err != nil {
		entry.Error = exit.Err.Error()
	}
	s.mu.Unlock()

	if err := s.journal.Log(entry); err != nil {
		s.logger.Warn("journal", "error", err)
	}
	s.logger.Info("engine exited", "epoch", entry.Epoch, "id", proc.ID(), "code", exit.Code)
	return exit
}

// countCrash records a crash and reports whether the crash threshold has
// been reached within the window.
func (s *Supervisor) countCrash() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.CrashWindow)
	kept := s.crashes[:0]
	for _, at := range s.crashes {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	s.crashes = append(kept, now)
	return len(s.crashes) >= s.cfg.CrashThreshold
}

func (s *Supervisor) backoffDelay() time.Duration {
	s.mu.Lock()
	attempt := s.attempt
	s.attempt++
	s.mu.Unlock()

	ceiling := s.cfg.BackoffCap
	if attempt < 32 {
		if d := s.cfg.BackoffBase << attempt; d > 0 && d < ceiling {
			ceiling = d
		}
	}
	return s.cfg.Jitter(ceiling)
}

func fullJitter(ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

func (s *Supervisor) onHeartbeat(msg protocol.Message) {
	var body protocol.HeartbeatBody
	if err := protocol.DecodeBody(msg.Body, &body); err != nil {
		s.logger.Debug("malformed heartbeat", "epoch", msg.Epoch, "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Epoch != s.info.Epoch {
		return
	}
	s.info.LastHeartbeat = s.clock.Now()
	s.info.BootStage = body.BootStage
}

func (s *Supervisor) onExitNotice(msg protocol.Message) {
	var body protocol.ExitBody
	if err := protocol.DecodeBody(msg.Body, &body); err != nil {
		s.logger.Debug("malformed exit notice", "epoch", msg.Epoch, "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Epoch != s.info.Epoch {
		return
	}
	s.info.ExitReason = body.Reason
	s.logger.Info("engine announced exit", "epoch", msg.Epoch, "code", body.Code, "reason", body.Reason)
}

func forward(ch chan protocol.Message) bridge.Handler {
	return func(msg protocol.Message) {
		select {
		case ch <- msg:
		default:
		}
	}
}
