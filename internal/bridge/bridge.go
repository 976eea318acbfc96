// Package bridge owns the control socket the engine connects back to.
//
// Every accepted connection must open with a handshake carrying the
// current epoch. After that, frames are demultiplexed by kind to the
// subscribers registered with Subscribe. Frames tagged with any other
// epoch are discarded, so a previous engine's last words never reach
// the supervisor of its successor.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"twoyi/internal/logging"
	"twoyi/pkg/protocol"
)

// ErrDropped is returned by Send when the message cannot be delivered to
// the engine incarnation it was addressed to.
var ErrDropped = errors.New("message dropped")

const writeTimeout = 5 * time.Second

// Config configures a Bridge.
type Config struct {
	SocketPath       string
	MaxConnections   int           // concurrent connections served; extra ones are closed
	HandshakeTimeout time.Duration // deadline for the first frame, 5s if unset
	ReadTimeout      time.Duration // per-frame read deadline after the handshake, 0 for none
	Logger           *slog.Logger
}

// Handler receives messages of one kind. It runs on the reader goroutine
// of the originating connection and must not block or call SetEpoch.
type Handler func(protocol.Message)

// Bridge is the host end of the control socket.
type Bridge struct {
	cfg    Config
	logger *slog.Logger

	epoch atomic.Uint32
	// dispatchMu is held shared while a frame is epoch-checked and
	// dispatched, and exclusively by SetEpoch, so no stale frame is in
	// flight once SetEpoch returns.
	dispatchMu sync.RWMutex

	subsMu sync.RWMutex
	subs   map[protocol.Kind]map[uint64]Handler

	mu         sync.Mutex
	listener   *net.UnixListener
	conns      map[uint64]*conn
	active     *conn
	group      *errgroup.Group
	acceptDone chan struct{}

	nextID atomic.Uint64
}

type conn struct {
	id      uint64
	c       *net.UnixConn
	writeMu sync.Mutex
	epoch   uint32
	peer    *PeerCredentials
}

var (
	sharedOnce sync.Once
	shared     *Bridge
)

// Shared returns the process-wide Bridge, creating it from cfg on first
// use. Later calls ignore cfg.
func Shared(cfg Config) *Bridge {
	sharedOnce.Do(func() { shared = New(cfg) })
	return shared
}

// New returns an unstarted Bridge. Most callers want Shared; tests use
// New to get isolated instances.
func New(cfg Config) *Bridge {
	if cfg.MaxConnections < 1 {
		cfg.MaxConnections = 4
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	return &Bridge{
		cfg:    cfg,
		logger: logging.Component(cfg.Logger, "bridge"),
		subs:   make(map[protocol.Kind]map[uint64]Handler),
		conns:  make(map[uint64]*conn),
	}
}

// SocketPath returns the control socket path.
func (b *Bridge) SocketPath() string { return b.cfg.SocketPath }

// Start binds the socket and begins accepting. A socket file left by a
// crashed host is unlinked and the bind retried once.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.listener != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(b.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	ln, err := listen(b.cfg.SocketPath)
	if errors.Is(err, syscall.EADDRINUSE) {
		b.logger.Warn("removing stale control socket", "path", b.cfg.SocketPath)
		if rmErr := os.Remove(b.cfg.SocketPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return fmt.Errorf("remove stale socket: %w", rmErr)
		}
		ln, err = listen(b.cfg.SocketPath)
	}
	if err != nil {
		return fmt.Errorf("listen on %s: %w", b.cfg.SocketPath, err)
	}

	if err := os.Chmod(b.cfg.SocketPath, 0o600); err != nil {
		b.logger.Warn("could not chmod socket", "error", err)
	}

	b.listener = ln
	b.group = new(errgroup.Group)
	b.group.SetLimit(b.cfg.MaxConnections)
	b.acceptDone = make(chan struct{})

	go b.acceptLoop(ln, b.group, b.acceptDone)

	b.logger.Info("listening", "path", b.cfg.SocketPath, "max_connections", b.cfg.MaxConnections)
	return nil
}

func listen(path string) (*net.UnixListener, error) {
	return net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
}

// Listening reports whether the socket is bound.
func (b *Bridge) Listening() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listener != nil
}

// StopAccepting closes the listener. Established connections stay open
// so a graceful shutdown can still be negotiated over them.
func (b *Bridge) StopAccepting() {
	b.mu.Lock()
	ln, done := b.listener, b.acceptDone
	b.listener = nil
	b.mu.Unlock()

	if ln == nil {
		return
	}
	ln.Close()
	<-done
	b.logger.Info("stopped accepting", "path", b.cfg.SocketPath)
}

// Stop closes the listener and every connection, waits for the readers
// to exit and removes the socket file.
func (b *Bridge) Stop() {
	b.StopAccepting()

	b.mu.Lock()
	for _, c := range b.conns {
		c.c.Close()
	}
	group := b.group
	b.group = nil
	b.mu.Unlock()

	if group != nil {
		group.Wait()
	}
	if err := os.Remove(b.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		b.logger.Warn("failed to remove socket", "error", err)
	}
}

// SetEpoch makes epoch the only accepted incarnation. Connections that
// handshook with an older epoch are closed, as are connections still
// waiting to handshake: they were accepted before the new incarnation
// was launched and cannot belong to it.
func (b *Bridge) SetEpoch(epoch uint32) {
	b.dispatchMu.Lock()
	b.epoch.Store(epoch)
	b.dispatchMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		if c.epoch != epoch {
			c.c.Close()
		}
	}
	if b.active != nil && b.active.epoch != epoch {
		b.active = nil
	}
}

// Epoch returns the current epoch.
func (b *Bridge) Epoch() uint32 { return b.epoch.Load() }

// Subscribe registers h for messages of kind and returns a function that
// removes it.
func (b *Bridge) Subscribe(kind protocol.Kind, h Handler) (unsubscribe func()) {
	id := b.nextID.Add(1)

	b.subsMu.Lock()
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[uint64]Handler)
	}
	b.subs[kind][id] = h
	b.subsMu.Unlock()

	return func() {
		b.subsMu.Lock()
		delete(b.subs[kind], id)
		b.subsMu.Unlock()
	}
}

// Send writes msg, tagged with epoch, to the connection that handshook
// for the current epoch. It returns ErrDropped if epoch is stale or no
// such connection exists.
func (b *Bridge) Send(epoch uint32, msg protocol.Message) error {
	if epoch != b.epoch.Load() {
		return fmt.Errorf("send %s for epoch %d: %w", msg.Kind, epoch, ErrDropped)
	}

	b.mu.Lock()
	c := b.active
	b.mu.Unlock()
	if c == nil || c.epoch != epoch {
		return fmt.Errorf("send %s: no engine connection for epoch %d: %w", msg.Kind, epoch, ErrDropped)
	}

	msg.Epoch = epoch
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.c.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := protocol.WriteMessage(c.c, msg); err != nil {
		c.c.Close()
		return fmt.Errorf("send %s: %w: %w", msg.Kind, ErrDropped, err)
	}
	return nil
}

// Connections returns the number of open connections.
func (b *Bridge) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *Bridge) acceptLoop(ln *net.UnixListener, group *errgroup.Group, done chan struct{}) {
	defer close(done)
	for {
		c, err := ln.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger.Warn("accept error", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		cn := &conn{id: b.nextID.Add(1), c: c}
		b.mu.Lock()
		b.conns[cn.id] = cn
		b.mu.Unlock()

		if !group.TryGo(func() error {
			b.serve(cn)
			return nil
		}) {
			b.logger.Warn("connection limit reached, closing", "limit", b.cfg.MaxConnections)
			b.forget(cn)
			c.Close()
		}
	}
}

func (b *Bridge) forget(cn *conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, cn.id)
	if b.active == cn {
		b.active = nil
	}
}

// serve runs the read loop of one connection. Errors only ever drop the
// connection.
func (b *Bridge) serve(cn *conn) {
	defer func() {
		cn.c.Close()
		b.forget(cn)
	}()

	logger := b.logger.With("conn", cn.id)
	if peer, err := peerCredentials(cn.c); err != nil {
		logger.Warn("could not read peer credentials", "error", err)
	} else {
		cn.peer = peer
		logger = logger.With("pid", peer.PID, "uid", peer.UID)
	}
	logger.Debug("connection accepted")

	first, err := b.read(cn, b.cfg.HandshakeTimeout)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		logger.Warn("dropping connection: no handshake", "timeout", b.cfg.HandshakeTimeout)
		return
	}
	if err != nil {
		logReadError(logger, err)
		return
	}
	if first.Kind != protocol.KindHandshake {
		logger.Warn("dropping connection: first message is not a handshake", "kind", first.Kind)
		return
	}
	if !b.activate(cn, first) {
		logger.Info("dropping connection: stale handshake", "epoch", first.Epoch, "current", b.epoch.Load())
		return
	}
	logger.Info("engine handshake", "epoch", first.Epoch)
	cn.c.SetReadDeadline(time.Time{})

	for {
		msg, err := b.read(cn, b.cfg.ReadTimeout)
		if err != nil {
			logReadError(logger, err)
			return
		}
		if !b.dispatch(msg) {
			logger.Debug("discarding stale message", "kind", msg.Kind, "epoch", msg.Epoch)
		}
	}
}

// activate makes cn the engine connection if hello carries the current
// epoch, and dispatches hello. The check, the assignment and the dispatch
// happen under one read lock of dispatchMu, so a concurrent SetEpoch
// either sees cn tagged and closes it, or runs after the handshake was
// rejected.
func (b *Bridge) activate(cn *conn, hello protocol.Message) bool {
	b.dispatchMu.RLock()
	defer b.dispatchMu.RUnlock()

	if hello.Epoch != b.epoch.Load() {
		return false
	}

	b.mu.Lock()
	cn.epoch = hello.Epoch
	if prev := b.active; prev != nil && prev != cn {
		prev.c.Close()
	}
	b.active = cn
	b.mu.Unlock()

	b.deliver(hello)
	return true
}

func (b *Bridge) read(cn *conn, timeout time.Duration) (protocol.Message, error) {
	if timeout > 0 {
		cn.c.SetReadDeadline(time.Now().Add(timeout))
	}
	return protocol.ReadMessage(cn.c)
}

// dispatch delivers msg to the subscribers of its kind if it carries the
// current epoch. It reports whether msg was current.
func (b *Bridge) dispatch(msg protocol.Message) bool {
	b.dispatchMu.RLock()
	defer b.dispatchMu.RUnlock()

	if msg.Epoch != b.epoch.Load() {
		return false
	}
	b.deliver(msg)
	return true
}

// deliver runs the subscribers of msg's kind. The caller holds dispatchMu.
func (b *Bridge) deliver(msg protocol.Message) {
	b.subsMu.RLock()
	handlers := make([]Handler, 0, len(b.subs[msg.Kind]))
	for _, h := range b.subs[msg.Kind] {
		handlers = append(handlers, h)
	}
	b.subsMu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

func logReadError(logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		logger.Debug("connection closed")
	default:
		logger.Warn("dropping connection", "error", err)
	}
}
