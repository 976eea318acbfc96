// Package engineclient is the engine side of the control socket. The
// engine learns the socket path and its epoch from the environment,
// handshakes, and then exchanges control messages with the host.
package engineclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"twoyi/pkg/protocol"
)

// Config identifies the host to connect to.
type Config struct {
	SocketPath string
	Epoch      uint32
}

// FromEnv reads the socket path and epoch exported by the launcher.
func FromEnv() (Config, error) {
	path := os.Getenv(protocol.EnvSocket)
	if path == "" {
		return Config{}, fmt.Errorf("%s is not set", protocol.EnvSocket)
	}
	raw := os.Getenv(protocol.EnvEpoch)
	epoch, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return Config{}, fmt.Errorf("parse %s=%q: %w", protocol.EnvEpoch, raw, err)
	}
	return Config{SocketPath: path, Epoch: uint32(epoch)}, nil
}

// Client is a handshaken control connection.
type Client struct {
	conn    net.Conn
	epoch   uint32
	started time.Time

	writeMu sync.Mutex
}

// Dial connects to the host and sends the handshake.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to host at %s: %w", cfg.SocketPath, err)
	}

	c := &Client{conn: conn, epoch: cfg.Epoch, started: time.Now()}
	if err := c.write(protocol.Handshake(cfg.Epoch)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	return c, nil
}

// Epoch returns the epoch this client handshook with.
func (c *Client) Epoch() uint32 { return c.epoch }

// Heartbeat reports liveness and the current boot stage.
func (c *Client) Heartbeat(stage string) error {
	return c.send(protocol.KindHeartbeat, protocol.HeartbeatBody{
		UptimeMillis: time.Since(c.started).Milliseconds(),
		BootStage:    stage,
	})
}

// AnnounceExit tells the host why the engine is about to exit.
func (c *Client) AnnounceExit(code int, reason string) error {
	return c.send(protocol.KindExit, protocol.ExitBody{Code: code, Reason: reason})
}

// AckShutdown acknowledges a shutdown request.
func (c *Client) AckShutdown() error {
	return c.write(protocol.Message{Kind: protocol.KindShutdownAck, Epoch: c.epoch})
}

// Next reads the next message from the host.
func (c *Client) Next() (protocol.Message, error) {
	return protocol.ReadMessage(c.conn)
}

// WaitShutdown blocks until the host asks the engine to shut down and
// returns the grace period it granted. Cancelling ctx closes the
// connection.
func (c *Client) WaitShutdown(ctx context.Context) (time.Duration, error) {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	for {
		msg, err := c.Next()
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, err
		}
		if msg.Kind != protocol.KindShutdown {
			continue
		}
		var body protocol.ShutdownBody
		if err := protocol.DecodeBody(msg.Body, &body); err != nil {
			return 0, fmt.Errorf("decode shutdown: %w", err)
		}
		return time.Duration(body.GraceMillis) * time.Millisecond, nil
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) send(kind protocol.Kind, body any) error {
	data, err := protocol.EncodeBody(body)
	if err != nil {
		return err
	}
	return c.write(protocol.Message{Kind: kind, Epoch: c.epoch, Body: data})
}

func (c *Client) write(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteMessage(c.conn, msg)
}
