// Package protocol defines the shared types and constants for communication
// between the Twoyi host (Supervisor-side) and the container engine over the
// control socket, a Unix Domain Socket inside the host's data directory.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// SocketName is the control socket's file name inside the data directory.
const SocketName = "ctl.sock"

// Environment variables through which the host tells the engine where to
// connect and which incarnation it is.
const (
	EnvSocket = "TWOYI_CTL_SOCK"
	EnvEpoch  = "TWOYI_EPOCH"
	EnvRom    = "TWOYI_ROM"
	EnvLoader = "TYLOADER"
)

// HeaderSize is the size of the fixed frame header:
// [4-byte big-endian length][1-byte kind][4-byte big-endian epoch].
const HeaderSize = 9

// payloadHeaderSize is the part of the header counted by the length prefix.
const payloadHeaderSize = HeaderSize - 4

// MaxFrameSize bounds the payload length accepted by ReadMessage.
const MaxFrameSize = 16 * 1024 * 1024

var (
	// ErrMalformed is returned for frames too short to carry a header.
	ErrMalformed = errors.New("malformed frame")
	// ErrFrameTooLarge is returned for frames above MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Kind tags the first byte of every payload.
type Kind byte

// Message kinds understood by host and engine.
const (
	KindHandshake   Kind = 0x01 // engine -> host, empty body, first message on a connection
	KindShutdown    Kind = 0x02 // host -> engine, ShutdownBody
	KindShutdownAck Kind = 0x03 // engine -> host, empty body
	KindHeartbeat   Kind = 0x04 // engine -> host, HeartbeatBody
	KindExit        Kind = 0x05 // engine -> host, ExitBody
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindShutdown:
		return "shutdown"
	case KindShutdownAck:
		return "shutdown-ack"
	case KindHeartbeat:
		return "heartbeat"
	case KindExit:
		return "exit"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

// Message is a single decoded frame.
type Message struct {
	Kind  Kind
	Epoch uint32
	Body  []byte
}

// ShutdownBody asks the engine to stop within Grace.
type ShutdownBody struct {
	GraceMillis int64 `cbor:"grace_ms"`
}

// HeartbeatBody reports engine liveness and boot progress.
type HeartbeatBody struct {
	UptimeMillis int64  `cbor:"uptime_ms"`
	BootStage    string `cbor:"boot_stage,omitempty"`
}

// ExitBody is announced by the engine right before a voluntary exit.
type ExitBody struct {
	Code   int    `cbor:"code"`
	Reason string `cbor:"reason,omitempty"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
}

// EncodeBody encodes a kind-specific body with deterministic CBOR.
func EncodeBody(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return data, nil
}

// DecodeBody decodes a kind-specific body.
func DecodeBody(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// Handshake builds the handshake message for epoch.
func Handshake(epoch uint32) Message {
	return Message{Kind: KindHandshake, Epoch: epoch}
}

// Shutdown builds a graceful-shutdown request for epoch.
func Shutdown(epoch uint32, grace time.Duration) (Message, error) {
	body, err := EncodeBody(ShutdownBody{GraceMillis: grace.Milliseconds()})
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindShutdown, Epoch: epoch, Body: body}, nil
}

// WriteMessage writes m as a single frame.
// Wire format: [4-byte big-endian length][1-byte kind][4-byte big-endian epoch][body]
// where length counts everything after itself.
func WriteMessage(w io.Writer, m Message) error {
	length := payloadHeaderSize + len(m.Body)
	if length > MaxFrameSize {
		return fmt.Errorf("write frame: %w: %d bytes", ErrFrameTooLarge, length)
	}

	// One buffer so concurrent writers serialized by the caller never interleave.
	buf := make([]byte, HeaderSize+len(m.Body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(m.Kind)
	binary.BigEndian.PutUint32(buf[5:9], m.Epoch)
	copy(buf[HeaderSize:], m.Body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a single frame from r.
func ReadMessage(r io.Reader) (Message, error) {
	var m Message

	// Read 4-byte length header
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return m, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	if length < payloadHeaderSize {
		return m, fmt.Errorf("read frame: %w: length %d", ErrMalformed, length)
	}
	if length > MaxFrameSize {
		return m, fmt.Errorf("read frame: %w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return m, fmt.Errorf("read frame payload: %w", err)
	}

	m.Kind = Kind(payload[0])
	m.Epoch = binary.BigEndian.Uint32(payload[1:5])
	if len(payload) > payloadHeaderSize {
		m.Body = payload[payloadHeaderSize:]
	}
	return m, nil
}
