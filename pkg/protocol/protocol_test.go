package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "handshake",
			msg:  Handshake(7),
		},
		{
			name: "heartbeat with body",
			msg:  Message{Kind: KindHeartbeat, Epoch: 1, Body: []byte{0xa1, 0x01, 0x02}},
		},
		{
			name: "max epoch",
			msg:  Message{Kind: KindShutdownAck, Epoch: ^uint32(0)},
		},
		{
			name: "large payload",
			msg:  Message{Kind: KindHeartbeat, Epoch: 3, Body: bytes.Repeat([]byte("x"), 65536)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteMessage(&buf, tt.msg))

			decoded, err := ReadMessage(&buf)
			require.NoError(t, err)

			assert.Equal(t, tt.msg.Kind, decoded.Kind)
			assert.Equal(t, tt.msg.Epoch, decoded.Epoch)
			assert.True(t, bytes.Equal(tt.msg.Body, decoded.Body), "body mismatch")
		})
	}
}

func TestWireLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Handshake(0x01020304)))

	// Handshake has an empty body: the frame is exactly the 9-byte header.
	want := []byte{0, 0, 0, 5, 0x01, 0x01, 0x02, 0x03, 0x04}
	assert.Equal(t, want, buf.Bytes())
	assert.Equal(t, HeaderSize, buf.Len())
}

func TestReadMessageMalformed(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(3))
	buf.Write([]byte{1, 2, 3})

	_, err := ReadMessage(&buf)
	assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
}

func TestReadMessageTooLarge(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(MaxFrameSize+1))

	_, err := ReadMessage(&buf)
	assert.True(t, errors.Is(err, ErrFrameTooLarge), "got %v", err)
}

func TestReadMessageTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Message{Kind: KindHeartbeat, Epoch: 1, Body: []byte("hello")}))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])

	_, err := ReadMessage(truncated)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF), "got %v", err)
}

func TestReadMessageEOF(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)
}

func TestShutdownBody(t *testing.T) {
	msg, err := Shutdown(9, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindShutdown, msg.Kind)
	assert.EqualValues(t, 9, msg.Epoch)

	var body ShutdownBody
	require.NoError(t, DecodeBody(msg.Body, &body))
	assert.EqualValues(t, 5000, body.GraceMillis)
}

func TestEncodeBodyDeterministic(t *testing.T) {
	a, err := EncodeBody(HeartbeatBody{UptimeMillis: 42, BootStage: "zygote"})
	require.NoError(t, err)
	b, err := EncodeBody(HeartbeatBody{UptimeMillis: 42, BootStage: "zygote"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "handshake", KindHandshake.String())
	assert.Equal(t, "kind(0x7f)", Kind(0x7f).String())
}
