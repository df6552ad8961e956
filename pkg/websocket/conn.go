package websocket

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/tzrikka/cymbal/pkg/wire"
)

// ErrClosed is returned by [Conn.ReadMessage] once
// the closing handshake has finished.
var ErrClosed = errors.New("websocket: connection closed")

const readChunk = 4096

// Conn is an open client connection to a WebSocket server.
//
// It is synchronous: reads block until a complete message arrives, and
// writes flush inline. A Conn must not be used concurrently.
type Conn struct {
	// Initialized before the handshake.
	logger  *slog.Logger
	client  *http.Client
	headers http.Header

	// Initialized after the handshake.
	rwc io.ReadWriteCloser

	// Bytes received but not yet consumed by the frame decoder.
	buf []byte

	closeSent     bool
	closeReceived bool

	// For unit-testing only.
	nonceGen io.Reader
}

// Message with WebSocket data, from one or more (defragmented) data
// frames, as defined in https://datatracker.ietf.org/doc/html/rfc6455#section-5.6.
type Message struct {
	Opcode wire.Opcode
	Data   []byte
}

// readFrame blocks until the connection's buffer holds one complete
// frame, and decodes it.
func (c *Conn) readFrame() (*wire.Frame, error) {
	chunk := make([]byte, readChunk)
	for {
		f, n, err := wire.Decode(c.buf)
		if err != nil {
			return nil, err
		}
		if f != nil {
			c.buf = c.buf[n:]

			// A client MUST close a connection if it detects a masked frame.
			if f.Masked {
				return nil, wire.ErrMaskUnexpected
			}
			return f, nil
		}

		n, rerr := c.rwc.Read(chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
		}
		if rerr != nil && n == 0 {
			return nil, rerr
		}
	}
}

// ReadMessage blocks until a complete data message arrives, responding
// to interleaved control frames along the way (Pings are answered,
// Pongs are ignored, a Close finishes the closing handshake).
//
// After the connection closes, by either side, it returns [ErrClosed].
func (c *Conn) ReadMessage() (*Message, error) {
	if c.closeReceived {
		return nil, ErrClosed
	}

	var msg []byte
	var op wire.Opcode

	for {
		f, err := c.readFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logger.Debug("WebSocket connection closed by server")
				c.closeReceived = true
				return nil, ErrClosed
			}
			return nil, err
		}

		c.logger.Debug("received WebSocket frame", slog.Bool("fin", f.Fin),
			slog.String("opcode", f.Opcode.String()), slog.Int("length", len(f.Payload)))

		switch f.Opcode {
		case wire.OpcodeContinuation, wire.OpcodeText, wire.OpcodeBinary:
			if f.Opcode != wire.OpcodeContinuation {
				op = f.Opcode
			}
			msg = append(msg, f.Payload...)

		case wire.OpcodeClose:
			c.closeReceived = true
			status, _, _ := wire.ParseClosePayload(f.Payload)
			c.logger.Debug("received WebSocket close frame", slog.String("status", status.String()))
			if !c.closeSent {
				_ = c.writeFrame(wire.OpcodeClose, wire.ClosePayload(wire.StatusNormalClosure, ""))
				c.closeSent = true
			}
			_ = c.rwc.Close()
			return nil, ErrClosed

		case wire.OpcodePing:
			if err := c.writeFrame(wire.OpcodePong, f.Payload); err != nil {
				return nil, fmt.Errorf("failed to answer WebSocket ping: %w", err)
			}

		case wire.OpcodePong:
			// Pongs (answers to [Conn.Ping], or unsolicited)
			// require no further action.
		}

		if f.Fin && f.Opcode.IsData() {
			if op == wire.OpcodeText && !utf8.Valid(msg) {
				return nil, errors.New("websocket: invalid UTF-8 in text message")
			}
			if msg == nil {
				msg = []byte{}
			}
			return &Message{Opcode: op, Data: msg}, nil
		}
	}
}

// writeFrame sends a single masked frame, per
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.3:
// all frames sent from client to server are masked.
func (c *Conn) writeFrame(op wire.Opcode, payload []byte) error {
	key, err := wire.NewMaskKey()
	if err != nil {
		return err
	}

	f := &wire.Frame{Fin: true, Opcode: op, Masked: true, Key: key, Payload: payload}
	b, err := f.Encode()
	if err != nil {
		return err
	}

	if _, err := c.rwc.Write(b); err != nil {
		return fmt.Errorf("failed to write WebSocket frame: %w", err)
	}
	return nil
}

// WriteMessage sends a single unfragmented data message.
func (c *Conn) WriteMessage(op wire.Opcode, data []byte) error {
	if c.closeSent {
		return ErrClosed
	}
	return c.writeFrame(op, data)
}

// Ping sends a Ping control frame. The server's Pong is
// consumed and discarded by [Conn.ReadMessage].
func (c *Conn) Ping(payload []byte) error {
	if c.closeSent {
		return ErrClosed
	}
	return c.writeFrame(wire.OpcodePing, payload)
}

// Close initiates a [WebSocket closing handshake]. Call
// [Conn.ReadMessage] afterwards to consume the server's answer.
//
// [WebSocket closing handshake]: https://datatracker.ietf.org/doc/html/rfc6455#section-7.1.2
func (c *Conn) Close(status wire.StatusCode) error {
	if c.closeSent {
		return nil
	}
	c.closeSent = true

	if err := c.writeFrame(wire.OpcodeClose, wire.ClosePayload(status, "")); err != nil {
		return err
	}

	if c.closeReceived {
		return c.rwc.Close()
	}
	return nil
}
