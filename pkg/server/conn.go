package server

import (
	"errors"
	"io"
	"slices"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/tzrikka/cymbal/pkg/stream"
	"github.com/tzrikka/cymbal/pkg/wire"
)

// Timeouts and per-tick limits.
const (
	// DefaultHandshakeTimeout bounds the opening handshake: a connection
	// that hasn't completed it within this duration is dropped.
	DefaultHandshakeTimeout = 5 * time.Second

	// DefaultCloseTimeout bounds the closing handshake: a peer that
	// doesn't answer a locally-initiated Close within this duration
	// is dropped anyway.
	DefaultCloseTimeout = 5 * time.Second

	// MaxHandshakeBytes caps the size of the opening handshake's HTTP
	// head. Reaching the cap without a blank line fails the handshake
	// with HTTP 413.
	MaxHandshakeBytes = 8192

	// perTickBudget caps the bytes moved per direction per readiness
	// tick, so one busy connection cannot starve the others.
	perTickBudget = 16384

	readChunk = 4096
)

// Usage errors: programmer mistakes, not recoverable conditions.
var (
	ErrNotOpen    = errors.New("server: connection is not open")
	ErrNoListener = errors.New("server: server has no listening endpoint")
	ErrNotOwned   = errors.New("server: connection is not owned by this server")
)

// State is a connection's position in its lifecycle. Transitions only
// ever move forward in this ordering.
type State int

const (
	StateAwaitingHandshake State = iota
	StateOpen
	StateClosingLocal  // We sent Close, awaiting the peer's.
	StateClosingRemote // Peer sent Close, flushing our echo.
	StateClosed
)

// String returns the state's name, or its number if it's unrecognized.
func (s State) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "awaiting handshake"
	case StateOpen:
		return "open"
	case StateClosingLocal:
		return "closing (local)"
	case StateClosingRemote:
		return "closing (remote)"
	case StateClosed:
		return "closed"
	default:
		return strconv.Itoa(int(s))
	}
}

// outFrame is one pending outbound unit: a pre-encoded WebSocket frame,
// or the raw bytes of the handshake response.
type outFrame struct {
	data []byte

	// control entries get queue priority: they are inserted ahead of
	// pending data frames, but never ahead of a frame that already
	// started writing, and never ahead of each other.
	control bool

	// closeAfter releases the stream once this entry is fully flushed,
	// surfacing a disconnect update.
	closeAfter bool
}

// Conn drives one server-side WebSocket session through its lifecycle:
// handshake, open message exchange, and the closing handshake. It owns
// its stream and buffers exclusively; all methods run on the event-loop
// goroutine.
type Conn struct {
	srv    *Server // Non-owning back-reference.
	stream stream.Stream
	logger zerolog.Logger

	index     int
	remote    string
	createdAt time.Time

	state             State
	handshakeDeadline time.Time
	closeDeadline     time.Time

	// Bytes received but not yet consumed by the frame decoder.
	readBuf []byte

	// Pending outbound frames, and the flushed-byte offset into the head.
	writeQ  []outFrame
	written int

	// In-progress fragmented message. The opcode is OpcodeContinuation
	// while no message is in progress.
	fragmentOpcode wire.Opcode
	fragmentBuf    []byte

	closeCodeSent     wire.StatusCode // 0 = none.
	closeCodeReceived wire.StatusCode // 0 = none.
}

func newConn(srv *Server, s stream.Stream, index int) *Conn {
	return &Conn{
		srv:               srv,
		stream:            s,
		logger:            srv.logger.With().Int("conn", index).Str("remote_addr", s.RemoteAddr()).Logger(),
		index:             index,
		remote:            s.RemoteAddr(),
		createdAt:         time.Now(),
		state:             StateAwaitingHandshake,
		handshakeDeadline: time.Now().Add(srv.handshakeTimeout),
	}
}

// Index returns the connection's server-assigned index.
func (c *Conn) Index() int {
	return c.index
}

// State returns the connection's lifecycle state.
func (c *Conn) State() State {
	return c.state
}

// RemoteAddr returns the peer's address.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// CreatedAt returns the time the connection was accepted.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// Fd implements [StreamContainer].
func (c *Conn) Fd() int {
	if c.stream == nil {
		return -1
	}
	return c.stream.Fd()
}

// Live implements [StreamContainer].
func (c *Conn) Live() bool {
	return c.state != StateClosed && c.Fd() >= 0
}

// WriteBufferEmpty implements [StreamContainer].
func (c *Conn) WriteBufferEmpty() bool {
	return len(c.writeQ) == 0
}

// BeforeSelect implements [StreamContainer]: it detects
// handshake and closing-handshake deadline expiry.
func (c *Conn) BeforeSelect(now time.Time) []Update {
	switch c.state {
	case StateAwaitingHandshake:
		if now.After(c.handshakeDeadline) {
			c.logger.Warn().Msg("opening handshake timed out")
			c.release()
			return []Update{{Kind: KindHandshakeTimeout, Conn: c}}
		}

	case StateClosingLocal:
		if now.After(c.closeDeadline) {
			c.logger.Debug().Msg("peer did not answer the closing handshake")
			c.release()
			return []Update{{Kind: KindDisconnect, Conn: c, Code: c.disconnectCode()}}
		}
	}

	return nil
}

// HandleRead implements [StreamContainer]: it drains readable bytes
// (bounded per tick) and advances the handshake or frame machinery.
func (c *Conn) HandleRead() []Update {
	if c.state == StateClosed {
		return nil
	}

	var ups []Update
	budget := perTickBudget
	chunk := make([]byte, readChunk)
	eof := false

	for budget > 0 {
		n, err := c.stream.Read(chunk[:min(len(chunk), budget)])
		if n > 0 {
			c.readBuf = append(c.readBuf, chunk[:n]...)
			budget -= n
		}

		if err == nil {
			continue
		}
		if errors.Is(err, stream.ErrWouldBlock) {
			break
		}
		if errors.Is(err, io.EOF) {
			eof = true
			break
		}

		c.logger.Err(err).Msg("stream read failed")
		c.release()
		return append(ups,
			Update{Kind: KindReadFailed, Conn: c, Err: err},
			Update{Kind: KindSockDisconnect, Conn: c})
	}

	if c.state == StateAwaitingHandshake {
		ups = append(ups, c.processHandshake()...)
	} else {
		ups = append(ups, c.processFrames()...)
	}

	if eof && c.state != StateClosed {
		kind := KindSockDisconnect
		if c.state == StateClosingLocal || c.state == StateClosingRemote {
			kind = KindDisconnect
		}
		c.logger.Debug().Stringer("state", c.state).Msg("peer went away")
		c.release()

		u := Update{Kind: kind, Conn: c}
		if kind == KindDisconnect {
			u.Code = c.disconnectCode()
		}
		ups = append(ups, u)
	}

	return ups
}

// processFrames decodes as many complete frames as the read buffer
// holds, and advances the state machine for each.
func (c *Conn) processFrames() []Update {
	var ups []Update

	for len(c.readBuf) > 0 && c.state != StateClosed {
		f, n, err := wire.Decode(c.readBuf)
		if err != nil {
			c.logger.Warn().Err(err).Msg("protocol error in incoming frame")
			return append(ups, c.failProtocol(wire.StatusProtocolError)...)
		}
		if f == nil {
			break // Need more bytes.
		}
		c.readBuf = c.readBuf[n:]

		// All frames sent from client to server must be masked.
		if !f.Masked {
			c.logger.Warn().Err(wire.ErrMaskRequired).Msg("protocol error in incoming frame")
			return append(ups, c.failProtocol(wire.StatusProtocolError)...)
		}

		switch f.Opcode {
		case wire.OpcodePing:
			c.logger.Debug().Int("length", len(f.Payload)).Msg("received ping")
			if c.closeCodeSent == 0 {
				c.enqueueFrame(&wire.Frame{Fin: true, Opcode: wire.OpcodePong, Payload: f.Payload}, false)
			}

		case wire.OpcodePong:
			c.logger.Debug().Int("length", len(f.Payload)).Msg("received pong")

		case wire.OpcodeClose:
			return append(ups, c.handleCloseFrame(f.Payload)...)

		default:
			ups = append(ups, c.handleDataFrame(f)...)
		}
	}

	return ups
}

// handleDataFrame feeds one data frame into the fragmented-message
// assembler, per https://datatracker.ietf.org/doc/html/rfc6455#section-5.4.
func (c *Conn) handleDataFrame(f *wire.Frame) []Update {
	if c.state != StateOpen {
		return nil // Discard data frames while closing.
	}

	inProgress := c.fragmentOpcode != wire.OpcodeContinuation
	if f.Opcode == wire.OpcodeContinuation && !inProgress {
		c.logger.Warn().Msg("continuation frame with nothing to continue")
		return c.failProtocol(wire.StatusProtocolError)
	}
	if f.Opcode != wire.OpcodeContinuation && inProgress {
		c.logger.Warn().Msg("new data frame in the middle of a fragmented message")
		return c.failProtocol(wire.StatusProtocolError)
	}

	c.fragmentBuf = append(c.fragmentBuf, f.Payload...)

	if !f.Fin {
		if f.Opcode != wire.OpcodeContinuation {
			c.fragmentOpcode = f.Opcode
		}
		return nil
	}

	op := f.Opcode
	if op == wire.OpcodeContinuation {
		op = c.fragmentOpcode
	}
	data := c.fragmentBuf
	c.fragmentOpcode = wire.OpcodeContinuation
	c.fragmentBuf = nil

	if op == wire.OpcodeText && !utf8.Valid(data) {
		c.logger.Warn().Msg("invalid UTF-8 in text message")
		return c.failProtocol(wire.StatusInvalidData)
	}

	c.logger.Debug().Stringer("opcode", op).Int("length", len(data)).Msg("received message")

	kind := KindRead
	if len(data) == 0 {
		kind = KindReadEmptyFrame
	}
	return []Update{{Kind: kind, Conn: c, Msg: &Message{Opcode: op, Data: data}}}
}

// handleCloseFrame advances the closing handshake when
// a Close control frame arrives from the peer.
func (c *Conn) handleCloseFrame(payload []byte) []Update {
	status, reason, ok := wire.ParseClosePayload(payload)
	c.closeCodeReceived = status
	c.logger.Debug().Stringer("close_status", status).Str("close_reason", reason).
		Msg("received close frame")

	switch c.state {
	case StateOpen:
		// Answer the peer's Close and flush it, then release.
		c.state = StateClosingRemote
		c.readBuf = nil // Nothing after a Close frame matters.

		var echo []byte
		switch {
		case !ok:
			// Deviant payload: echo the corrective code (1002 or 1007).
			c.closeCodeSent = status
			echo = wire.ClosePayload(status, "")
		case status == wire.StatusNotReceived:
			// Codeless Close is answered with a codeless Close.
		default:
			c.closeCodeSent = wire.StatusNormalClosure
			echo = wire.ClosePayload(wire.StatusNormalClosure, "")
		}
		c.enqueueFrame(&wire.Frame{Fin: true, Opcode: wire.OpcodeClose, Payload: echo}, true)
		return nil

	case StateClosingLocal:
		// The peer answered our Close: the handshake is complete.
		c.release()
		return []Update{{Kind: KindDisconnect, Conn: c, Code: c.disconnectCode()}}

	default:
		return nil
	}
}

// failProtocol initiates a local close in response to a protocol
// violation. Remaining unread input is discarded; the disconnect
// update surfaces when the closing handshake finishes.
func (c *Conn) failProtocol(status wire.StatusCode) []Update {
	c.readBuf = nil
	c.fragmentOpcode = wire.OpcodeContinuation
	c.fragmentBuf = nil
	c.sendClose(status, "")
	return nil
}

// sendClose enqueues a Close frame and starts the closing handshake.
// Calling it again after a Close was already sent is a no-op.
func (c *Conn) sendClose(status wire.StatusCode, reason string) {
	if c.closeCodeSent != 0 || c.state >= StateClosingRemote {
		return
	}

	c.closeCodeSent = status
	c.state = StateClosingLocal
	c.closeDeadline = time.Now().Add(c.srv.closeTimeout)
	c.enqueueFrame(&wire.Frame{
		Fin:     true,
		Opcode:  wire.OpcodeClose,
		Payload: wire.ClosePayload(status, reason),
	}, false)

	c.logger.Debug().Stringer("close_status", status).Msg("sent close frame")
}

// enqueueFrame encodes a frame and appends it to the write queue.
//
// A Close frame additionally drops every queued data frame (except one
// that already started writing): no data frame may follow a Close on
// the wire.
func (c *Conn) enqueueFrame(f *wire.Frame, closeAfter bool) {
	b, err := f.Encode()
	if err != nil {
		// Frames built by this package never violate encoding rules.
		c.logger.Err(err).Msg("dropped unencodable frame")
		return
	}

	if f.Opcode == wire.OpcodeClose {
		keep := c.writeQ[:0]
		for i, of := range c.writeQ {
			if (i == 0 && c.written > 0) || of.control {
				keep = append(keep, of)
			}
		}
		c.writeQ = append(keep, outFrame{data: b, control: true, closeAfter: closeAfter})
		return
	}

	c.enqueue(outFrame{data: b, control: f.Opcode.IsControl()})
}

// enqueue inserts one pending outbound unit, honoring control-frame
// priority: ahead of pending data frames, behind the partially-written
// head and behind earlier control frames.
func (c *Conn) enqueue(of outFrame) {
	if !of.control {
		c.writeQ = append(c.writeQ, of)
		return
	}

	i := 0
	if c.written > 0 {
		i = 1
	}
	for i < len(c.writeQ) && c.writeQ[i].control {
		i++
	}
	c.writeQ = slices.Insert(c.writeQ, i, of)
}

// HandleWrite implements [StreamContainer]: it flushes pending outbound
// bytes, bounded per tick, resuming a partially-written frame exactly
// where the previous tick left off.
func (c *Conn) HandleWrite() []Update {
	if c.state == StateClosed || len(c.writeQ) == 0 {
		return nil
	}

	var ups []Update
	budget := perTickBudget

	for budget > 0 && len(c.writeQ) > 0 {
		head := c.writeQ[0]
		end := min(len(head.data), c.written+budget)

		n, err := c.stream.Write(head.data[c.written:end])
		c.written += n
		budget -= n

		if errors.Is(err, stream.ErrWouldBlock) {
			return ups
		}
		if err != nil {
			c.logger.Err(err).Msg("stream write failed")
			c.release()
			return append(ups,
				Update{Kind: KindWriteFailed, Conn: c, Err: err},
				Update{Kind: KindSockDisconnect, Conn: c})
		}

		if c.written < len(head.data) {
			continue
		}

		c.writeQ = c.writeQ[1:]
		c.written = 0

		if head.closeAfter {
			c.release()
			return append(ups, Update{Kind: KindDisconnect, Conn: c, Code: c.disconnectCode()})
		}
	}

	if len(c.writeQ) == 0 {
		ups = append(ups, Update{Kind: KindWriteCompleted, Conn: c})
	}
	return ups
}

// HandleExceptional implements [StreamContainer]. Exceptional
// conditions (TCP urgent data) carry no WebSocket meaning.
func (c *Conn) HandleExceptional() []Update {
	c.logger.Warn().Msg("exceptional condition on stream")
	return nil
}

// Send enqueues one unfragmented data or control frame. Control frames
// are delivered ahead of pending data frames. The frame goes out on
// following event-loop ticks.
func (c *Conn) Send(op wire.Opcode, payload []byte) error {
	if c.state != StateOpen {
		return ErrNotOpen
	}

	f := &wire.Frame{Fin: true, Opcode: op, Payload: payload}
	b, err := f.Encode()
	if err != nil {
		return err
	}

	c.enqueue(outFrame{data: b, control: op.IsControl()})
	return nil
}

// Ping enqueues a Ping control frame, with control-frame priority.
func (c *Conn) Ping(payload []byte) error {
	return c.Send(wire.OpcodePing, payload)
}

// CloseWithStatus initiates the closing handshake: it enqueues a Close
// frame and awaits the peer's answer (bounded by the close timeout).
func (c *Conn) CloseWithStatus(status wire.StatusCode, reason string) error {
	if c.state != StateOpen {
		return ErrNotOpen
	}

	c.sendClose(status, reason)
	return nil
}

// Close hard-closes the connection: no Close frame is sent, the stream
// is released immediately. The peer observes a bare transport shutdown,
// which RFC 6455 treats as an abnormal closure.
func (c *Conn) Close() {
	if c.state == StateOpen {
		c.logger.Warn().Msg("hard close of an open connection")
	}
	c.release()
}

// disconnectCode resolves the close code to report with a disconnect
// update: the code of the Close frame this side sent (its own close, or
// its echo of the peer's), otherwise the peer's, otherwise 1006.
func (c *Conn) disconnectCode() wire.StatusCode {
	switch {
	case c.closeCodeSent != 0:
		return c.closeCodeSent
	case c.closeCodeReceived != 0:
		return c.closeCodeReceived
	default:
		return wire.StatusClosedAbnormally
	}
}

// release drains the connection's buffers and closes its stream.
// Idempotent: releasing twice is a silent no-op.
func (c *Conn) release() {
	if c.state == StateClosed {
		return
	}

	c.state = StateClosed
	c.readBuf = nil
	c.writeQ = nil
	c.written = 0
	c.fragmentOpcode = wire.OpcodeContinuation
	c.fragmentBuf = nil

	if c.stream != nil {
		_ = c.stream.Close()
	}
}
