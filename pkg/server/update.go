// Package server implements a readiness-driven WebSocket endpoint:
// it performs RFC 6455 opening handshakes over incoming byte streams
// and multiplexes many concurrent sessions through a single-threaded
// cooperative event loop.
//
// The host drives the loop by iterating [Server.Updates] (or
// [MultiUpdate] directly) and reacting to the yielded [Update] events.
// The loop never blocks on user code; the only suspension point is the
// bounded readiness wait inside the multiplexer.
package server

import (
	"strconv"

	"github.com/tzrikka/cymbal/pkg/wire"
)

// Kind tags an [Update] event surfaced to the host.
type Kind int

const (
	// Read-side events.

	// KindNewTCPConnAvailable: a connection is pending on the listening
	// endpoint and auto-accept is disabled; the host must call
	// [Server.AcceptNewConnection] explicitly.
	KindNewTCPConnAvailable Kind = iota + 1
	// KindNewTCPConn: a connection was accepted and is
	// awaiting its opening handshake.
	KindNewTCPConn
	// KindNewConnection: the opening handshake completed
	// and the connection is open.
	KindNewConnection
	// KindRead: a complete (defragmented) data message is ready.
	KindRead
	// KindReadEmptyFrame: a complete data message with an empty payload.
	KindReadEmptyFrame
	// KindDisconnect: the closing handshake finished (or the peer
	// left it unanswered past the close timeout, or went away during
	// it) and the connection reached its final state.
	KindDisconnect
	// KindSockDisconnect: the peer disappeared (EOF or reset)
	// without a closing handshake.
	KindSockDisconnect
	// KindHandshakeFailure: the opening handshake was malformed
	// or oversized; an HTTP error page was sent.
	KindHandshakeFailure
	// KindHandshakeTimeout: the opening handshake did
	// not complete within the deadline.
	KindHandshakeTimeout

	// Write-side events.

	// KindWriteCompleted: the connection's write queue fully drained.
	KindWriteCompleted
	// KindWriteFailed: an outbound write failed; the connection is closed.
	KindWriteFailed

	// Loop-level errors.

	// KindSelectFailed: the readiness wait itself failed. The host may retry.
	KindSelectFailed
	// KindReadFailed: a per-stream read failed with a transport error.
	KindReadFailed
)

// String returns the kind's name, or its number if it's unrecognized.
func (k Kind) String() string {
	switch k {
	case KindNewTCPConnAvailable:
		return "new TCP connection available"
	case KindNewTCPConn:
		return "new TCP connection"
	case KindNewConnection:
		return "new connection"
	case KindRead:
		return "read"
	case KindReadEmptyFrame:
		return "read empty frame"
	case KindDisconnect:
		return "disconnect"
	case KindSockDisconnect:
		return "socket disconnect"
	case KindHandshakeFailure:
		return "handshake failure"
	case KindHandshakeTimeout:
		return "handshake timeout"
	case KindWriteCompleted:
		return "write completed"
	case KindWriteFailed:
		return "write failed"
	case KindSelectFailed:
		return "select failed"
	case KindReadFailed:
		return "read failed"
	default:
		return strconv.Itoa(int(k))
	}
}

// IsRead reports whether the kind is a read-side event.
func (k Kind) IsRead() bool {
	return k >= KindNewTCPConnAvailable && k <= KindHandshakeTimeout
}

// IsWrite reports whether the kind is a write-side event.
func (k Kind) IsWrite() bool {
	return k == KindWriteCompleted || k == KindWriteFailed
}

// IsError reports whether the kind is a loop-level error.
func (k Kind) IsError() bool {
	return k == KindSelectFailed || k == KindReadFailed
}

// Message is a complete WebSocket data message: the payload of one
// or more (defragmented) data frames, and the opcode of the first.
type Message struct {
	Opcode wire.Opcode
	Data   []byte
}

// Update is one event surfaced to the host consumer of the event loop.
type Update struct {
	Kind Kind

	// Conn is the connection the event belongs to.
	// Nil for loop-level and listener-level events.
	Conn *Conn

	// Msg carries the message of [KindRead] and [KindReadEmptyFrame].
	Msg *Message

	// Code is the close code of [KindDisconnect]: the code of the
	// Close frame this side sent (including its echo of the peer's
	// Close), otherwise the code received from the peer.
	Code wire.StatusCode

	// Err details failure events.
	Err error
}
