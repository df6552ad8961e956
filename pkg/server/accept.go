package server

import (
	"time"

	"github.com/tzrikka/cymbal/pkg/stream"
)

// DefaultAcceptTimeout bounds how long [Server.AcceptNewConnection]
// waits for a pending connection.
const DefaultAcceptTimeout = 5 * time.Second

// AcceptingConn wraps the listening endpoint as a [StreamContainer],
// so it participates in the same readiness loop as data connections.
//
// It only detects readiness; the accept logic itself lives in [Server].
type AcceptingConn struct {
	srv      *Server
	listener *stream.Listener
}

// Fd implements [StreamContainer].
func (a *AcceptingConn) Fd() int {
	return a.listener.Fd()
}

// Live implements [StreamContainer].
func (a *AcceptingConn) Live() bool {
	return a.listener.Fd() >= 0
}

// WriteBufferEmpty implements [StreamContainer].
// A listening endpoint never has outbound bytes.
func (a *AcceptingConn) WriteBufferEmpty() bool {
	return true
}

// BeforeSelect implements [StreamContainer].
func (a *AcceptingConn) BeforeSelect(time.Time) []Update {
	return nil
}

// HandleRead implements [StreamContainer]: a read-ready listener has
// pending connections. With auto-accept they are accepted inline;
// otherwise the host is told to call [Server.AcceptNewConnection].
func (a *AcceptingConn) HandleRead() []Update {
	if !a.srv.autoAccept {
		return []Update{{Kind: KindNewTCPConnAvailable}}
	}
	return a.srv.acceptPending()
}

// HandleWrite implements [StreamContainer]. Invoking it
// on a listening endpoint is a programming error.
func (a *AcceptingConn) HandleWrite() []Update {
	panic("server: HandleWrite invoked on an accepting connection")
}

// HandleExceptional implements [StreamContainer]. Invoking it
// on a listening endpoint is a programming error.
func (a *AcceptingConn) HandleExceptional() []Update {
	panic("server: HandleExceptional invoked on an accepting connection")
}
