package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tzrikka/cymbal/pkg/stream"
	"github.com/tzrikka/cymbal/pkg/wire"
)

// serverCount numbers server instances across the process,
// for the "instance" field of each server's log lines.
var serverCount atomic.Int64

// Config carries the construction parameters of a [Server].
// Use [DefaultConfig] as the starting point.
type Config struct {
	// Address to listen on ("tcp://host:port", "tls://host:port", or
	// "unix://path"). Empty = no listening endpoint: the server only
	// drives streams adopted with [Server.Adopt] (in-process pairs).
	Address string

	// AutoAccept makes the event loop accept pending connections
	// inline. When false, the loop surfaces [KindNewTCPConnAvailable]
	// and the host calls [Server.AcceptNewConnection] explicitly.
	AutoAccept bool

	// UseCrypto activates TLS: CertFile/KeyFile load at construction
	// time, and accepted streams are TLS-wrapped.
	UseCrypto bool
	CertFile  string
	KeyFile   string

	// ServerID is the identifier sent in the Server response header.
	// Empty = a generated one.
	ServerID string

	// Subprotocol is the single subprotocol name the handshake is
	// willing to echo. Empty = none.
	Subprotocol string

	AcceptTimeout    time.Duration
	HandshakeTimeout time.Duration
	CloseTimeout     time.Duration

	// Logger for the server and its connections. Nil = the global one.
	Logger *zerolog.Logger
}

// DefaultConfig returns the configuration an address-only server runs with.
func DefaultConfig() Config {
	return Config{
		AutoAccept:       true,
		AcceptTimeout:    DefaultAcceptTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		CloseTimeout:     DefaultCloseTimeout,
	}
}

// Server owns a listening endpoint (optional) and a table of
// connections, and multiplexes all of them through one event loop.
//
// A Server and everything it owns must be driven by a single goroutine.
type Server struct {
	id     string
	num    int64
	logger zerolog.Logger

	autoAccept  bool
	subprotocol string

	acceptTimeout    time.Duration
	handshakeTimeout time.Duration
	closeTimeout     time.Duration

	tlsConf   *tls.Config
	listener  *stream.Listener
	accepting *AcceptingConn

	conns     map[int]*Conn
	nextIndex int

	closed bool
}

// New creates a server, binding its listening endpoint if the
// configuration names an address. Bind, certificate, and address
// failures are initialization errors: the server is not created.
func New(cfg Config) (*Server, error) {
	s := &Server{
		id:               cfg.ServerID,
		num:              serverCount.Add(1),
		autoAccept:       cfg.AutoAccept,
		subprotocol:      cfg.Subprotocol,
		acceptTimeout:    cfg.AcceptTimeout,
		handshakeTimeout: cfg.HandshakeTimeout,
		closeTimeout:     cfg.CloseTimeout,
		conns:            map[int]*Conn{},
	}

	if s.id == "" {
		s.id = "cymbal-" + shortuuid.New()
	}
	if s.acceptTimeout <= 0 {
		s.acceptTimeout = DefaultAcceptTimeout
	}
	if s.handshakeTimeout <= 0 {
		s.handshakeTimeout = DefaultHandshakeTimeout
	}
	if s.closeTimeout <= 0 {
		s.closeTimeout = DefaultCloseTimeout
	}

	l := cfg.Logger
	if l == nil {
		l = &log.Logger
	}
	s.logger = l.With().Str("server", s.id).Int64("instance", s.num).Logger()

	if cfg.UseCrypto {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		s.tlsConf = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	if cfg.Address != "" {
		addr, err := stream.ParseAddr(cfg.Address, cfg.UseCrypto)
		if err != nil {
			return nil, err
		}
		if addr.Scheme == stream.SchemeUDG {
			return nil, fmt.Errorf("%w: datagram sockets cannot carry WebSocket streams", stream.ErrBadAddress)
		}
		if addr.Scheme == stream.SchemeTLS && s.tlsConf == nil {
			return nil, fmt.Errorf("%w: %q requires TLS credentials", stream.ErrBadAddress, cfg.Address)
		}

		s.listener, err = stream.Listen(addr)
		if err != nil {
			return nil, err
		}
		s.accepting = &AcceptingConn{srv: s, listener: s.listener}

		s.logger.Info().Stringer("address", s.listener.Addr()).Msg("listening")
	}

	return s, nil
}

// ID returns the server's identifier, as sent in the Server header.
func (s *Server) ID() string {
	return s.id
}

// Addr returns the bound listening address. Meaningful
// only for servers constructed with one.
func (s *Server) Addr() stream.Addr {
	if s.listener == nil {
		return stream.Addr{}
	}
	return s.listener.Addr()
}

// Connection looks up an owned connection by index.
func (s *Server) Connection(index int) (*Conn, bool) {
	c, ok := s.conns[index]
	return c, ok
}

// ConnectionCount returns the number of owned connections.
func (s *Server) ConnectionCount() int {
	return len(s.conns)
}

// containers lists the accepting endpoint (if any) and all owned
// connections, in deterministic index order.
func (s *Server) containers() []StreamContainer {
	cs := make([]StreamContainer, 0, len(s.conns)+1)
	if s.accepting != nil {
		cs = append(cs, s.accepting)
	}
	for _, i := range slices.Sorted(maps.Keys(s.conns)) {
		cs = append(cs, s.conns[i])
	}
	return cs
}

// Updates runs one tick of the event loop over the accepting endpoint
// and all connections, yielding updates as they occur. The timeout
// bounds the readiness wait: negative waits indefinitely, zero polls.
//
// Connections that reached their final state are dropped from the
// server's table as their last update is consumed.
func (s *Server) Updates(timeout time.Duration) iter.Seq[Update] {
	return func(yield func(Update) bool) {
		for u := range MultiUpdate(s.containers(), timeout) {
			stop := !yield(u)
			s.prune(u.Conn)
			if stop {
				return
			}
		}
	}
}

// prune forgets a connection once it reached its final state.
func (s *Server) prune(c *Conn) {
	if c != nil && c.state == StateClosed && s.conns[c.index] == c {
		delete(s.conns, c.index)
	}
}

// acceptPending accepts every connection currently pending on the
// listening endpoint, registering each in the handshake state.
func (s *Server) acceptPending() []Update {
	var ups []Update
	for {
		st, err := s.listener.Accept()
		if errors.Is(err, stream.ErrWouldBlock) {
			return ups
		}
		if err != nil {
			s.logger.Err(err).Msg("accept failed")
			return append(ups, Update{Kind: KindReadFailed, Err: err})
		}

		c, err := s.register(st)
		if err != nil {
			s.logger.Err(err).Msg("failed to register accepted stream")
			continue
		}
		s.logger.Debug().Int("conn", c.index).Str("remote_addr", c.remote).Msg("accepted connection")
		ups = append(ups, Update{Kind: KindNewTCPConn, Conn: c})
	}
}

// register wraps an accepted stream (TLS if configured) as a new
// connection under the next index.
func (s *Server) register(st stream.Stream) (*Conn, error) {
	if s.tlsConf != nil {
		var err error
		if st, err = stream.WrapTLS(st, s.tlsConf); err != nil {
			return nil, err
		}
	}

	c := newConn(s, st, s.nextIndex)
	s.conns[s.nextIndex] = c
	s.nextIndex++
	return c, nil
}

// AcceptNewConnection is the manual counterpart to auto-accept: it
// accepts one pending connection, waiting up to the accept timeout
// for one to arrive.
func (s *Server) AcceptNewConnection() (*Conn, error) {
	if s.listener == nil {
		return nil, ErrNoListener
	}

	st, err := s.listener.Accept()
	if errors.Is(err, stream.ErrWouldBlock) {
		ready, werr := stream.Wait([]int{s.listener.Fd()}, nil, nil, s.acceptTimeout)
		if werr != nil {
			return nil, werr
		}
		if !ready.Read[s.listener.Fd()] {
			return nil, fmt.Errorf("no connection within %s", s.acceptTimeout)
		}
		st, err = s.listener.Accept()
	}
	if err != nil {
		return nil, err
	}

	return s.register(st)
}

// Adopt registers an already-connected stream as a new connection in
// the handshake state. This is how servers without a listening
// endpoint (in-process pairs) gain connections.
func (s *Server) Adopt(st stream.Stream) (*Conn, error) {
	return s.register(st)
}

// DisconnectAll initiates the closing handshake on every open connection.
func (s *Server) DisconnectAll(status wire.StatusCode, reason string) {
	for _, c := range s.conns {
		if c.state == StateOpen {
			_ = c.CloseWithStatus(status, reason)
		}
	}
}

// RemoveConnection drops a connection from the server's table,
// hard-closing it first if it isn't closed yet. Removing a connection
// the server doesn't own is a programming error.
func (s *Server) RemoveConnection(c *Conn) error {
	if c == nil || s.conns[c.index] != c {
		return ErrNotOwned
	}

	if c.state != StateClosed {
		c.Close()
	}
	delete(s.conns, c.index)
	return nil
}

// ProcessDidFork must be called on both sides of a fork, before any
// further I/O. In the child (pid 0) it closes the child's copies of
// the parent's connections and disables listener-file cleanup, so the
// child's shutdown will not unlink the shared socket path. In the
// parent (pid != 0) it is a no-op.
func (s *Server) ProcessDidFork(pid int) {
	if pid != 0 {
		return
	}

	if s.listener != nil {
		s.listener.SuppressCleanup()
	}
	for _, c := range s.conns {
		c.release()
	}
	clear(s.conns)

	s.logger.Debug().Msg("forked child detached from parent connections")
}

// Close hard-closes every connection, then the accepting endpoint
// (honoring the cleanup flag). Closing twice is a silent no-op.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	for _, c := range s.conns {
		c.release()
	}
	clear(s.conns)

	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
