package stream

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
)

// tlsIOGrace bounds each TLS read/write attempt. The event loop only
// calls into a TLS stream after the descriptor reported readiness, so
// the deadline trips only when a TLS record is still incomplete.
const tlsIOGrace = 250 * time.Millisecond

// tlsStream adapts a server-side [tls.Conn] to the [Stream] contract.
//
// The TLS record layer cannot run on a raw descriptor, so the accepted
// socket is re-wrapped as a [net.Conn]. Non-blocking semantics are
// approximated with short per-call deadlines: a deadline that trips is
// reported as [ErrWouldBlock], and the handshake resumes on the next
// readiness tick.
type tlsStream struct {
	conn   *tls.Conn
	fd     int
	remote string
}

// WrapTLS layers server-side TLS over an accepted stream. The input
// stream's descriptor is duplicated into a [net.Conn] and must no
// longer be used directly; its original descriptor is closed.
func WrapTLS(s Stream, cfg *tls.Config) (Stream, error) {
	f := os.NewFile(uintptr(s.Fd()), "tls-stream")
	if f == nil {
		return nil, errors.New("stream: invalid descriptor for TLS")
	}

	nc, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to re-wrap socket for TLS: %w", err)
	}

	remote := s.RemoteAddr()
	_ = s.Close() // The net.Conn holds a duplicate descriptor.

	fd := -1
	if sc, ok := nc.(syscall.Conn); ok {
		if rc, err := sc.SyscallConn(); err == nil {
			_ = rc.Control(func(rawFd uintptr) { fd = int(rawFd) })
		}
	}
	if fd < 0 {
		_ = nc.Close()
		return nil, errors.New("stream: cannot obtain descriptor of TLS-wrapped socket")
	}

	return &tlsStream{conn: tls.Server(nc, cfg), fd: fd, remote: remote}, nil
}

func (s *tlsStream) Fd() int {
	return s.fd
}

func (s *tlsStream) RemoteAddr() string {
	return s.remote
}

func (s *tlsStream) Read(p []byte) (int, error) {
	if s.fd < 0 {
		return 0, net.ErrClosed
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(tlsIOGrace))
	n, err := s.conn.Read(p)
	return n, mapTimeout(err)
}

func (s *tlsStream) Write(p []byte) (int, error) {
	if s.fd < 0 {
		return 0, net.ErrClosed
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(tlsIOGrace))
	n, err := s.conn.Write(p)
	if n > 0 && isTimeout(err) {
		return n, nil
	}
	return n, mapTimeout(err)
}

func (s *tlsStream) Close() error {
	if s.fd < 0 {
		return nil
	}

	s.fd = -1
	return s.conn.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func mapTimeout(err error) error {
	if isTimeout(err) {
		return ErrWouldBlock
	}
	return err
}
