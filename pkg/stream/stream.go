package stream

import (
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by non-blocking operations
// that cannot make progress right now. Callers should
// wait for readiness (see [Wait]) and retry.
var ErrWouldBlock = errors.New("stream: operation would block")

// Stream is a non-blocking byte-duplex handle, driven by readiness.
//
// Read and Write never block: they transfer as many bytes as the
// kernel accepts and return [ErrWouldBlock] when no progress is
// possible. Close is idempotent; closing twice is a silent no-op.
type Stream interface {
	// Fd returns the file descriptor to register with [Wait],
	// or -1 after the stream has been closed.
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	RemoteAddr() string
}

// fdStream is a [Stream] over a raw non-blocking socket descriptor.
type fdStream struct {
	fd     int
	remote string
}

// NewStream wraps an already-connected socket descriptor as a [Stream],
// switching it to non-blocking mode.
func NewStream(fd int, remote string) (Stream, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("failed to set socket non-blocking: %w", err)
	}
	return &fdStream{fd: fd, remote: remote}, nil
}

func (s *fdStream) Fd() int {
	return s.fd
}

func (s *fdStream) RemoteAddr() string {
	return s.remote
}

// Read reads whatever bytes the kernel has buffered, up to len(p).
// A peer that closed its end yields [io.EOF].
func (s *fdStream) Read(p []byte) (int, error) {
	if s.fd < 0 {
		return 0, net.ErrClosed
	}

	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		case err != nil:
			return 0, fmt.Errorf("read: %w", err)
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		default:
			return n, nil
		}
	}
}

// Write writes as many bytes as the kernel accepts, possibly fewer
// than len(p). It reports the number of bytes written even when the
// remainder would block.
func (s *fdStream) Write(p []byte) (int, error) {
	if s.fd < 0 {
		return 0, net.ErrClosed
	}

	written := 0
	for written < len(p) {
		n, err := unix.Write(s.fd, p[written:])
		if n > 0 {
			written += n
		}
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if written > 0 {
				return written, nil
			}
			return 0, ErrWouldBlock
		case err != nil:
			return written, fmt.Errorf("write: %w", err)
		}
	}
	return written, nil
}

func (s *fdStream) Close() error {
	if s.fd < 0 {
		return nil
	}

	fd := s.fd
	s.fd = -1
	return unix.Close(fd)
}

// sockaddrString formats a kernel socket address for logging
// and peer identification.
func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), fmt.Sprintf("%d", a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), fmt.Sprintf("%d", a.Port))
	case *unix.SockaddrUnix:
		if a.Name == "" {
			return "unix:@"
		}
		return "unix:" + a.Name
	default:
		return "unknown"
	}
}
