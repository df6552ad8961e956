package stream

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const listenBacklog = 128

// socketDirPerms is the mode of socket parent
// directories created on demand by [Listen].
const socketDirPerms = 0o770

// ErrNotStream is returned when accepting on a
// datagram (udg) listener, which has no connections.
var ErrNotStream = errors.New("stream: listener is not stream-oriented")

// Listener is a non-blocking listening socket bound to an [Addr].
type Listener struct {
	fd   int
	addr Addr

	// cleanup controls whether closing a filesystem listener unlinks
	// its socket file. Disabled in forked children, where the parent
	// retains ownership of the path.
	cleanup bool
}

// Listen binds a non-blocking listening socket for the given address.
//
// For filesystem addresses it unlinks a stale socket file (with a
// warning) and creates the parent directory if absent. For tcp/tls
// it binds a TCP socket with SO_REUSEADDR.
func Listen(addr Addr) (*Listener, error) {
	l := &Listener{fd: -1, addr: addr, cleanup: addr.IsFilesystem()}

	var err error
	if addr.IsFilesystem() {
		err = l.listenFilesystem()
	} else {
		err = l.listenTCP()
	}
	if err != nil {
		return nil, err
	}

	if err := unix.SetNonblock(l.fd, true); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to set listener non-blocking: %w", err)
	}

	return l, nil
}

func (l *Listener) listenTCP() error {
	ip := net.IPv4zero
	if l.addr.Host != "" {
		if ip = net.ParseIP(l.addr.Host); ip == nil {
			return fmt.Errorf("%w: %q is not an IP address", ErrBadAddress, l.addr.Host)
		}
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return fmt.Errorf("%w: %q is not an IPv4 address", ErrBadAddress, l.addr.Host)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("failed to create TCP socket: %w", err)
	}
	l.fd = fd

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = l.Close()
		return fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: l.addr.Port}
	copy(sa.Addr[:], ip4)
	if err := unix.Bind(fd, sa); err != nil {
		_ = l.Close()
		return fmt.Errorf("failed to bind %s: %w", l.addr, err)
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = l.Close()
		return fmt.Errorf("failed to listen on %s: %w", l.addr, err)
	}

	return nil
}

func (l *Listener) listenFilesystem() error {
	path := l.addr.Path

	if _, err := os.Stat(path); err == nil {
		log.Warn().Str("path", path).Msg("removing stale socket file")
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove stale socket file: %w", err)
		}
	}

	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dir, socketDirPerms); err != nil {
			return fmt.Errorf("failed to create socket directory: %w", err)
		}
	}

	typ := unix.SOCK_STREAM
	if l.addr.Scheme == SchemeUDG {
		typ = unix.SOCK_DGRAM
	}

	fd, err := unix.Socket(unix.AF_UNIX, typ, 0)
	if err != nil {
		return fmt.Errorf("failed to create filesystem socket: %w", err)
	}
	l.fd = fd

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = l.Close()
		return fmt.Errorf("failed to bind %s: %w", l.addr, err)
	}

	if l.addr.Scheme == SchemeUnix {
		if err := unix.Listen(fd, listenBacklog); err != nil {
			_ = l.Close()
			return fmt.Errorf("failed to listen on %s: %w", l.addr, err)
		}
	}

	return nil
}

// Fd returns the listening descriptor, or -1 after Close.
func (l *Listener) Fd() int {
	return l.fd
}

// Addr returns the bound address. For "tcp://host:0" the
// port is the one the kernel actually assigned.
func (l *Listener) Addr() Addr {
	if l.fd < 0 || l.addr.IsFilesystem() || l.addr.Port != 0 {
		return l.addr
	}

	a := l.addr
	if sa, err := unix.Getsockname(l.fd); err == nil {
		if in4, ok := sa.(*unix.SockaddrInet4); ok {
			a.Port = in4.Port
		}
	}
	return a
}

// Accept accepts one pending connection as a non-blocking [Stream].
// It returns [ErrWouldBlock] when no connection is pending.
func (l *Listener) Accept() (Stream, error) {
	if l.fd < 0 {
		return nil, net.ErrClosed
	}
	if l.addr.Scheme == SchemeUDG {
		return nil, ErrNotStream
	}

	for {
		fd, sa, err := unix.Accept(l.fd)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil, ErrWouldBlock
		case err != nil:
			return nil, fmt.Errorf("accept: %w", err)
		}

		s, err := NewStream(fd, sockaddrString(sa))
		if err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
		return s, nil
	}
}

// SuppressCleanup disables unlinking the socket file when the listener
// closes. Used in forked children: the parent retains ownership of the
// filesystem path.
func (l *Listener) SuppressCleanup() {
	l.cleanup = false
}

// Close closes the listening socket, unlinking the socket file of a
// filesystem listener unless cleanup was suppressed. Closing twice
// is a silent no-op.
func (l *Listener) Close() error {
	if l.fd < 0 {
		return nil
	}

	fd := l.fd
	l.fd = -1
	err := unix.Close(fd)

	if l.addr.IsFilesystem() && l.cleanup {
		if rmErr := os.Remove(l.addr.Path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Warn().Err(rmErr).Str("path", l.addr.Path).Msg("failed to remove socket file")
		}
	}

	return err
}

// Pair returns two connected non-blocking streams, for in-process
// servers and tests that run without a listening endpoint.
func Pair() (Stream, Stream, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}

	a, err := NewStream(fds[0], "pair:0")
	if err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, nil, err
	}

	b, err := NewStream(fds[1], "pair:1")
	if err != nil {
		_ = a.Close()
		_ = unix.Close(fds[1])
		return nil, nil, err
	}

	return a, b, nil
}
