// Package stream provides the transport layer for readiness-driven
// endpoints: address parsing, non-blocking file-descriptor streams,
// stream and datagram listeners, and a poll(2)-based readiness waiter.
//
// All I/O primitives in this package are non-blocking: reads, writes,
// and accepts return [ErrWouldBlock] instead of blocking, so a single
// goroutine can drive many streams through [Wait].
package stream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Scheme identifies the transport protocol of an [Addr].
type Scheme string

const (
	SchemeTCP  Scheme = "tcp"
	SchemeTLS  Scheme = "tls"
	SchemeUnix Scheme = "unix" // Filesystem socket, stream-oriented.
	SchemeUDG  Scheme = "udg"  // Filesystem socket, datagram-oriented.
)

// Default ports for schemeless TCP addresses.
const (
	defaultPortPlain  = 80
	defaultPortCrypto = 443
)

var ErrBadAddress = errors.New("stream: bad address")

// Addr is a parsed endpoint address of the form "protocol://host:port"
// (for tcp/tls) or "protocol://path" (for unix/udg).
type Addr struct {
	Scheme Scheme
	Host   string // tcp/tls only.
	Port   int    // tcp/tls only.
	Path   string // unix/udg only.
}

// ParseAddr parses "protocol://host:port" where the protocol is one of
// tcp, tls, unix, or udg. A bare "host" or "host:port" with no scheme
// defaults to tcp, or to tls when the caller has TLS credentials
// configured (crypto = true). A tcp/tls address without a port gets
// port 80 (tcp) or 443 (tls).
func ParseAddr(s string, crypto bool) (Addr, error) {
	if s == "" {
		return Addr{}, fmt.Errorf("%w: empty", ErrBadAddress)
	}

	scheme, rest, found := strings.Cut(s, "://")
	if !found {
		rest = s
		scheme = string(SchemeTCP)
		if crypto {
			scheme = string(SchemeTLS)
		}
	}

	switch Scheme(scheme) {
	case SchemeUnix, SchemeUDG:
		if rest == "" {
			return Addr{}, fmt.Errorf("%w: %q has no socket path", ErrBadAddress, s)
		}
		return Addr{Scheme: Scheme(scheme), Path: rest}, nil

	case SchemeTCP, SchemeTLS:
		a := Addr{Scheme: Scheme(scheme)}

		host, port, found := strings.Cut(rest, ":")
		if !found {
			a.Host = rest
			a.Port = defaultPortPlain
			if a.Scheme == SchemeTLS {
				a.Port = defaultPortCrypto
			}
			return a, nil
		}

		p, err := strconv.Atoi(port)
		if err != nil || p < 0 || p > 65535 {
			return Addr{}, fmt.Errorf("%w: %q has an invalid port", ErrBadAddress, s)
		}

		a.Host = host
		a.Port = p
		return a, nil

	default:
		return Addr{}, fmt.Errorf("%w: unknown protocol %q", ErrBadAddress, scheme)
	}
}

// IsFilesystem reports whether the address refers to a filesystem socket.
func (a Addr) IsFilesystem() bool {
	return a.Scheme == SchemeUnix || a.Scheme == SchemeUDG
}

// String formats the address back into "protocol://..." form.
func (a Addr) String() string {
	if a.IsFilesystem() {
		return string(a.Scheme) + "://" + a.Path
	}
	return fmt.Sprintf("%s://%s:%d", a.Scheme, a.Host, a.Port)
}
