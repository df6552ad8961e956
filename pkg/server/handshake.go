package server

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tzrikka/cymbal/pkg/wire"
)

// Handshake validation errors, per
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.1.
var (
	errBadMethod     = errors.New("handshake request method is not GET")
	errBadUpgrade    = errors.New("missing or invalid Upgrade header")
	errBadConnection = errors.New("missing or invalid Connection header")
	errBadVersion    = errors.New("unsupported Sec-WebSocket-Version")
	errBadKey        = errors.New("missing or invalid Sec-WebSocket-Key")
)

// processHandshake advances the opening handshake with whatever bytes
// the read buffer holds. It emits nothing until the HTTP head is
// complete, then either opens the connection or fails it with an
// HTTP error page.
func (c *Conn) processHandshake() []Update {
	idx := bytes.Index(c.readBuf, []byte("\r\n\r\n"))
	if idx < 0 {
		if len(c.readBuf) >= MaxHandshakeBytes {
			c.logger.Warn().Int("length", len(c.readBuf)).Msg("oversized handshake request")
			return c.failHandshake(http.StatusRequestEntityTooLarge, errors.New("handshake byte cap reached"))
		}
		return nil // Need more bytes.
	}

	head := c.readBuf[:idx+4]
	c.readBuf = bytes.Clone(c.readBuf[idx+4:]) // Frames the client pipelined.

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		c.logger.Warn().Err(err).Msg("malformed handshake request")
		return c.failHandshake(http.StatusBadRequest, err)
	}

	key, err := validateUpgrade(req)
	if err != nil {
		c.logger.Warn().Err(err).Msg("invalid handshake request")
		return c.failHandshake(http.StatusBadRequest, err)
	}

	c.enqueue(outFrame{data: c.handshakeResponse(req, key), control: true})
	c.state = StateOpen
	c.logger.Info().Str("path", req.URL.Path).Msg("handshake completed")

	ups := []Update{{Kind: KindNewConnection, Conn: c}}
	if len(c.readBuf) > 0 {
		ups = append(ups, c.processFrames()...)
	}
	return ups
}

// failHandshake rejects the opening handshake: it sends an HTTP error
// page inline (best-effort: the socket's send buffer is empty this
// early in a connection's life) and releases the stream.
func (c *Conn) failHandshake(status int, reason error) []Update {
	page := errorPage(c.srv.id, status)
	for written := 0; written < len(page); {
		n, err := c.stream.Write(page[written:])
		if err != nil {
			break
		}
		written += n
	}

	c.release()
	return []Update{{Kind: KindHandshakeFailure, Conn: c, Err: reason}}
}

// validateUpgrade checks the client request details in
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.1,
// and returns the value of its Sec-WebSocket-Key header.
func validateUpgrade(req *http.Request) (string, error) {
	if req.Method != http.MethodGet {
		return "", fmt.Errorf("%w: %s", errBadMethod, req.Method)
	}

	if !headerContainsToken(req.Header.Get("Upgrade"), "websocket") {
		return "", errBadUpgrade
	}

	if !headerContainsToken(req.Header.Get("Connection"), "upgrade") {
		return "", errBadConnection
	}

	if v := req.Header.Get("Sec-WebSocket-Version"); v != "13" {
		return "", fmt.Errorf("%w: %q", errBadVersion, v)
	}

	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return "", errBadKey
	}
	if b, err := base64.StdEncoding.DecodeString(key); err != nil || len(b) != 16 {
		return "", fmt.Errorf("%w: %q", errBadKey, key)
	}

	return key, nil
}

// headerContainsToken reports whether a comma-separated header
// value contains the given token, case-insensitively.
func headerContainsToken(header, token string) bool {
	for t := range strings.SplitSeq(header, ",") {
		if strings.EqualFold(strings.TrimSpace(t), token) {
			return true
		}
	}
	return false
}

// handshakeResponse constructs the server response defined in
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2.
func (c *Conn) handshakeResponse(req *http.Request, key string) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + wire.AcceptToken(key) + "\r\n")
	b.WriteString("Server: " + c.srv.id + "\r\n")

	// Subprotocol negotiation is limited to echoing the server's one
	// configured name, if the client offered it.
	if p := c.srv.subprotocol; p != "" {
		if headerContainsToken(req.Header.Get("Sec-WebSocket-Protocol"), p) {
			b.WriteString("Sec-WebSocket-Protocol: " + p + "\r\n")
		}
	}

	b.WriteString("\r\n")
	return []byte(b.String())
}
