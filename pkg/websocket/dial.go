package websocket

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tzrikka/cymbal/internal/logger"
	"github.com/tzrikka/cymbal/pkg/wire"
)

type DialOpt func(*Conn)

// WithHTTPClient makes [Dial] send its handshake request with a custom
// [http.Client] instead of [http.DefaultClient]. The client must not
// carry a timeout: it would tear down the long-lived connection, not
// just the handshake. Bound the handshake with the [context.Context]
// passed to [Dial] instead.
func WithHTTPClient(hc *http.Client) DialOpt {
	return func(c *Conn) {
		c.client = hc
	}
}

// WithHTTPHeader adds one HTTP header to the handshake request,
// e.g. for authorization.
func WithHTTPHeader(key, value string) DialOpt {
	return func(c *Conn) {
		c.headers.Add(key, value)
	}
}

// Dial performs a [WebSocket handshake] to establish
// a connection to the given URL ("ws://..." or "wss://").
//
// [WebSocket handshake]: https://datatracker.ietf.org/doc/html/rfc6455#section-4.1
func Dial(ctx context.Context, wsURL string, opts ...DialOpt) (*Conn, error) {
	c := &Conn{
		logger:   logger.FromContext(ctx),
		headers:  http.Header{},
		nonceGen: rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = http.DefaultClient
	}
	c.client = upgradeAware(c.client)

	key, err := newHandshakeKey(c.nonceGen)
	if err != nil {
		return nil, err
	}

	req, err := c.upgradeRequest(ctx, wsURL, key)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send WebSocket handshake request: %w", err)
	}
	if err := verifyUpgrade(resp, key); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}

	// The body of a 101 response doubles as the raw connection.
	rwc, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		return nil, fmt.Errorf("WebSocket handshake response body type: got %T, want io.ReadWriteCloser", resp.Body)
	}
	c.rwc = rwc

	c.logger.Debug("WebSocket connection initialized")
	return c, nil
}

// upgradeAware returns a shallow copy of the HTTP client whose redirect
// handling rewrites ws/wss URL schemes to http/https.
func upgradeAware(hc *http.Client) *http.Client {
	c := *hc
	next := c.CheckRedirect
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if u, err := httpURL(req.URL.String()); err == nil {
			*req.URL = *u
		}
		if next != nil {
			return next(req, via)
		}
		return nil
	}
	return &c
}

// httpURL maps a WebSocket URL to the HTTP URL the
// handshake request is sent to.
func httpURL(wsURL string) (*url.URL, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse WebSocket URL: %w", err)
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
		// Already usable as-is.
	default:
		return nil, fmt.Errorf("unexpected WebSocket URL scheme: %q", u.Scheme)
	}

	return u, nil
}

// newHandshakeKey generates the Sec-WebSocket-Key value: a randomly
// selected 16-byte nonce, Base64-encoded. It MUST be selected
// randomly for each connection.
func newHandshakeKey(r io.Reader) (string, error) {
	nonce := make([]byte, 16)
	if _, err := io.ReadFull(r, nonce); err != nil {
		return "", fmt.Errorf("failed to generate WebSocket handshake key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(nonce), nil
}

// upgradeRequest implements the client side of
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.1.
func (c *Conn) upgradeRequest(ctx context.Context, wsURL, key string) (*http.Request, error) {
	u, err := httpURL(wsURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebSocket handshake request: %w", err)
	}

	req.Header = c.headers.Clone()
	for k, v := range map[string]string{
		"Upgrade":               "websocket",
		"Connection":            "Upgrade",
		"Sec-WebSocket-Key":     key,
		"Sec-WebSocket-Version": "13",
	} {
		req.Header.Set(k, v)
	}

	return req, nil
}

// verifyUpgrade checks the server's answer per
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2:
// a 101 status, the upgrade headers, and the accept token
// derived from our key.
func verifyUpgrade(resp *http.Response, key string) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		msg := fmt.Sprintf("WebSocket handshake response status: got %d, want %d",
			resp.StatusCode, http.StatusSwitchingProtocols)

		if body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024)); len(body) > 0 {
			msg = fmt.Sprintf("%s (%s)", msg, body)
		}
		return fmt.Errorf("%s", msg)
	}

	for _, h := range []struct{ key, want string }{
		{"Upgrade", "websocket"},
		{"Connection", "Upgrade"},
		{"Sec-WebSocket-Accept", wire.AcceptToken(key)},
	} {
		if got := resp.Header.Get(h.key); !strings.EqualFold(got, h.want) {
			return fmt.Errorf("WebSocket handshake response header %q: got %q, want %q", h.key, got, h.want)
		}
	}

	return nil
}
