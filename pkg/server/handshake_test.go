package server

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tzrikka/cymbal/pkg/stream"
	"github.com/tzrikka/cymbal/pkg/wire"
)

// Sample values from https://datatracker.ietf.org/doc/html/rfc6455#section-1.3.
const (
	sampleKey    = "dGhlIHNhbXBsZSBub25jZQ=="
	sampleAccept = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	if cfg.ServerID == "" {
		cfg.ServerID = "cymbal-test"
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newTestConn adopts one end of an in-process stream pair as a
// server connection, and hands the test the peer end.
func newTestConn(t *testing.T) (*Server, *Conn, stream.Stream) {
	t.Helper()

	s := newTestServer(t, DefaultConfig())
	local, peer, err := stream.Pair()
	if err != nil {
		t.Fatalf("stream.Pair() error = %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })

	c, err := s.Adopt(local)
	if err != nil {
		t.Fatalf("Server.Adopt() error = %v", err)
	}
	return s, c, peer
}

func upgradeRequest(key string, extra ...string) []byte {
	var b strings.Builder
	b.WriteString("GET /chat HTTP/1.1\r\n")
	b.WriteString("Host: server.example.com\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Key: " + key + "\r\n")
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	for _, h := range extra {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

func peerWrite(t *testing.T, peer stream.Stream, b []byte) {
	t.Helper()

	for written := 0; written < len(b); {
		n, err := peer.Write(b[written:])
		if err != nil {
			t.Fatalf("peer write error = %v", err)
		}
		written += n
	}
}

// peerReadAll drains every byte the peer can currently read.
func peerReadAll(t *testing.T, peer stream.Stream) []byte {
	t.Helper()

	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := peer.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			if errors.Is(err, stream.ErrWouldBlock) {
				return out
			}
			return out // EOF after the server released the stream.
		}
	}
}

// openTestConn performs a complete opening handshake
// and returns an open connection.
func openTestConn(t *testing.T) (*Server, *Conn, stream.Stream) {
	t.Helper()

	s, c, peer := newTestConn(t)
	peerWrite(t, peer, upgradeRequest(sampleKey))

	ups := c.HandleRead()
	if len(ups) != 1 || ups[0].Kind != KindNewConnection {
		t.Fatalf("HandleRead() during handshake = %+v, want one new-connection update", ups)
	}

	c.HandleWrite()
	resp := string(peerReadAll(t, peer))
	if !strings.HasPrefix(resp, "HTTP/1.1 101 Switching Protocols\r\n") {
		t.Fatalf("handshake response = %q", resp)
	}

	return s, c, peer
}

func TestHandshakeAccept(t *testing.T) {
	_, c, peer := newTestConn(t)
	peerWrite(t, peer, upgradeRequest(sampleKey))

	ups := c.HandleRead()
	if len(ups) != 1 || ups[0].Kind != KindNewConnection || ups[0].Conn != c {
		t.Fatalf("HandleRead() = %+v, want one new-connection update", ups)
	}
	if c.State() != StateOpen {
		t.Errorf("state = %v, want open", c.State())
	}

	c.HandleWrite()
	resp := string(peerReadAll(t, peer))

	for _, want := range []string{
		"HTTP/1.1 101 Switching Protocols\r\n",
		"Upgrade: websocket\r\n",
		"Connection: Upgrade\r\n",
		"Sec-WebSocket-Accept: " + sampleAccept + "\r\n",
		"Server: cymbal-test\r\n",
	} {
		if !strings.Contains(resp, want) {
			t.Errorf("response %q is missing %q", resp, want)
		}
	}
}

// The handshake may arrive split across an arbitrary number of reads.
func TestHandshakePartialArrival(t *testing.T) {
	_, c, peer := newTestConn(t)
	req := upgradeRequest(sampleKey)

	for _, part := range [][]byte{req[:10], req[10:30], req[30:]} {
		if c.State() != StateAwaitingHandshake {
			t.Fatal("handshake completed prematurely")
		}
		peerWrite(t, peer, part)
		c.HandleRead()
	}

	if c.State() != StateOpen {
		t.Errorf("state = %v, want open", c.State())
	}
}

func TestHandshakeRejections(t *testing.T) {
	tests := []struct {
		name string
		req  []byte
	}{
		{
			name: "not_http",
			req:  []byte("definitely not HTTP\r\n\r\n"),
		},
		{
			name: "post_method",
			req:  bytes.Replace(upgradeRequest(sampleKey), []byte("GET"), []byte("POST"), 1),
		},
		{
			name: "missing_upgrade_header",
			req:  bytes.Replace(upgradeRequest(sampleKey), []byte("Upgrade: websocket\r\n"), nil, 1),
		},
		{
			name: "missing_connection_header",
			req:  bytes.Replace(upgradeRequest(sampleKey), []byte("Connection: Upgrade\r\n"), nil, 1),
		},
		{
			name: "wrong_version",
			req:  bytes.Replace(upgradeRequest(sampleKey), []byte("Version: 13"), []byte("Version: 8"), 1),
		},
		{
			name: "missing_key",
			req:  bytes.Replace(upgradeRequest(sampleKey), []byte("Sec-WebSocket-Key: "+sampleKey+"\r\n"), nil, 1),
		},
		{
			name: "key_not_16_bytes",
			req:  upgradeRequest("c2hvcnQ="),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c, peer := newTestConn(t)
			peerWrite(t, peer, tt.req)

			ups := c.HandleRead()
			if len(ups) != 1 || ups[0].Kind != KindHandshakeFailure {
				t.Fatalf("HandleRead() = %+v, want one handshake-failure update", ups)
			}
			if c.State() != StateClosed {
				t.Errorf("state = %v, want closed", c.State())
			}

			resp := string(peerReadAll(t, peer))
			if !strings.HasPrefix(resp, "HTTP/1.1 400 Bad Request\r\n") {
				t.Errorf("response = %q, want a 400 page", resp)
			}
			if !strings.Contains(resp, "Server: cymbal-test") {
				t.Errorf("response %q is missing the server identifier", resp)
			}
		})
	}
}

func TestHandshakeOversized(t *testing.T) {
	_, c, peer := newTestConn(t)

	// Headers that never end.
	junk := []byte("GET / HTTP/1.1\r\n")
	for len(junk) < 9000 {
		junk = append(junk, []byte("X-Padding: "+strings.Repeat("x", 80)+"\r\n")...)
	}
	peerWrite(t, peer, junk[:9000])

	ups := c.HandleRead()
	if len(ups) != 1 || ups[0].Kind != KindHandshakeFailure {
		t.Fatalf("HandleRead() = %+v, want one handshake-failure update", ups)
	}

	resp := string(peerReadAll(t, peer))
	if !strings.HasPrefix(resp, "HTTP/1.1 413 ") {
		t.Errorf("response = %q, want a 413 page", resp)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	_, c, _ := newTestConn(t)

	if ups := c.BeforeSelect(c.handshakeDeadline.Add(-time.Second)); len(ups) != 0 {
		t.Fatalf("BeforeSelect() before the deadline = %+v, want none", ups)
	}

	ups := c.BeforeSelect(c.handshakeDeadline.Add(time.Second))
	if len(ups) != 1 || ups[0].Kind != KindHandshakeTimeout {
		t.Fatalf("BeforeSelect() after the deadline = %+v, want one handshake-timeout update", ups)
	}
	if c.State() != StateClosed {
		t.Errorf("state = %v, want closed", c.State())
	}
}

func TestHandshakeSubprotocolEcho(t *testing.T) {
	s := newTestServer(t, func() Config {
		cfg := DefaultConfig()
		cfg.Subprotocol = "chat.v2"
		return cfg
	}())

	local, peer, err := stream.Pair()
	if err != nil {
		t.Fatalf("stream.Pair() error = %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })

	c, err := s.Adopt(local)
	if err != nil {
		t.Fatalf("Server.Adopt() error = %v", err)
	}

	peerWrite(t, peer, upgradeRequest(sampleKey, "Sec-WebSocket-Protocol: chat.v1, chat.v2"))
	c.HandleRead()
	c.HandleWrite()

	resp := string(peerReadAll(t, peer))
	if !strings.Contains(resp, "Sec-WebSocket-Protocol: chat.v2\r\n") {
		t.Errorf("response %q is missing the echoed subprotocol", resp)
	}
}

// Frames the client sent right behind its upgrade request
// must not be lost.
func TestHandshakePipelinedFrame(t *testing.T) {
	_, c, peer := newTestConn(t)

	f := &wire.Frame{Fin: true, Opcode: wire.OpcodeText, Masked: true,
		Key: [4]byte{1, 2, 3, 4}, Payload: []byte("early")}
	frame, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	peerWrite(t, peer, append(upgradeRequest(sampleKey), frame...))

	ups := c.HandleRead()
	if len(ups) != 2 {
		t.Fatalf("HandleRead() yielded %d updates, want 2: %+v", len(ups), ups)
	}
	if ups[0].Kind != KindNewConnection {
		t.Errorf("first update = %v, want new connection", ups[0].Kind)
	}
	if ups[1].Kind != KindRead || string(ups[1].Msg.Data) != "early" {
		t.Errorf("second update = %+v, want the pipelined message", ups[1])
	}
}

func TestErrorPage(t *testing.T) {
	page := string(errorPage("cymbal-test", 400))

	for _, want := range []string{
		"HTTP/1.1 400 Bad Request\r\n",
		"Content-Type: text/html",
		"<h1>400 Bad Request</h1>",
		"<address>cymbal-test</address>",
	} {
		if !strings.Contains(page, want) {
			t.Errorf("errorPage() = %q, missing %q", page, want)
		}
	}

	// The declared length must match the actual body.
	_, body, found := strings.Cut(page, "\r\n\r\n")
	if !found {
		t.Fatal("errorPage() has no header/body separator")
	}
	if want := fmt.Sprintf("Content-Length: %d\r\n", len(body)); !strings.Contains(page, want) {
		t.Errorf("errorPage() is missing %q", want)
	}
}
