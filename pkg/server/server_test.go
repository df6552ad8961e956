package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tzrikka/cymbal/pkg/stream"
	"github.com/tzrikka/cymbal/pkg/websocket"
	"github.com/tzrikka/cymbal/pkg/wire"
)

func TestGeneratedServerIDs(t *testing.T) {
	ids := map[string]bool{}
	for range 2 {
		s, err := New(DefaultConfig())
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		defer s.Close()

		if !strings.HasPrefix(s.ID(), "cymbal-") {
			t.Errorf("ID() = %q, want a cymbal- prefix", s.ID())
		}
		ids[s.ID()] = true
	}

	if len(ids) != 2 {
		t.Errorf("generated %d distinct IDs, want 2", len(ids))
	}
}

func TestNewServerErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{
			name: "datagram_address",
			cfg:  Config{Address: "udg:///tmp/cymbal-test.dgram"},
		},
		{
			name: "unknown_scheme",
			cfg:  Config{Address: "ftp://127.0.0.1:21"},
		},
		{
			name: "tls_address_without_credentials",
			cfg:  Config{Address: "tls://127.0.0.1:0"},
		},
		{
			name: "missing_certificate_files",
			cfg: Config{
				Address:   "tls://127.0.0.1:0",
				UseCrypto: true,
				CertFile:  "/nonexistent/cert.pem",
				KeyFile:   "/nonexistent/key.pem",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() succeeded, want an initialization error")
			}
		})
	}
}

func TestBindConflict(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = "tcp://127.0.0.1:0"
	s1 := newTestServer(t, cfg)

	cfg.Address = fmt.Sprintf("tcp://127.0.0.1:%d", s1.Addr().Port)
	if _, err := New(cfg); err == nil {
		t.Error("New() on an occupied port succeeded, want a bind error")
	}
}

func TestAcceptWithoutListener(t *testing.T) {
	s := newTestServer(t, DefaultConfig())

	if _, err := s.AcceptNewConnection(); !errors.Is(err, ErrNoListener) {
		t.Errorf("AcceptNewConnection() error = %v, want ErrNoListener", err)
	}
}

func TestRemoveConnection(t *testing.T) {
	s, c, _ := newTestConn(t)

	if err := s.RemoveConnection(c); err != nil {
		t.Fatalf("RemoveConnection() error = %v", err)
	}
	if c.State() != StateClosed {
		t.Errorf("state after removal = %v, want closed", c.State())
	}
	if s.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount() = %d, want 0", s.ConnectionCount())
	}

	// Removing it again, or removing a foreign connection, is a usage error.
	if err := s.RemoveConnection(c); !errors.Is(err, ErrNotOwned) {
		t.Errorf("second RemoveConnection() error = %v, want ErrNotOwned", err)
	}

	_, foreign, _ := newTestConn(t)
	if err := s.RemoveConnection(foreign); !errors.Is(err, ErrNotOwned) {
		t.Errorf("RemoveConnection() of a foreign connection error = %v, want ErrNotOwned", err)
	}
}

func TestDisconnectAll(t *testing.T) {
	s := newTestServer(t, DefaultConfig())

	var conns []*Conn
	for range 2 {
		local, peer, err := stream.Pair()
		if err != nil {
			t.Fatalf("stream.Pair() error = %v", err)
		}
		t.Cleanup(func() { _ = peer.Close() })

		c, err := s.Adopt(local)
		if err != nil {
			t.Fatalf("Server.Adopt() error = %v", err)
		}

		peerWrite(t, peer, upgradeRequest(sampleKey))
		c.HandleRead()
		c.HandleWrite()
		peerReadAll(t, peer)
		conns = append(conns, c)
	}

	s.DisconnectAll(wire.StatusGoingAway, "shutting down")

	for i, c := range conns {
		if c.State() != StateClosingLocal {
			t.Errorf("conn %d state = %v, want closing (local)", i, c.State())
		}
		if c.WriteBufferEmpty() {
			t.Errorf("conn %d has no queued close frame", i)
		}
	}
}

func TestForkChildKeepsSocketFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ws.sock")
	cfg := DefaultConfig()
	cfg.Address = "unix://" + path

	s := newTestServer(t, cfg)

	local, peer, err := stream.Pair()
	if err != nil {
		t.Fatalf("stream.Pair() error = %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })
	if _, err := s.Adopt(local); err != nil {
		t.Fatalf("Server.Adopt() error = %v", err)
	}

	// The child closes its copies of the parent's connections, and its
	// shutdown must not unlink the socket file the parent still owns.
	s.ProcessDidFork(0)
	if s.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount() after fork = %d, want 0", s.ConnectionCount())
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("socket file missing after child shutdown: %v", err)
	}
}

func TestForkParentUnlinksSocketFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ws.sock")
	cfg := DefaultConfig()
	cfg.Address = "unix://" + path

	s := newTestServer(t, cfg)

	// In the parent, ProcessDidFork is a no-op.
	s.ProcessDidFork(12345)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("socket file still exists after parent shutdown")
	}
}

func TestUpdatesPrunesClosedConns(t *testing.T) {
	s, c, peer := newTestConn(t)

	peerWrite(t, peer, upgradeRequest(sampleKey))
	for range s.Updates(0) {
	}
	if c.State() != StateOpen {
		t.Fatalf("state = %v, want open", c.State())
	}

	_ = peer.Close()

	var kinds []Kind
	for u := range s.Updates(0) {
		kinds = append(kinds, u.Kind)
	}
	if len(kinds) == 0 || kinds[len(kinds)-1] != KindSockDisconnect {
		t.Fatalf("update kinds = %v, want a final socket disconnect", kinds)
	}
	if s.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount() = %d, want 0 after pruning", s.ConnectionCount())
	}
}

// updateRecorder collects update kinds across loop ticks, for
// assertions from the test goroutine.
type updateRecorder struct {
	mu    sync.Mutex
	kinds []Kind
}

func (r *updateRecorder) record(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, u.Kind)
}

func (r *updateRecorder) count(k Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.kinds {
		if got == k {
			n++
		}
	}
	return n
}

// runEchoLoop drives the server's event loop in a background goroutine,
// echoing data messages, until the test finishes. The server must not
// be touched from other goroutines while the loop runs.
func runEchoLoop(t *testing.T, s *Server, rec *updateRecorder) {
	t.Helper()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}

			for u := range s.Updates(20 * time.Millisecond) {
				rec.record(u)
				switch u.Kind {
				case KindRead, KindReadEmptyFrame:
					_ = u.Conn.Send(u.Msg.Opcode, u.Msg.Data)
				case KindNewTCPConnAvailable:
					_, _ = s.AcceptNewConnection()
				}
			}
		}
	}()

	t.Cleanup(func() {
		close(done)
		wg.Wait()
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEndToEndEcho(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = "tcp://127.0.0.1:0"
	s := newTestServer(t, cfg)

	rec := &updateRecorder{}
	runEchoLoop(t, s, rec)

	url := fmt.Sprintf("ws://127.0.0.1:%d/", s.Addr().Port)
	conn, err := websocket.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	if err := conn.WriteMessage(wire.OpcodeText, []byte("Hello")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if msg.Opcode != wire.OpcodeText || string(msg.Data) != "Hello" {
		t.Errorf("echo = %+v, want text %q", msg, "Hello")
	}

	// Binary messages survive the full stack too.
	if err := conn.WriteMessage(wire.OpcodeBinary, []byte("abcdefghi")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if msg, err = conn.ReadMessage(); err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if msg.Opcode != wire.OpcodeBinary || string(msg.Data) != "abcdefghi" {
		t.Errorf("echo = %+v, want binary %q", msg, "abcdefghi")
	}

	if err := conn.Close(wire.StatusNormalClosure); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := conn.ReadMessage(); !errors.Is(err, websocket.ErrClosed) {
		t.Errorf("ReadMessage() after close error = %v, want ErrClosed", err)
	}

	// One successful handshake, one completed closing handshake.
	waitFor(t, "new-connection update", func() bool { return rec.count(KindNewConnection) == 1 })
	waitFor(t, "disconnect update", func() bool { return rec.count(KindDisconnect) == 1 })
	if got := rec.count(KindNewTCPConn); got != 1 {
		t.Errorf("new-TCP-connection updates = %d, want 1", got)
	}
}

func TestEndToEndManualAccept(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = "tcp://127.0.0.1:0"
	cfg.AutoAccept = false
	s := newTestServer(t, cfg)

	rec := &updateRecorder{}
	runEchoLoop(t, s, rec)

	url := fmt.Sprintf("ws://127.0.0.1:%d/", s.Addr().Port)
	conn, err := websocket.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	if err := conn.WriteMessage(wire.OpcodeText, []byte("manual")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if string(msg.Data) != "manual" {
		t.Errorf("echo = %q, want %q", msg.Data, "manual")
	}

	waitFor(t, "availability update", func() bool { return rec.count(KindNewTCPConnAvailable) >= 1 })

	_ = conn.Close(wire.StatusNormalClosure)
}

func TestEndToEndPing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = "tcp://127.0.0.1:0"
	s := newTestServer(t, cfg)

	rec := &updateRecorder{}
	runEchoLoop(t, s, rec)

	url := fmt.Sprintf("ws://127.0.0.1:%d/", s.Addr().Port)
	conn, err := websocket.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	// The server answers the ping transparently; the client's next
	// read (of an echoed message) consumes the pong along the way.
	if err := conn.Ping([]byte("p")); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if err := conn.WriteMessage(wire.OpcodeText, []byte("after ping")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if string(msg.Data) != "after ping" {
		t.Errorf("echo = %q, want %q", msg.Data, "after ping")
	}

	_ = conn.Close(wire.StatusNormalClosure)
}
