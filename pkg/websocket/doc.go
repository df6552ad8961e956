// Package websocket is a lightweight client-side implementation of the
// WebSocket protocol (RFC 6455), built on the same frame codec as the
// server ([github.com/tzrikka/cymbal/pkg/wire]).
//
// Unlike the readiness-driven server, this client is deliberately
// synchronous and blocking: [Dial] performs the opening handshake,
// [Conn.ReadMessage] blocks until a complete data message arrives, and
// writes flush inline. This makes it a deterministic test peer for the
// server's event loop.
//
// WebSocket extensions and subprotocol negotiation are not supported.
package websocket
