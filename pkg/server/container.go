package server

import "time"

// StreamContainer is the capability implemented by every entity the
// multiplexer drives: server-side connections, the accepting endpoint,
// and anything else that owns a pollable stream.
//
// The multiplexer calls these methods once per tick, always from the
// single event-loop goroutine.
type StreamContainer interface {
	// Fd returns the container's pollable descriptor, or -1 if the
	// underlying stream has been released.
	Fd() int

	// Live reports whether the container's stream can still be polled.
	Live() bool

	// WriteBufferEmpty reports whether the container has no pending
	// outbound bytes. Containers with pending bytes are registered
	// for write-readiness.
	WriteBufferEmpty() bool

	// BeforeSelect runs before the readiness wait of every tick, e.g.
	// to detect deadline expiry. It may surface updates of its own.
	BeforeSelect(now time.Time) []Update

	// HandleRead is invoked when the container's stream is read-ready.
	HandleRead() []Update

	// HandleWrite is invoked when the container's stream is write-ready
	// and its write buffer is non-empty.
	HandleWrite() []Update

	// HandleExceptional is invoked when the container's stream
	// reported an exceptional condition.
	HandleExceptional() []Update
}
