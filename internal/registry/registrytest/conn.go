// Package registrytest provides an in-memory registry connection for tests.
package registrytest

import (
	"errors"
	"sync"

	"paddlecourt/engine/internal/protocol"
)

// ErrBroken is returned by a connection marked as failing.
var ErrBroken = errors.New("connection broken")

// Conn records every message it is sent.
type Conn struct {
	id string

	mu       sync.Mutex
	messages []protocol.ServerMessage
	failing  bool
	closed   bool
}

// NewConn returns a healthy recording connection.
func NewConn(id string) *Conn { return &Conn{id: id} }

func (c *Conn) ID() string { return c.id }

// Send records msg or fails when the connection is broken or closed.
func (c *Conn) Send(msg protocol.ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing || c.closed {
		return ErrBroken
	}
	c.messages = append(c.messages, msg)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Break makes subsequent sends fail.
func (c *Conn) Break() {
	c.mu.Lock()
	c.failing = true
	c.mu.Unlock()
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Messages returns a copy of everything sent so far.
func (c *Conn) Messages() []protocol.ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.ServerMessage(nil), c.messages...)
}

// Reset discards recorded messages.
func (c *Conn) Reset() {
	c.mu.Lock()
	c.messages = nil
	c.mu.Unlock()
}

// OfKind returns the recorded messages with the given kind.
func (c *Conn) OfKind(kind string) []protocol.ServerMessage {
	var out []protocol.ServerMessage
	for _, msg := range c.Messages() {
		if msg.ServerKind() == kind {
			out = append(out, msg)
		}
	}
	return out
}

// Last returns the most recent message of kind, if any.
func (c *Conn) Last(kind string) (protocol.ServerMessage, bool) {
	matches := c.OfKind(kind)
	if len(matches) == 0 {
		return nil, false
	}
	return matches[len(matches)-1], true
}
