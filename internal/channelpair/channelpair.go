// Package channelpair creates in-process bidirectional channel pairs. One
// end is handed to the provider backend when a session is created, the other
// is delivered to the requesting client.
package channelpair

import (
	"net"
	"sync"
)

// Endpoint is one half of a channel pair. Reads return whatever the peer
// endpoint wrote, in order. Endpoints are safe for concurrent use by one
// reader and one writer.
type Endpoint struct {
	name      string
	conn      net.Conn
	closeOnce sync.Once
	closeErr  error
}

// New creates a connected channel pair. The name is used for diagnostics
// only; session tokens are the usual choice.
func New(name string) (serviceEnd, clientEnd *Endpoint) {
	a, b := net.Pipe()
	return &Endpoint{name: name, conn: a}, &Endpoint{name: name, conn: b}
}

// Name returns the diagnostic name the pair was created with.
func (e *Endpoint) Name() string {
	return e.name
}

// Read reads data written by the peer endpoint.
func (e *Endpoint) Read(p []byte) (int, error) {
	return e.conn.Read(p)
}

// Write delivers data to the peer endpoint. It blocks until the peer reads.
func (e *Endpoint) Write(p []byte) (int, error) {
	return e.conn.Write(p)
}

// Close closes this end of the pair. The peer's pending and future reads
// fail once the end is closed. Close is idempotent.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.conn.Close()
	})
	return e.closeErr
}
