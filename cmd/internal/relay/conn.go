package relay

import "sync"

// Conn represents one live transport-level socket as seen by the relay.
//
// Design notes:
//   - Outbound frames are marshaled once and fanned out as raw bytes.
//   - Send is intentionally NOT closed by the server so concurrent
//     broadcasters can never panic on a closed channel.
//   - done signals goroutines to stop; Close is idempotent.
type Conn struct {
	id   string
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn constructs a Conn with a bounded send queue.
func NewConn(id string, sendQueueSize int) *Conn {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Conn{
		id:   id,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

// ID returns the opaque connection id used for logging and registry keys.
func (c *Conn) ID() string {
	if c == nil {
		return ""
	}
	return c.id
}

// Outbound returns the queue drained by the transport writer goroutine.
func (c *Conn) Outbound() <-chan []byte { return c.send }

// Done returns a channel that is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Open reports whether the connection is still in a ready state.
func (c *Conn) Open() bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// TrySend enqueues a pre-marshaled frame without blocking. It returns false
// when the connection is shutting down or its queue is full; a slow or dead
// subscriber never stalls a broadcast.
func (c *Conn) TrySend(payload []byte) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close signals the connection goroutines to stop (idempotent).
// It does NOT close the send queue to keep broadcast safe under concurrency.
func (c *Conn) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
