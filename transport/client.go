package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrClientClosed is returned by Send once the client's frontend
// connection has been closed.
var ErrClientClosed = errors.New("transport: client closed")

// Client multiplexes many concurrent Send calls over one FrontendSocket,
// the same way a real ZeroMQ ROUTER socket demultiplexes many DEALER
// peers by the identity frame each message carries. Each call mints a
// fresh client address, so concurrent callers never share a pending
// slot.
type Client struct {
	conn FrontendSocket

	mu      sync.Mutex
	pending map[string]chan string
	closed  bool
}

// NewClient starts demultiplexing replies read from conn. Callers own
// conn's lifetime; Close stops the demultiplex loop.
func NewClient(conn FrontendSocket) *Client {
	c := &Client{conn: conn, pending: make(map[string]chan string)}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	r := NewFrontendReader(c.conn)
	for {
		recs, err := r.Next()
		if err != nil {
			c.mu.Lock()
			c.closed = true
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = nil
			c.mu.Unlock()
			return
		}
		clientAddr, reply, err := ParseReply(recs)
		if err != nil {
			// A malformed reply from the coordinator is a protocol bug on
			// the counterpart; drop it rather than crash a client loop
			// that may be serving many unrelated in-flight requests.
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[clientAddr]
		if ok {
			delete(c.pending, clientAddr)
		}
		c.mu.Unlock()
		if ok {
			ch <- reply
			close(ch)
		}
	}
}

// Send issues one request and blocks for its reply, or until ctx is done.
func (c *Client) Send(ctx context.Context, request string) (string, error) {
	clientAddr := uuid.Must(uuid.NewV7()).String()
	ch := make(chan string, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClientClosed
	}
	c.pending[clientAddr] = ch
	c.mu.Unlock()

	if err := c.conn.Drain(Dispatch(clientAddr, request)); err != nil {
		c.mu.Lock()
		delete(c.pending, clientAddr)
		c.mu.Unlock()
		return "", err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return "", ErrClientClosed
		}
		return reply, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, clientAddr)
		c.mu.Unlock()
		return "", ctx.Err()
	}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
