package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Conn is a client connection to one request/reply channel. Calls may run concurrently;
// every request carries a fresh id and replies are routed back by id, so a reply that
// arrives after its caller gave up is dropped without disturbing later calls.
type Conn struct {
	endpoint Endpoint
	conn     net.Conn

	writeMu   sync.Mutex
	pendingMu sync.Mutex
	pending   map[uint64]chan []byte

	nextID atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
	err       error
}

// Dial connects to endpoint. Missing or refused sockets yield ErrEndpointNotFound.
func Dial(ctx context.Context, endpoint Endpoint, timeout time.Duration) (*Conn, error) {
	nc, err := dialEndpoint(ctx, endpoint, timeout)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		endpoint: endpoint,
		conn:     nc,
		pending:  make(map[uint64]chan []byte),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func dialEndpoint(ctx context.Context, endpoint Endpoint, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	nc, err := dialer.DialContext(ctx, "unix", endpoint.Path)
	if err == nil {
		return nc, nil
	}
	switch {
	case isSocketMissing(err), isConnectionRefused(err):
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, endpoint.Name)
	case isTimeout(err):
		return nil, fmt.Errorf("%w: dial %s", ErrTimeout, endpoint.Name)
	default:
		return nil, fmt.Errorf("dial %s: %w", endpoint.Name, err)
	}
}

// Endpoint returns the endpoint this connection was dialed to.
func (c *Conn) Endpoint() Endpoint {
	return c.endpoint
}

// Call sends payload and waits for its reply, at most timeout.
func (c *Conn) Call(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		return nil, errors.New("call timeout must be positive")
	}
	select {
	case <-c.closed:
		return nil, c.err
	default:
	}

	id := c.nextID.Add(1)
	replyCh := make(chan []byte, 1)
	c.pendingMu.Lock()
	c.pending[id] = replyCh
	c.pendingMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	err := writeFrame(c.conn, frame{typ: frameRequest, id: id, payload: payload})
	c.writeMu.Unlock()
	if err != nil {
		// A failed write may have left part of a frame on the stream, so the connection
		// cannot carry another frame.
		c.forget(id)
		if isTimeout(err) {
			c.shutdown(fmt.Errorf("%w: write request to %s timed out", ErrConnectionLost, c.endpoint.Name))
			return nil, fmt.Errorf("%w: write request to %s (%w)", ErrTimeout, c.endpoint.Name, ErrConnectionLost)
		}
		c.shutdown(fmt.Errorf("%w: write request to %s: %v", ErrConnectionLost, c.endpoint.Name, err))
		return nil, c.err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("%w from %s after %s", ErrTimeout, c.endpoint.Name, timeout)
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.closed:
		select {
		case reply := <-replyCh:
			return reply, nil
		default:
		}
		c.forget(id)
		return nil, c.err
	}
}

// Done is closed once the connection is unusable.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Err reports why the connection ended, or nil while it is open.
func (c *Conn) Err() error {
	select {
	case <-c.closed:
		return c.err
	default:
		return nil
	}
}

// Close shuts the connection down. Pending calls fail with ErrClosed.
func (c *Conn) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Conn) readLoop() {
	reader := bufio.NewReader(c.conn)
	for {
		f, err := readFrame(reader)
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %s: %v", ErrConnectionLost, c.endpoint.Name, err))
			return
		}
		if f.typ != frameReply {
			continue
		}

		c.pendingMu.Lock()
		replyCh, ok := c.pending[f.id]
		delete(c.pending, f.id)
		c.pendingMu.Unlock()

		if ok {
			replyCh <- f.payload
		}
	}
}

func (c *Conn) forget(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.closed)
		_ = c.conn.Close()
	})
}
