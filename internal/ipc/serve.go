package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const replyWriteTimeout = time.Second

// Handler processes one request payload and returns the reply payload.
type Handler interface {
	Handle(context.Context, []byte) []byte
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, []byte) []byte

func (f HandlerFunc) Handle(ctx context.Context, payload []byte) []byte {
	return f(ctx, payload)
}

type request struct {
	conn    *serverConn
	id      uint64
	payload []byte
}

type serverConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *serverConn) reply(id uint64, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(replyWriteTimeout))
	return writeFrame(c.conn, frame{typ: frameReply, id: id, payload: payload})
}

// Serve accepts channel clients until context cancellation or listener close. Requests
// from every client are handled one at a time, in arrival order, by a single worker.
func Serve(ctx context.Context, listener net.Listener, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		connsMu sync.Mutex
		conns   = make(map[net.Conn]struct{})
	)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
		connsMu.Lock()
		for c := range conns {
			_ = c.Close()
		}
		connsMu.Unlock()
	}()

	queue := make(chan request)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-queue:
				reply := handler.Handle(ctx, req.payload)
				_ = req.conn.reply(req.id, reply)
			}
		}
	}()

	shutdown := func() {
		cancel()
		wg.Wait()
		<-workerDone
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				shutdown()
				return nil
			}
			shutdown()
			return fmt.Errorf("accept IPC connection: %w", err)
		}

		connsMu.Lock()
		if ctx.Err() != nil {
			connsMu.Unlock()
			_ = conn.Close()
			continue
		}
		conns[conn] = struct{}{}
		connsMu.Unlock()

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer func() {
				connsMu.Lock()
				delete(conns, c)
				connsMu.Unlock()
				_ = c.Close()
			}()
			readRequests(ctx, &serverConn{conn: c}, queue)
		}(conn)
	}
}

// readRequests forwards request frames from one client to the channel worker until the
// client disconnects or sends a malformed frame.
func readRequests(ctx context.Context, sc *serverConn, queue chan<- request) {
	reader := bufio.NewReader(sc.conn)
	for {
		f, err := readFrame(reader)
		if err != nil {
			return
		}
		if f.typ != frameRequest {
			continue
		}

		select {
		case queue <- request{conn: sc, id: f.id, payload: f.payload}:
		case <-ctx.Done():
			return
		}
	}
}
