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

const (
	// DefaultQueueSize is the per-subscriber backlog used when NewHub gets zero.
	DefaultQueueSize = 64

	pushWriteTimeout = time.Second
)

// Hub fans pushed payloads out to every connected subscriber. Each subscriber has its own
// queue and writer, so delivery order per subscriber matches Publish order.
type Hub struct {
	queueSize int

	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	seq     uint64
	dropped func(reason string)
}

type subscriber struct {
	conn  net.Conn
	queue chan frame
	once  sync.Once
	done  chan struct{}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// NewHub returns a hub whose subscribers may lag queueSize pushes behind before they are
// disconnected.
func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		queueSize: queueSize,
		subs:      make(map[*subscriber]struct{}),
	}
}

// OnDrop registers a callback invoked when a slow subscriber is disconnected.
func (h *Hub) OnDrop(fn func(reason string)) {
	h.mu.Lock()
	h.dropped = fn
	h.mu.Unlock()
}

// Subscribers returns the number of currently registered subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish queues payload for every current subscriber and returns how many received it.
// It never blocks and succeeds with zero subscribers.
func (h *Hub) Publish(payload []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	f := frame{typ: framePush, id: h.seq, payload: payload}
	delivered := 0
	for sub := range h.subs {
		select {
		case sub.queue <- f:
			delivered++
		default:
			delete(h.subs, sub)
			sub.close()
			if h.dropped != nil {
				h.dropped(fmt.Sprintf("subscriber queue full after %d pushes", h.queueSize))
			}
		}
	}
	return delivered
}

// Serve accepts subscribers until context cancellation or listener close.
func (h *Hub) Serve(ctx context.Context, listener net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		_ = listener.Close()
		h.closeAll()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			cancel()
			wg.Wait()
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept subscriber: %w", err)
		}

		sub := &subscriber{
			conn:  conn,
			queue: make(chan frame, h.queueSize+1),
			done:  make(chan struct{}),
		}
		// The acknowledgement is queued ahead of any push so the subscriber knows every
		// publish after it will reach it.
		sub.queue <- frame{typ: frameSubscribed}

		h.mu.Lock()
		if ctx.Err() != nil {
			h.mu.Unlock()
			sub.close()
			continue
		}
		h.subs[sub] = struct{}{}
		h.mu.Unlock()

		wg.Add(2)
		go func() {
			defer wg.Done()
			h.writePushes(sub)
		}()
		go func() {
			defer wg.Done()
			h.watchDisconnect(sub)
		}()
	}
}

func (h *Hub) writePushes(sub *subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case f := <-sub.queue:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(pushWriteTimeout))
			if err := writeFrame(sub.conn, f); err != nil {
				h.remove(sub)
				return
			}
		}
	}
}

// watchDisconnect notices when the subscriber goes away. Subscribers never send anything.
func (h *Hub) watchDisconnect(sub *subscriber) {
	var buf [64]byte
	for {
		if _, err := sub.conn.Read(buf[:]); err != nil {
			h.remove(sub)
			return
		}
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.close()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		delete(h.subs, sub)
		sub.close()
	}
}

// Subscription is a client's registration on a broadcast channel.
type Subscription struct {
	endpoint Endpoint
	conn     net.Conn

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Subscribe connects to a broadcast endpoint and calls fn for every push, sequentially and
// in publish order. It returns once the hub confirmed the registration, at most timeout.
func Subscribe(ctx context.Context, endpoint Endpoint, timeout time.Duration, fn func([]byte)) (*Subscription, error) {
	if timeout <= 0 {
		return nil, errors.New("subscribe timeout must be positive")
	}
	nc, err := dialEndpoint(ctx, endpoint, timeout)
	if err != nil {
		return nil, err
	}

	reader := bufio.NewReader(nc)
	_ = nc.SetReadDeadline(time.Now().Add(timeout))
	ack, err := readFrame(reader)
	if err != nil {
		_ = nc.Close()
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: subscribe to %s", ErrTimeout, endpoint.Name)
		}
		return nil, fmt.Errorf("%w: subscribe to %s: %v", ErrConnectionLost, endpoint.Name, err)
	}
	if ack.typ != frameSubscribed {
		_ = nc.Close()
		return nil, fmt.Errorf("subscribe to %s: unexpected frame type %d", endpoint.Name, ack.typ)
	}
	_ = nc.SetReadDeadline(time.Time{})

	s := &Subscription{
		endpoint: endpoint,
		conn:     nc,
		done:     make(chan struct{}),
	}
	go s.readLoop(reader, fn)
	return s, nil
}

func (s *Subscription) readLoop(reader *bufio.Reader, fn func([]byte)) {
	for {
		f, err := readFrame(reader)
		if err != nil {
			s.shutdown(fmt.Errorf("%w: %s: %v", ErrConnectionLost, s.endpoint.Name, err))
			return
		}
		if f.typ == framePush && fn != nil {
			fn(f.payload)
		}
	}
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended, or nil while it is active.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	s.shutdown(ErrClosed)
	return nil
}

func (s *Subscription) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
		_ = s.conn.Close()
	})
}
