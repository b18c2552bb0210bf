// Package client is the host-shell side of turtle. Every call resolves the daemon's
// endpoint, carries a bounded timeout, and surfaces failures as typed errors so callers
// can degrade instead of blocking.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rbright/turtle/internal/ipc"
	"github.com/rbright/turtle/internal/protocol"
)

// DefaultTimeout bounds every call when Options leaves Timeout unset.
const DefaultTimeout = 2 * time.Second

// RemoteError is an error reply sent by the daemon.
type RemoteError struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon error (%s)", e.Code)
	}
	return fmt.Sprintf("daemon error (%s): %s", e.Code, e.Message)
}

// Is lets callers treat a daemon-side decode failure like a local one.
func (e *RemoteError) Is(target error) bool {
	return target == protocol.ErrDecode && e.Code == protocol.ErrorCodeDecode
}

// Options configures a Client.
type Options struct {
	Registry ipc.Registry
	Timeout  time.Duration
	ClientID string
	Logger   *slog.Logger
}

// Client is a handle on the daemon's channels. It owns only the connections it dialed.
type Client struct {
	registry ipc.Registry
	timeout  time.Duration
	id       string
	logger   *slog.Logger

	mu     sync.Mutex
	conns  map[protocol.Kind]*ipc.Conn
	subs   []*ipc.Subscription
	closed bool
}

// New builds a client. No connection is made until the first call.
func New(opts Options) *Client {
	if opts.Registry.Dir == "" {
		opts.Registry = ipc.NewRegistry("", opts.Registry.Prefix)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		registry: opts.Registry,
		timeout:  opts.Timeout,
		id:       opts.ClientID,
		logger:   opts.Logger,
		conns:    make(map[protocol.Kind]*ipc.Conn),
	}
}

// ID returns the identifier this client sends with pings.
func (c *Client) ID() string {
	return c.id
}

// Ping reports whether the daemon answers and considers itself alive.
func (c *Client) Ping(ctx context.Context) (bool, error) {
	msg, err := c.call(ctx, protocol.KindPing, protocol.PingRequest{
		ClientID:  c.id,
		Timestamp: time.Now().UnixNano(),
	})
	if err != nil {
		return false, err
	}
	reply, ok := msg.(protocol.PingReply)
	if !ok {
		return false, unexpectedReply(msg)
	}
	return reply.Alive, nil
}

// RequestCommand asks the daemon whether req.Action may run against req.Path.
func (c *Client) RequestCommand(ctx context.Context, req protocol.CommandRequest) (protocol.CommandReply, error) {
	msg, err := c.call(ctx, protocol.KindCommand, req)
	if err != nil {
		return protocol.CommandReply{}, err
	}
	reply, ok := msg.(protocol.CommandReply)
	if !ok {
		return protocol.CommandReply{}, unexpectedReply(msg)
	}
	return reply, nil
}

// RequestBadge asks the daemon for the badge state of req.Path.
func (c *Client) RequestBadge(ctx context.Context, req protocol.BadgeRequest) (protocol.BadgeReply, error) {
	msg, err := c.call(ctx, protocol.KindBadge, req)
	if err != nil {
		return protocol.BadgeReply{}, err
	}
	reply, ok := msg.(protocol.BadgeReply)
	if !ok {
		return protocol.BadgeReply{}, unexpectedReply(msg)
	}
	return reply, nil
}

// SubscribeFolderUpdates registers fn for every visible-folder update published after
// this call returns. The subscription lives until Close, or until the daemon goes away;
// re-subscribing after a daemon restart is up to the caller.
func (c *Client) SubscribeFolderUpdates(ctx context.Context, fn func(protocol.FolderUpdate)) (*ipc.Subscription, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ipc.ErrClosed
	}

	ep, err := c.registry.Resolve(protocol.KindFolders)
	if err != nil {
		return nil, err
	}

	sub, err := ipc.Subscribe(ctx, ep, c.timeout, func(payload []byte) {
		msg, err := protocol.Decode(payload)
		if err != nil {
			c.logger.Warn("drop undecodable folder update", "error", err.Error())
			return
		}
		update, ok := msg.(protocol.FolderUpdate)
		if !ok {
			c.logger.Warn("drop unexpected push", "type", uint32(msg.Type()))
			return
		}
		if fn != nil {
			fn(update)
		}
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = sub.Close()
		return nil, ipc.ErrClosed
	}
	c.subs = append(c.subs, sub)
	go c.untrack(sub)
	return sub, nil
}

// untrack drops sub from the client once it ends.
func (c *Client) untrack(sub *ipc.Subscription) {
	<-sub.Done()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = slices.DeleteFunc(c.subs, func(s *ipc.Subscription) bool { return s == sub })
}

// Close drops every connection and subscription. Later calls fail with ipc.ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	for kind, conn := range c.conns {
		_ = conn.Close()
		delete(c.conns, kind)
	}
	for _, sub := range c.subs {
		_ = sub.Close()
	}
	c.subs = nil
	return nil
}

func (c *Client) call(ctx context.Context, kind protocol.Kind, req protocol.Message) (protocol.Message, error) {
	payload, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}

	conn, err := c.conn(ctx, kind)
	if err != nil {
		return nil, err
	}

	raw, err := conn.Call(ctx, payload, c.timeout)
	if err != nil {
		if errors.Is(err, ipc.ErrConnectionLost) || errors.Is(err, ipc.ErrClosed) {
			c.forget(kind, conn)
		}
		c.logger.Debug("call failed", "channel", kind.String(), "error", err.Error())
		return nil, err
	}

	msg, err := protocol.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s reply: %w", kind, err)
	}
	if errReply, ok := msg.(protocol.ErrorReply); ok {
		return nil, &RemoteError{Code: errReply.Code, Message: errReply.Message}
	}
	return msg, nil
}

// conn returns the cached connection for kind, dialing a fresh one when none is cached.
func (c *Client) conn(ctx context.Context, kind protocol.Kind) (*ipc.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ipc.ErrClosed
	}
	if conn, ok := c.conns[kind]; ok {
		return conn, nil
	}

	ep, err := c.registry.Resolve(kind)
	if err != nil {
		return nil, err
	}
	conn, err := ipc.Dial(ctx, ep, c.timeout)
	if err != nil {
		return nil, err
	}
	c.conns[kind] = conn
	return conn, nil
}

func (c *Client) forget(kind protocol.Kind, conn *ipc.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conns[kind] == conn {
		delete(c.conns, kind)
	}
	_ = conn.Close()
}

func unexpectedReply(msg protocol.Message) error {
	return &protocol.DecodeError{Reason: fmt.Sprintf("unexpected reply type %d", uint32(msg.Type()))}
}
