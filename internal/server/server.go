// Package server runs the daemon side of turtle: it owns the four channel endpoints,
// dispatches requests to the business handlers, and publishes visible-folder updates.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rbright/turtle/internal/fsm"
	"github.com/rbright/turtle/internal/ipc"
	"github.com/rbright/turtle/internal/protocol"
)

// DefaultHandlerBudget bounds one handler invocation when Options leaves it unset.
const DefaultHandlerBudget = 2 * time.Second

var errNotRunning = errors.New("server is not running")

// Options configures a Server.
type Options struct {
	Registry       ipc.Registry
	Handlers       Handlers
	Logger         *slog.Logger
	HandlerBudget  time.Duration
	BroadcastQueue int
}

// Server is the daemon handle. It owns its listeners and nothing else; clients own their
// own connections.
type Server struct {
	registry ipc.Registry
	handlers Handlers
	logger   *slog.Logger
	budget   time.Duration
	queue    int

	seq atomic.Uint64

	mu       sync.Mutex
	channels map[protocol.Kind]*channel
	hub      *ipc.Hub
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// channel tracks the lifecycle of one claimed endpoint.
type channel struct {
	kind     protocol.Kind
	listener net.Listener

	mu    sync.RWMutex
	state fsm.State
}

func (c *channel) State() fsm.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *channel) transition(event fsm.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := fsm.Transition(c.state, event)
	if err != nil {
		return err
	}
	c.state = next
	return nil
}

// New builds a stopped server with safe defaults for unset options.
func New(opts Options) *Server {
	if opts.Registry.Dir == "" {
		opts.Registry = ipc.NewRegistry("", opts.Registry.Prefix)
	}
	if opts.Handlers == nil {
		opts.Handlers = HandlerFuncs{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.HandlerBudget <= 0 {
		opts.HandlerBudget = DefaultHandlerBudget
	}
	if opts.BroadcastQueue <= 0 {
		opts.BroadcastQueue = ipc.DefaultQueueSize
	}

	return &Server{
		registry: opts.Registry,
		handlers: opts.Handlers,
		logger:   opts.Logger,
		budget:   opts.HandlerBudget,
		queue:    opts.BroadcastQueue,
	}
}

// Start claims every channel endpoint and begins serving. If any endpoint is owned by a
// live daemon it returns an error wrapping ipc.ErrNameInUse and releases whatever it had
// already claimed. Serving continues until Stop or ctx cancellation.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		select {
		case <-s.done:
		default:
			return errors.New("server already running")
		}
	}

	channels := make(map[protocol.Kind]*channel, len(protocol.Kinds))
	for _, kind := range protocol.Kinds {
		listener, err := s.registry.Claim(ctx, kind)
		if err != nil {
			for _, ch := range channels {
				_ = ch.listener.Close()
			}
			return fmt.Errorf("claim endpoint %s: %w", s.registry.ChannelName(kind), err)
		}
		channels[kind] = &channel{kind: kind, listener: listener, state: fsm.StateCreated}
	}

	hub := ipc.NewHub(s.queue)
	hub.OnDrop(func(reason string) {
		s.logger.Warn("folder subscriber dropped", "reason", reason)
	})

	serveCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(serveCtx)
	for _, kind := range protocol.Kinds {
		ch := channels[kind]
		_ = ch.transition(fsm.EventListen)
		if kind == protocol.KindFolders {
			group.Go(func() error {
				return hub.Serve(groupCtx, ch.listener)
			})
			continue
		}
		group.Go(func() error {
			return ipc.Serve(groupCtx, ch.listener, s.dispatcher(ch))
		})
	}

	done := make(chan struct{})
	go func() {
		err := group.Wait()
		for _, ch := range channels {
			_ = ch.transition(fsm.EventStop)
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(done)
	}()

	s.channels = channels
	s.hub = hub
	s.cancel = cancel
	s.done = done
	s.err = nil
	s.seq.Store(0)

	s.logger.Info("daemon listening", "runtime_dir", s.registry.Dir, "prefix", s.registry.Prefix)
	return nil
}

// Done is closed once every channel stopped serving. It is nil before Start.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Stop closes all listeners and connections and waits for in-flight handling to finish.
// The endpoints are released as their listeners close, so Stop never touches a socket a
// newer daemon has claimed since. Stop on a stopped server is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return fmt.Errorf("serve channels: %w", s.err)
	}
	s.logger.Info("daemon stopped")
	return nil
}

// State reports the lifecycle state of one channel.
func (s *Server) State(kind protocol.Kind) fsm.State {
	s.mu.Lock()
	ch := s.channels[kind]
	s.mu.Unlock()

	if ch == nil {
		return fsm.StateCreated
	}
	return ch.State()
}

// Publish pushes the current visible-folder set to every subscriber and returns the
// number of subscribers it was queued for. Zero subscribers is not an error.
func (s *Server) Publish(paths []string) (int, error) {
	s.mu.Lock()
	hub, done := s.hub, s.done
	s.mu.Unlock()

	if hub == nil {
		return 0, errNotRunning
	}
	select {
	case <-done:
		return 0, errNotRunning
	default:
	}

	update := protocol.FolderUpdate{Seq: s.seq.Add(1), Paths: paths}
	payload, err := protocol.Encode(update)
	if err != nil {
		return 0, fmt.Errorf("encode folder update: %w", err)
	}

	delivered := hub.Publish(payload)
	s.logger.Debug("folder update published", "seq", update.Seq, "paths", len(paths), "subscribers", delivered)
	return delivered, nil
}

// Subscribers reports the number of live folder-update subscribers.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	hub := s.hub
	s.mu.Unlock()

	if hub == nil {
		return 0
	}
	return hub.Subscribers()
}
