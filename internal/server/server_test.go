package server

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rbright/turtle/internal/fsm"
	"github.com/rbright/turtle/internal/ipc"
	"github.com/rbright/turtle/internal/protocol"
)

func testRegistry(t *testing.T) ipc.Registry {
	t.Helper()
	dir, err := os.MkdirTemp("", "ts")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	reg := ipc.NewRegistry(dir, "test")
	reg.ProbeTimeout = 50 * time.Millisecond
	reg.Retries = 2
	return reg
}

func startServer(t *testing.T, opts Options) *Server {
	t.Helper()
	srv := New(opts)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func call(t *testing.T, reg ipc.Registry, kind protocol.Kind, payload []byte) protocol.Message {
	t.Helper()
	ep, err := reg.Resolve(kind)
	require.NoError(t, err)

	conn, err := ipc.Dial(context.Background(), ep, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	reply, err := conn.Call(context.Background(), payload, 2*time.Second)
	require.NoError(t, err)

	msg, err := protocol.Decode(reply)
	require.NoError(t, err)
	return msg
}

func encode(t *testing.T, msg protocol.Message) []byte {
	t.Helper()
	payload, err := protocol.Encode(msg)
	require.NoError(t, err)
	return payload
}

func TestStartServesEveryChannel(t *testing.T) {
	reg := testRegistry(t)
	srv := startServer(t, Options{
		Registry: reg,
		Handlers: HandlerFuncs{
			Command: func(_ context.Context, req protocol.CommandRequest) (protocol.CommandReply, error) {
				return protocol.CommandReply{Outcome: protocol.OutcomeAllowed, Detail: req.Action + " " + req.Path}, nil
			},
			Badge: func(_ context.Context, req protocol.BadgeRequest) (protocol.BadgeReply, error) {
				return protocol.BadgeReply{State: protocol.BadgeModified}, nil
			},
		},
	})

	for _, kind := range protocol.Kinds {
		require.Equal(t, fsm.StateListening, srv.State(kind))
		_, err := reg.Resolve(kind)
		require.NoError(t, err)
	}

	ping := call(t, reg, protocol.KindPing, encode(t, protocol.PingRequest{ClientID: "c-1", Timestamp: 7}))
	require.IsType(t, protocol.PingReply{}, ping)
	require.Equal(t, "c-1", ping.(protocol.PingReply).ClientID)
	require.True(t, ping.(protocol.PingReply).Alive)

	cmd := call(t, reg, protocol.KindCommand, encode(t, protocol.CommandRequest{Path: "/repo/a", Action: "get"}))
	require.Equal(t, protocol.CommandReply{Outcome: protocol.OutcomeAllowed, Detail: "get /repo/a"}, cmd)

	badge := call(t, reg, protocol.KindBadge, encode(t, protocol.BadgeRequest{Path: "/repo/a/file"}))
	require.Equal(t, protocol.BadgeReply{Path: "/repo/a/file", State: protocol.BadgeModified}, badge)
}

func TestStartFailsWhenNameInUse(t *testing.T) {
	reg := testRegistry(t)
	first := startServer(t, Options{Registry: reg})

	second := New(Options{Registry: reg})
	err := second.Start(context.Background())
	require.ErrorIs(t, err, ipc.ErrNameInUse)

	// The running daemon keeps every endpoint.
	for _, kind := range protocol.Kinds {
		require.Equal(t, fsm.StateListening, first.State(kind))
		_, resolveErr := reg.Resolve(kind)
		require.NoError(t, resolveErr)
	}
	msg := call(t, reg, protocol.KindPing, encode(t, protocol.PingRequest{}))
	require.IsType(t, protocol.PingReply{}, msg)
}

func TestStartReleasesPartialClaims(t *testing.T) {
	reg := testRegistry(t)

	// Hold only the badge channel so the ping and command claims succeed first.
	holder, err := reg.Claim(context.Background(), protocol.KindBadge)
	require.NoError(t, err)
	defer holder.Close()
	go func() {
		for {
			conn, acceptErr := holder.Accept()
			if acceptErr != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	srv := New(Options{Registry: reg})
	err = srv.Start(context.Background())
	require.ErrorIs(t, err, ipc.ErrNameInUse)

	for _, kind := range []protocol.Kind{protocol.KindPing, protocol.KindCommand} {
		_, resolveErr := reg.Resolve(kind)
		require.ErrorIs(t, resolveErr, ipc.ErrEndpointNotFound)
	}
}

func TestStopReleasesEndpointsAndAllowsRestart(t *testing.T) {
	reg := testRegistry(t)
	srv := New(Options{Registry: reg})
	require.NoError(t, srv.Start(context.Background()))
	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())

	for _, kind := range protocol.Kinds {
		require.Equal(t, fsm.StateStopped, srv.State(kind))
		_, err := reg.Resolve(kind)
		require.ErrorIs(t, err, ipc.ErrEndpointNotFound)
	}

	next := startServer(t, Options{Registry: reg})
	msg := call(t, reg, protocol.KindPing, encode(t, protocol.PingRequest{}))
	require.IsType(t, protocol.PingReply{}, msg)
	require.Equal(t, fsm.StateListening, next.State(protocol.KindPing))
}

func TestLateStopKeepsSuccessorEndpoints(t *testing.T) {
	reg := testRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	first := New(Options{Registry: reg})
	require.NoError(t, first.Start(ctx))
	cancel()
	<-first.Done()

	second := startServer(t, Options{Registry: reg})
	require.NoError(t, first.Stop())

	for _, kind := range protocol.Kinds {
		_, err := reg.Resolve(kind)
		require.NoError(t, err, kind.String())
		require.Equal(t, fsm.StateListening, second.State(kind))
	}
	msg := call(t, reg, protocol.KindBadge, encode(t, protocol.BadgeRequest{Path: "/x"}))
	require.IsType(t, protocol.BadgeReply{}, msg)
}

func TestDispatchRepliesDecodeError(t *testing.T) {
	reg := testRegistry(t)
	startServer(t, Options{Registry: reg})

	msg := call(t, reg, protocol.KindBadge, []byte{0xff, 0xff, 0xff})
	errReply, ok := msg.(protocol.ErrorReply)
	require.True(t, ok, "got %T", msg)
	require.Equal(t, protocol.ErrorCodeDecode, errReply.Code)

	// The channel keeps serving after a malformed request.
	msg = call(t, reg, protocol.KindBadge, encode(t, protocol.BadgeRequest{Path: "/x"}))
	require.IsType(t, protocol.BadgeReply{}, msg)
}

func TestDispatchRejectsWrongChannel(t *testing.T) {
	reg := testRegistry(t)
	startServer(t, Options{Registry: reg})

	tests := []struct {
		name string
		kind protocol.Kind
		msg  protocol.Message
	}{
		{name: "badge on command channel", kind: protocol.KindCommand, msg: protocol.BadgeRequest{Path: "/x"}},
		{name: "ping on badge channel", kind: protocol.KindBadge, msg: protocol.PingRequest{}},
		{name: "reply sent as request", kind: protocol.KindCommand, msg: protocol.CommandReply{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := call(t, reg, tc.kind, encode(t, tc.msg))
			errReply, ok := msg.(protocol.ErrorReply)
			require.True(t, ok, "got %T", msg)
			require.Equal(t, protocol.ErrorCodeUnsupported, errReply.Code)
		})
	}
}

func TestDispatchEnforcesHandlerBudget(t *testing.T) {
	reg := testRegistry(t)
	var calls atomic.Int32
	startServer(t, Options{
		Registry:      reg,
		HandlerBudget: 40 * time.Millisecond,
		Handlers: HandlerFuncs{
			Badge: func(ctx context.Context, req protocol.BadgeRequest) (protocol.BadgeReply, error) {
				if calls.Add(1) == 1 {
					<-ctx.Done()
					time.Sleep(200 * time.Millisecond)
				}
				return protocol.BadgeReply{Path: req.Path, State: protocol.BadgeUpToDate}, nil
			},
		},
	})

	start := time.Now()
	msg := call(t, reg, protocol.KindBadge, encode(t, protocol.BadgeRequest{Path: "/slow"}))
	require.Less(t, time.Since(start), 150*time.Millisecond)
	errReply, ok := msg.(protocol.ErrorReply)
	require.True(t, ok, "got %T", msg)
	require.Equal(t, protocol.ErrorCodeBudget, errReply.Code)

	// The overrunning handler does not hold the channel.
	msg = call(t, reg, protocol.KindBadge, encode(t, protocol.BadgeRequest{Path: "/fast"}))
	require.Equal(t, protocol.BadgeReply{Path: "/fast", State: protocol.BadgeUpToDate}, msg)
}

func TestDispatchReportsHandlerFailures(t *testing.T) {
	reg := testRegistry(t)
	startServer(t, Options{
		Registry: reg,
		Handlers: HandlerFuncs{
			Command: func(context.Context, protocol.CommandRequest) (protocol.CommandReply, error) {
				return protocol.CommandReply{}, errors.New("annex unavailable")
			},
			Badge: func(context.Context, protocol.BadgeRequest) (protocol.BadgeReply, error) {
				panic("boom")
			},
		},
	})

	msg := call(t, reg, protocol.KindCommand, encode(t, protocol.CommandRequest{Path: "/x", Action: "get"}))
	require.Equal(t, protocol.ErrorReply{Code: protocol.ErrorCodeHandler, Message: "annex unavailable"}, msg)

	msg = call(t, reg, protocol.KindBadge, encode(t, protocol.BadgeRequest{Path: "/x"}))
	errReply, ok := msg.(protocol.ErrorReply)
	require.True(t, ok, "got %T", msg)
	require.Equal(t, protocol.ErrorCodeHandler, errReply.Code)
	require.Contains(t, errReply.Message, "boom")
}

func TestPublishDeliversSequencedUpdates(t *testing.T) {
	reg := testRegistry(t)
	srv := startServer(t, Options{Registry: reg})

	delivered, err := srv.Publish([]string{"/nobody"})
	require.NoError(t, err)
	require.Zero(t, delivered)

	ep, err := reg.Resolve(protocol.KindFolders)
	require.NoError(t, err)

	updates := make(chan protocol.FolderUpdate, 4)
	sub, err := ipc.Subscribe(context.Background(), ep, time.Second, func(payload []byte) {
		msg, decodeErr := protocol.Decode(payload)
		if decodeErr == nil {
			updates <- msg.(protocol.FolderUpdate)
		}
	})
	require.NoError(t, err)
	defer sub.Close()
	require.Equal(t, 1, srv.Subscribers())

	delivered, err = srv.Publish([]string{"/a", "/b"})
	require.NoError(t, err)
	require.Equal(t, 1, delivered)

	select {
	case update := <-updates:
		require.Equal(t, uint64(2), update.Seq)
		require.Equal(t, []string{"/a", "/b"}, update.Paths)
	case <-time.After(time.Second):
		t.Fatal("no folder update received")
	}
}

func TestPublishBeforeStartFails(t *testing.T) {
	srv := New(Options{Registry: testRegistry(t)})
	_, err := srv.Publish([]string{"/a"})
	require.Error(t, err)
	require.Equal(t, fsm.StateCreated, srv.State(protocol.KindPing))
}

func TestWithBudgetReturnsResult(t *testing.T) {
	got, err := withBudget(context.Background(), time.Second, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", got)

	_, err = withBudget(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		return 1, nil
	})
	require.ErrorIs(t, err, errBudgetExceeded)

	_, err = withBudget(context.Background(), time.Second, func(context.Context) (int, error) {
		panic("bad")
	})
	require.ErrorIs(t, err, errHandlerPanic)
}
