package server

import (
	"context"

	"github.com/rbright/turtle/internal/protocol"
)

// Handlers is the business side of the daemon. Calls on one channel never overlap; calls
// on different channels may run concurrently.
type Handlers interface {
	HandlePing(ctx context.Context) bool
	HandleCommandRequest(ctx context.Context, req protocol.CommandRequest) (protocol.CommandReply, error)
	HandleBadgeRequest(ctx context.Context, req protocol.BadgeRequest) (protocol.BadgeReply, error)
}

// HandlerFuncs adapts plain functions to Handlers. Nil fields fall back to answers that
// never claim more than the daemon knows.
type HandlerFuncs struct {
	Ping    func(context.Context) bool
	Command func(context.Context, protocol.CommandRequest) (protocol.CommandReply, error)
	Badge   func(context.Context, protocol.BadgeRequest) (protocol.BadgeReply, error)
}

func (h HandlerFuncs) HandlePing(ctx context.Context) bool {
	if h.Ping == nil {
		return true
	}
	return h.Ping(ctx)
}

func (h HandlerFuncs) HandleCommandRequest(ctx context.Context, req protocol.CommandRequest) (protocol.CommandReply, error) {
	if h.Command == nil {
		return protocol.CommandReply{Outcome: protocol.OutcomeUnknown, Detail: "no command handler"}, nil
	}
	return h.Command(ctx, req)
}

func (h HandlerFuncs) HandleBadgeRequest(ctx context.Context, req protocol.BadgeRequest) (protocol.BadgeReply, error) {
	if h.Badge == nil {
		return protocol.BadgeReply{Path: req.Path, State: protocol.BadgeUnknown}, nil
	}
	return h.Badge(ctx, req)
}
