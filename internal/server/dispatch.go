package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbright/turtle/internal/fsm"
	"github.com/rbright/turtle/internal/ipc"
	"github.com/rbright/turtle/internal/protocol"
)

var (
	errBudgetExceeded = errors.New("handler exceeded execution budget")
	errHandlerPanic   = errors.New("handler panicked")
)

// dispatcher returns the transport handler for one request channel.
func (s *Server) dispatcher(ch *channel) ipc.Handler {
	return ipc.HandlerFunc(func(ctx context.Context, payload []byte) []byte {
		_ = ch.transition(fsm.EventReceive)
		defer func() { _ = ch.transition(fsm.EventReply) }()

		started := time.Now()
		reply := s.handle(ctx, ch.kind, payload)
		if errReply, ok := reply.(protocol.ErrorReply); ok {
			s.logger.Warn("request failed",
				"channel", ch.kind.String(),
				"code", errReply.Code.String(),
				"error", errReply.Message,
				"duration_ms", time.Since(started).Milliseconds(),
			)
		} else {
			s.logger.Debug("request handled",
				"channel", ch.kind.String(),
				"type", uint32(reply.Type()),
				"duration_ms", time.Since(started).Milliseconds(),
			)
		}

		out, err := protocol.Encode(reply)
		if err != nil {
			s.logger.Error("encode reply failed", "channel", ch.kind.String(), "error", err.Error())
			out, _ = protocol.Encode(protocol.ErrorReply{Code: protocol.ErrorCodeHandler, Message: "encode reply"})
		}
		return out
	})
}

// handle decodes one request payload and produces the reply message, or an ErrorReply
// describing why the request could not be served.
func (s *Server) handle(ctx context.Context, kind protocol.Kind, payload []byte) protocol.Message {
	msg, err := protocol.Decode(payload)
	if err != nil {
		return protocol.ErrorReply{Code: protocol.ErrorCodeDecode, Message: err.Error()}
	}

	switch req := msg.(type) {
	case protocol.PingRequest:
		if kind != protocol.KindPing {
			break
		}
		alive, err := withBudget(ctx, s.budget, func(ctx context.Context) (bool, error) {
			return s.handlers.HandlePing(ctx), nil
		})
		if err != nil {
			return failure(err)
		}
		return protocol.PingReply{ClientID: req.ClientID, Alive: alive, Timestamp: time.Now().UnixNano()}
	case protocol.CommandRequest:
		if kind != protocol.KindCommand {
			break
		}
		reply, err := withBudget(ctx, s.budget, func(ctx context.Context) (protocol.CommandReply, error) {
			return s.handlers.HandleCommandRequest(ctx, req)
		})
		if err != nil {
			return failure(err)
		}
		return reply
	case protocol.BadgeRequest:
		if kind != protocol.KindBadge {
			break
		}
		reply, err := withBudget(ctx, s.budget, func(ctx context.Context) (protocol.BadgeReply, error) {
			return s.handlers.HandleBadgeRequest(ctx, req)
		})
		if err != nil {
			return failure(err)
		}
		if reply.Path == "" {
			reply.Path = req.Path
		}
		return reply
	}

	return protocol.ErrorReply{
		Code:    protocol.ErrorCodeUnsupported,
		Message: fmt.Sprintf("message type %d is not a request on channel %s", uint32(msg.Type()), kind),
	}
}

func failure(err error) protocol.ErrorReply {
	if errors.Is(err, errBudgetExceeded) {
		return protocol.ErrorReply{Code: protocol.ErrorCodeBudget, Message: err.Error()}
	}
	return protocol.ErrorReply{Code: protocol.ErrorCodeHandler, Message: err.Error()}
}

// withBudget runs fn with a deadline of budget. When the deadline passes first the caller
// gets errBudgetExceeded right away; fn keeps running in the background with a cancelled
// context and its result is discarded.
func withBudget[T any](ctx context.Context, budget time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: %v", errHandlerPanic, r)}
			}
		}()
		value, err := fn(ctx)
		done <- result{value: value, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w (%s)", errBudgetExceeded, budget)
		}
		return zero, ctx.Err()
	}
}
