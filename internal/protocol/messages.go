// Package protocol defines the turtle message types and their binary wire codec.
package protocol

import "fmt"

// Version is the envelope version written by Encode and required by Decode.
const Version = 1

// Kind identifies one channel. Every message type belongs to exactly one kind.
type Kind uint8

const (
	KindPing Kind = iota + 1
	KindCommand
	KindBadge
	KindFolders
)

// Kinds lists every channel in a stable order.
var Kinds = []Kind{KindPing, KindCommand, KindBadge, KindFolders}

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindCommand:
		return "command"
	case KindBadge:
		return "badge"
	case KindFolders:
		return "folders"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Type is the envelope tag of a message. Values are fixed and must never be reused.
type Type uint32

const (
	TypePingRequest    Type = 1
	TypePingReply      Type = 2
	TypeCommandRequest Type = 3
	TypeCommandReply   Type = 4
	TypeBadgeRequest   Type = 5
	TypeBadgeReply     Type = 6
	TypeFolderUpdate   Type = 7
	TypeError          Type = 8
)

// Kind reports the channel a message type travels on. Error replies may travel on any
// request channel and report zero.
func (t Type) Kind() Kind {
	switch t {
	case TypePingRequest, TypePingReply:
		return KindPing
	case TypeCommandRequest, TypeCommandReply:
		return KindCommand
	case TypeBadgeRequest, TypeBadgeReply:
		return KindBadge
	case TypeFolderUpdate:
		return KindFolders
	default:
		return 0
	}
}

// Message is implemented by every value that can travel inside an envelope.
type Message interface {
	Type() Type
}

// PingRequest is a client liveness probe.
type PingRequest struct {
	ClientID string
	// Timestamp is the send time in unix nanoseconds.
	Timestamp int64
}

// PingReply answers a PingRequest and echoes its client id.
type PingReply struct {
	ClientID  string
	Alive     bool
	Timestamp int64
}

// CommandRequest asks whether an action can run against a path.
type CommandRequest struct {
	Path   string
	Action string
}

// CommandReply carries the daemon's verdict for one CommandRequest.
type CommandReply struct {
	Outcome Outcome
	Detail  string
}

// BadgeRequest asks for the badge state of a path.
type BadgeRequest struct {
	Path string
}

// BadgeReply carries the badge state of the requested path.
type BadgeReply struct {
	Path  string
	State BadgeState
}

// FolderUpdate is the full set of currently visible folders. Seq increases by one per
// publish within a daemon lifetime.
type FolderUpdate struct {
	Seq   uint64
	Paths []string
}

// ErrorReply is sent instead of a regular reply when a request could not be served.
type ErrorReply struct {
	Code    ErrorCode
	Message string
}

func (PingRequest) Type() Type    { return TypePingRequest }
func (PingReply) Type() Type      { return TypePingReply }
func (CommandRequest) Type() Type { return TypeCommandRequest }
func (CommandReply) Type() Type   { return TypeCommandReply }
func (BadgeRequest) Type() Type   { return TypeBadgeRequest }
func (BadgeReply) Type() Type     { return TypeBadgeReply }
func (FolderUpdate) Type() Type   { return TypeFolderUpdate }
func (ErrorReply) Type() Type     { return TypeError }

func (r ErrorReply) Error() string {
	if r.Message == "" {
		return r.Code.String()
	}
	return r.Code.String() + ": " + r.Message
}
