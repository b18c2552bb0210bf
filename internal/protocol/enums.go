package protocol

import "fmt"

// Outcome is the verdict for a command request. Values outside the known set are kept
// as-is so newer daemons can add outcomes without breaking older clients.
type Outcome uint32

const (
	OutcomeUnknown Outcome = 0
	OutcomeAllowed Outcome = 1
	OutcomeDenied  Outcome = 2
)

// Known reports whether this build understands the outcome.
func (o Outcome) Known() bool {
	return o <= OutcomeDenied
}

func (o Outcome) String() string {
	switch o {
	case OutcomeUnknown:
		return "unknown"
	case OutcomeAllowed:
		return "allowed"
	case OutcomeDenied:
		return "denied"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(o))
	}
}

// BadgeState is the annotation shown next to a path.
type BadgeState uint32

const (
	BadgeUnknown    BadgeState = 0
	BadgeUpToDate   BadgeState = 1
	BadgeModified   BadgeState = 2
	BadgeAbsent     BadgeState = 3
	BadgeInProgress BadgeState = 4
	BadgePartial    BadgeState = 5
)

// Known reports whether this build understands the badge state.
func (s BadgeState) Known() bool {
	return s <= BadgePartial
}

func (s BadgeState) String() string {
	switch s {
	case BadgeUnknown:
		return "unknown"
	case BadgeUpToDate:
		return "up-to-date"
	case BadgeModified:
		return "modified"
	case BadgeAbsent:
		return "absent"
	case BadgeInProgress:
		return "in-progress"
	case BadgePartial:
		return "partial"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

// ParseBadgeState maps a rendered badge name back to its state.
func ParseBadgeState(name string) (BadgeState, error) {
	for s := BadgeUnknown; s <= BadgePartial; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return BadgeUnknown, fmt.Errorf("unknown badge state %q", name)
}

// ErrorCode classifies an ErrorReply.
type ErrorCode uint32

const (
	ErrorCodeUnknown     ErrorCode = 0
	ErrorCodeDecode      ErrorCode = 1
	ErrorCodeBudget      ErrorCode = 2
	ErrorCodeHandler     ErrorCode = 3
	ErrorCodeUnsupported ErrorCode = 4
)

// Known reports whether this build understands the error code.
func (c ErrorCode) Known() bool {
	return c <= ErrorCodeUnsupported
}

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeUnknown:
		return "unknown error"
	case ErrorCodeDecode:
		return "decode error"
	case ErrorCodeBudget:
		return "handler budget exceeded"
	case ErrorCodeHandler:
		return "handler failed"
	case ErrorCodeUnsupported:
		return "unsupported message"
	default:
		return fmt.Sprintf("error(%d)", uint32(c))
	}
}

// git-annex actions offered in the host's context menu.
const (
	ActionGet    = "get"
	ActionAdd    = "add"
	ActionDrop   = "drop"
	ActionUnlock = "unlock"
	ActionLock   = "lock"
	ActionCommit = "commit"
	ActionShare  = "share"
	ActionSync   = "sync"
)

var knownActions = map[string]struct{}{
	ActionGet:    {},
	ActionAdd:    {},
	ActionDrop:   {},
	ActionUnlock: {},
	ActionLock:   {},
	ActionCommit: {},
	ActionShare:  {},
	ActionSync:   {},
}

// IsKnownAction reports whether action is one of the menu actions above.
func IsKnownAction(action string) bool {
	_, ok := knownActions[action]
	return ok
}
