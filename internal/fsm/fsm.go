// Package fsm models the lifecycle of one daemon channel.
package fsm

import "fmt"

type State string

type Event string

const (
	StateCreated   State = "created"
	StateListening State = "listening"
	StateHandling  State = "handling"
	StateStopped   State = "stopped"
)

const (
	EventListen  Event = "listen"
	EventReceive Event = "receive"
	EventReply   Event = "reply"
	EventStop    Event = "stop"
)

func Transition(current State, event Event) (State, error) {
	switch current {
	case StateCreated:
		switch event {
		case EventListen:
			return StateListening, nil
		case EventStop:
			return StateStopped, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateListening:
		switch event {
		case EventReceive:
			return StateHandling, nil
		case EventStop:
			return StateStopped, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateHandling:
		switch event {
		case EventReply:
			return StateListening, nil
		case EventStop:
			return StateStopped, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateStopped:
		return current, invalidTransition(current, event)
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
