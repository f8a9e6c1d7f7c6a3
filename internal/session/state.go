// Package session implements the per-call audio bridge: the state machine
// that arbitrates turn-taking, the bridge that pumps frames between the
// telephony and model channels, and the registry of live sessions.
package session

import (
	"errors"
	"fmt"
	"sync"
)

// State is the conversational state of one call.
type State int

const (
	StateIdle State = iota
	StateCallerTurn
	StateAgentTurn
	StateBargeIn
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCallerTurn:
		return "caller_turn"
	case StateAgentTurn:
		return "agent_turn"
	case StateBargeIn:
		return "barge_in"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind is an input to the state machine.
type EventKind int

const (
	// EvCallerVoice: a caller frame or signal carrying voice activity.
	EvCallerVoice EventKind = iota
	// EvTurnComplete: the backend finished listening and starts responding.
	EvTurnComplete
	// EvAgentDone: the agent utterance completed naturally.
	EvAgentDone
	// EvCancelAck: the backend confirmed cancellation of its response.
	EvCancelAck
	// EvBargeInTimeout: the cancellation acknowledgment deadline elapsed.
	EvBargeInTimeout
	// EvHangup: explicit hangup from either channel or the operator.
	EvHangup
	// EvChannelsClosed: both channels have confirmed closure.
	EvChannelsClosed
)

func (e EventKind) String() string {
	switch e {
	case EvCallerVoice:
		return "caller_voice"
	case EvTurnComplete:
		return "turn_complete"
	case EvAgentDone:
		return "agent_done"
	case EvCancelAck:
		return "cancel_ack"
	case EvBargeInTimeout:
		return "barge_in_timeout"
	case EvHangup:
		return "hangup"
	case EvChannelsClosed:
		return "channels_closed"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition reports an event the state machine does not recognize
// for its current state. Callers log and ignore it; backends emit redundant
// signals and that must never take a call down.
var ErrInvalidTransition = errors.New("session: invalid state transition")

// Transition describes the outcome of applying one event.
type Transition struct {
	From    State
	To      State
	Changed bool
}

// StateMachine serializes all state transitions for one call. It is the
// only shared mutation point between the two pump directions; every Apply
// runs under one mutex, so transitions are never in flight concurrently.
type StateMachine struct {
	mu    sync.Mutex
	state State
}

// NewStateMachine starts in Idle.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateIdle}
}

// Current returns the current state.
func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Apply feeds one event through the transition table. Redundant events that
// are expected in normal operation (a voice frame during an ongoing caller
// turn, a second hangup) return Changed=false with no error; events that
// make no sense for the current state return ErrInvalidTransition with the
// state unchanged.
func (m *StateMachine) Apply(ev EventKind) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state

	// Terminal and closing states first: they absorb everything.
	switch from {
	case StateClosed:
		return Transition{From: from, To: from}, nil
	case StateClosing:
		if ev == EvChannelsClosed {
			m.state = StateClosed
			return Transition{From: from, To: StateClosed, Changed: true}, nil
		}
		return Transition{From: from, To: from}, nil
	}

	if ev == EvHangup {
		m.state = StateClosing
		return Transition{From: from, To: StateClosing, Changed: true}, nil
	}

	var to State
	switch from {
	case StateIdle:
		switch ev {
		case EvCallerVoice:
			to = StateCallerTurn
		case EvTurnComplete:
			// Agent-initiated turn: the opening greeting starts before the
			// caller has said anything.
			to = StateAgentTurn
		default:
			return m.invalid(from, ev)
		}

	case StateCallerTurn:
		switch ev {
		case EvCallerVoice:
			return Transition{From: from, To: from}, nil
		case EvTurnComplete:
			to = StateAgentTurn
		default:
			return m.invalid(from, ev)
		}

	case StateAgentTurn:
		switch ev {
		case EvCallerVoice:
			to = StateBargeIn
		case EvAgentDone:
			to = StateIdle
		default:
			return m.invalid(from, ev)
		}

	case StateBargeIn:
		switch ev {
		case EvCallerVoice:
			return Transition{From: from, To: from}, nil
		case EvCancelAck, EvBargeInTimeout, EvAgentDone:
			// AgentDone covers backends that finish the cancelled response
			// instead of acknowledging the cancel.
			to = StateCallerTurn
		default:
			return m.invalid(from, ev)
		}

	default:
		return m.invalid(from, ev)
	}

	m.state = to
	return Transition{From: from, To: to, Changed: true}, nil
}

func (m *StateMachine) invalid(from State, ev EventKind) (Transition, error) {
	return Transition{From: from, To: from},
		fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, ev, from)
}
