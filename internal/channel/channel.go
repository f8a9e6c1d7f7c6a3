// Package channel adapts the two media transports of a call, the telephony
// provider's media-stream socket and the AI voice backend socket, to one
// uniform contract the session bridge can pump without knowing either wire
// protocol.
package channel

import (
	"context"
	"errors"

	"github.com/voximind/voice-gateway/internal/audio"
)

var (
	// ErrChannelClosed reports a send on a channel whose transport is gone.
	ErrChannelClosed = errors.New("channel: closed")
	// ErrBackpressured reports that the outbound queue is at its configured
	// depth. The caller decides whether to drop, pace, or abort.
	ErrBackpressured = errors.New("channel: send queue full")
)

// EventType identifies an inbound channel event.
type EventType string

const (
	// EventAudio carries one inbound audio frame.
	EventAudio EventType = "audio"
	// EventVoiceStart signals detected caller speech.
	EventVoiceStart EventType = "voice_start"
	// EventTurnComplete signals the backend finished listening and is about
	// to emit a response.
	EventTurnComplete EventType = "turn_complete"
	// EventAgentDone signals the backend completed its utterance naturally.
	EventAgentDone EventType = "agent_done"
	// EventCancelAck confirms an in-flight response was cancelled.
	EventCancelAck EventType = "cancel_ack"
	// EventTranscript carries a transcript fragment.
	EventTranscript EventType = "transcript"
	// EventToolCall carries a tool invocation requested by the backend.
	EventToolCall EventType = "tool_call"
	// EventMark echoes a playback marker from the telephony provider.
	EventMark EventType = "mark"
	// EventDTMF carries a keypad digit pressed by the caller.
	EventDTMF EventType = "dtmf"
	// EventClosed terminates the stream. It is always the last event on the
	// channel; a nil Err means a clean provider-initiated shutdown.
	EventClosed EventType = "closed"
)

// Event is one inbound item from a channel's read path.
type Event struct {
	Type    EventType
	Frame   audio.Frame
	Text    string // transcript fragment or DTMF digit
	Speaker string // transcript attribution: "caller" or "agent"
	Name    string // mark label or tool name
	Args    string // tool arguments, JSON-encoded
	Err     error  // EventClosed only; nil means clean shutdown
}

// Channel is the uniform capability both transports expose.
type Channel interface {
	// Send queues one outbound frame. It never blocks: it fails fast with
	// ErrBackpressured when the outbound queue is full and with
	// ErrChannelClosed once the transport ended.
	Send(f audio.Frame) error

	// Events returns the inbound event stream. The stream is finite per
	// physical connection: exactly one EventClosed is delivered last, then
	// the Go channel is closed. Connection loss surfaces there, never as a
	// silent stall.
	Events() <-chan Event

	// Close tears down the transport. Safe to call multiple times and from
	// any goroutine.
	Close(ctx context.Context) error
}

// Telephony is the provider-side media channel.
type Telephony interface {
	Channel

	// ClearBuffered drops outbound audio that is queued but not yet played,
	// both in the local send queue and in the provider's playback buffer.
	ClearBuffered() error
}

// AIVoice is the model-backend channel.
type AIVoice interface {
	Channel

	// Cancel asks the backend to abort its in-flight response generation.
	// The backend confirms with EventCancelAck.
	Cancel() error
}
