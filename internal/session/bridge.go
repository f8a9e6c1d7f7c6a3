package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/voximind/voice-gateway/internal/audio"
	"github.com/voximind/voice-gateway/internal/channel"
	"github.com/voximind/voice-gateway/internal/config"
	"github.com/voximind/voice-gateway/internal/domain"
	"github.com/voximind/voice-gateway/pkg/logger"
)

var (
	// ErrSetupFailed reports that a channel could not be established within
	// the setup timeout. The session is terminated and not retried.
	ErrSetupFailed = errors.New("session: channel setup failed")
	// ErrUpstreamUnavailable reports that the model channel reconnect budget
	// is exhausted.
	ErrUpstreamUnavailable = errors.New("session: upstream unavailable")
)

// AIDialer establishes a fresh model channel. The bridge calls it once
// during setup and again on every reconnect attempt.
type AIDialer func(ctx context.Context) (channel.AIVoice, error)

// greeter is implemented by model channels that can open the conversation.
type greeter interface {
	Greet(greeting string) error
}

// Status is a point-in-time snapshot of a live session for the operator
// control surface.
type Status struct {
	CallID     string            `json:"call_id"`
	State      string            `json:"state"`
	Caller     domain.CallerInfo `json:"caller"`
	StartedAt  time.Time         `json:"started_at"`
	Turns      int               `json:"turns"`
	Reconnects int               `json:"reconnects"`
}

// Bridge owns one call: the telephony channel, the model channel, the state
// machine, and the turn history. It pumps each direction in its own
// goroutine; the two directions coordinate only through the state machine
// and the bridge mutex.
type Bridge struct {
	id     string
	caller domain.CallerInfo
	cfg    *config.Config
	codec  *audio.Codec
	vad    *audio.VoiceDetector
	sm     *StateMachine
	tel    channel.Telephony
	dialAI AIDialer
	rec    Recorder

	// limiter paces agent audio toward the telephony channel at real-time
	// playback rate so the provider's buffer stays shallow and barge-in
	// cuts over quickly.
	limiter *rate.Limiter

	mu          sync.Mutex
	ai          channel.AIVoice
	turns       []TurnRecord
	current     *TurnRecord
	transcripts map[domain.Speaker]*strings.Builder
	endReason   domain.EndReason
	reconnects  int
	bargeTimer  *time.Timer
	idleTimer   *time.Timer
	startedAt   time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	tornOnce sync.Once
	onClose  func(*Bridge)

	agentFramesDropped  atomic.Int64
	callerFramesDropped atomic.Int64
	seqGaps             atomic.Int64
}

// NewBridge wires a bridge for one call. Start must be called before any
// audio flows.
func NewBridge(cfg *config.Config, codec *audio.Codec, vad *audio.VoiceDetector,
	callID string, caller domain.CallerInfo, tel channel.Telephony,
	dialAI AIDialer, rec Recorder, onClose func(*Bridge)) *Bridge {
	b := &Bridge{
		id:      callID,
		caller:  caller,
		cfg:     cfg,
		codec:   codec,
		vad:     vad,
		sm:      NewStateMachine(),
		tel:     tel,
		dialAI:  dialAI,
		rec:     rec,
		onClose: onClose,
		limiter: rate.NewLimiter(rate.Limit(cfg.ProviderSampleRate), cfg.ProviderSampleRate/4),
		transcripts: map[domain.Speaker]*strings.Builder{
			domain.SpeakerCaller: {},
			domain.SpeakerAgent:  {},
		},
		done: make(chan struct{}),
	}
	// The lifetime context exists from construction: the bridge is
	// registered, and therefore terminable, before Start runs.
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b
}

// Start establishes the model channel and launches both pump directions.
// If the model channel cannot be established within the setup timeout the
// session is terminated with SetupFailed and the error returned.
func (b *Bridge) Start(ctx context.Context) error {
	if b.closingOrClosed() {
		return fmt.Errorf("%w: session terminated before setup", ErrSetupFailed)
	}
	b.startedAt = time.Now()

	_ = b.rec.RecordCallStart(b.ctx, b.id, b.caller, b.startedAt)

	setupCtx, cancel := context.WithTimeout(ctx, b.cfg.SetupTimeout)
	defer cancel()

	ai, err := b.dialAI(setupCtx)
	if err != nil {
		logger.Base().Error("model channel setup failed",
			zap.String("call_id", b.id), zap.Error(err))
		b.mu.Lock()
		b.endReason = domain.EndReasonSetupFailed
		b.mu.Unlock()
		b.applyEvent(EvHangup)
		return fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}

	b.mu.Lock()
	b.ai = ai
	b.idleTimer = time.AfterFunc(b.cfg.IdleCallTimeout, func() {
		logger.Base().Info("idle call timeout, closing session", zap.String("call_id", b.id))
		b.Terminate(domain.EndReasonIdleTimeout)
	})
	b.mu.Unlock()

	if g, ok := ai.(greeter); ok && b.cfg.AgentGreeting != "" {
		if err := g.Greet(b.cfg.AgentGreeting); err != nil {
			logger.Base().Warn("failed to trigger greeting", zap.String("call_id", b.id), zap.Error(err))
		}
	}

	logger.Base().Info("call session started",
		zap.String("call_id", b.id),
		zap.String("caller", b.caller.Number))

	go b.pumpTelephony()
	go b.pumpModel(ai)
	return nil
}

// ID implements Handle.
func (b *Bridge) ID() string { return b.id }

// Done is closed once the session has reached Closed and released its
// resources.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Status implements Handle.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	turns := len(b.turns)
	if b.current != nil {
		turns++
	}
	return Status{
		CallID:     b.id,
		State:      b.sm.Current().String(),
		Caller:     b.caller,
		StartedAt:  b.startedAt,
		Turns:      turns,
		Reconnects: b.reconnects,
	}
}

// Terminate ends the call with the given reason. Used by the operator
// control surface, the idle timer, and graceful shutdown.
func (b *Bridge) Terminate(reason domain.EndReason) {
	b.mu.Lock()
	if b.endReason == "" {
		b.endReason = reason
	}
	b.mu.Unlock()
	b.applyEvent(EvHangup)
}

// Turns returns a copy of the completed turn history.
func (b *Bridge) Turns() []TurnRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]TurnRecord, len(b.turns))
	copy(out, b.turns)
	return out
}

// pumpTelephony consumes the caller direction: decode, classify voice
// activity, feed the state machine, and forward to the model channel when
// the state permits.
func (b *Bridge) pumpTelephony() {
	var lastSeq uint64
	for ev := range b.tel.Events() {
		switch ev.Type {
		case channel.EventAudio:
			b.handleCallerFrame(ev.Frame, &lastSeq)

		case channel.EventDTMF:
			logger.Base().Info("dtmf received",
				zap.String("call_id", b.id), zap.String("digit", ev.Text))

		case channel.EventMark:
			logger.Base().Debug("playback mark",
				zap.String("call_id", b.id), zap.String("name", ev.Name))

		case channel.EventClosed:
			reason := domain.EndReasonCallerHangup
			if ev.Err != nil {
				reason = domain.EndReasonProviderDropped
				logger.Base().Warn("telephony channel dropped",
					zap.String("call_id", b.id), zap.Error(ev.Err))
			}
			// The telephony channel ending means the call itself ended;
			// there is nothing to reconnect to.
			b.Terminate(reason)
		}
	}
}

func (b *Bridge) handleCallerFrame(f audio.Frame, lastSeq *uint64) {
	if *lastSeq != 0 && f.Seq != *lastSeq+1 {
		b.seqGaps.Add(1)
		logger.Base().Debug("caller frame sequence gap",
			zap.String("call_id", b.id),
			zap.Uint64("expected", *lastSeq+1), zap.Uint64("got", f.Seq))
	}
	*lastSeq = f.Seq

	pcm, err := b.codec.DecodeFromProvider(f)
	if err != nil {
		// Malformed frames are dropped; the session continues.
		logger.Base().Warn("dropping malformed caller frame",
			zap.String("call_id", b.id), zap.Error(err))
		return
	}

	if b.vad.IsVoice(pcm) {
		b.noteCallerVoice()
	}

	switch b.sm.Current() {
	case StateIdle, StateCallerTurn, StateBargeIn:
		b.mu.Lock()
		ai := b.ai
		b.mu.Unlock()
		if ai == nil {
			return
		}
		if err := ai.Send(pcm); err != nil {
			if n := b.callerFramesDropped.Add(1); n%50 == 1 {
				logger.Base().Warn("dropping caller audio",
					zap.String("call_id", b.id),
					zap.Int64("dropped_total", n), zap.Error(err))
			}
		}
	default:
		// During an agent turn caller audio only matters for barge-in
		// detection, which the voice probe above already covered.
	}
}

// noteCallerVoice handles a voice-activity signal from either the local
// energy probe or the backend's VAD.
func (b *Bridge) noteCallerVoice() {
	b.mu.Lock()
	if b.idleTimer != nil {
		b.idleTimer.Reset(b.cfg.IdleCallTimeout)
	}
	b.mu.Unlock()
	b.applyEvent(EvCallerVoice)
}

// pumpModel consumes one model channel until it ends. A fresh goroutine is
// started for the replacement channel after a successful reconnect.
func (b *Bridge) pumpModel(ai channel.AIVoice) {
	for ev := range ai.Events() {
		switch ev.Type {
		case channel.EventAudio:
			b.forwardAgentFrame(ev.Frame)

		case channel.EventVoiceStart:
			b.noteCallerVoice()

		case channel.EventTurnComplete:
			b.applyEvent(EvTurnComplete)

		case channel.EventAgentDone:
			b.applyEvent(EvAgentDone)

		case channel.EventCancelAck:
			b.applyEvent(EvCancelAck)

		case channel.EventTranscript:
			b.appendTranscript(ev.Speaker, ev.Text)

		case channel.EventToolCall:
			// Tool execution belongs to an external collaborator; surface
			// the request and move on.
			logger.Base().Info("tool call requested",
				zap.String("call_id", b.id),
				zap.String("tool", ev.Name),
				zap.String("args", ev.Args))

		case channel.EventClosed:
			if b.closingOrClosed() {
				return
			}
			if ev.Err == nil {
				// A clean upstream close is the backend ending the call,
				// not a fault to reconnect around.
				logger.Base().Info("model channel closed cleanly, ending call",
					zap.String("call_id", b.id))
				b.Terminate(domain.EndReasonCompleted)
				return
			}
			logger.Base().Warn("model channel dropped mid-call",
				zap.String("call_id", b.id), zap.Error(ev.Err))
			go b.reconnectModel()
			return
		}
	}
}

// forwardAgentFrame transcodes one frame of synthesized speech and sends it
// to the caller, paced to real time. Frames arriving while the state no
// longer permits agent audio are dropped outright.
func (b *Bridge) forwardAgentFrame(f audio.Frame) {
	if b.sm.Current() != StateAgentTurn {
		b.agentFramesDropped.Add(1)
		return
	}

	pf, err := b.codec.EncodeToProvider(f)
	if err != nil {
		logger.Base().Warn("dropping malformed agent frame",
			zap.String("call_id", b.id), zap.Error(err))
		return
	}

	// Pace before taking the lock; the limiter may sleep.
	if err := b.pace(pf.SampleCount()); err != nil {
		// Only a canceled session context gets here; the frame is lost
		// along with the call.
		b.agentFramesDropped.Add(1)
		return
	}

	// Re-check under the bridge lock: a barge-in transition committed while
	// we were pacing means this frame must not reach the caller.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sm.Current() != StateAgentTurn {
		b.agentFramesDropped.Add(1)
		return
	}
	if err := b.tel.Send(pf); err != nil {
		if n := b.agentFramesDropped.Add(1); n%50 == 1 {
			logger.Base().Warn("dropping agent audio",
				zap.String("call_id", b.id),
				zap.Int64("dropped_total", n), zap.Error(err))
		}
	}
}

// pace blocks until the limiter releases n samples worth of playback time.
// WaitN rejects requests above the burst outright, so frames longer than
// the burst are paced in burst-sized slices rather than dropped.
func (b *Bridge) pace(n int) error {
	burst := b.limiter.Burst()
	for n > 0 {
		w := n
		if w > burst {
			w = burst
		}
		if err := b.limiter.WaitN(b.ctx, w); err != nil {
			return err
		}
		n -= w
	}
	return nil
}

// applyEvent runs one event through the state machine and performs the
// transition's side effects. Event application and side effects share the
// bridge mutex so transitions and their consequences are atomic with
// respect to both pump directions.
func (b *Bridge) applyEvent(ev EventKind) Transition {
	b.mu.Lock()
	tr, err := b.sm.Apply(ev)
	if err != nil {
		// Redundant or out-of-order signals are expected from both
		// backends; drop them rather than fail the call.
		b.mu.Unlock()
		logger.Base().Debug("ignoring event for current state",
			zap.String("call_id", b.id),
			zap.String("event", ev.String()),
			zap.String("state", tr.From.String()))
		return tr
	}
	if !tr.Changed {
		b.mu.Unlock()
		return tr
	}

	logger.Base().Info("session state changed",
		zap.String("call_id", b.id),
		zap.String("from", tr.From.String()),
		zap.String("to", tr.To.String()),
		zap.String("event", ev.String()))

	switch tr.To {
	case StateCallerTurn:
		if tr.From == StateBargeIn {
			b.stopBargeTimerLocked()
		}
		b.openTurnLocked(domain.SpeakerCaller)

	case StateAgentTurn:
		b.closeTurnLocked(domain.TurnCompletedNaturally)
		b.openTurnLocked(domain.SpeakerAgent)

	case StateBargeIn:
		b.closeTurnLocked(domain.TurnCompletedInterrupt)
		b.beginBargeInLocked()

	case StateIdle:
		b.closeTurnLocked(domain.TurnCompletedNaturally)

	case StateClosing:
		b.stopBargeTimerLocked()
		b.closeTurnLocked(domain.TurnCompletedInterrupt)
	}
	b.mu.Unlock()

	if tr.To == StateClosing {
		go b.teardown()
	}
	return tr
}

// beginBargeInLocked stops agent audio immediately: flush everything queued
// toward the caller, ask the backend to cancel its response, and arm the
// acknowledgment timeout. Called with the bridge mutex held, which
// guarantees exactly one cancellation per barge-in.
func (b *Bridge) beginBargeInLocked() {
	if err := b.tel.ClearBuffered(); err != nil && !errors.Is(err, channel.ErrChannelClosed) {
		logger.Base().Warn("failed to clear provider buffer",
			zap.String("call_id", b.id), zap.Error(err))
	}
	if b.ai != nil {
		if err := b.ai.Cancel(); err != nil && !errors.Is(err, channel.ErrChannelClosed) {
			logger.Base().Warn("failed to send cancellation",
				zap.String("call_id", b.id), zap.Error(err))
		}
	}
	b.bargeTimer = time.AfterFunc(b.cfg.BargeInAckTimeout, func() {
		logger.Base().Warn("cancellation not acknowledged in time",
			zap.String("call_id", b.id),
			zap.Duration("timeout", b.cfg.BargeInAckTimeout))
		b.applyEvent(EvBargeInTimeout)
	})
}

func (b *Bridge) stopBargeTimerLocked() {
	if b.bargeTimer != nil {
		b.bargeTimer.Stop()
		b.bargeTimer = nil
	}
}

func (b *Bridge) openTurnLocked(speaker domain.Speaker) {
	now := time.Now()
	b.current = &TurnRecord{
		ID:        uuid.NewString(),
		Speaker:   speaker,
		StartedAt: now,
	}
	if buf := b.transcripts[speaker]; buf != nil {
		buf.Reset()
	}
}

func (b *Bridge) closeTurnLocked(completion domain.TurnCompletion) {
	if b.current == nil {
		return
	}
	b.current.EndedAt = time.Now()
	b.current.Completion = completion
	if buf := b.transcripts[b.current.Speaker]; buf != nil {
		b.current.Transcript = buf.String()
		buf.Reset()
	}
	turn := *b.current
	b.turns = append(b.turns, turn)
	b.current = nil
	_ = b.rec.RecordTurn(context.Background(), b.id, turn)
}

// appendTranscript accumulates transcript fragments per speaker. Caller
// transcription often completes after the turn has already flipped to the
// agent, so fragments for a closed turn backfill the most recent record of
// that speaker in memory; the persisted row keeps whatever was known at
// close time.
func (b *Bridge) appendTranscript(speaker string, text string) {
	if text == "" {
		return
	}
	sp := domain.SpeakerAgent
	if speaker == string(domain.SpeakerCaller) {
		sp = domain.SpeakerCaller
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil && b.current.Speaker == sp {
		b.transcripts[sp].WriteString(text)
		return
	}
	for i := len(b.turns) - 1; i >= 0; i-- {
		if b.turns[i].Speaker == sp {
			b.turns[i].Transcript += text
			return
		}
	}
	b.transcripts[sp].WriteString(text)
}

// reconnectModel re-establishes the model channel after an abnormal drop,
// with exponential backoff up to the configured attempt budget. Session
// state is preserved across the reconnect; on exhaustion the call ends
// gracefully with UpstreamUnavailable.
func (b *Bridge) reconnectModel() {
	backoff := b.cfg.ReconnectBackoffBase

	for attempt := 1; attempt <= b.cfg.ReconnectMaxAttempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(b.ctx, b.cfg.SetupTimeout)
		ai, err := b.dialAI(dialCtx)
		cancel()

		if err == nil {
			b.mu.Lock()
			b.ai = ai
			b.reconnects++
			b.mu.Unlock()
			logger.Base().Info("model channel reconnected",
				zap.String("call_id", b.id),
				zap.Int("attempt", attempt),
				zap.String("state", b.sm.Current().String()))
			go b.pumpModel(ai)
			return
		}

		logger.Base().Warn("model channel reconnect failed",
			zap.String("call_id", b.id),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", b.cfg.ReconnectMaxAttempts),
			zap.Error(err))

		select {
		case <-b.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > b.cfg.ReconnectBackoffCeiling {
			backoff = b.cfg.ReconnectBackoffCeiling
		}
	}

	logger.Base().Error("model channel reconnect attempts exhausted",
		zap.String("call_id", b.id))
	b.Terminate(domain.EndReasonUpstreamUnavailable)
}

func (b *Bridge) closingOrClosed() bool {
	st := b.sm.Current()
	return st == StateClosing || st == StateClosed
}

// teardown releases everything exactly once, regardless of which exit path
// got here: both channels are closed, the state machine reaches Closed, the
// end-of-call event is recorded, and the registry is notified.
func (b *Bridge) teardown() {
	b.tornOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.TeardownTimeout)
		defer cancel()

		b.mu.Lock()
		if b.idleTimer != nil {
			b.idleTimer.Stop()
			b.idleTimer = nil
		}
		b.stopBargeTimerLocked()
		ai := b.ai
		reason := b.endReason
		b.mu.Unlock()

		if reason == "" {
			reason = domain.EndReasonCompleted
		}

		_ = b.tel.Close(ctx)
		if ai != nil {
			_ = ai.Close(ctx)
		}

		b.applyEvent(EvChannelsClosed)

		_ = b.rec.RecordCallEnd(ctx, b.id, reason, time.Now())

		logger.Base().Info("call session ended",
			zap.String("call_id", b.id),
			zap.String("reason", string(reason)),
			zap.Duration("duration", time.Since(b.startedAt)),
			zap.Int64("agent_frames_dropped", b.agentFramesDropped.Load()),
			zap.Int64("caller_frames_dropped", b.callerFramesDropped.Load()))

		b.cancel()
		if b.onClose != nil {
			b.onClose(b)
		}
		close(b.done)
	})
}
