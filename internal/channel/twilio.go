package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voximind/voice-gateway/internal/audio"
	"github.com/voximind/voice-gateway/internal/config"
	"github.com/voximind/voice-gateway/pkg/logger"
)

// twilioMessage is the envelope for every Media Streams websocket message,
// inbound and outbound.
type twilioMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSid      string       `json:"streamSid,omitempty"`
	Start          *twilioStart `json:"start,omitempty"`
	Media          *twilioMedia `json:"media,omitempty"`
	Mark           *twilioMark  `json:"mark,omitempty"`
	DTMF           *twilioDTMF  `json:"dtmf,omitempty"`
}

type twilioStart struct {
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type twilioMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type twilioMark struct {
	Name string `json:"name"`
}

type twilioDTMF struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// StreamStart describes the stream handshake the provider sends before any
// media flows.
type StreamStart struct {
	CallSid          string
	StreamSid        string
	AccountSid       string
	CustomParameters map[string]string
	Encoding         string
	SampleRate       int
}

// TwilioStream adapts one Twilio Media Streams websocket connection to the
// Telephony channel contract. Audio arrives and leaves as base64 G.711
// payloads inside JSON text messages.
type TwilioStream struct {
	conn      *websocket.Conn
	streamSid string
	format    audio.Format

	events chan Event
	out    chan []byte

	writeMu   sync.Mutex // serializes websocket writes (media vs control)
	closeOnce sync.Once
	closed    chan struct{}
	seq       atomic.Uint64
}

// AcceptTwilioStream consumes the handshake on a freshly upgraded media
// websocket and returns the adapted channel. It fails if no start message
// arrives before the context deadline.
func AcceptTwilioStream(ctx context.Context, conn *websocket.Conn, cfg *config.Config) (*TwilioStream, *StreamStart, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	var start *StreamStart
	for start == nil {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, nil, fmt.Errorf("reading media stream handshake: %w", err)
		}
		var msg twilioMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, nil, fmt.Errorf("parsing media stream handshake: %w", err)
		}
		switch msg.Event {
		case "connected":
			// Protocol preamble, nothing to do.
		case "start":
			if msg.Start == nil {
				return nil, nil, fmt.Errorf("start message without start payload")
			}
			start = &StreamStart{
				CallSid:          msg.Start.CallSid,
				StreamSid:        msg.Start.StreamSid,
				AccountSid:       msg.Start.AccountSid,
				CustomParameters: msg.Start.CustomParameters,
				Encoding:         msg.Start.MediaFormat.Encoding,
				SampleRate:       msg.Start.MediaFormat.SampleRate,
			}
		default:
			logger.Base().Warn("unexpected message before stream start", zap.String("event", msg.Event))
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	format := audio.FormatULaw
	if cfg.ProviderEncoding == config.EncodingG711ALaw {
		format = audio.FormatALaw
	}

	t := &TwilioStream{
		conn:      conn,
		streamSid: start.StreamSid,
		format:    format,
		events:    make(chan Event, 256),
		out:       make(chan []byte, cfg.SendQueueDepth),
		closed:    make(chan struct{}),
	}
	go t.readLoop()
	go t.writeLoop()
	return t, start, nil
}

// Send queues one provider-native frame for playback to the caller.
func (t *TwilioStream) Send(f audio.Frame) error {
	select {
	case <-t.closed:
		return ErrChannelClosed
	default:
	}
	select {
	case t.out <- f.Payload:
		return nil
	default:
		return ErrBackpressured
	}
}

// Events implements Channel.
func (t *TwilioStream) Events() <-chan Event {
	return t.events
}

// ClearBuffered flushes the local send queue and tells the provider to drop
// any audio it has buffered but not yet played.
func (t *TwilioStream) ClearBuffered() error {
	for {
		select {
		case <-t.out:
		default:
			return t.writeControl(twilioMessage{Event: "clear", StreamSid: t.streamSid})
		}
	}
}

// SendMark asks the provider to echo a named marker once playback reaches
// this point in its buffer.
func (t *TwilioStream) SendMark(name string) error {
	return t.writeControl(twilioMessage{Event: "mark", StreamSid: t.streamSid, Mark: &twilioMark{Name: name}})
}

// Close implements Channel.
func (t *TwilioStream) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		close(t.closed)
		deadline := time.Now().Add(time.Second)
		if d, ok := ctx.Deadline(); ok {
			deadline = d
		}
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		t.writeMu.Unlock()
		_ = t.conn.Close()
	})
	return nil
}

func (t *TwilioStream) writeControl(msg twilioMessage) error {
	select {
	case <-t.closed:
		return ErrChannelClosed
	default:
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

func (t *TwilioStream) writeLoop() {
	for {
		select {
		case <-t.closed:
			return
		case payload := <-t.out:
			msg := twilioMessage{
				Event:     "media",
				StreamSid: t.streamSid,
				Media:     &twilioMedia{Payload: base64.StdEncoding.EncodeToString(payload)},
			}
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Base().Error("failed to marshal media message", zap.Error(err))
				continue
			}
			t.writeMu.Lock()
			err = t.conn.WriteMessage(websocket.TextMessage, data)
			t.writeMu.Unlock()
			if err != nil {
				// The read loop will observe the broken connection and
				// surface the terminal event.
				_ = t.conn.Close()
				return
			}
		}
	}
}

func (t *TwilioStream) readLoop() {
	defer close(t.events)

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.emitClosed(err)
			return
		}

		var msg twilioMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Base().Warn("dropping unparseable media stream message", zap.Error(err))
			continue
		}

		switch msg.Event {
		case "media":
			if msg.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil || len(payload) == 0 {
				logger.Base().Warn("dropping media message with bad payload", zap.Error(err))
				continue
			}
			t.emit(Event{Type: EventAudio, Frame: audio.Frame{
				Payload:   payload,
				Format:    t.format,
				Seq:       t.seq.Add(1),
				Timestamp: time.Now(),
			}})
		case "mark":
			if msg.Mark != nil {
				t.emit(Event{Type: EventMark, Name: msg.Mark.Name})
			}
		case "dtmf":
			if msg.DTMF != nil {
				t.emit(Event{Type: EventDTMF, Text: msg.DTMF.Digit})
			}
		case "stop":
			// Provider-initiated hangup: clean end of stream.
			t.emitClosed(nil)
			_ = t.Close(context.Background())
			return
		case "connected", "start":
			// Redundant after the handshake; ignore.
		default:
			logger.Base().Debug("ignoring unknown media stream event", zap.String("event", msg.Event))
		}
	}
}

func (t *TwilioStream) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.closed:
	}
}

// emitClosed delivers the terminal event exactly once. A nil err or a normal
// websocket closure counts as a clean provider-initiated hangup.
func (t *TwilioStream) emitClosed(err error) {
	select {
	case <-t.closed:
		// Locally initiated close; the read error is just fallout.
		err = nil
	default:
	}
	if err != nil && websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		err = nil
	}
	t.emit(Event{Type: EventClosed, Err: err})
}
