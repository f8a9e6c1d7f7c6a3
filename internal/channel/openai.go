package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voximind/voice-gateway/internal/audio"
	"github.com/voximind/voice-gateway/internal/config"
	"github.com/voximind/voice-gateway/pkg/logger"
)

// realtimeClientEvent is the envelope for messages we send to the Realtime
// API.
type realtimeClientEvent struct {
	Type     string           `json:"type"`
	Audio    string           `json:"audio,omitempty"`
	Session  *realtimeSession `json:"session,omitempty"`
	Response *realtimeCreate  `json:"response,omitempty"`
}

type realtimeSession struct {
	Modalities              []string            `json:"modalities,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string              `json:"output_audio_format,omitempty"`
	InputAudioTranscription *realtimeTranscribe `json:"input_audio_transcription,omitempty"`
	TurnDetection           *realtimeTurnDetect `json:"turn_detection,omitempty"`
}

type realtimeTranscribe struct {
	Model string `json:"model"`
}

type realtimeTurnDetect struct {
	Type string `json:"type"`
}

type realtimeCreate struct {
	Instructions string `json:"instructions,omitempty"`
}

// realtimeServerEvent covers the subset of server events the bridge acts on.
type realtimeServerEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Name       string `json:"name,omitempty"`
	Arguments  string `json:"arguments,omitempty"`
	Response   *struct {
		Status string `json:"status,omitempty"`
	} `json:"response,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// OpenAIRealtime adapts an OpenAI Realtime API websocket to the AIVoice
// channel contract. Caller audio goes up as input_audio_buffer.append
// messages; synthesized speech comes back as response audio deltas.
type OpenAIRealtime struct {
	conn *websocket.Conn

	events chan Event
	out    chan []byte

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	seq       atomic.Uint64
}

// DialOpenAIRealtime connects to the Realtime API and configures the session
// for raw PCM16 audio with server-side turn detection. The context bounds
// connection establishment.
func DialOpenAIRealtime(ctx context.Context, cfg *config.Config) (*OpenAIRealtime, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.OpenAIAPIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	url := fmt.Sprintf("%s?model=%s", cfg.OpenAIRealtimeURL, cfg.OpenAIModel)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing realtime API (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing realtime API: %w", err)
	}

	c := &OpenAIRealtime{
		conn:   conn,
		events: make(chan Event, 256),
		out:    make(chan []byte, cfg.SendQueueDepth),
		closed: make(chan struct{}),
	}

	if err := c.configureSession(cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.readLoop()
	go c.writeLoop()

	logger.Base().Info("realtime session established",
		zap.String("model", cfg.OpenAIModel),
		zap.String("voice", cfg.OpenAIVoice))
	return c, nil
}

func (c *OpenAIRealtime) configureSession(cfg *config.Config) error {
	update := realtimeClientEvent{
		Type: "session.update",
		Session: &realtimeSession{
			Modalities:              []string{"audio", "text"},
			Voice:                   cfg.OpenAIVoice,
			Instructions:            cfg.AgentInstructions,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &realtimeTranscribe{Model: "whisper-1"},
			TurnDetection:           &realtimeTurnDetect{Type: "server_vad"},
		},
	}
	return c.writeJSON(update)
}

// Greet asks the backend to open the conversation with the configured
// greeting instead of waiting silently for the caller.
func (c *OpenAIRealtime) Greet(greeting string) error {
	return c.writeJSON(realtimeClientEvent{
		Type:     "response.create",
		Response: &realtimeCreate{Instructions: fmt.Sprintf("Greet the caller with: %q", greeting)},
	})
}

// Send queues one PCM16 frame of caller audio for the backend.
func (c *OpenAIRealtime) Send(f audio.Frame) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	select {
	case c.out <- f.Payload:
		return nil
	default:
		return ErrBackpressured
	}
}

// Events implements Channel.
func (c *OpenAIRealtime) Events() <-chan Event {
	return c.events
}

// Cancel asks the backend to abort its in-flight response. Written directly
// rather than through the send queue so a full queue cannot delay the
// interrupt.
func (c *OpenAIRealtime) Cancel() error {
	return c.writeJSON(realtimeClientEvent{Type: "response.cancel"})
}

// Close implements Channel.
func (c *OpenAIRealtime) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(time.Second)
		if d, ok := ctx.Deadline(); ok {
			deadline = d
		}
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}

func (c *OpenAIRealtime) writeJSON(v realtimeClientEvent) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

func (c *OpenAIRealtime) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.out:
			err := c.writeJSON(realtimeClientEvent{
				Type:  "input_audio_buffer.append",
				Audio: base64.StdEncoding.EncodeToString(payload),
			})
			if err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *OpenAIRealtime) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.emitClosed(err)
			return
		}

		var ev realtimeServerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Base().Warn("dropping unparseable realtime event", zap.Error(err))
			continue
		}

		switch ev.Type {
		case "input_audio_buffer.speech_started":
			c.emit(Event{Type: EventVoiceStart})

		case "response.created":
			c.emit(Event{Type: EventTurnComplete})

		case "response.audio.delta", "response.output_audio.delta":
			payload, err := base64.StdEncoding.DecodeString(ev.Delta)
			if err != nil || len(payload) == 0 {
				continue
			}
			c.emit(Event{Type: EventAudio, Frame: audio.Frame{
				Payload:   payload,
				Format:    audio.FormatPCM16,
				Seq:       c.seq.Add(1),
				Timestamp: time.Now(),
			}})

		case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
			c.emit(Event{Type: EventTranscript, Speaker: "agent", Text: ev.Delta})

		case "conversation.item.input_audio_transcription.completed":
			c.emit(Event{Type: EventTranscript, Speaker: "caller", Text: ev.Transcript})

		case "response.function_call_arguments.done":
			c.emit(Event{Type: EventToolCall, Name: ev.Name, Args: ev.Arguments})

		case "response.done":
			if ev.Response != nil && ev.Response.Status == "cancelled" {
				c.emit(Event{Type: EventCancelAck})
			} else {
				c.emit(Event{Type: EventAgentDone})
			}

		case "error":
			if ev.Error != nil {
				logger.Base().Error("realtime API error",
					zap.String("error_type", ev.Error.Type),
					zap.String("message", ev.Error.Message))
			}

		default:
			// The API emits many bookkeeping events the bridge has no use
			// for (rate limits, item lifecycle); skip them silently.
		}
	}
}

func (c *OpenAIRealtime) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func (c *OpenAIRealtime) emitClosed(err error) {
	select {
	case <-c.closed:
		err = nil
	default:
	}
	if err != nil && websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		err = nil
	}
	c.emit(Event{Type: EventClosed, Err: err})
}
