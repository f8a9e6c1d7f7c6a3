package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/voximind/voice-gateway/internal/audio"
	"github.com/voximind/voice-gateway/internal/channel"
	"github.com/voximind/voice-gateway/internal/config"
	"github.com/voximind/voice-gateway/internal/domain"
)

// Manager builds and starts session bridges. It owns the pieces shared by
// every call: the codec, the voice detector, the recorder, and the registry.
type Manager struct {
	cfg      *config.Config
	codec    *audio.Codec
	vad      *audio.VoiceDetector
	registry *Registry
	rec      Recorder
}

// NewManager validates the audio configuration and prepares the shared
// call machinery.
func NewManager(cfg *config.Config, registry *Registry, rec Recorder) (*Manager, error) {
	codec, err := audio.NewCodec(cfg.ProviderEncoding, cfg.ProviderSampleRate, cfg.ModelSampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to build codec: %w", err)
	}
	if rec == nil {
		rec = NopRecorder{}
	}
	return &Manager{
		cfg:      cfg,
		codec:    codec,
		vad:      audio.NewVoiceDetector(0),
		registry: registry,
		rec:      rec,
	}, nil
}

// Registry exposes the live session registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// CreateSession registers and starts a bridge for an accepted telephony
// stream. The bridge owns both channels from here on; if setup fails the
// telephony channel is closed as part of the bridge teardown.
func (m *Manager) CreateSession(ctx context.Context, callID string, caller domain.CallerInfo, tel channel.Telephony) (*Bridge, error) {
	if callID == "" {
		callID = uuid.NewString()
	}

	dial := func(ctx context.Context) (channel.AIVoice, error) {
		return channel.DialOpenAIRealtime(ctx, m.cfg)
	}

	b := NewBridge(m.cfg, m.codec, m.vad, callID, caller, tel, dial, m.rec, func(b *Bridge) {
		m.registry.Unregister(b.ID())
	})

	if err := m.registry.Register(b); err != nil {
		return nil, err
	}

	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	return b, nil
}
