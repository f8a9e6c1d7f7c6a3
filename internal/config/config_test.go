package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg := LoadFromEnv()

	assert.Equal(t, "8082", cfg.Port)
	assert.Equal(t, EncodingG711ULaw, cfg.ProviderEncoding)
	assert.Equal(t, DefaultProviderSampleRate, cfg.ProviderSampleRate)
	assert.Equal(t, DefaultModelSampleRate, cfg.ModelSampleRate)
	assert.Equal(t, 3, cfg.ReconnectMaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.RecorderPersistTimeout)
	assert.NotEmpty(t, cfg.InstanceID)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("PROVIDER_AUDIO_ENCODING", EncodingG711ALaw)
	t.Setenv("BARGE_IN_ACK_TIMEOUT", "750ms")
	t.Setenv("SEND_QUEUE_DEPTH", "16")
	t.Setenv("RECORDER_PERSIST_TIMEOUT", "2s")
	t.Setenv("TWILIO_VALIDATE_WEBHOOKS", "false")

	cfg := LoadFromEnv()

	assert.Equal(t, EncodingG711ALaw, cfg.ProviderEncoding)
	assert.Equal(t, 750*time.Millisecond, cfg.BargeInAckTimeout)
	assert.Equal(t, 16, cfg.SendQueueDepth)
	assert.Equal(t, 2*time.Second, cfg.RecorderPersistTimeout)
	assert.False(t, cfg.ValidateWebhooks)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unsupported encoding",
			mutate:  func(c *Config) { c.ProviderEncoding = "opus" },
			wantErr: "unsupported provider encoding",
		},
		{
			name:    "zero sample rate",
			mutate:  func(c *Config) { c.ModelSampleRate = 0 },
			wantErr: "model sample rate",
		},
		{
			name:    "negative reconnect attempts",
			mutate:  func(c *Config) { c.ReconnectMaxAttempts = -1 },
			wantErr: "reconnect max attempts",
		},
		{
			name: "backoff ceiling below base",
			mutate: func(c *Config) {
				c.ReconnectBackoffBase = 2 * time.Second
				c.ReconnectBackoffCeiling = time.Second
			},
			wantErr: "invalid reconnect backoff",
		},
		{
			name:    "zero send queue depth",
			mutate:  func(c *Config) { c.SendQueueDepth = 0 },
			wantErr: "send queue depth",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadFromEnv()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
