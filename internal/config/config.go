package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Supported provider-side audio encodings.
const (
	EncodingG711ULaw = "g711_ulaw"
	EncodingG711ALaw = "g711_alaw"
)

// Defaults for Twilio Media Streams (8 kHz G.711) and the OpenAI Realtime
// API (24 kHz PCM16).
const (
	DefaultProviderSampleRate = 8000
	DefaultModelSampleRate    = 24000
)

// Config holds the full gateway configuration. All timeouts and thresholds
// that govern a live call are explicit here; nothing in the session layer
// hardcodes a wait.
type Config struct {
	Port       string
	PublicHost string // externally reachable host used in the TwiML stream URL

	// Twilio
	TwilioAccountSID string
	TwilioAuthToken  string
	ValidateWebhooks bool

	// OpenAI Realtime
	OpenAIAPIKey      string
	OpenAIRealtimeURL string
	OpenAIModel       string
	OpenAIVoice       string

	// Agent behaviour
	AgentGreeting     string
	AgentInstructions string

	// Audio formats
	ProviderEncoding   string
	ProviderSampleRate int
	ModelSampleRate    int

	// Session policy
	SetupTimeout            time.Duration
	IdleCallTimeout         time.Duration
	BargeInAckTimeout       time.Duration
	ReconnectMaxAttempts    int
	ReconnectBackoffBase    time.Duration
	ReconnectBackoffCeiling time.Duration
	SendQueueDepth          int
	RecorderQueueDepth      int
	RecorderPersistTimeout  time.Duration
	TeardownTimeout         time.Duration
	DrainTimeout            time.Duration

	// Persistence (optional; empty DSN disables call logging)
	DatabaseDSN string

	// Redis session monitor (optional; empty host disables it)
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Operator control API
	ControlAPISecret string

	// Instance identifier for multi-pod monitoring
	InstanceID string
}

// LoadFromEnv builds a Config from environment variables, applying defaults
// suitable for local development.
func LoadFromEnv() *Config {
	return &Config{
		Port:       getEnvOrDefault("PORT", "8082"),
		PublicHost: getEnvOrDefault("PUBLIC_HOST", "localhost:8082"),

		TwilioAccountSID: getEnvOrDefault("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnvOrDefault("TWILIO_AUTH_TOKEN", ""),
		ValidateWebhooks: getEnvAsBoolOrDefault("TWILIO_VALIDATE_WEBHOOKS", true),

		OpenAIAPIKey:      getEnvOrDefault("OPENAI_API_KEY", ""),
		OpenAIRealtimeURL: getEnvOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		OpenAIModel:       getEnvOrDefault("OPENAI_REALTIME_MODEL", "gpt-realtime"),
		OpenAIVoice:       getEnvOrDefault("OPENAI_VOICE", "alloy"),

		AgentGreeting:     getEnvOrDefault("AGENT_GREETING", "Hello, thank you for calling. How can I help you today?"),
		AgentInstructions: getEnvOrDefault("AGENT_INSTRUCTIONS", "You are a friendly and professional phone receptionist. Keep responses short and conversational."),

		ProviderEncoding:   getEnvOrDefault("PROVIDER_AUDIO_ENCODING", EncodingG711ULaw),
		ProviderSampleRate: getEnvAsIntOrDefault("PROVIDER_SAMPLE_RATE", DefaultProviderSampleRate),
		ModelSampleRate:    getEnvAsIntOrDefault("MODEL_SAMPLE_RATE", DefaultModelSampleRate),

		SetupTimeout:            getEnvAsDurationOrDefault("SETUP_TIMEOUT", 10*time.Second),
		IdleCallTimeout:         getEnvAsDurationOrDefault("IDLE_CALL_TIMEOUT", 90*time.Second),
		BargeInAckTimeout:       getEnvAsDurationOrDefault("BARGE_IN_ACK_TIMEOUT", 2*time.Second),
		ReconnectMaxAttempts:    getEnvAsIntOrDefault("RECONNECT_MAX_ATTEMPTS", 3),
		ReconnectBackoffBase:    getEnvAsDurationOrDefault("RECONNECT_BACKOFF_BASE", 500*time.Millisecond),
		ReconnectBackoffCeiling: getEnvAsDurationOrDefault("RECONNECT_BACKOFF_CEILING", 8*time.Second),
		SendQueueDepth:          getEnvAsIntOrDefault("SEND_QUEUE_DEPTH", 64),
		RecorderQueueDepth:      getEnvAsIntOrDefault("RECORDER_QUEUE_DEPTH", 256),
		RecorderPersistTimeout:  getEnvAsDurationOrDefault("RECORDER_PERSIST_TIMEOUT", 5*time.Second),
		TeardownTimeout:         getEnvAsDurationOrDefault("TEARDOWN_TIMEOUT", 5*time.Second),
		DrainTimeout:            getEnvAsDurationOrDefault("DRAIN_TIMEOUT", 30*time.Second),

		DatabaseDSN: getEnvOrDefault("DATABASE_DSN", ""),

		RedisHost:     getEnvOrDefault("REDIS_HOST", ""),
		RedisPort:     getEnvOrDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsIntOrDefault("REDIS_DB", 0),

		ControlAPISecret: getEnvOrDefault("CONTROL_API_SECRET", ""),

		InstanceID: getInstanceID(),
	}
}

// Validate checks the configuration for values the session layer cannot
// operate with.
func (c *Config) Validate() error {
	if c.ProviderEncoding != EncodingG711ULaw && c.ProviderEncoding != EncodingG711ALaw {
		return fmt.Errorf("unsupported provider encoding: %q", c.ProviderEncoding)
	}
	if c.ProviderSampleRate <= 0 {
		return fmt.Errorf("provider sample rate must be positive, got %d", c.ProviderSampleRate)
	}
	if c.ModelSampleRate <= 0 {
		return fmt.Errorf("model sample rate must be positive, got %d", c.ModelSampleRate)
	}
	if c.SetupTimeout <= 0 {
		return fmt.Errorf("setup timeout must be positive, got %s", c.SetupTimeout)
	}
	if c.BargeInAckTimeout <= 0 {
		return fmt.Errorf("barge-in ack timeout must be positive, got %s", c.BargeInAckTimeout)
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("reconnect max attempts must not be negative, got %d", c.ReconnectMaxAttempts)
	}
	if c.ReconnectBackoffBase <= 0 || c.ReconnectBackoffCeiling < c.ReconnectBackoffBase {
		return fmt.Errorf("invalid reconnect backoff: base=%s ceiling=%s", c.ReconnectBackoffBase, c.ReconnectBackoffCeiling)
	}
	if c.SendQueueDepth <= 0 {
		return fmt.Errorf("send queue depth must be positive, got %d", c.SendQueueDepth)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getInstanceID returns a unique identifier for this service instance.
// Prefers the system hostname (pod name in Kubernetes).
func getInstanceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("voice-gateway-%d", time.Now().UnixNano())
}
