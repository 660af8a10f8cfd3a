package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

// Config contains all runtime settings for the conversation core.
type Config struct {
	BindAddr         string        `env:"GRIDTALK_BIND_ADDR" envDefault:":8090"`
	ShutdownTimeout  time.Duration `env:"GRIDTALK_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MetricsNamespace string        `env:"GRIDTALK_METRICS_NAMESPACE" envDefault:"gridtalk"`
	LogLevel         string        `env:"GRIDTALK_LOG_LEVEL" envDefault:"info"`

	// Identity of the local participant.
	AgentID uuid.UUID `env:"GRIDTALK_AGENT_ID"`

	// Capability endpoints advertised by the current region. Any of these may
	// be empty, in which case the legacy point-to-point path is used.
	NameLookupURL      string `env:"GRIDTALK_NAME_LOOKUP_URL"`
	ChatSessionURL     string `env:"GRIDTALK_CHAT_SESSION_URL"`
	HistoryFetchURL    string `env:"GRIDTALK_HISTORY_FETCH_URL"`
	DisplayNameSetURL  string `env:"GRIDTALK_DISPLAY_NAME_SET_URL"`
	OfflineMessagesURL string `env:"GRIDTALK_OFFLINE_MSGS_URL"`

	// Optional HTTP endpoint for the legacy point-to-point send path; when
	// empty, outgoing legacy messages are logged and dropped.
	LegacySendURL string `env:"GRIDTALK_LEGACY_SEND_URL"`

	// Voice-engine gateway websocket endpoint; empty disables voice.
	VoiceGatewayURL string `env:"GRIDTALK_VOICE_GATEWAY_URL"`

	// Point-to-point message feed websocket endpoint; empty leaves only the
	// local ingest route as the inbound path.
	MessageStreamURL string `env:"GRIDTALK_MESSAGE_STREAM_URL"`

	// Name cache tuning.
	NameCacheFile   string        `env:"GRIDTALK_NAME_CACHE_FILE" envDefault:"avatar_names.cache"`
	MaxNameRequests int           `env:"GRIDTALK_MAX_NAME_REQUESTS" envDefault:"32"`
	MaxNameBatch    int           `env:"GRIDTALK_MAX_NAME_BATCH" envDefault:"100"`
	NameTick        time.Duration `env:"GRIDTALK_NAME_TICK" envDefault:"100ms"`

	// Conversation logs.
	TranscriptDir        string `env:"GRIDTALK_TRANSCRIPT_DIR" envDefault:"conversation_logs"`
	TranscriptTimestamps bool   `env:"GRIDTALK_TRANSCRIPT_TIMESTAMPS" envDefault:"true"`
	HistoryMaxBytes      int64  `env:"GRIDTALK_HISTORY_MAX_BYTES" envDefault:"65536"`

	// Speaker tracker tick.
	SpeakerTick time.Duration `env:"GRIDTALK_SPEAKER_TICK" envDefault:"250ms"`
}

// Load reads environment variables and applies defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MaxNameRequests <= 0 {
		return fmt.Errorf("GRIDTALK_MAX_NAME_REQUESTS must be positive")
	}
	if c.MaxNameBatch <= 0 {
		return fmt.Errorf("GRIDTALK_MAX_NAME_BATCH must be positive")
	}
	if c.NameTick <= 0 {
		return fmt.Errorf("GRIDTALK_NAME_TICK must be positive")
	}
	if c.SpeakerTick <= 0 {
		return fmt.Errorf("GRIDTALK_SPEAKER_TICK must be positive")
	}
	if c.HistoryMaxBytes <= 0 {
		return fmt.Errorf("GRIDTALK_HISTORY_MAX_BYTES must be positive")
	}
	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("GRIDTALK_SHUTDOWN_TIMEOUT must be at least 1s")
	}
	return nil
}
