// Package config provides the configuration schema, loader, file watcher and
// provider registry of the consultation server.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration, loaded from YAML with [Load] or
// [LoadFromReader]. Durations are written as Go duration strings ("2s",
// "1m30s").
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Providers      ProvidersConfig      `yaml:"providers"`
	Cascade        CascadeConfig        `yaml:"cascade"`
	Trigger        TriggerConfig        `yaml:"trigger"`
	Intent         IntentConfig         `yaml:"intent"`
	ActiveQuestion ActiveQuestionConfig `yaml:"active_question"`
	QA             QAConfig             `yaml:"qa"`
	Session        SessionConfig        `yaml:"session"`
	Export         ExportConfig         `yaml:"export"`
	Kafka          KafkaConfig          `yaml:"kafka"`
	Retry          RetryConfig          `yaml:"retry"`
	Breaker        BreakerConfig        `yaml:"breaker"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP server (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TraceSampleRatio is the share of new traces that are recorded. Zero
	// records every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`

	// AllowedOrigins are host patterns of cross-origin websocket clients.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds PEM certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects the backend of every external collaborator. Each
// entry is resolved through the [Registry].
type ProvidersConfig struct {
	LLM        ProviderEntry `yaml:"llm"`
	STTFast    ProviderEntry `yaml:"stt_fast"`
	STTContext ProviderEntry `yaml:"stt_context"`
	STTFinal   ProviderEntry `yaml:"stt_final"`
	Diarizer   ProviderEntry `yaml:"diarizer"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
type ProviderEntry struct {
	// Name selects the registered implementation (e.g. "openai", "whisper").
	Name string `yaml:"name"`

	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// Options holds provider-specific values.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this provider's breaker is open or
	// a call fails.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// CascadeConfig tunes the recognition cascade.
type CascadeConfig struct {
	SampleRate      int           `yaml:"sample_rate"`
	Chunk           time.Duration `yaml:"chunk"`
	SilenceRMS      float64       `yaml:"silence_rms"`
	SilenceFinalize time.Duration `yaml:"silence_finalize"`
	ContextInterval time.Duration `yaml:"context_interval"`
	ContextWindow   time.Duration `yaml:"context_window"`
	MinWindow       time.Duration `yaml:"min_window"`
	Language        string        `yaml:"language"`
	Beams           BeamConfig    `yaml:"beams"`
	QueueSize       int           `yaml:"queue_size"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
}

// BeamConfig holds the beam width per tier and fallback engine.
type BeamConfig struct {
	Fast         int `yaml:"fast"`
	Context      int `yaml:"context"`
	ContextFast  int `yaml:"context_fast"`
	Final        int `yaml:"final"`
	FinalContext int `yaml:"final_context"`
	FinalFast    int `yaml:"final_fast"`
}

// TriggerConfig tunes when the language model is called.
type TriggerConfig struct {
	MinWords        int           `yaml:"min_words"`
	MinGrowth       int           `yaml:"min_growth"`
	Debounce        time.Duration `yaml:"debounce"`
	ValidationDelay time.Duration `yaml:"validation_delay"`
	Cooldown        time.Duration `yaml:"cooldown"`
	QuestionGrace   time.Duration `yaml:"question_grace"`
	CardGrace       time.Duration `yaml:"card_grace"`
	OverrideWindow  time.Duration `yaml:"override_window"`
	AnswerMinWords  int           `yaml:"answer_min_words"`
	PollInterval    time.Duration `yaml:"poll_interval"`
}

// IntentConfig tunes the conversation-mode classifier.
type IntentConfig struct {
	MinCharDelta     int           `yaml:"min_char_delta"`
	Cooldown         time.Duration `yaml:"cooldown"`
	SwitchStreak     int           `yaml:"switch_streak"`
	StrongConfidence float64       `yaml:"strong_confidence"`
	ModelOverride    float64       `yaml:"model_override"`
	MinTranscript    int           `yaml:"min_transcript"`
}

// ActiveQuestionConfig tunes the active-question lifecycle.
type ActiveQuestionConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	MatchResetDelay time.Duration `yaml:"match_reset_delay"`
}

// QAConfig holds the Q&A collection goal.
type QAConfig struct {
	Target int `yaml:"target"`
}

// SessionConfig bounds the stop sequence and in-progress saves.
type SessionConfig struct {
	FlushTimeout       time.Duration `yaml:"flush_timeout"`
	DiarizeTimeout     time.Duration `yaml:"diarize_timeout"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// ExportConfig selects where finished consultations go. Every configured
// store receives each record.
type ExportConfig struct {
	// Format is "text" or "json".
	Format      string      `yaml:"format"`
	Directory   string      `yaml:"directory"`
	PostgresDSN string      `yaml:"postgres_dsn"`
	Redis       RedisConfig `yaml:"redis"`
}

// RedisConfig addresses the redis export store.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// KafkaConfig enables event publishing. Without brokers events are only
// logged.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	SegmentsTopic string   `yaml:"segments_topic"`
	PairsTopic    string   `yaml:"pairs_topic"`
	Source        string   `yaml:"source"`
}

// RetryConfig is the language-model retry policy.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Base     time.Duration `yaml:"base"`
	Max      time.Duration `yaml:"max"`
}

// BreakerConfig tunes the circuit breakers around every provider.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}
