package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/consultflow/internal/export"
)

// ValidProviderNames lists the built-in provider names per kind. [Validate]
// warns about names outside this list; they may be registered by a
// third party.
var ValidProviderNames = map[string][]string{
	"llm":      {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "openai-compat"},
	"stt":      {"whisper", "whisper-native"},
	"diarizer": {"http"},
}

// Load reads and validates the YAML file at path. Defaults are applied
// before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, applies defaults and validates the
// result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg and returns every problem joined into one error.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		add("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		add("server.trace_sample_ratio %v must be between 0 and 1", r)
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		add("server.tls needs both cert_file and key_file")
	}

	if cfg.Providers.STTFast.Name == "" {
		add("providers.stt_fast.name is required")
	}
	for field, e := range map[string]ProviderEntry{
		"providers.llm":         cfg.Providers.LLM,
		"providers.stt_fast":    cfg.Providers.STTFast,
		"providers.stt_context": cfg.Providers.STTContext,
		"providers.stt_final":   cfg.Providers.STTFinal,
		"providers.diarizer":    cfg.Providers.Diarizer,
	} {
		for i, fb := range e.Fallbacks {
			if fb.Name == "" {
				add("%s.fallbacks[%d].name is required", field, i)
			}
		}
	}
	warnUnknownProvider("llm", cfg.Providers.LLM.Name)
	warnUnknownProvider("stt", cfg.Providers.STTFast.Name)
	warnUnknownProvider("stt", cfg.Providers.STTContext.Name)
	warnUnknownProvider("stt", cfg.Providers.STTFinal.Name)
	warnUnknownProvider("diarizer", cfg.Providers.Diarizer.Name)
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; suggestions fall back to built-in cards and transcripts are not validated")
	}

	c := cfg.Cascade
	if c.SampleRate < 0 {
		add("cascade.sample_rate %d must not be negative", c.SampleRate)
	}
	if c.SilenceRMS < 0 || c.SilenceRMS > 1 {
		add("cascade.silence_rms %.3f is out of range [0, 1]", c.SilenceRMS)
	}
	for name, v := range map[string]int{
		"cascade.beams.fast":          c.Beams.Fast,
		"cascade.beams.context":       c.Beams.Context,
		"cascade.beams.context_fast":  c.Beams.ContextFast,
		"cascade.beams.final":         c.Beams.Final,
		"cascade.beams.final_context": c.Beams.FinalContext,
		"cascade.beams.final_fast":    c.Beams.FinalFast,
		"cascade.queue_size":          c.QueueSize,
		"trigger.min_words":           cfg.Trigger.MinWords,
		"trigger.min_growth":          cfg.Trigger.MinGrowth,
		"trigger.answer_min_words":    cfg.Trigger.AnswerMinWords,
		"intent.min_char_delta":       cfg.Intent.MinCharDelta,
		"intent.switch_streak":        cfg.Intent.SwitchStreak,
		"intent.min_transcript":       cfg.Intent.MinTranscript,
		"qa.target":                   cfg.QA.Target,
		"retry.attempts":              cfg.Retry.Attempts,
		"breaker.max_failures":        cfg.Breaker.MaxFailures,
	} {
		if v < 0 {
			add("%s %d must not be negative", name, v)
		}
	}
	for name, d := range durations(cfg) {
		if d < 0 {
			add("%s %s must not be negative", name, d)
		}
	}
	for name, v := range map[string]float64{
		"intent.strong_confidence": cfg.Intent.StrongConfidence,
		"intent.model_override":    cfg.Intent.ModelOverride,
	} {
		if v < 0 || v > 1 {
			add("%s %.2f is out of range [0, 1]", name, v)
		}
	}
	if cfg.Retry.Max > 0 && cfg.Retry.Base > cfg.Retry.Max {
		add("retry.base %s exceeds retry.max %s", cfg.Retry.Base, cfg.Retry.Max)
	}

	if _, err := export.ParseFormat(cfg.Export.Format); err != nil {
		add("export.format: %w", err)
	}
	if cfg.Export.Directory == "" && cfg.Export.PostgresDSN == "" && cfg.Export.Redis.Addr == "" {
		slog.Warn("no export store configured; stopped consultations are not persisted")
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.SegmentsTopic == cfg.Kafka.PairsTopic {
		add("kafka.segments_topic and kafka.pairs_topic must differ")
	}

	return errors.Join(errs...)
}

// durations lists every duration field by its YAML path.
func durations(cfg *Config) map[string]time.Duration {
	return map[string]time.Duration{
		"cascade.chunk":                     cfg.Cascade.Chunk,
		"cascade.silence_finalize":          cfg.Cascade.SilenceFinalize,
		"cascade.context_interval":          cfg.Cascade.ContextInterval,
		"cascade.context_window":            cfg.Cascade.ContextWindow,
		"cascade.min_window":                cfg.Cascade.MinWindow,
		"cascade.stop_timeout":              cfg.Cascade.StopTimeout,
		"trigger.debounce":                  cfg.Trigger.Debounce,
		"trigger.validation_delay":          cfg.Trigger.ValidationDelay,
		"trigger.cooldown":                  cfg.Trigger.Cooldown,
		"trigger.question_grace":            cfg.Trigger.QuestionGrace,
		"trigger.card_grace":                cfg.Trigger.CardGrace,
		"trigger.override_window":           cfg.Trigger.OverrideWindow,
		"trigger.poll_interval":             cfg.Trigger.PollInterval,
		"intent.cooldown":                   cfg.Intent.Cooldown,
		"active_question.timeout":           cfg.ActiveQuestion.Timeout,
		"active_question.match_reset_delay": cfg.ActiveQuestion.MatchResetDelay,
		"session.flush_timeout":             cfg.Session.FlushTimeout,
		"session.diarize_timeout":           cfg.Session.DiarizeTimeout,
		"session.checkpoint_interval":       cfg.Session.CheckpointInterval,
		"export.redis.ttl":                  cfg.Export.Redis.TTL,
		"retry.base":                        cfg.Retry.Base,
		"retry.max":                         cfg.Retry.Max,
		"breaker.reset_timeout":             cfg.Breaker.ResetTimeout,
	}
}

func warnUnknownProvider(kind, name string) {
	if name == "" || slices.Contains(ValidProviderNames[kind], name) {
		return
	}
	slog.Warn("config: unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", ValidProviderNames[kind])
}
