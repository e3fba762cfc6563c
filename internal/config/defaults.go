package config

import (
	"time"

	"github.com/MrWong99/consultflow/internal/assistant"
	"github.com/MrWong99/consultflow/internal/cascade"
	"github.com/MrWong99/consultflow/internal/events/kafkapub"
	"github.com/MrWong99/consultflow/internal/intent"
	"github.com/MrWong99/consultflow/internal/qa"
	"github.com/MrWong99/consultflow/internal/resilience"
	"github.com/MrWong99/consultflow/internal/session"
	"github.com/MrWong99/consultflow/internal/trigger"
)

// Defaults that have no home in a component package.
const (
	DefaultListenAddr     = ":8080"
	DefaultSegmentsTopic  = "consultflow.segments"
	DefaultPairsTopic     = "consultflow.pairs"
	DefaultSource         = "consultflow"
	DefaultRedisPrefix    = "consultflow:"
	DefaultFlushTimeout   = 30 * time.Second
	DefaultDiarizeTimeout = 2 * time.Minute
	DefaultMaxFailures    = 5
	DefaultResetTimeout   = 30 * time.Second
)

func orInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func orFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

func orDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}

func orString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

// ApplyDefaults fills every unset field. Negative values are left for
// [Validate] to report.
func ApplyDefaults(cfg *Config) {
	orString(&cfg.Server.ListenAddr, DefaultListenAddr)
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	cd := cascade.DefaultConfig()
	c := &cfg.Cascade
	orInt(&c.SampleRate, cd.SampleRate)
	orDuration(&c.Chunk, cd.ChunkDuration)
	orFloat(&c.SilenceRMS, cd.SilenceRMS)
	orDuration(&c.SilenceFinalize, cd.SilenceFinalize)
	orDuration(&c.ContextInterval, cd.ContextInterval)
	orDuration(&c.ContextWindow, cd.ContextWindow)
	orDuration(&c.MinWindow, cd.MinWindow)
	orString(&c.Language, cd.Language)
	orInt(&c.Beams.Fast, cd.FastBeam)
	orInt(&c.Beams.Context, cd.ContextBeam)
	orInt(&c.Beams.ContextFast, cd.ContextFastBeam)
	orInt(&c.Beams.Final, cd.FinalBeam)
	orInt(&c.Beams.FinalContext, cd.FinalContextBeam)
	orInt(&c.Beams.FinalFast, cd.FinalFastBeam)
	orInt(&c.QueueSize, cd.QueueSize)
	orDuration(&c.StopTimeout, cd.StopTimeout)

	td := trigger.DefaultConfig()
	t := &cfg.Trigger
	orInt(&t.MinWords, td.MinWords)
	orInt(&t.MinGrowth, td.MinGrowth)
	orDuration(&t.Debounce, td.Debounce)
	orDuration(&t.ValidationDelay, td.ValidationDelay)
	orDuration(&t.Cooldown, td.Cooldown)
	orDuration(&t.QuestionGrace, td.QuestionGrace)
	orDuration(&t.CardGrace, td.CardGrace)
	orDuration(&t.OverrideWindow, td.OverrideWindow)
	orInt(&t.AnswerMinWords, td.AnswerMinWords)
	orDuration(&t.PollInterval, td.PollInterval)
	orDuration(&cfg.ActiveQuestion.Timeout, td.AnswerTimeout)
	orDuration(&cfg.ActiveQuestion.MatchResetDelay, td.MatchResetDelay)

	id := intent.DefaultConfig()
	i := &cfg.Intent
	orInt(&i.MinCharDelta, id.MinCharDelta)
	orDuration(&i.Cooldown, id.Cooldown)
	orInt(&i.SwitchStreak, id.SwitchStreak)
	orFloat(&i.StrongConfidence, id.StrongConfidence)
	orFloat(&i.ModelOverride, id.ModelOverride)
	orInt(&i.MinTranscript, id.MinTranscript)

	orInt(&cfg.QA.Target, qa.DefaultTarget)
	orDuration(&cfg.Session.FlushTimeout, DefaultFlushTimeout)
	orDuration(&cfg.Session.DiarizeTimeout, DefaultDiarizeTimeout)

	orString(&cfg.Export.Format, "text")
	orString(&cfg.Export.Redis.Prefix, DefaultRedisPrefix)
	orString(&cfg.Kafka.SegmentsTopic, DefaultSegmentsTopic)
	orString(&cfg.Kafka.PairsTopic, DefaultPairsTopic)
	orString(&cfg.Kafka.Source, DefaultSource)

	rd := assistant.DefaultRetryPolicy()
	orInt(&cfg.Retry.Attempts, rd.Attempts)
	orDuration(&cfg.Retry.Base, rd.Base)
	orDuration(&cfg.Retry.Max, rd.Max)
	orInt(&cfg.Breaker.MaxFailures, DefaultMaxFailures)
	orDuration(&cfg.Breaker.ResetTimeout, DefaultResetTimeout)
}

// Settings returns the recognition cascade settings. The contextual
// interval and silence threshold are clamped to the cascade minimums.
func (c CascadeConfig) Settings() cascade.Config {
	out := cascade.Config{
		SampleRate:       c.SampleRate,
		ChunkDuration:    c.Chunk,
		SilenceRMS:       c.SilenceRMS,
		ContextWindow:    c.ContextWindow,
		MinWindow:        c.MinWindow,
		Language:         c.Language,
		FastBeam:         c.Beams.Fast,
		ContextBeam:      c.Beams.Context,
		ContextFastBeam:  c.Beams.ContextFast,
		FinalBeam:        c.Beams.Final,
		FinalContextBeam: c.Beams.FinalContext,
		FinalFastBeam:    c.Beams.FinalFast,
		QueueSize:        c.QueueSize,
		StopTimeout:      c.StopTimeout,
	}
	out.UpdatePipeline(c.ContextInterval, c.SilenceFinalize)
	return out
}

// SessionConfig assembles the per-session configuration.
func (cfg *Config) SessionConfig() session.Config {
	t := cfg.Trigger
	return session.Config{
		Cascade: cfg.Cascade.Settings(),
		Trigger: trigger.Config{
			MinWords:        t.MinWords,
			MinGrowth:       t.MinGrowth,
			Debounce:        t.Debounce,
			ValidationDelay: t.ValidationDelay,
			Cooldown:        t.Cooldown,
			QuestionGrace:   t.QuestionGrace,
			CardGrace:       t.CardGrace,
			OverrideWindow:  t.OverrideWindow,
			AnswerMinWords:  t.AnswerMinWords,
			AnswerTimeout:   cfg.ActiveQuestion.Timeout,
			MatchResetDelay: cfg.ActiveQuestion.MatchResetDelay,
			PollInterval:    t.PollInterval,
		},
		Intent: intent.Config{
			MinCharDelta:     cfg.Intent.MinCharDelta,
			Cooldown:         cfg.Intent.Cooldown,
			SwitchStreak:     cfg.Intent.SwitchStreak,
			StrongConfidence: cfg.Intent.StrongConfidence,
			ModelOverride:    cfg.Intent.ModelOverride,
			MinTranscript:    cfg.Intent.MinTranscript,
		},
		QATarget:           cfg.QA.Target,
		FlushTimeout:       cfg.Session.FlushTimeout,
		DiarizeTimeout:     cfg.Session.DiarizeTimeout,
		CheckpointInterval: cfg.Session.CheckpointInterval,
	}
}

// RetryPolicy returns the language-model retry policy.
func (r RetryConfig) RetryPolicy() assistant.RetryPolicy {
	return assistant.RetryPolicy{Attempts: r.Attempts, Base: r.Base, Max: r.Max}
}

// BreakerFor returns the breaker settings labelled name.
func (b BreakerConfig) BreakerFor(name string) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{Name: name, MaxFailures: b.MaxFailures, ResetTimeout: b.ResetTimeout}
}

// PublisherConfig returns the Kafka publisher settings.
func (k KafkaConfig) PublisherConfig() kafkapub.Config {
	return kafkapub.Config{
		Brokers:       k.Brokers,
		SegmentsTopic: k.SegmentsTopic,
		PairsTopic:    k.PairsTopic,
		Source:        k.Source,
	}
}
