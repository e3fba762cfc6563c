package cascade

import (
	"time"

	"github.com/MrWong99/consultflow/pkg/audio"
)

// Config holds the timing and decoding parameters of the cascade. It is
// fixed for the lifetime of a session.
type Config struct {
	// SampleRate of the incoming mono stream.
	SampleRate int

	// ChunkDuration is the size of a fast-tier window.
	ChunkDuration time.Duration

	// SilenceRMS is the RMS level below which a window counts as silence.
	SilenceRMS float64

	// SilenceFinalize is how long silence must last before the final tier
	// runs.
	SilenceFinalize time.Duration

	// ContextInterval is the period of the contextual tier.
	ContextInterval time.Duration

	// ContextWindow caps how far back the contextual tier looks.
	ContextWindow time.Duration

	// MinWindow is the shortest audio span the contextual and final tiers
	// will decode.
	MinWindow time.Duration

	// Language is passed to every recognizer.
	Language string

	// Beam sizes. FinalContextBeam and FinalFastBeam apply when the final
	// tier falls back to a lower-tier engine; ContextFastBeam when the
	// contextual tier does.
	FastBeam         int
	ContextBeam      int
	ContextFastBeam  int
	FinalBeam        int
	FinalContextBeam int
	FinalFastBeam    int

	// QueueSize is the capacity, in pushed frames, of the capture queue.
	QueueSize int

	// StopTimeout bounds the forced final pass that runs on graceful stop.
	StopTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SampleRate:       audio.SampleRate,
		ChunkDuration:    2 * time.Second,
		SilenceRMS:       0.01,
		SilenceFinalize:  2 * time.Second,
		ContextInterval:  5 * time.Second,
		ContextWindow:    15 * time.Second,
		MinWindow:        time.Second,
		Language:         "pl",
		FastBeam:         1,
		ContextBeam:      3,
		ContextFastBeam:  3,
		FinalBeam:        5,
		FinalContextBeam: 4,
		FinalFastBeam:    3,
		QueueSize:        512,
		StopTimeout:      2 * time.Minute,
	}
}

// Minimums enforced by UpdatePipeline.
const (
	MinContextInterval = time.Second
	MinSilenceFinalize = 500 * time.Millisecond
)

// UpdatePipeline sets the contextual-tier period and the silence threshold,
// clamped to MinContextInterval and MinSilenceFinalize. Zero leaves a value
// unchanged.
func (c *Config) UpdatePipeline(contextInterval, silenceFinalize time.Duration) {
	if contextInterval != 0 {
		c.ContextInterval = max(contextInterval, MinContextInterval)
	}
	if silenceFinalize != 0 {
		c.SilenceFinalize = max(silenceFinalize, MinSilenceFinalize)
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = d.ChunkDuration
	}
	if c.SilenceRMS <= 0 {
		c.SilenceRMS = d.SilenceRMS
	}
	if c.SilenceFinalize <= 0 {
		c.SilenceFinalize = d.SilenceFinalize
	}
	if c.ContextInterval <= 0 {
		c.ContextInterval = d.ContextInterval
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = d.ContextWindow
	}
	if c.MinWindow <= 0 {
		c.MinWindow = d.MinWindow
	}
	if c.Language == "" {
		c.Language = d.Language
	}
	if c.FastBeam <= 0 {
		c.FastBeam = d.FastBeam
	}
	if c.ContextBeam <= 0 {
		c.ContextBeam = d.ContextBeam
	}
	if c.ContextFastBeam <= 0 {
		c.ContextFastBeam = d.ContextFastBeam
	}
	if c.FinalBeam <= 0 {
		c.FinalBeam = d.FinalBeam
	}
	if c.FinalContextBeam <= 0 {
		c.FinalContextBeam = d.FinalContextBeam
	}
	if c.FinalFastBeam <= 0 {
		c.FinalFastBeam = d.FinalFastBeam
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	return c
}

func (c Config) samples(d time.Duration) int {
	return int(d.Seconds() * float64(c.SampleRate))
}

// SampleDuration converts a sample count at the configured rate.
func (c Config) SampleDuration(samples int) time.Duration {
	return c.withDefaults().duration(samples)
}

func (c Config) duration(samples int) time.Duration {
	return time.Duration(float64(samples) / float64(c.SampleRate) * float64(time.Second))
}
