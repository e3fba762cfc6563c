package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/consultflow/internal/cascade"
	"github.com/MrWong99/consultflow/internal/config"
	"github.com/MrWong99/consultflow/internal/observe"
	"github.com/MrWong99/consultflow/internal/resilience"
	"github.com/MrWong99/consultflow/pkg/provider/diarize"
	"github.com/MrWong99/consultflow/pkg/provider/llm"
	"github.com/MrWong99/consultflow/pkg/provider/stt"
)

// Providers holds the external collaborators built from the configuration.
// Nil fields are not configured; only Engines.Fast is required.
type Providers struct {
	LLM      llm.Provider
	Engines  cascade.Engines
	Diarizer diarize.Diarizer

	// LLMBreaker guards a language model without fallbacks. With fallbacks
	// every entry has its own breaker in LLMBreakers.
	LLMBreaker  *resilience.CircuitBreaker
	LLMBreakers []*resilience.CircuitBreaker

	// STTBreakers are the breakers of every recognizer fallback group.
	STTBreakers []*resilience.CircuitBreaker
}

// BuildProviders instantiates every provider named in cfg through reg.
// Entries with fallbacks are wrapped in a fallback group with one circuit
// breaker per backend.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}
	pc := cfg.Providers
	fbCfg := resilience.FallbackConfig{CircuitBreaker: cfg.Breaker.BreakerFor("")}
	fbCfg.CircuitBreaker.OnStateChange = recordBreaker

	if e := pc.LLM; e.Name != "" {
		primary, err := reg.CreateLLM(e)
		if err != nil {
			return nil, fmt.Errorf("app: create llm %q: %w", e.Name, err)
		}
		if len(e.Fallbacks) == 0 {
			ps.LLM = primary
			bc := cfg.Breaker.BreakerFor("llm:" + e.Name)
			bc.IsFailure = resilience.LLMFailure
			bc.OnStateChange = recordBreaker
			ps.LLMBreaker = resilience.NewCircuitBreaker(bc)
			ps.LLMBreakers = []*resilience.CircuitBreaker{ps.LLMBreaker}
		} else {
			fb := resilience.NewLLMFallback(primary, "llm:"+e.Name, fbCfg)
			for _, fe := range e.Fallbacks {
				p, err := reg.CreateLLM(fe)
				if err != nil {
					return nil, fmt.Errorf("app: create llm fallback %q: %w", fe.Name, err)
				}
				fb.AddFallback("llm:"+fe.Name, p)
			}
			ps.LLM = fb
			ps.LLMBreakers = fb.Breakers()
		}
		slog.Info("provider created", "kind", "llm", "name", e.Name, "model", e.Model, "fallbacks", len(e.Fallbacks))
	}

	tiers := []struct {
		tier  string
		entry config.ProviderEntry
		dst   *stt.Recognizer
	}{
		{"fast", pc.STTFast, &ps.Engines.Fast},
		{"context", pc.STTContext, &ps.Engines.Context},
		{"final", pc.STTFinal, &ps.Engines.Final},
	}
	for _, t := range tiers {
		if t.entry.Name == "" {
			continue
		}
		r, breakers, err := buildRecognizer(reg, t.tier, t.entry, fbCfg)
		if err != nil {
			return nil, err
		}
		*t.dst = r
		ps.STTBreakers = append(ps.STTBreakers, breakers...)
		slog.Info("provider created", "kind", "stt", "tier", t.tier, "name", t.entry.Name, "fallbacks", len(t.entry.Fallbacks))
	}
	if ps.Engines.Fast == nil {
		return nil, fmt.Errorf("app: %w", cascade.ErrNoFastEngine)
	}

	if e := pc.Diarizer; e.Name != "" {
		d, err := reg.CreateDiarizer(e)
		if err != nil {
			return nil, fmt.Errorf("app: create diarizer %q: %w", e.Name, err)
		}
		ps.Diarizer = d
		slog.Info("provider created", "kind", "diarizer", "name", e.Name)
	}
	return ps, nil
}

func buildRecognizer(reg *config.Registry, tier string, e config.ProviderEntry, fbCfg resilience.FallbackConfig) (stt.Recognizer, []*resilience.CircuitBreaker, error) {
	primary, err := reg.CreateSTT(e)
	if err != nil {
		return nil, nil, fmt.Errorf("app: create stt %s %q: %w", tier, e.Name, err)
	}
	if len(e.Fallbacks) == 0 {
		return primary, nil, nil
	}
	prefix := "stt-" + tier + ":"
	fb := resilience.NewRecognizerFallback(primary, prefix+e.Name, fbCfg)
	for _, fe := range e.Fallbacks {
		r, err := reg.CreateSTT(fe)
		if err != nil {
			return nil, nil, fmt.Errorf("app: create stt %s fallback %q: %w", tier, fe.Name, err)
		}
		fb.AddFallback(prefix+fe.Name, r)
	}
	return fb, fb.Breakers(), nil
}

func recordBreaker(name string, _, to resilience.State) {
	observe.DefaultMetrics().RecordBreakerTransition(context.Background(), name, to.String())
}
