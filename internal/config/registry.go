package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/consultflow/pkg/provider/diarize"
	"github.com/MrWong99/consultflow/pkg/provider/llm"
	"github.com/MrWong99/consultflow/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// is registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its configuration entry.
type Factory[T any] func(ProviderEntry) (T, error)

type factories[T any] struct {
	kind string
	m    map[string]Factory[T]
}

func newFactories[T any](kind string) factories[T] {
	return factories[T]{kind: kind, m: make(map[string]Factory[T])}
}

func (f factories[T]) create(e ProviderEntry) (T, error) {
	factory, ok := f.m[e.Name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, e.Name)
	}
	return factory(e)
}

// Registry maps provider names to constructors per provider kind. It is
// safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	llm      factories[llm.Provider]
	stt      factories[stt.Recognizer]
	diarizer factories[diarize.Diarizer]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		llm:      newFactories[llm.Provider]("llm"),
		stt:      newFactories[stt.Recognizer]("stt"),
		diarizer: newFactories[diarize.Diarizer]("diarizer"),
	}
}

// RegisterLLM registers a language-model factory under name, replacing any
// earlier registration.
func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.m[name] = f
}

// RegisterSTT registers a recognizer factory under name.
func (r *Registry) RegisterSTT(name string, f Factory[stt.Recognizer]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.m[name] = f
}

// RegisterDiarizer registers a diarization backend factory under name.
func (r *Registry) RegisterDiarizer(name string, f Factory[diarize.Diarizer]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diarizer.m[name] = f
}

// CreateLLM builds the language model named by e.Name.
func (r *Registry) CreateLLM(e ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llm.create(e)
}

// CreateSTT builds the recognizer named by e.Name.
func (r *Registry) CreateSTT(e ProviderEntry) (stt.Recognizer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stt.create(e)
}

// CreateDiarizer builds the diarization backend named by e.Name.
func (r *Registry) CreateDiarizer(e ProviderEntry) (diarize.Diarizer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.diarizer.create(e)
}

// Names returns the registered names of kind ("llm", "stt", "diarizer"),
// sorted.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "llm":
		names = keys(r.llm.m)
	case "stt":
		names = keys(r.stt.m)
	case "diarizer":
		names = keys(r.diarizer.m)
	}
	slices.Sort(names)
	return names
}

func keys[T any](m map[string]Factory[T]) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
