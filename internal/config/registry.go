package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/panelist/pkg/provider/avatar"
	"github.com/MrWong99/panelist/pkg/provider/llm"
	"github.com/MrWong99/panelist/pkg/provider/stt"
	"github.com/MrWong99/panelist/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factories is a name-keyed constructor table for one provider kind.
type factories[T any] struct {
	kind string
	m    map[string]func(ProviderEntry) (T, error)
}

func newFactories[T any](kind string) factories[T] {
	return factories[T]{kind: kind, m: make(map[string]func(ProviderEntry) (T, error))}
}

func (f factories[T]) create(mu *sync.RWMutex, entry ProviderEntry) (T, error) {
	mu.RLock()
	factory, ok := f.m[entry.Name]
	mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return factory(entry)
}

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	llm    factories[llm.Provider]
	stt    factories[stt.Provider]
	tts    factories[tts.Synthesizer]
	avatar factories[avatar.Provider]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:    newFactories[llm.Provider]("llm"),
		stt:    newFactories[stt.Provider]("stt"),
		tts:    newFactories[tts.Synthesizer]("tts"),
		avatar: newFactories[avatar.Provider]("avatar"),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.m[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.m[name] = factory
}

// RegisterTTS registers a speech synthesizer factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Synthesizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts.m[name] = factory
}

// RegisterAvatar registers an avatar provider factory under name.
func (r *Registry) RegisterAvatar(name string, factory func(ProviderEntry) (avatar.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.avatar.m[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return r.llm.create(&r.mu, entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return r.stt.create(&r.mu, entry)
}

// CreateTTS instantiates a speech synthesizer using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Synthesizer, error) {
	return r.tts.create(&r.mu, entry)
}

// CreateAvatar instantiates an avatar provider using the factory registered under entry.Name.
func (r *Registry) CreateAvatar(entry ProviderEntry) (avatar.Provider, error) {
	return r.avatar.create(&r.mu, entry)
}

// CreateAll instantiates every entry of list in order. An entry that fails
// to construct aborts the whole list.
func CreateAll[T any](list ProviderList, create func(ProviderEntry) (T, error)) ([]T, error) {
	out := make([]T, 0, len(list))
	for i, e := range list {
		p, err := create(e)
		if err != nil {
			return nil, fmt.Errorf("config: create provider %d (%s): %w", i, e.Name, err)
		}
		out = append(out, p)
	}
	return out, nil
}
