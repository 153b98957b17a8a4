package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/livebridge/pkg/audio"
	"github.com/MrWong99/livebridge/pkg/provider/s2s"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: factory not registered")

// SourceFactory builds a capture source from the capture section.
type SourceFactory func(CaptureConfig) (audio.Source, error)

// SinkFactory builds a playback sink from the playback section.
type SinkFactory func(PlaybackConfig) (audio.Sink, error)

// LiveFactory builds a dialer for a live service from the live section. The
// APIKey field has already been resolved against the environment.
type LiveFactory func(LiveConfig) (s2s.Dialer, error)

// Registry maps names to constructor functions for capture sources, playback
// sinks and live providers. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]SourceFactory
	sinks   map[string]SinkFactory
	live    map[string]LiveFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]SourceFactory),
		sinks:   make(map[string]SinkFactory),
		live:    make(map[string]LiveFactory),
	}
}

// RegisterSource registers a capture source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// RegisterSink registers a playback sink factory under name.
func (r *Registry) RegisterSink(name string, factory SinkFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = factory
}

// RegisterLive registers a live provider factory under name.
func (r *Registry) RegisterLive(name string, factory LiveFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// CreateSource instantiates the capture source registered under name.
// Returns [ErrNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateSource(name string, cfg CaptureConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrNotRegistered, name)
	}
	return factory(cfg)
}

// CreateSink instantiates the playback sink registered under name.
func (r *Registry) CreateSink(name string, cfg PlaybackConfig) (audio.Sink, error) {
	r.mu.RLock()
	factory, ok := r.sinks[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sink/%q", ErrNotRegistered, name)
	}
	return factory(cfg)
}

// CreateLive instantiates the live provider registered under cfg.Provider.
func (r *Registry) CreateLive(cfg LiveConfig) (s2s.Dialer, error) {
	r.mu.RLock()
	factory, ok := r.live[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// Names returns the sorted registered names for kind ("source", "sink" or
// "live").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "source":
		for n := range r.sources {
			names = append(names, n)
		}
	case "sink":
		for n := range r.sinks {
			names = append(names, n)
		}
	case "live":
		for n := range r.live {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}
