package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/pcmlink/pkg/audio"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: audio backend not registered")

// SourceFactory opens a capture device described by spec.
type SourceFactory func(spec audio.DeviceSpec) (audio.FrameSource, error)

// SinkFactory opens a playback device described by spec.
type SinkFactory func(spec audio.DeviceSpec) (audio.FrameSink, error)

// Registry maps backend names to their device constructors. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]SourceFactory
	sinks   map[string]SinkFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]SourceFactory),
		sinks:   make(map[string]SinkFactory),
	}
}

// RegisterSource registers a capture factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// RegisterSink registers a playback factory under name.
func (r *Registry) RegisterSink(name string, factory SinkFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = factory
}

// CreateSource opens a capture device using the factory registered under
// dev.Backend.
func (r *Registry) CreateSource(dev DeviceConfig, f audio.Format) (audio.FrameSource, error) {
	r.mu.RLock()
	factory, ok := r.sources[dev.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrBackendNotRegistered, dev.Backend)
	}
	return factory(dev.Spec(f))
}

// CreateSink opens a playback device using the factory registered under
// dev.Backend.
func (r *Registry) CreateSink(dev DeviceConfig, f audio.Format) (audio.FrameSink, error) {
	r.mu.RLock()
	factory, ok := r.sinks[dev.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sink/%q", ErrBackendNotRegistered, dev.Backend)
	}
	return factory(dev.Spec(f))
}

// Backends returns the sorted names of every backend with a capture or
// playback factory.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources)+len(r.sinks))
	for name := range r.sources {
		names = append(names, name)
	}
	for name := range r.sinks {
		if _, dup := r.sources[name]; !dup {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}
