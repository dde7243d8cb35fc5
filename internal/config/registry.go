package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/livecore/pkg/audio"
	"github.com/MrWong99/livecore/pkg/transport"
)

// ErrNotRegistered is returned by the Create methods when no factory has
// been registered under the requested name.
var ErrNotRegistered = errors.New("config: not registered")

// Factory signatures.
type (
	TransportFactory func(TransportConfig) (transport.Transport, error)
	CaptureFactory   func(CaptureConfig) (audio.CaptureDevice, error)
	PlaybackFactory  func(PlaybackConfig) (audio.PlaybackDevice, error)
)

// Registry maps names to constructors for transports and devices. It is
// safe for concurrent use. Later registrations under the same name replace
// earlier ones.
type Registry struct {
	mu        sync.RWMutex
	transport map[string]TransportFactory
	capture   map[string]CaptureFactory
	playback  map[string]PlaybackFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transport: make(map[string]TransportFactory),
		capture:   make(map[string]CaptureFactory),
		playback:  make(map[string]PlaybackFactory),
	}
}

// RegisterTransport registers a transport factory under name.
func (r *Registry) RegisterTransport(name string, f TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport[name] = f
}

// RegisterCapture registers a capture device factory under name.
func (r *Registry) RegisterCapture(name string, f CaptureFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = f
}

// RegisterPlayback registers a playback device factory under name.
func (r *Registry) RegisterPlayback(name string, f PlaybackFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = f
}

// CreateTransport builds the transport registered under cfg.Name.
func (r *Registry) CreateTransport(cfg TransportConfig) (transport.Transport, error) {
	r.mu.RLock()
	f, ok := r.transport[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrNotRegistered, cfg.Name)
	}
	return f(cfg)
}

// CreateCapture builds the capture device registered under cfg.Device.
func (r *Registry) CreateCapture(cfg CaptureConfig) (audio.CaptureDevice, error) {
	r.mu.RLock()
	f, ok := r.capture[cfg.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrNotRegistered, cfg.Device)
	}
	return f(cfg)
}

// CreatePlayback builds the playback device registered under cfg.Device.
func (r *Registry) CreatePlayback(cfg PlaybackConfig) (audio.PlaybackDevice, error) {
	r.mu.RLock()
	f, ok := r.playback[cfg.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrNotRegistered, cfg.Device)
	}
	return f(cfg)
}
