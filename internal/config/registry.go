package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxline/pkg/audio"
)

// ErrDeviceNotRegistered is returned by [Registry.CreateDevice] when no
// factory has been registered under the requested backend name.
var ErrDeviceNotRegistered = errors.New("config: device backend not registered")

// DeviceFactory opens an audio backend from the audio section.
type DeviceFactory func(AudioConfig) (audio.Device, error)

// Registry maps audio backend names to their constructors. Backends that
// need cgo libraries register themselves from build-tagged files in main.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]DeviceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]DeviceFactory)}
}

// RegisterDevice registers a device backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDevice(name string, factory DeviceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = factory
}

// CreateDevice instantiates the backend registered under cfg.Backend.
// Returns [ErrDeviceNotRegistered] if no factory has been registered for that
// name.
func (r *Registry) CreateDevice(cfg AudioConfig) (audio.Device, error) {
	r.mu.RLock()
	factory, ok := r.devices[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrDeviceNotRegistered, cfg.Backend, r.Devices())
	}
	return factory(cfg)
}

// Devices returns the registered backend names in sorted order.
func (r *Registry) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
