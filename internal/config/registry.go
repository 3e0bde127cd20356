package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/echomeet/pkg/audio"
)

// ErrDeviceNotRegistered is returned by [Registry.CreateDevice] when no
// factory has been registered under the requested name.
var ErrDeviceNotRegistered = errors.New("config: audio device not registered")

// DeviceFactory builds an input device from its configuration block.
type DeviceFactory func(AudioConfig) (audio.Device, error)

// Registry maps audio device names to constructors. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]DeviceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]DeviceFactory)}
}

// RegisterDevice registers factory under name, replacing any previous one.
func (r *Registry) RegisterDevice(name string, factory DeviceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = factory
}

// Devices returns the registered names in sorted order.
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

// CreateDevice instantiates the device named by cfg.Device.
func (r *Registry) CreateDevice(cfg AudioConfig) (audio.Device, error) {
	r.mu.RLock()
	factory, ok := r.devices[cfg.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotRegistered, cfg.Device)
	}
	dev, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create audio device %q: %w", cfg.Device, err)
	}
	return dev, nil
}
