// Package container is a small dependency-injection registry. Components are
// wired through it by name so tests can swap implementations without
// threading constructor parameters through every call site.
package container

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

// ErrNotRegistered is returned when no provider is bound for a name.
var ErrNotRegistered = errors.New("no provider registered")

// Provider constructs one instance of a component.
type Provider func() any

// Container resolves component names to instances. Get returns a shared
// cached instance per name; Standalone always constructs fresh. Overrides
// redirect a name to another binding's provider; stubs substitute a
// provider entirely but are honored only inside a test binary.
type Container struct {
	mu        sync.Mutex
	providers map[string]Provider
	overrides map[string]string
	stubs     map[string]Provider
	cache     map[string]any
}

func New() *Container {
	return &Container{
		providers: make(map[string]Provider),
		overrides: make(map[string]string),
		stubs:     make(map[string]Provider),
		cache:     make(map[string]any),
	}
}

// Register binds a provider to a name. Re-registering replaces the binding
// and drops any cached instance.
func (c *Container) Register(name string, p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = p
	delete(c.cache, name)
}

// Get returns the shared instance for name, constructing it on first use.
// Each name owns its cache slot: an override of A to B caches B's product
// under A, independent of Get(B).
func (c *Container) Get(name string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.cache[name]; ok {
		return inst, nil
	}
	p, err := c.resolve(name)
	if err != nil {
		return nil, err
	}
	inst := p()
	c.cache[name] = inst
	return inst, nil
}

// Standalone constructs a fresh instance for name, bypassing the cache but
// honoring any override or stub.
func (c *Container) Standalone(name string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.resolve(name)
	if err != nil {
		return nil, err
	}
	return p(), nil
}

// Override redirects resolution of name to target's provider and drops
// name's cached instance.
func (c *Container) Override(name, target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[name] = target
	delete(c.cache, name)
}

// Stub installs a substitute provider for name. Stubs take effect only
// when running under `go test`; outside a test binary they are ignored.
func (c *Container) Stub(name string, p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stubs[name] = p
	delete(c.cache, name)
}

// resolve picks the provider for name: stub first (tests only), then a
// single override hop, then the direct binding. Callers hold c.mu.
func (c *Container) resolve(name string) (Provider, error) {
	if p, ok := c.stubs[name]; ok && testing.Testing() {
		return p, nil
	}
	if target, ok := c.overrides[name]; ok {
		if p, ok := c.stubs[target]; ok && testing.Testing() {
			return p, nil
		}
		if p, ok := c.providers[target]; ok {
			return p, nil
		}
		return nil, fmt.Errorf("%w: %q (override target of %q)", ErrNotRegistered, target, name)
	}
	if p, ok := c.providers[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
}
