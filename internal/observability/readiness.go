// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package observability

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"
)

// Pinger is a dependency that can report its reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Readiness combines a startup gate with dependency pings.
type Readiness struct {
	ready atomic.Bool
	mu    sync.RWMutex
	names []string
	deps  map[string]Pinger
}

// NewReadiness creates a Readiness that reports not ready until SetReady(true).
func NewReadiness() *Readiness {
	return &Readiness{deps: make(map[string]Pinger)}
}

// Add registers a named dependency. Adding a name twice replaces it.
func (r *Readiness) Add(name string, p Pinger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.deps[name]; !exists {
		r.names = append(r.names, name)
	}
	r.deps[name] = p
}

// SetReady opens or closes the gate.
func (r *Readiness) SetReady(ready bool) {
	r.ready.Store(ready)
}

// Check returns nil when the gate is open and every dependency answers.
// It satisfies ReadinessChecker.
func (r *Readiness) Check(ctx context.Context) error {
	if !r.ready.Load() {
		return oops.Code("NOT_READY").Errorf("service is not ready")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.names {
		if err := r.deps[name].Ping(ctx); err != nil {
			return oops.Code("DEPENDENCY_UNAVAILABLE").With("dependency", name).Wrapf(err, "%s unavailable", name)
		}
	}
	return nil
}
