// Copyright 2026 The Relay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry is the process-wide table mapping a published
// (name, port) key to the live session that owns it (spec §4.5). It
// mirrors the teacher's usagepool discipline in spirit — a single
// mutex, no I/O while held, values looked up by a cheap comparable
// key — but purpose-built for first-wins proxy registration rather
// than reference-counted resource sharing.
package registry

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/tunnelrelay/relay/proxyconf"
	"github.com/tunnelrelay/relay/stats"
)

// ErrAlreadyRegistered is returned by TryRegister when another live
// registration already holds the same Key (spec §4.5, first-wins).
var ErrAlreadyRegistered = errors.New("registry: proxy already registered")

// Dispatcher is the owning session's half of a registration: the
// mechanism by which an accepted visitor/public connection for this
// proxy is handed off to whoever is serving it. Implemented by the
// server's per-client session; kept as an interface here so registry
// has no dependency on server.
type Dispatcher interface {
	// Dispatch takes ownership of conn, relaying it to the proxy's
	// local service. It must not block the caller beyond handing
	// off; the splice itself runs on a goroutine Dispatch spawns.
	Dispatch(conn net.Conn, key proxyconf.Key)
}

// Registration is one live (name, port) binding: the descriptor that
// was accepted, the session that owns it, and its stats tracker.
type Registration struct {
	Descriptor proxyconf.ProxyDescriptor
	Dispatcher Dispatcher
	Stats      *stats.Tracker
}

// Registry is the process-wide proxy table. Zero value is ready to
// use. All operations hold a single mutex only long enough to
// mutate the map; no I/O happens under lock (spec §4.5).
type Registry struct {
	mu      sync.Mutex
	entries map[proxyconf.Key]*Registration
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[proxyconf.Key]*Registration)}
}

// TryRegister installs reg under its descriptor's Key if, and only
// if, no live registration currently holds that key. This is the
// sole admission point for the first-wins invariant: callers must
// not bypass it by writing to the map directly (there is no other
// way to).
func (r *Registry) TryRegister(reg *Registration) error {
	key := reg.Descriptor.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, key)
	}
	if r.entries == nil {
		r.entries = make(map[proxyconf.Key]*Registration)
	}
	r.entries[key] = reg
	return nil
}

// Lookup returns the registration for key, if any is currently live.
func (r *Registry) Lookup(key proxyconf.Key) (*Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.entries[key]
	return reg, ok
}

// Unregister removes key's registration, but only if it is still
// owned by dispatcher — this makes unregistration idempotent and
// race-free against a concurrent re-registration by a newer session
// for the same key (spec §4.5, "unregister is idempotent and only
// removes the entry it was handed").
func (r *Registry) Unregister(key proxyconf.Key, dispatcher Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.entries[key]; ok && reg.Dispatcher == dispatcher {
		delete(r.entries, key)
	}
}

// Snapshot returns a name-keyed view of every live tracker, for
// stats.Collector to scrape. The map returned is a fresh copy; it
// does not alias internal state, so callers may range over it
// without the registry's lock held.
func (r *Registry) Snapshot() map[string]*stats.Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*stats.Tracker, len(r.entries))
	for key, reg := range r.entries {
		out[key.String()] = reg.Stats
	}
	return out
}

// Len reports how many proxies are currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
