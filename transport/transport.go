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

// Package transport defines the single bidirectional byte-stream
// abstraction the rest of the relay is written against (spec §4.1),
// plus a tagged-variant registry so the TLS, WebSocket, and HTTP/2
// implementations of that abstraction can be selected by name from
// config, the same way Caddy's module system (see the root
// caddy.Module/RegisterModule pair this registry is adapted from)
// lets a host pick a concrete implementation of an interface by ID.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
)

// Stream is the ordered, reliable, bidirectional, confidential byte
// stream every transport implementation yields, satisfied by
// *tls.Conn, a websocket-wrapped net.Conn, and a QUIC stream alike.
type Stream interface {
	io.ReadWriteCloser
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	net.Conn
}

// Transport is the capability a concrete implementation provides:
// dial the relay (client side) or accept one peer (server side).
// Implementations are registered under a Kind and constructed fresh
// per Config via New, mirroring caddy.Module's New-then-configure
// lifecycle.
type Transport interface {
	// Kind returns the registered identity of this implementation.
	Kind() Kind

	// Connect dials the server and returns a Stream once the
	// handshake completes. Used by clients.
	Connect(ctx context.Context, cfg Config) (Stream, error)

	// Listen binds according to cfg and returns an Acceptor that
	// yields one Stream per accepted, handshake-complete peer. Used
	// by servers.
	Listen(ctx context.Context, cfg Config) (Acceptor, error)
}

// Acceptor yields peer streams one at a time, in the same shape as
// net.Listener but returning the higher-level Stream abstraction.
type Acceptor interface {
	Accept(ctx context.Context) (Stream, error)
	Close() error
	Addr() net.Addr
}

// Kind identifies a registered Transport implementation, e.g. "tls",
// "wss", "h2". Kinds are namespaced the way Caddy module IDs are,
// though in practice this registry only has one namespace.
type Kind string

const (
	KindTLS Kind = "tls"
	KindWSS Kind = "wss"
	KindH2  Kind = "h2"
)

// Factory constructs a fresh, unconfigured instance of a Transport.
// It must have no side effects, matching caddy.ModuleInfo.New's
// contract.
type Factory func() Transport

var (
	registryMu sync.RWMutex
	registry   = make(map[Kind]Factory)
)

// Register records factory under kind. It panics on an empty kind, a
// nil factory, or a duplicate registration, the same failure modes
// caddy.RegisterModule enforces — this is meant to be called from an
// init() function of the variant's package.
func Register(kind Kind, factory Factory) {
	if kind == "" {
		panic("transport: kind missing")
	}
	if factory == nil {
		panic("transport: missing factory")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[kind]; ok {
		panic(fmt.Sprintf("transport: kind already registered: %s", kind))
	}
	registry[kind] = factory
}

// New constructs a fresh Transport for kind, or ErrUnknownKind if
// nothing registered under that name.
func New(kind Kind) (Transport, error) {
	registryMu.RLock()
	factory, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return factory(), nil
}

// Kinds returns every registered kind in deterministic order, mainly
// for config validation error messages and tests.
func Kinds() []Kind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]Kind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
