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

// Package proxyconf defines the descriptors a client publishes and
// consumes: what a ProxyDescriptor exposes to the world, and what a
// VisitorDescriptor lets a client reach on another client's behalf.
package proxyconf

import (
	"fmt"
)

// Type is the kind of service a ProxyDescriptor fronts. It only
// influences the client-side dial policy (see the client package's
// connection pool), never how the relay interprets bytes.
type Type string

const (
	TypeTCP   Type = "tcp"
	TypeHTTP1 Type = "http/1.1"
	TypeHTTP2 Type = "http/2.0"
	TypeSSH   Type = "ssh"
)

// UnmarshalText validates the type against the known set so malformed
// config is rejected at decode time rather than surfacing later as a
// silent no-op dial policy.
func (t *Type) UnmarshalText(text []byte) error {
	switch Type(text) {
	case TypeTCP, TypeHTTP1, TypeHTTP2, TypeSSH:
		*t = Type(text)
		return nil
	default:
		return fmt.Errorf("proxyconf: unrecognized proxy type %q", text)
	}
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t), nil }

// MaxNameBytes is the hard limit on a descriptor name. Names up to
// RecommendedNameBytes are recommended but not enforced.
const (
	MaxNameBytes         = 255
	RecommendedNameBytes = 64
)

// ProxyDescriptor is what a client publishes to the server: an
// externally reachable endpoint (if PublishAddr is set) bound to a
// service the client can dial on itself.
type ProxyDescriptor struct {
	Name        string `json:"name" toml:"name"`
	PublishAddr string `json:"publish_addr,omitempty" toml:"publish_addr,omitempty"`
	PublishPort int    `json:"publish_port" toml:"publish_port"`
	LocalAddr   string `json:"local_addr,omitempty" toml:"local_addr,omitempty"`
	LocalPort   int    `json:"local_port" toml:"local_port"`
	Type        Type   `json:"proxy_type" toml:"proxy_type"`
}

// Visitor reports whether this descriptor is visitor-only, i.e. it has
// no publicly bound address and can only be reached through the
// visitor redirection path.
func (d ProxyDescriptor) Visitor() bool { return d.PublishAddr == "" }

// Key is the registry key identity for this descriptor.
func (d ProxyDescriptor) Key() Key { return Key{Name: d.Name, PublishPort: d.PublishPort} }

// Dial returns the host:port the client should dial to reach the
// descriptor's local service.
func (d ProxyDescriptor) Dial() string {
	addr := d.LocalAddr
	if addr == "" {
		addr = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", addr, d.LocalPort)
}

// Validate checks the single-descriptor invariants from spec §4.4:
// non-empty name within the hard limit, and ports in range. It does
// not check cross-descriptor invariants (duplicate names/keys within
// a bundle); Bundle.Validate does that.
func (d ProxyDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("proxyconf: proxy descriptor name must not be empty")
	}
	if len(d.Name) > MaxNameBytes {
		return fmt.Errorf("proxyconf: proxy descriptor name %q exceeds %d bytes", d.Name, MaxNameBytes)
	}
	if d.PublishAddr != "" {
		if err := validPort(d.PublishPort); err != nil {
			return fmt.Errorf("proxyconf: publish_port: %w", err)
		}
	}
	if err := validPort(d.LocalPort); err != nil {
		return fmt.Errorf("proxyconf: local_port: %w", err)
	}
	switch d.Type {
	case TypeTCP, TypeHTTP1, TypeHTTP2, TypeSSH, "":
	default:
		return fmt.Errorf("proxyconf: unrecognized proxy_type %q", d.Type)
	}
	return nil
}

// VisitorDescriptor is what a client consumes: a local listener that,
// on each accepted connection, asks the server to redirect the stream
// to whichever client owns (Name, PublishPort).
type VisitorDescriptor struct {
	Name        string `json:"name" toml:"name"`
	PublishPort int    `json:"publish_port" toml:"publish_port"`
	BindAddr    string `json:"bind_addr,omitempty" toml:"bind_addr,omitempty"`
	BindPort    int    `json:"bind_port" toml:"bind_port"`
}

// Key is the registry key this visitor wants to reach.
func (d VisitorDescriptor) Key() Key { return Key{Name: d.Name, PublishPort: d.PublishPort} }

// Listen returns the local bind address:port for this visitor's
// listener.
func (d VisitorDescriptor) Listen() string {
	addr := d.BindAddr
	if addr == "" {
		addr = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", addr, d.BindPort)
}

func (d VisitorDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("proxyconf: visitor descriptor name must not be empty")
	}
	if len(d.Name) > MaxNameBytes {
		return fmt.Errorf("proxyconf: visitor descriptor name %q exceeds %d bytes", d.Name, MaxNameBytes)
	}
	if err := validPort(d.PublishPort); err != nil {
		return fmt.Errorf("proxyconf: publish_port: %w", err)
	}
	if err := validPort(d.BindPort); err != nil {
		return fmt.Errorf("proxyconf: bind_port: %w", err)
	}
	return nil
}

func validPort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("port %d out of range 1..65535", p)
	}
	return nil
}

// Key identifies a registration: the disambiguating pair a proxy
// publishes under and a visitor targets.
type Key struct {
	Name        string
	PublishPort int
}

func (k Key) String() string { return fmt.Sprintf("%s:%d", k.Name, k.PublishPort) }

// Bundle is the wire form of a client's configuration, sent once per
// session via the submit_config control method.
type Bundle struct {
	Proxies  []ProxyDescriptor   `json:"proxies,omitempty" toml:"proxies,omitempty"`
	Visitors []VisitorDescriptor `json:"visitors,omitempty" toml:"visitors,omitempty"`
}

// Validate enforces the bundle-level invariants of spec §4.4: no
// duplicate names and no duplicate (name, publish_port) keys within
// the bundle, every descriptor individually valid, and publish_port
// must not collide with serverBindPort (0 disables that check).
func (b Bundle) Validate(serverBindPort int) error {
	names := make(map[string]struct{}, len(b.Proxies))
	keys := make(map[Key]struct{}, len(b.Proxies))
	for _, p := range b.Proxies {
		if err := p.Validate(); err != nil {
			return err
		}
		if serverBindPort != 0 && p.PublishAddr != "" && p.PublishPort == serverBindPort {
			return fmt.Errorf("proxyconf: proxy %q: publish_port %d collides with the server's own bind port", p.Name, p.PublishPort)
		}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("proxyconf: duplicate proxy name %q in bundle", p.Name)
		}
		names[p.Name] = struct{}{}
		k := p.Key()
		if _, dup := keys[k]; dup {
			return fmt.Errorf("proxyconf: duplicate proxy key %s in bundle", k)
		}
		keys[k] = struct{}{}
	}
	for _, v := range b.Visitors {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}
