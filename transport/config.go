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

package transport

import "time"

// Config carries the options every transport implementation
// recognizes (spec §4.1). Fields not applicable to a given Kind are
// ignored by that implementation rather than rejected, so a single
// Config can be shared across a reconnect loop that might switch
// kinds.
type Config struct {
	Kind Kind

	// Server-side bind, or client-side dial target.
	BindAddr   string
	BindPort   int
	ServerAddr string
	ServerPort int

	// AuthKey is opaque to the transport; it is validated by the
	// control protocol layer, not here.
	AuthKey string

	// SkipVerify disables server certificate verification. Client,
	// dev-only.
	SkipVerify bool

	// CertPath/KeyPath are the server's certificate and key files.
	// CACertPath is an optional client-side CA pin.
	CertPath   string
	KeyPath    string
	CACertPath string

	// BehindProxy disables TLS termination; valid only for the h2
	// and wss variants, where a front-end terminates TLS instead.
	BehindProxy bool

	// ServerPath is the visitor-side URL path for sub-path
	// deployments of the h2/wss variants.
	ServerPath string

	// HandshakeTimeout bounds how long Connect/the per-peer portion
	// of Listen may take (spec §5).
	HandshakeTimeout time.Duration
}

func (c Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return 30 * time.Second
}
