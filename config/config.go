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

// Package config decodes on-disk TOML into the server and client
// configuration structs. Kept deliberately thin: it is the one place
// that imports BurntSushi/toml, so the rest of the tree depends only
// on plain Go structs (the teacher's own caddyconfig/ split between
// "adapter" and "core config" inspired the same separation here).
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tunnelrelay/relay/proxyconf"
	"github.com/tunnelrelay/relay/transport"
)

// ServerConfig is the top-level shape of a relayd TOML file.
type ServerConfig struct {
	BindAddr      string         `toml:"bind_addr"`
	BindPort      int            `toml:"bind_port"`
	TransportKind transport.Kind `toml:"transport"`
	AuthKey       string         `toml:"auth_key"`
	CertPath      string         `toml:"cert_path"`
	KeyPath       string         `toml:"key_path"`
	Debug         bool           `toml:"debug"`
	MetricsAddr   string         `toml:"metrics_addr"`

	// HeartbeatTimeout is the idle window from spec §4.4: a session
	// that goes this long without an inbound control message
	// terminates with server.ErrIdleTimeout. Zero uses
	// server.DefaultIdleTimeout.
	HeartbeatTimeout time.Duration `toml:"heartbeat_timeout"`
}

// ClientConfig is the top-level shape of a relay TOML file.
type ClientConfig struct {
	ServerAddr        string         `toml:"server_addr"`
	ServerPort        int            `toml:"server_port"`
	TransportKind     transport.Kind `toml:"transport"`
	AuthKey           string         `toml:"auth_key"`
	CACertPath        string         `toml:"ca_cert_path"`
	SkipVerify        bool           `toml:"skip_verify"`
	HeartbeatInterval time.Duration  `toml:"heartbeat_interval"`
	Debug             bool           `toml:"debug"`

	// ReconnectDelay is the fixed delay between reconnect attempts
	// after the session with relayd ends (spec §4.8: "constant delay
	// by default"). Zero uses DefaultReconnectDelay.
	ReconnectDelay time.Duration `toml:"reconnect_delay"`

	Proxies  []proxyconf.ProxyDescriptor   `toml:"proxies"`
	Visitors []proxyconf.VisitorDescriptor `toml:"visitors"`
}

// DefaultReconnectDelay is applied when ClientConfig.ReconnectDelay
// is zero (spec §4.8's "typical 5s").
const DefaultReconnectDelay = 5 * time.Second

// DecodeServer reads and validates a server config file.
func DecodeServer(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decoding server config %s: %w", path, err)
	}
	if cfg.BindPort == 0 {
		return nil, fmt.Errorf("config: %s: bind_port is required", path)
	}
	if cfg.TransportKind == "" {
		cfg.TransportKind = transport.KindTLS
	}
	return &cfg, nil
}

// DecodeClient reads and validates a client config file, including
// the bundle-level invariants from proxyconf.Bundle.Validate.
func DecodeClient(path string) (*ClientConfig, error) {
	var cfg ClientConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decoding client config %s: %w", path, err)
	}
	if cfg.ServerPort == 0 {
		return nil, fmt.Errorf("config: %s: server_port is required", path)
	}
	if cfg.TransportKind == "" {
		cfg.TransportKind = transport.KindTLS
	}
	bundle := proxyconf.Bundle{Proxies: cfg.Proxies, Visitors: cfg.Visitors}
	if err := bundle.Validate(cfg.ServerPort); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}
