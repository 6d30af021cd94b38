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

// Package mux multiplexes a single transport.Stream into many
// independent, flow-controlled substreams (spec §4.2). It is a thin
// adapter over hashicorp/yamux: the core never depends on yamux
// types directly, only on Session/Stream here, so a future swap of
// multiplexer implementation touches one package.
package mux

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/yamux"
)

// Stream is one flow-controlled, independently-closable substream.
// *yamux.Stream already satisfies net.Conn; Stream is declared
// separately so callers depend on this package's contract, not
// yamux's.
type Stream interface {
	net.Conn
}

// Session owns one multiplexed connection. Either side may open
// substreams at will; the other observes them through
// AcceptStream. Closing a Session tears down every substream opened
// on it (spec §4.2, "a terminal transport error ends every live
// substream promptly").
type Session interface {
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	Close() error
	IsClosed() bool
	NumStreams() int
}

// Config tunes the underlying yamux session. Zero value is valid and
// uses yamux's own defaults except where noted.
type Config struct {
	// KeepAliveInterval governs yamux's own ping-based liveness
	// check, independent of the control protocol's heartbeat
	// (spec §4.3); it catches a dead transport faster than a
	// higher-level heartbeat timeout would.
	KeepAliveInterval time.Duration

	// AcceptBacklog bounds how many opened-but-not-yet-accepted
	// substreams may queue before OpenStream blocks the peer.
	AcceptBacklog int

	// MaxStreamWindow caps per-substream flow-control window size.
	MaxStreamWindow uint32
}

func (c Config) yamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	if c.KeepAliveInterval > 0 {
		cfg.KeepAliveInterval = c.KeepAliveInterval
	}
	if c.AcceptBacklog > 0 {
		cfg.AcceptBacklog = c.AcceptBacklog
	}
	if c.MaxStreamWindow > 0 {
		cfg.MaxStreamWindow = c.MaxStreamWindow
	}
	cfg.LogOutput = io.Discard
	cfg.EnableKeepAlive = c.KeepAliveInterval >= 0
	return cfg
}

// Client wraps rw as the session-initiating (client) side of a
// multiplexed connection: spec §4.2 assigns the client the role of
// always dialing, never accepting, at the transport layer.
func Client(rw io.ReadWriteCloser, cfg Config) (Session, error) {
	sess, err := yamux.Client(rw, cfg.yamuxConfig())
	if err != nil {
		return nil, fmt.Errorf("mux: starting client session: %w", err)
	}
	return yamuxSession{sess}, nil
}

// Server wraps rw as the session-accepting (server) side.
func Server(rw io.ReadWriteCloser, cfg Config) (Session, error) {
	sess, err := yamux.Server(rw, cfg.yamuxConfig())
	if err != nil {
		return nil, fmt.Errorf("mux: starting server session: %w", err)
	}
	return yamuxSession{sess}, nil
}

type yamuxSession struct {
	sess *yamux.Session
}

func (s yamuxSession) OpenStream(ctx context.Context) (Stream, error) {
	st, err := s.sess.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("mux: opening substream: %w", err)
	}
	return st, nil
}

func (s yamuxSession) AcceptStream(ctx context.Context) (Stream, error) {
	type result struct {
		st  *yamux.Stream
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := s.sess.AcceptStream()
		done <- result{st, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("mux: accepting substream: %w", r.err)
		}
		return r.st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s yamuxSession) Close() error      { return s.sess.Close() }
func (s yamuxSession) IsClosed() bool    { return s.sess.IsClosed() }
func (s yamuxSession) NumStreams() int   { return s.sess.NumStreams() }
