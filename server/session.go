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

// Package server implements the relay daemon's half of a session:
// authenticating a connecting client, admitting its proxy bundle
// into the registry, and dispatching public/visitor connections to
// whichever client owns the target proxy (spec §4.4, §4.5, §4.6).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tunnelrelay/relay/mux"
	"github.com/tunnelrelay/relay/proxyconf"
	"github.com/tunnelrelay/relay/registry"
	"github.com/tunnelrelay/relay/stats"
	"github.com/tunnelrelay/relay/wire"
)

// state names the session's position in the state machine from
// spec §4.4. It exists for logging and tests, not for branching —
// the control flow is the linear sequence of calls in Session.Run.
type state string

const (
	stateAwaitAuth   state = "awaiting_auth"
	stateAwaitConfig state = "awaiting_config"
	stateRunning     state = "running"
	stateTerminating state = "terminating"
)

// ErrAuthFailed is returned when a client's auth_key does not match.
var ErrAuthFailed = errors.New("server: authentication failed")

// ErrIdleTimeout is returned by Run when no inbound control message
// arrives within the session's idle window (spec §4.4).
var ErrIdleTimeout = errors.New("server: session idle timeout exceeded")

// CodeUnauthorized and CodeInvalidConfig are core-specific JSON-RPC
// error codes, taken from the -32000..-32099 block JSON-RPC 2.0 sets
// aside for implementation-defined server errors.
const (
	CodeUnauthorized  = -32000
	CodeInvalidConfig = -32001
)

// DefaultIdleTimeout is the idle window applied when Deps.IdleTimeout
// is zero.
const DefaultIdleTimeout = 60 * time.Second

// Deps bundles the collaborators a Session needs; passed in instead
// of constructed internally so tests can substitute fakes.
type Deps struct {
	Registry  *registry.Registry
	AuthKey   string
	BindRetry BindRetryPolicy
	Logger    *zap.Logger

	// ServerBindPort is the relayd's own transport bind port, used to
	// reject a submitted bundle whose publish_port collides with it
	// (proxyconf.Bundle.Validate, spec §4.4). 0 disables that check.
	ServerBindPort int

	// IdleTimeout is the idle window from spec §4.4: if no inbound
	// control message arrives within it, the session terminates with
	// ErrIdleTimeout. Zero uses DefaultIdleTimeout.
	IdleTimeout time.Duration

	// VisitorRedirector handles every inbound substream the client
	// opens beyond its control substream — each one is an unsolicited
	// visitor rendezvous attempt (spec §4.7).
	VisitorRedirector *VisitorRedirector
}

// Session owns one accepted client connection end-to-end: the
// transport handshake is already done by the caller, so Session
// starts from multiplexing the connection, running the control-plane
// RPC loop, admitting the client's proxy bundle, and serving public
// listeners for everything it published.
type Session struct {
	deps Deps

	muxSess mux.Session
	ctrl    *wire.Conn

	mu        sync.Mutex
	state     state
	runID     string
	listeners map[proxyconf.Key]*publicListener
	trackers  map[proxyconf.Key]*stats.Tracker
}

// NewSession wraps an already-multiplexed connection. ctrlStream is
// the first substream the client opens, reserved by convention
// (spec §4.3) for JSON-RPC control traffic. Data substreams are
// opened by the server (dispatchPublic/Dispatch), so every other
// substream the client opens is an unsolicited visitor rendezvous
// attempt (spec §4.7); direction alone tells them apart, since every
// substream arrives on this same authenticated muxSess.
func NewSession(deps Deps, muxSess mux.Session, ctrlStream mux.Stream) *Session {
	ctrl := wire.NewConn(ctrlStream)
	idleTimeout := deps.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	ctrl.SetIdleTimeout(idleTimeout, ctrlStream)
	return &Session{
		deps:      deps,
		muxSess:   muxSess,
		ctrl:      ctrl,
		state:     stateAwaitAuth,
		listeners: make(map[proxyconf.Key]*publicListener),
		trackers:  make(map[proxyconf.Key]*stats.Tracker),
	}
}

func (s *Session) setState(st state) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the session to completion: authenticate, admit config,
// serve control RPCs and inbound dispatch until the transport or
// control channel fails, then tear down every registration and
// listener this session owned.
func (s *Session) Run(ctx context.Context) error {
	log := s.deps.Logger

	if err := s.authenticate(); err != nil {
		log.Warn("authentication failed", zap.Error(err))
		_ = s.ctrl.Close()
		return err
	}

	s.setState(stateAwaitConfig)
	bundle, configID, err := s.awaitConfig()
	if err != nil {
		log.Warn("awaiting initial config failed", zap.Error(err))
		_ = s.ctrl.Close()
		return err
	}

	s.setState(stateRunning)
	outcomes := s.admit(ctx, bundle)
	_ = s.ctrl.Notify(wire.MethodPushConfig, wire.PushConfigStatusParams{Outcomes: outcomes})
	_ = s.ctrl.Reply(configID, wire.SubmitConfigResult{Outcomes: outcomes})

	if s.deps.VisitorRedirector != nil {
		go s.acceptVisitorSubstreams(ctx)
	}

	serveErr := s.ctrl.Serve(s.handleRPC)
	if isTimeoutErr(serveErr) {
		serveErr = ErrIdleTimeout
	}

	s.setState(stateTerminating)
	s.teardown()
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return fmt.Errorf("server: session ended: %w", serveErr)
	}
	return nil
}

// isTimeoutErr reports whether err is a read-deadline timeout, the
// signal Conn.SetIdleTimeout's watchdog raises when the idle window
// from spec §4.4 elapses with no inbound control message.
func isTimeoutErr(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *Session) authenticate() error {
	msg, err := s.ctrl.ReadOne(wire.MaxAuthFrameBytes)
	if err != nil {
		return fmt.Errorf("server: reading authenticate request: %w", err)
	}
	if msg.Method != wire.MethodAuthenticate || msg.ID == nil {
		return fmt.Errorf("server: expected %s request, got %q", wire.MethodAuthenticate, msg.Method)
	}
	var params wire.AuthenticateParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return fmt.Errorf("server: decoding authenticate params: %w", err)
	}
	if params.AuthKey != s.deps.AuthKey {
		_ = s.ctrl.ReplyError(*msg.ID, CodeUnauthorized, "invalid auth_key", nil)
		return ErrAuthFailed
	}

	s.runID = params.RunID
	if s.runID == "" {
		s.runID = uuid.NewString()
	}
	return s.ctrl.Reply(*msg.ID, wire.AuthenticateResult{RunID: s.runID})
}

func (s *Session) awaitConfig() (proxyconf.Bundle, json.RawMessage, error) {
	msg, err := s.ctrl.ReadOne(wire.MaxFrameBytes)
	if err != nil {
		return proxyconf.Bundle{}, nil, fmt.Errorf("server: reading submit_config request: %w", err)
	}
	if msg.Method != wire.MethodSubmitConfig || msg.ID == nil {
		return proxyconf.Bundle{}, nil, fmt.Errorf("server: expected %s request, got %q", wire.MethodSubmitConfig, msg.Method)
	}
	var params wire.SubmitConfigParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return proxyconf.Bundle{}, nil, fmt.Errorf("server: decoding submit_config params: %w", err)
	}
	if err := params.Bundle.Validate(s.deps.ServerBindPort); err != nil {
		_ = s.ctrl.ReplyError(*msg.ID, CodeInvalidConfig, err.Error(), nil)
		return proxyconf.Bundle{}, nil, fmt.Errorf("server: submitted bundle failed validation: %w", err)
	}
	return params.Bundle, *msg.ID, nil
}

func (s *Session) handleRPC(method string, params json.RawMessage) (any, *wire.ErrorObject) {
	switch method {
	case wire.MethodHeartbeat:
		return wire.HeartbeatParams{}, nil
	default:
		return nil, &wire.ErrorObject{Code: wire.CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", method)}
	}
}
