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

// Package client implements the relay agent's half of a session: it
// dials the relay daemon, authenticates, publishes its proxy bundle,
// and serves every inbound data substream by relaying it to the
// matching local service (spec §4.4, §4.6, §4.8).
package client

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/tunnelrelay/relay/mux"
	"github.com/tunnelrelay/relay/proxyconf"
	"github.com/tunnelrelay/relay/transport"
	"github.com/tunnelrelay/relay/wire"
)

// state mirrors spec §4.8's labels for logging and tests; control
// flow is the linear sequence of calls in Session.Run plus the
// reconnect loop in Run's caller (cmd/relay).
type state string

const (
	stateConnecting     state = "connecting"
	stateAuthenticating state = "authenticating"
	statePublishing     state = "publishing"
	stateRunning        state = "running"
)

// Deps bundles what a Session needs beyond the bundle itself.
type Deps struct {
	Transport         transport.Transport
	TransportConfig   transport.Config
	AuthKey           string
	Bundle            proxyconf.Bundle
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
	Dialer            LocalDialer

	// OnMuxReady, if set, is called with the session's mux.Session as
	// soon as it's established, and again with nil once Run returns.
	// It lets a long-lived VisitorListener (bound once for the
	// process's lifetime via a client.MuxHolder) always reach
	// whichever session is currently live across reconnects.
	OnMuxReady func(mux.Session)
}

// LocalDialer opens a connection to the local service backing desc.
// Defaults to net.Dialer.DialContext; substitutable for tests.
type LocalDialer interface {
	DialLocal(ctx context.Context, desc proxyconf.ProxyDescriptor) (net.Conn, error)
}

type netLocalDialer struct{ d net.Dialer }

func (n netLocalDialer) DialLocal(ctx context.Context, desc proxyconf.ProxyDescriptor) (net.Conn, error) {
	return n.d.DialContext(ctx, "tcp", desc.Dial())
}

// Session owns one connect-authenticate-publish-run cycle against
// the relay daemon. A new Session is constructed for each reconnect
// attempt (spec §4.8); state does not survive across instances
// except the run_id passed to NewSession (taken from the previous
// Session's RunID), letting the daemon log "same client reconnecting"
// versus "new client".
type Session struct {
	deps    Deps
	runID   string
	pools   map[proxyconf.Key]*pool
	byKey   map[proxyconf.Key]proxyconf.ProxyDescriptor
}

// RunID returns the run_id the daemon assigned during the most
// recent authenticate call, for the caller to thread into the next
// reconnect attempt's Session (spec §4.8's "same client vs new
// client" logging distinction).
func (s *Session) RunID() string { return s.runID }

// NewSession prepares a Session; call Run to execute it.
func NewSession(deps Deps, runID string) *Session {
	if deps.Dialer == nil {
		deps.Dialer = netLocalDialer{}
	}
	byKey := make(map[proxyconf.Key]proxyconf.ProxyDescriptor, len(deps.Bundle.Proxies))
	pools := make(map[proxyconf.Key]*pool, len(deps.Bundle.Proxies))
	for _, desc := range deps.Bundle.Proxies {
		byKey[desc.Key()] = desc
		pools[desc.Key()] = newPool(desc, deps.Dialer)
	}
	return &Session{deps: deps, runID: runID, pools: pools, byKey: byKey}
}

// Run executes one full session lifecycle: connect, authenticate,
// publish, then serve inbound substreams and heartbeats until the
// underlying mux.Session ends. It returns the error that ended the
// session (nil only if ctx was canceled cleanly).
func (s *Session) Run(ctx context.Context) error {
	log := s.deps.Logger

	log.Debug("connecting", zap.String("state", string(stateConnecting)))
	stream, err := s.deps.Transport.Connect(ctx, s.deps.TransportConfig)
	if err != nil {
		return fmt.Errorf("client: connecting: %w", err)
	}

	muxSess, err := mux.Client(stream, mux.Config{})
	if err != nil {
		_ = stream.Close()
		return fmt.Errorf("client: starting mux session: %w", err)
	}
	defer muxSess.Close()
	if s.deps.OnMuxReady != nil {
		s.deps.OnMuxReady(muxSess)
		defer s.deps.OnMuxReady(nil)
	}

	ctrlStream, err := muxSess.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("client: opening control substream: %w", err)
	}
	ctrl := wire.NewConn(ctrlStream)
	defer ctrl.Close()

	log.Debug("authenticating", zap.String("state", string(stateAuthenticating)))
	runID, err := s.authenticate(ctrl)
	if err != nil {
		return fmt.Errorf("client: authenticating: %w", err)
	}
	s.runID = runID

	log.Debug("publishing", zap.String("state", string(statePublishing)))
	outcomes, err := s.publish(ctrl)
	if err != nil {
		return fmt.Errorf("client: publishing config: %w", err)
	}
	for _, o := range outcomes {
		if !o.Accepted {
			log.Warn("proxy rejected", zap.String("proxy", o.Name), zap.String("reason", o.Reason))
		}
	}

	go s.heartbeatLoop(ctx, ctrl)
	go s.acceptSubstreams(ctx, muxSess)

	log.Info("session running", zap.String("state", string(stateRunning)), zap.String("run_id", s.runID))
	stop := context.AfterFunc(ctx, func() { _ = ctrl.Close() })
	defer stop()
	err = ctrl.Serve(s.handleRPC)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Session) authenticate(ctrl *wire.Conn) (string, error) {
	result, rpcErr, err := ctrl.Call(wire.MethodAuthenticate, wire.AuthenticateParams{
		AuthKey:         s.deps.AuthKey,
		ProtocolVersion: wire.BaselineProtocolVersion,
		RunID:           s.runID,
	}, wire.MaxAuthFrameBytes)
	if err != nil {
		return "", err
	}
	if rpcErr != nil {
		return "", rpcErr
	}
	var out wire.AuthenticateResult
	if err := json.Unmarshal(result, &out); err != nil {
		return "", fmt.Errorf("decoding authenticate result: %w", err)
	}
	return out.RunID, nil
}

func (s *Session) publish(ctrl *wire.Conn) ([]wire.DescriptorOutcome, error) {
	result, rpcErr, err := ctrl.Call(wire.MethodSubmitConfig, wire.SubmitConfigParams{Bundle: s.deps.Bundle}, wire.MaxFrameBytes)
	if err != nil {
		return nil, err
	}
	if rpcErr != nil {
		return nil, rpcErr
	}
	var out wire.SubmitConfigResult
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("decoding submit_config result: %w", err)
	}
	return out.Outcomes, nil
}

func (s *Session) heartbeatLoop(ctx context.Context, ctrl *wire.Conn) {
	interval := s.deps.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := ctrl.Call(wire.MethodHeartbeat, wire.HeartbeatParams{}, wire.MaxFrameBytes); err != nil {
				s.deps.Logger.Debug("heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Session) handleRPC(method string, params json.RawMessage) (any, *wire.ErrorObject) {
	switch method {
	case wire.MethodPushException:
		var p wire.PushExceptionParams
		_ = json.Unmarshal(params, &p)
		s.deps.Logger.Warn("daemon exception", zap.String("level", string(p.Level)), zap.String("code", p.Code), zap.Any("data", p.Data))
		return struct{}{}, nil
	case wire.MethodPushStats:
		return struct{}{}, nil
	default:
		return nil, &wire.ErrorObject{Code: wire.CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", method)}
	}
}

// acceptSubstreams serves every data substream the daemon opens:
// read its 2-byte publish_port header, look up the matching proxy,
// borrow a local connection from that proxy's pool, and splice
// (spec §4.6, §4.9).
func (s *Session) acceptSubstreams(ctx context.Context, muxSess mux.Session) {
	for {
		stream, err := muxSess.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.serveSubstream(ctx, stream)
	}
}

func (s *Session) serveSubstream(ctx context.Context, stream mux.Stream) {
	var header [2]byte
	if _, err := io.ReadFull(stream, header[:]); err != nil {
		_ = stream.Close()
		return
	}
	publishPort := int(binary.BigEndian.Uint16(header[:]))

	var desc proxyconf.ProxyDescriptor
	var found bool
	for key, d := range s.byKey {
		if key.PublishPort == publishPort {
			desc, found = d, true
			break
		}
	}
	if !found {
		_ = stream.Close()
		return
	}

	p := s.pools[desc.Key()]
	local, err := p.Get(ctx)
	if err != nil {
		s.deps.Logger.Warn("dialing local service failed", zap.String("proxy", desc.Name), zap.Error(err))
		_ = stream.Close()
		return
	}

	spliceLocal(stream, local, p)
}
