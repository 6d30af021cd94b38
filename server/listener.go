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

package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/tunnelrelay/relay/proxyconf"
	"github.com/tunnelrelay/relay/registry"
	"github.com/tunnelrelay/relay/stats"
	"github.com/tunnelrelay/relay/wire"
)

// BindRetryPolicy is the public-listener bind-retry schedule from
// spec §4.4 and §8: an initial 2s delay, doubling on each failure,
// capped at 60s, giving up after MaxAttempts (10 attempts with 9
// waits of 2+4+8+16+32+60+60+60+60 = 302s, about 5 minutes end to
// end).
type BindRetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultBindRetryPolicy is the schedule spec §8 pins as load-bearing.
var DefaultBindRetryPolicy = BindRetryPolicy{
	InitialDelay: 2 * time.Second,
	MaxDelay:     60 * time.Second,
	MaxAttempts:  10,
}

func (p BindRetryPolicy) effective() BindRetryPolicy {
	if p.InitialDelay <= 0 {
		p = DefaultBindRetryPolicy
	}
	return p
}

// publicListener owns the TCP socket bound on behalf of one accepted
// proxy descriptor, accepting public connections and handing each one
// to the owning Session's dispatcher. Visitor connections do not pass
// through it; they arrive as substreams (see acceptVisitorSubstreams).
type publicListener struct {
	key    proxyconf.Key
	ln     net.Listener
	cancel context.CancelFunc
}

func (l *publicListener) Close() error {
	l.cancel()
	return l.ln.Close()
}

// admit attempts to bind and register every proxy descriptor in
// bundle, reporting per-descriptor outcomes (spec §4.4's
// submit_config response; accepted proxies with a publish_addr get a
// live listener, accepted visitor-only ones are only registered, and
// rejected ones carry a Reason string explaining why).
func (s *Session) admit(ctx context.Context, bundle proxyconf.Bundle) []wire.DescriptorOutcome {
	outcomes := make([]wire.DescriptorOutcome, 0, len(bundle.Proxies))
	for _, desc := range bundle.Proxies {
		outcome := wire.DescriptorOutcome{Name: desc.Name, PublishPort: desc.PublishPort, Accepted: true}
		if err := desc.Validate(); err != nil {
			outcome.Accepted = false
			outcome.Reason = err.Error()
			outcomes = append(outcomes, outcome)
			continue
		}

		tracker := stats.NewTracker()
		reg := &registry.Registration{Descriptor: desc, Dispatcher: s, Stats: tracker}
		if err := s.deps.Registry.TryRegister(reg); err != nil {
			outcome.Accepted = false
			outcome.Reason = err.Error()
			outcomes = append(outcomes, outcome)
			continue
		}

		// A visitor-only descriptor (no publish_addr) is reachable
		// only through the visitor redirection path (spec §4.7); it
		// has nothing to bind publicly, so registering it is enough.
		if desc.Visitor() {
			s.mu.Lock()
			s.trackers[desc.Key()] = tracker
			s.mu.Unlock()
			outcomes = append(outcomes, outcome)
			continue
		}

		ln, err := s.bindWithRetry(ctx, desc)
		if err != nil {
			outcome.Accepted = false
			outcome.Reason = err.Error()
			s.deps.Registry.Unregister(desc.Key(), s)
			outcomes = append(outcomes, outcome)
			continue
		}

		lctx, cancel := context.WithCancel(ctx)
		pl := &publicListener{key: desc.Key(), ln: ln, cancel: cancel}
		s.mu.Lock()
		s.listeners[desc.Key()] = pl
		s.trackers[desc.Key()] = tracker
		s.mu.Unlock()

		go s.acceptLoop(lctx, pl, desc)
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// bindWithRetry implements the fixed retry schedule: 2s, 4s, 8s...
// capped at 60s, up to MaxAttempts tries, reporting each failed
// attempt as a push_exception notification so the client can surface
// it to an operator (spec §4.4, §8).
func (s *Session) bindWithRetry(ctx context.Context, desc proxyconf.ProxyDescriptor) (net.Listener, error) {
	policy := s.deps.BindRetry.effective()
	addr := fmt.Sprintf("%s:%d", desc.PublishAddr, desc.PublishPort)

	delay := policy.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		lastErr = err

		data := wire.BindRetryData{
			ProxyName:      desc.Name,
			PublishPort:    desc.PublishPort,
			RetryCount:     attempt,
			RetryDelaySecs: delay.Seconds(),
			Error:          err.Error(),
		}
		_ = s.ctrl.Notify(wire.MethodPushException, wire.PushExceptionParams{
			Level: wire.LevelWarning,
			Code:  wire.CodeProxyBindRetry,
			Data:  data,
		})

		if attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	_ = s.ctrl.Notify(wire.MethodPushException, wire.PushExceptionParams{
		Level: wire.LevelError,
		Code:  wire.CodeProxyBindFailed,
		Data: wire.BindRetryData{
			ProxyName:   desc.Name,
			PublishPort: desc.PublishPort,
			RetryCount:  policy.MaxAttempts,
			Error:       lastErr.Error(),
		},
	})
	return nil, fmt.Errorf("server: binding %s after %d attempts: %w", addr, policy.MaxAttempts, lastErr)
}

func (s *Session) acceptLoop(ctx context.Context, pl *publicListener, desc proxyconf.ProxyDescriptor) {
	log := s.deps.Logger.With(zap.String("proxy", desc.Name), zap.Int("publish_port", desc.PublishPort))
	for {
		conn, err := pl.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Info("public listener stopped", zap.Error(err))
				return
			}
		}
		go s.dispatchPublic(conn, desc)
	}
}

func (s *Session) teardown() {
	s.mu.Lock()
	listeners := s.listeners
	trackers := s.trackers
	s.listeners = nil
	s.trackers = nil
	s.mu.Unlock()

	for key, pl := range listeners {
		_ = pl.Close()
		s.deps.Registry.Unregister(key, s)
	}
	// trackers also covers visitor-only descriptors, which have no
	// publicListener to close but still hold a registry entry that
	// must be released so the (name, publish_port) key frees up
	// promptly for the next session (spec §4.5, §8 scenario 5).
	for key := range trackers {
		if _, hasListener := listeners[key]; hasListener {
			continue
		}
		s.deps.Registry.Unregister(key, s)
	}
	_ = s.ctrl.Close()
	_ = s.muxSess.Close()
}
