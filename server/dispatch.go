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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tunnelrelay/relay/proxyconf"
	"github.com/tunnelrelay/relay/registry"
)

// publishPortHeaderLen is the two-byte big-endian publish_port
// prefix the server writes on every data substream it opens toward
// a client, letting the client's single inbound-substream handler
// demultiplex to the right local service without a second RPC
// round-trip (spec §4.6).
const publishPortHeaderLen = 2

// dispatchPublic handles one accepted connection on desc's public
// listener: open a fresh data substream to the owning client,
// announce which proxy it's for, then splice bytes until either
// side closes (spec §4.6).
func (s *Session) dispatchPublic(conn net.Conn, desc proxyconf.ProxyDescriptor) {
	s.openAndSplice(conn, desc.Key(), desc.PublishPort)
}

// Dispatch implements registry.Dispatcher: it is called on the
// Session that owns a proxy registration when some other session's
// visitor redirector has matched a visitor to this proxy (spec §4.5,
// §4.6 — "reuse of the same outbound-substream mailbox as the public
// dispatcher").
func (s *Session) Dispatch(conn net.Conn, key proxyconf.Key) {
	go s.openAndSplice(conn, key, key.PublishPort)
}

func (s *Session) openAndSplice(conn net.Conn, key proxyconf.Key, publishPort int) {
	log := s.deps.Logger.With(zap.String("proxy", key.Name), zap.Int("publish_port", publishPort))

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	stream, err := s.muxSess.OpenStream(context.Background())
	if err != nil {
		log.Warn("opening data substream failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	var header [publishPortHeaderLen]byte
	binary.BigEndian.PutUint16(header[:], uint16(publishPort))
	if _, err := stream.Write(header[:]); err != nil {
		log.Warn("writing publish_port header failed", zap.Error(err))
		_ = stream.Close()
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	tracker := s.trackers[key]
	s.mu.Unlock()
	if tracker != nil {
		tracker.ConnOpened()
		defer tracker.ConnClosed()
	}

	splice(conn, stream, tracker, log)
}

// splice joins a and b full-duplex until both directions finish,
// using errgroup to wait for both copy loops: a direction that
// reaches EOF half-closes its destination's write side (see
// closeWrite) and the other direction keeps running until it ends
// too; only then are both sides closed (spec §4.6's "a splice pair
// ends only when both directions have ended").
func splice(a, b io.ReadWriteCloser, tracker interface {
	AddIn(int64)
	AddOut(int64)
}, log *zap.Logger) {
	var g errgroup.Group
	g.Go(func() error {
		n, err := io.Copy(b, a)
		if tracker != nil {
			tracker.AddIn(n)
		}
		closeWrite(b)
		return ignoreClosedErr(err)
	})
	g.Go(func() error {
		n, err := io.Copy(a, b)
		if tracker != nil {
			tracker.AddOut(n)
		}
		closeWrite(a)
		return ignoreClosedErr(err)
	})
	if err := g.Wait(); err != nil {
		log.Debug("splice ended", zap.Error(err))
	}
	_ = a.Close()
	_ = b.Close()
}

// closeWrite half-closes w's write side when supported (as
// *net.TCPConn does), letting the peer finish reading in-flight data
// instead of a hard reset; types without CloseWrite get a full Close.
func closeWrite(w io.Closer) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := w.(writeCloser); ok {
		_ = wc.CloseWrite()
		return
	}
	_ = w.Close()
}

func ignoreClosedErr(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// acceptVisitorSubstreams loops accepting every substream a client
// opens beyond its control substream. Per spec §4.7 these are
// unsolicited visitor rendezvous attempts arriving as inbound
// substreams on the client's own authenticated, multiplexed session —
// there is no separate listener or tagging, direction alone tells a
// visitor substream apart from the data substreams this session opens
// itself in dispatchPublic/Dispatch.
func (s *Session) acceptVisitorSubstreams(ctx context.Context) {
	for {
		stream, err := s.muxSess.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.deps.VisitorRedirector.Handle(stream)
	}
}

// VisitorRedirector handles one inbound visitor substream, reading
// the [name_len][name][publish_port] prefix spec §4.7/§6 define for
// the rendezvous path, looking the target up in the shared registry,
// and handing it to that proxy's owning session via
// registry.Dispatcher — the same mechanism dispatchPublic uses, so a
// visitor-redirected connection is indistinguishable downstream from
// a direct public one.
type VisitorRedirector struct {
	Registry *registry.Registry
	Logger   *zap.Logger

	// missLimiter throttles how fast unmatched or malformed visitor
	// prefixes are logged, so a peer sending junk prefixes cannot
	// flood the log; it does not delay or skip the registry lookup.
	missLimiter *rate.Limiter
}

// NewVisitorRedirector builds a VisitorRedirector with its abuse-rate
// limiter initialized. reg and log may not be nil.
func NewVisitorRedirector(reg *registry.Registry, log *zap.Logger) *VisitorRedirector {
	return &VisitorRedirector{
		Registry:    reg,
		Logger:      log,
		missLimiter: rate.NewLimiter(rate.Limit(50), 100),
	}
}

// Handle reads one visitor connection's redirect prefix and dispatches
// it, or closes conn on any protocol or lookup failure. Ownership of
// conn passes to Dispatch on success.
func (v *VisitorRedirector) Handle(conn net.Conn) {
	name, publishPort, err := readVisitorPrefix(conn)
	if err != nil {
		if v.missLimiter.Allow() {
			v.Logger.Debug("malformed visitor prefix", zap.Error(err))
		}
		_ = conn.Close()
		return
	}

	key := proxyconf.Key{Name: name, PublishPort: publishPort}
	reg, ok := v.Registry.Lookup(key)
	if !ok {
		if v.missLimiter.Allow() {
			v.Logger.Debug("visitor target not registered", zap.String("proxy", name))
		}
		writeVisitorError(conn, fmt.Sprintf("no proxy registered as %s:%d", name, publishPort))
		_ = conn.Close()
		return
	}
	reg.Dispatcher.Dispatch(conn, key)
}

// writeVisitorError writes the [message_len][message] error frame
// spec §4.7/§6 require on a rendezvous miss, before the caller closes
// conn. Best-effort: a write failure here just means the peer won't
// see the human-readable reason, not that the miss goes unhandled.
func writeVisitorError(conn net.Conn, message string) {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(message)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return
	}
	_, _ = conn.Write([]byte(message))
}

// readVisitorPrefix reads [2-byte name_len][name][2-byte publish_port]
// from conn, per spec §4.7/§6.
func readVisitorPrefix(conn net.Conn) (string, int, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return "", 0, err
	}
	name := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(conn, name); err != nil {
		return "", 0, err
	}
	var portBuf [2]byte
	if _, err := io.ReadFull(conn, portBuf[:]); err != nil {
		return "", 0, err
	}
	return string(name), int(binary.BigEndian.Uint16(portBuf[:])), nil
}
