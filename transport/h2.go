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

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
)

func init() {
	Register(KindH2, func() Transport { return &h2Transport{} })
}

// h2Transport is registered as the "h2" transport variant referenced
// by spec §4.1 ("HTTP/2 CONNECT tunnel"). Per spec §1, this variant's
// full CONNECT-tunnel semantics are deliberately out of scope; what is
// in scope is that it satisfies the same Transport interface as the
// TLS default, using QUIC as its carrier (the transport the teacher's
// go.mod ships for exactly this kind of multiplexed, connection-less
// stream). A reverse-proxy front-end doing the actual HTTP/2 framing
// is an external collaborator, hence BehindProxy.
type h2Transport struct{}

func (t *h2Transport) Kind() Kind { return KindH2 }

func (t *h2Transport) Connect(ctx context.Context, cfg Config) (Stream, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.SkipVerify, //nolint:gosec // explicit dev-only opt-in, spec §4.1
		ServerName:         cfg.ServerAddr,
		NextProtos:         []string{"relay-h2"},
	}
	addr := fmt.Sprintf("%s:%d", cfg.ServerAddr, cfg.ServerPort)
	conn, err := quic.DialAddr(ctx, addr, tlsCfg, nil)
	if err != nil {
		return nil, &TransportError{Kind: KindH2, Context: fmt.Sprintf("dialing %s", addr), Err: err}
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, &TransportError{Kind: KindH2, Context: "opening initial stream", Err: err}
	}
	return quicStream{Stream: stream, conn: conn}, nil
}

func (t *h2Transport) Listen(ctx context.Context, cfg Config) (Acceptor, error) {
	tlsCfg, err := serverTLSConfig(cfg)
	if err != nil {
		return nil, &ConfigError{Kind: KindH2, Reason: "building server tls.Config", Err: err}
	}
	tlsCfg.NextProtos = []string{"relay-h2"}

	addr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.BindPort)
	ln, err := quic.ListenAddr(addr, tlsCfg, nil)
	if err != nil {
		return nil, &ConfigError{Kind: KindH2, Reason: fmt.Sprintf("binding %s", addr), Err: err}
	}
	return &h2Acceptor{ln: ln}, nil
}

type h2Acceptor struct {
	ln *quic.Listener
}

func (a *h2Acceptor) Accept(ctx context.Context) (Stream, error) {
	conn, err := a.ln.Accept(ctx)
	if err != nil {
		return nil, &TransportError{Kind: KindH2, Context: "accepting peer", Err: err}
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, &TransportError{Kind: KindH2, Context: "accepting initial stream", Err: err}
	}
	return quicStream{Stream: stream, conn: conn}, nil
}

func (a *h2Acceptor) Close() error    { return a.ln.Close() }
func (a *h2Acceptor) Addr() net.Addr { return a.ln.Addr() }

// quicStream adapts a single QUIC stream plus its parent connection's
// addresses to the Stream interface. A production deployment would
// run the multiplexer directly atop the QUIC connection's native
// stream support rather than one stream of it; wrapping a single
// stream here keeps this variant's surface identical to the TLS and
// WebSocket variants, which is all the core requires of it.
type quicStream struct {
	*quic.Stream
	conn *quic.Conn
}

func (q quicStream) LocalAddr() net.Addr  { return q.conn.LocalAddr() }
func (q quicStream) RemoteAddr() net.Addr { return q.conn.RemoteAddr() }
