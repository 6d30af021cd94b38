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
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

func init() {
	Register(KindWSS, func() Transport { return &wssTransport{} })
}

// wssTransport carries the control/data plane inside WebSocket binary
// frames. Per spec §4.1 this variant's wire semantics are specified
// only through the Transport interface it must satisfy — the HTTP
// front-end it's meant to sit behind (path routing, additional
// headers, etc.) is out of scope. This implementation covers the
// non-TLS-terminating case: BehindProxy is expected to be true, with
// a reverse proxy in front doing TLS termination.
type wssTransport struct{}

func (t *wssTransport) Kind() Kind { return KindWSS }

func (t *wssTransport) Connect(ctx context.Context, cfg Config) (Stream, error) {
	u := url.URL{
		Scheme: "ws",
		Host:   fmt.Sprintf("%s:%d", cfg.ServerAddr, cfg.ServerPort),
		Path:   cmp(cfg.ServerPath, "/"),
	}
	if !cfg.BehindProxy {
		u.Scheme = "wss"
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.handshakeTimeout()}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, &TransportError{Kind: KindWSS, Context: fmt.Sprintf("dialing %s", u.String()), Err: err}
	}
	return wsStream{conn: conn}, nil
}

func (t *wssTransport) Listen(ctx context.Context, cfg Config) (Acceptor, error) {
	addr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &ConfigError{Kind: KindWSS, Reason: fmt.Sprintf("binding %s", addr), Err: err}
	}

	acc := &wssAcceptor{ln: ln, conns: make(chan Stream), errs: make(chan error, 1), done: make(chan struct{})}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc(cmp(cfg.ServerPath, "/"), func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case acc.conns <- wsStream{conn: conn}:
		case <-acc.done:
			_ = conn.Close()
		}
	})
	srv := &http.Server{Handler: mux}
	acc.srv = srv
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			acc.errs <- err
		}
	}()
	return acc, nil
}

type wssAcceptor struct {
	ln    net.Listener
	srv   *http.Server
	conns chan Stream
	errs  chan error
	done  chan struct{}
}

func (a *wssAcceptor) Accept(ctx context.Context) (Stream, error) {
	select {
	case c := <-a.conns:
		return c, nil
	case err := <-a.errs:
		return nil, &TransportError{Kind: KindWSS, Context: "accepting peer", Err: err}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *wssAcceptor) Close() error {
	close(a.done)
	return a.srv.Close()
}
func (a *wssAcceptor) Addr() net.Addr { return a.ln.Addr() }

// wsStream adapts a *websocket.Conn (message-oriented) to the
// byte-stream-oriented Stream interface the multiplexer requires, by
// keeping a small read buffer across message boundaries.
type wsStream struct {
	conn *websocket.Conn
}

func (w wsStream) Read(p []byte) (int, error) {
	for {
		_, r, err := w.conn.NextReader()
		if err != nil {
			return 0, err
		}
		n, err := r.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && err.Error() != "EOF" {
			return 0, err
		}
	}
}

func (w wsStream) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w wsStream) Close() error                       { return w.conn.Close() }
func (w wsStream) LocalAddr() net.Addr                { return w.conn.LocalAddr() }
func (w wsStream) RemoteAddr() net.Addr               { return w.conn.RemoteAddr() }
func (w wsStream) SetDeadline(t time.Time) error      { return w.conn.UnderlyingConn().SetDeadline(t) }
func (w wsStream) SetReadDeadline(t time.Time) error   { return w.conn.SetReadDeadline(t) }
func (w wsStream) SetWriteDeadline(t time.Time) error  { return w.conn.SetWriteDeadline(t) }

func cmp(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
