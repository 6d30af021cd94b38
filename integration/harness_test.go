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

// Package integration wires the real transport/mux/wire/server/client
// stack end to end, the way cmd/relayd and cmd/relay do, exercising the
// numbered scenarios spec §8 pins as load-bearing. It stands in its own
// plain-TCP transport.Kind (no TLS handshake, no certificates to mint)
// so these tests stay fast and hermetic while still driving every other
// layer for real.
package integration

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tunnelrelay/relay/client"
	"github.com/tunnelrelay/relay/mux"
	"github.com/tunnelrelay/relay/proxyconf"
	"github.com/tunnelrelay/relay/registry"
	"github.com/tunnelrelay/relay/server"
	"github.com/tunnelrelay/relay/transport"
)

const kindPlainTCP transport.Kind = "plaintcp-test"

func init() {
	transport.Register(kindPlainTCP, func() transport.Transport { return &plainTCPTransport{} })
}

// plainTCPTransport is a bare-TCP transport.Transport, registered only
// from this test package: tests need a real Connect/Listen round trip
// without the cost and fixturing of a TLS handshake.
type plainTCPTransport struct{}

func (p *plainTCPTransport) Kind() transport.Kind { return kindPlainTCP }

func (p *plainTCPTransport) Connect(ctx context.Context, cfg transport.Config) (transport.Stream, error) {
	var d net.Dialer
	addr := fmt.Sprintf("%s:%d", cfg.ServerAddr, cfg.ServerPort)
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return conn.(*net.TCPConn), nil
}

func (p *plainTCPTransport) Listen(ctx context.Context, cfg transport.Config) (transport.Acceptor, error) {
	addr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &plainTCPAcceptor{ln: ln}, nil
}

type plainTCPAcceptor struct{ ln net.Listener }

func (a *plainTCPAcceptor) Accept(ctx context.Context) (transport.Stream, error) {
	conn, err := a.ln.Accept()
	if err != nil {
		return nil, err
	}
	return conn.(*net.TCPConn), nil
}

func (a *plainTCPAcceptor) Close() error   { return a.ln.Close() }
func (a *plainTCPAcceptor) Addr() net.Addr { return a.ln.Addr() }

// capturingTransport wraps another transport.Transport and remembers
// the stream from its most recent Connect, so a test can simulate an
// abruptly lost connection (spec §8 scenario 5's "network cable
// pulled") by closing it directly, independent of the client's own
// context.
type capturingTransport struct {
	inner transport.Transport

	mu   sync.Mutex
	last transport.Stream
}

func (c *capturingTransport) Kind() transport.Kind { return c.inner.Kind() }

func (c *capturingTransport) Connect(ctx context.Context, cfg transport.Config) (transport.Stream, error) {
	s, err := c.inner.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.last = s
	c.mu.Unlock()
	return s, nil
}

func (c *capturingTransport) Listen(ctx context.Context, cfg transport.Config) (transport.Acceptor, error) {
	return c.inner.Listen(ctx, cfg)
}

func (c *capturingTransport) killLast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last != nil {
		_ = c.last.Close()
	}
}

func mustTransport(t *testing.T) transport.Transport {
	t.Helper()
	tr, err := transport.New(kindPlainTCP)
	require.NoError(t, err)
	return tr
}

// freePort asks the OS for an ephemeral port and releases it
// immediately; good enough for tests that bind it again moments later.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// startEchoHelloBackend binds a local TCP server that replies
// "hello\n" to anything it reads, modeling spec §8 scenario 1's local
// HTTP stand-in.
func startEchoHelloBackend(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 256)
				if _, err := c.Read(buf); err != nil {
					return
				}
				_, _ = c.Write([]byte("hello\n"))
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// startPingPongBackend binds a local TCP server that replies "PONG" to
// exactly "PING", modeling spec §8 scenario 3's trivial echo service.
func startPingPongBackend(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4)
				if _, err := readFull(c, buf); err != nil {
					return
				}
				if string(buf) == "PING" {
					_, _ = c.Write([]byte("PONG"))
				}
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// startPayloadBackend binds a local TCP server that, on the first
// accepted connection, writes payload in full and then closes its
// write side, modeling spec §8 scenario 6's bulk transfer.
func startPayloadBackend(t *testing.T, payload []byte) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write(payload)
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func readFull(r net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := r.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

// dialWithRetry polls until addr accepts a connection, matching a
// relay client's config propagation: the public listener may not exist
// yet the instant a test wants to dial it.
func dialWithRetry(t *testing.T, port int) net.Conn {
	t.Helper()
	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 5*time.Second, 50*time.Millisecond, "listener on port %d never came up", port)
	return conn
}

// testServer is a minimal relayd stand-in: it accepts plain-TCP peers,
// multiplexes each, and runs a server.Session per client, exactly the
// way cmd/relayd's run/serveClient pair does.
type testServer struct {
	reg      *registry.Registry
	acceptor transport.Acceptor
	bindPort int
}

func startServer(t *testing.T, ctx context.Context, bindPort int, authKey string) *testServer {
	t.Helper()
	reg := registry.New()
	log := zap.NewNop()

	tr := mustTransport(t)
	acceptor, err := tr.Listen(ctx, transport.Config{Kind: kindPlainTCP, BindAddr: "127.0.0.1", BindPort: bindPort})
	require.NoError(t, err)
	t.Cleanup(func() { _ = acceptor.Close() })

	redirector := server.NewVisitorRedirector(reg, log)

	go func() {
		for {
			stream, err := acceptor.Accept(ctx)
			if err != nil {
				return
			}
			go serveClientConn(ctx, stream, reg, redirector, authKey, bindPort, log)
		}
	}()

	return &testServer{reg: reg, acceptor: acceptor, bindPort: bindPort}
}

func serveClientConn(ctx context.Context, stream transport.Stream, reg *registry.Registry, redirector *server.VisitorRedirector, authKey string, bindPort int, log *zap.Logger) {
	muxSess, err := mux.Server(stream, mux.Config{})
	if err != nil {
		_ = stream.Close()
		return
	}
	defer muxSess.Close()

	ctrlStream, err := muxSess.AcceptStream(ctx)
	if err != nil {
		return
	}

	sess := server.NewSession(server.Deps{
		Registry:          reg,
		AuthKey:           authKey,
		BindRetry:         server.BindRetryPolicy{InitialDelay: 150 * time.Millisecond, MaxDelay: 300 * time.Millisecond, MaxAttempts: 10},
		Logger:            log,
		ServerBindPort:    bindPort,
		IdleTimeout:       2 * time.Second,
		VisitorRedirector: redirector,
	}, muxSess, ctrlStream)

	_ = sess.Run(ctx)
}

// startClient runs a client.Session against serverPort using the
// plain-TCP test transport, returning it (e.g. for RunID()) plus the
// channel its Run error lands on.
func startClient(t *testing.T, ctx context.Context, serverPort int, authKey string, bundle proxyconf.Bundle) (*client.Session, chan error) {
	t.Helper()
	sess := client.NewSession(client.Deps{
		Transport:       mustTransport(t),
		TransportConfig: transport.Config{Kind: kindPlainTCP, ServerAddr: "127.0.0.1", ServerPort: serverPort},
		AuthKey:         authKey,
		Bundle:          bundle,
		Logger:          zap.NewNop(),
	}, "")

	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(ctx) }()
	return sess, errCh
}
