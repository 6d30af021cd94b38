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

package client

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tunnelrelay/relay/proxyconf"
)

// poolSize returns the idle-connection ceiling for desc per spec
// §4.9: connection pooling is bypassed for tcp/ssh (those protocols
// are not safe to multiplex across unrelated requests), and capped
// at exactly 1 for http/2.0 style proxies (where reuse needs a
// health check per spec's "health-check-before-reuse").
func poolSize(desc proxyconf.ProxyDescriptor) int {
	switch desc.Type {
	case proxyconf.TypeTCP, proxyconf.TypeSSH:
		return 0
	case proxyconf.TypeHTTP2:
		return 1
	default:
		return 4
	}
}

// pool lends out local connections to a single proxy's backend,
// reusing idle ones after a cheap liveness check and bypassing reuse
// entirely when poolSize is 0.
type pool struct {
	desc   proxyconf.ProxyDescriptor
	dialer LocalDialer
	max    int

	mu    sync.Mutex
	idle  []net.Conn
}

func newPool(desc proxyconf.ProxyDescriptor, dialer LocalDialer) *pool {
	return &pool{desc: desc, dialer: dialer, max: poolSize(desc)}
}

// Get returns a healthy connection to the local service, reusing an
// idle one when the pool is enabled and one passes its health check,
// otherwise dialing fresh.
func (p *pool) Get(ctx context.Context) (net.Conn, error) {
	if p.max > 0 {
		p.mu.Lock()
		for len(p.idle) > 0 {
			conn := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			p.mu.Unlock()
			if healthy(conn) {
				return conn, nil
			}
			_ = conn.Close()
			p.mu.Lock()
		}
		p.mu.Unlock()
	}
	return p.dialer.DialLocal(ctx, p.desc)
}

// Put returns conn to the pool if there is room and it is still
// healthy, otherwise closes it. spliceLocal calls it once a splice
// pair finishes, however that pair ended; the health probe is what
// keeps a broken conn out of the pool.
func (p *pool) Put(conn net.Conn) {
	if p.max == 0 || !healthy(conn) {
		_ = conn.Close()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) >= p.max {
		_ = conn.Close()
		return
	}
	p.idle = append(p.idle, conn)
}

// healthy does a one-byte read with a 1ms deadline as a probe: if the
// peer has already closed or sent unexpected bytes, the connection
// is stale and must not be reused (spec §4.9).
func healthy(conn net.Conn) bool {
	if err := conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	defer conn.SetReadDeadline(time.Time{})

	var buf [1]byte
	_, err := conn.Read(buf[:])
	if err == nil {
		// peer sent unsolicited data on an idle connection; treat as stale
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// spliceLocal joins remote (a data substream from the daemon) and
// local (the backend connection), then returns local to p rather
// than closing it outright, so the next inbound request on this
// proxy can reuse it per spec §4.9.
func spliceLocal(remote io.ReadWriteCloser, local net.Conn, p *pool) {
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(local, remote)
		closeWrite(local)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(remote, local)
		closeWrite(remote)
		return err
	})
	_ = g.Wait()
	p.Put(local)
}

// closeWrite half-closes conn's write side when the underlying
// connection supports it (as *net.TCPConn does), letting the peer
// finish reading whatever is already in flight instead of a hard
// reset; falls back to a full Close for types that don't.
func closeWrite(conn io.Closer) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := conn.(writeCloser); ok {
		_ = wc.CloseWrite()
		return
	}
	_ = conn.Close()
}
