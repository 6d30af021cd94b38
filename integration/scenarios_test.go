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

package integration

import (
	"context"
	"crypto/rand"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tunnelrelay/relay/client"
	"github.com/tunnelrelay/relay/proxyconf"
	"github.com/tunnelrelay/relay/transport"
)

const authKey = "test-auth-key"

// TestSingleTCPProxyRelaysBytes covers scenario 1: a single TCP
// descriptor, a dial through the public listener, "hello\n" back, and
// the client session still running after the public side closes.
func TestSingleTCPProxyRelaysBytes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverPort := freePort(t)
	startServer(t, ctx, serverPort, authKey)

	backendPort := startEchoHelloBackend(t)
	publishPort := freePort(t)

	bundle := proxyconf.Bundle{Proxies: []proxyconf.ProxyDescriptor{
		{Name: "web", PublishAddr: "127.0.0.1", PublishPort: publishPort, LocalPort: backendPort, Type: proxyconf.TypeTCP},
	}}
	_, clientErrCh := startClient(t, ctx, serverPort, authKey, bundle)

	conn := dialWithRetry(t, publishPort)
	_, err := conn.Write([]byte("GET / \n"))
	require.NoError(t, err)

	buf := make([]byte, 6)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(buf))

	conn.Close()

	select {
	case err := <-clientErrCh:
		t.Fatalf("client session ended unexpectedly: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestRegistrationCollisionRejectsOnlyCollidingDescriptor covers
// scenario 2: two clients sharing an auth_key both publish the same
// name/publish_port; the second client's other descriptor still comes
// up and its session keeps running. The submit_config outcomes
// themselves are not inspected here.
func TestRegistrationCollisionRejectsOnlyCollidingDescriptor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverPort := freePort(t)
	startServer(t, ctx, serverPort, authKey)

	dbPublishPort := freePort(t)
	otherPublishPort := freePort(t)
	backendPort := startEchoHelloBackend(t)

	bundleA := proxyconf.Bundle{Proxies: []proxyconf.ProxyDescriptor{
		{Name: "db", PublishAddr: "127.0.0.1", PublishPort: dbPublishPort, LocalPort: backendPort, Type: proxyconf.TypeTCP},
	}}
	sessA := client.NewSession(client.Deps{
		Transport:       mustTransport(t),
		TransportConfig: transportConfigFor(serverPort),
		AuthKey:         authKey,
		Bundle:          bundleA,
		Logger:          nopLogger(),
	}, "")
	doneA := make(chan error, 1)
	go func() { doneA <- sessA.Run(ctx) }()

	// Give client A a moment to register before B submits its
	// colliding bundle.
	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", addrOf(dbPublishPort), 100*time.Millisecond)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 5*time.Second, 50*time.Millisecond)

	bundleB := proxyconf.Bundle{Proxies: []proxyconf.ProxyDescriptor{
		{Name: "db", PublishAddr: "127.0.0.1", PublishPort: dbPublishPort, LocalPort: backendPort, Type: proxyconf.TypeTCP},
		{Name: "other", PublishAddr: "127.0.0.1", PublishPort: otherPublishPort, LocalPort: backendPort, Type: proxyconf.TypeTCP},
	}}
	_, errCh := startClient(t, ctx, serverPort, authKey, bundleB)

	// The "other" descriptor must still come up even though "db"
	// collided.
	conn := dialWithRetry(t, otherPublishPort)
	conn.Close()

	select {
	case err := <-errCh:
		t.Fatalf("client B session ended unexpectedly: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestVisitorPathRelaysBytesEndToEnd covers scenario 3: client B
// publishes a visitor-only descriptor, client C opens a visitor
// listener for it, and a PING sent into C's local listener comes back
// as PONG through B's backend, riding B's own authenticated session.
func TestVisitorPathRelaysBytesEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverPort := freePort(t)
	startServer(t, ctx, serverPort, authKey)

	backendPort := startPingPongBackend(t)
	mysqlPort := freePort(t)

	bundleB := proxyconf.Bundle{Proxies: []proxyconf.ProxyDescriptor{
		{Name: "mysql", PublishPort: mysqlPort, LocalPort: backendPort, Type: proxyconf.TypeTCP},
	}}
	_, errChB := startClient(t, ctx, serverPort, authKey, bundleB)

	var holder client.MuxHolder
	sessC := client.NewSession(client.Deps{
		Transport:       mustTransport(t),
		TransportConfig: transportConfigFor(serverPort),
		AuthKey:         authKey,
		Logger:          nopLogger(),
		OnMuxReady:      holder.Set,
	}, "")
	errChC := make(chan error, 1)
	go func() { errChC <- sessC.Run(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := holder.OpenStream(context.Background())
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond, "client C's mux session must come up before the visitor listener can dial through it")

	bindPort := freePort(t)
	visitorDesc := proxyconf.VisitorDescriptor{Name: "mysql", PublishPort: mysqlPort, BindAddr: "127.0.0.1", BindPort: bindPort}
	vl := &client.VisitorListener{
		Desc:   visitorDesc,
		Dial:   holder.OpenStream,
		Logger: nopLogger(),
	}
	go vl.Serve()

	conn := dialWithRetry(t, bindPort)
	_, err := conn.Write([]byte("PING"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "PONG", string(buf))
	conn.Close()

	select {
	case err := <-errChB:
		t.Fatalf("client B session ended unexpectedly: %v", err)
	case err := <-errChC:
		t.Fatalf("client C session ended unexpectedly: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestBindRetryRecoversWhenPortFrees covers scenario 4: the public
// port is already held by an unrelated process when the client
// publishes it; once that process releases the port, the server's
// bind-retry loop picks it up without any client resubmission.
func TestBindRetryRecoversWhenPortFrees(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverPort := freePort(t)
	startServer(t, ctx, serverPort, authKey)

	publishPort := freePort(t)
	squatter, err := net.Listen("tcp", addrOf(publishPort))
	require.NoError(t, err)

	backendPort := startEchoHelloBackend(t)
	bundle := proxyconf.Bundle{Proxies: []proxyconf.ProxyDescriptor{
		{Name: "web", PublishAddr: "127.0.0.1", PublishPort: publishPort, LocalPort: backendPort, Type: proxyconf.TypeTCP},
	}}
	_, errCh := startClient(t, ctx, serverPort, authKey, bundle)

	// Let a couple of retry attempts elapse against the squatted port.
	time.Sleep(400 * time.Millisecond)
	require.NoError(t, squatter.Close())

	conn := dialWithRetry(t, publishPort)
	conn.Close()

	select {
	case err := <-errCh:
		t.Fatalf("client session ended unexpectedly: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestClientDisconnectFreesPortPromptly covers scenario 5: the
// transport dies without a clean goodbye; the server must notice
// (the mux session ending, or at the latest its idle-timeout watchdog)
// and release the published port so it can be bound again.
func TestClientDisconnectFreesPortPromptly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverPort := freePort(t)
	startServer(t, ctx, serverPort, authKey)

	backendPort := startEchoHelloBackend(t)
	publishPort := freePort(t)
	bundle := proxyconf.Bundle{Proxies: []proxyconf.ProxyDescriptor{
		{Name: "web", PublishAddr: "127.0.0.1", PublishPort: publishPort, LocalPort: backendPort, Type: proxyconf.TypeTCP},
	}}

	capturing := &capturingTransport{inner: mustTransport(t)}
	sess := client.NewSession(client.Deps{
		Transport:       capturing,
		TransportConfig: transportConfigFor(serverPort),
		AuthKey:         authKey,
		Bundle:          bundle,
		Logger:          nopLogger(),
	}, "")
	go func() { _ = sess.Run(ctx) }()

	dialWithRetry(t, publishPort).Close()

	capturing.killLast()

	require.Eventually(t, func() bool {
		ln, err := net.Listen("tcp", addrOf(publishPort))
		if err != nil {
			return false
		}
		ln.Close()
		return true
	}, 5*time.Second, 50*time.Millisecond, "server must release the port once it notices the dead transport")
}

// TestGracefulShutdownDoesNotCorruptInFlightTransfer covers scenario
// 6: a large in-flight splice must deliver every byte sent before a
// server shutdown and end in a clean EOF, never a truncated or
// corrupted read.
func TestGracefulShutdownDoesNotCorruptInFlightTransfer(t *testing.T) {
	serverCtx, cancelServer := context.WithCancel(context.Background())
	clientCtx, cancelClient := context.WithCancel(context.Background())
	defer cancelClient()

	serverPort := freePort(t)
	startServer(t, serverCtx, serverPort, authKey)

	payload := make([]byte, 4*1024*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	backendPort := startPayloadBackend(t, payload)
	publishPort := freePort(t)
	bundle := proxyconf.Bundle{Proxies: []proxyconf.ProxyDescriptor{
		{Name: "bulk", PublishAddr: "127.0.0.1", PublishPort: publishPort, LocalPort: backendPort, Type: proxyconf.TypeTCP},
	}}
	startClient(t, clientCtx, serverPort, authKey, bundle)

	conn := dialWithRetry(t, publishPort)
	defer conn.Close()

	readDone := make(chan struct{})
	var got []byte
	go func() {
		defer close(readDone)
		got, _ = io.ReadAll(conn)
	}()

	// Let the transfer get underway, then shut the server down mid
	// flight: already-open splices must run to completion.
	time.Sleep(50 * time.Millisecond)
	cancelServer()

	select {
	case <-readDone:
	case <-time.After(10 * time.Second):
		t.Fatal("read did not reach EOF after server shutdown")
	}

	require.Equal(t, payload, got, "every byte sent before shutdown must arrive, with a clean EOF and no corruption")
}

func addrOf(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func transportConfigFor(serverPort int) transport.Config {
	return transport.Config{Kind: kindPlainTCP, ServerAddr: "127.0.0.1", ServerPort: serverPort}
}

func nopLogger() *zap.Logger { return zap.NewNop() }
