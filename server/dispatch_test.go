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
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tunnelrelay/relay/registry"
	"github.com/tunnelrelay/relay/stats"
)

func TestReadVisitorPrefixDecodesTwoByteNameLength(t *testing.T) {
	name := "internal-db"
	port := 5432

	var buf bytes.Buffer
	var lenHdr [2]byte
	binary.BigEndian.PutUint16(lenHdr[:], uint16(len(name)))
	buf.Write(lenHdr[:])
	buf.WriteString(name)
	var portHdr [2]byte
	binary.BigEndian.PutUint16(portHdr[:], uint16(port))
	buf.Write(portHdr[:])

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go func() { _, _ = a.Write(buf.Bytes()) }()

	gotName, gotPort, err := readVisitorPrefix(b)
	require.NoError(t, err)
	require.Equal(t, name, gotName)
	require.Equal(t, port, gotPort)
}

func TestHandleWritesLengthPrefixedErrorFrameOnRegistryMiss(t *testing.T) {
	reg := registry.New()
	v := NewVisitorRedirector(reg, zap.NewNop())

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	name := "ghost"
	port := 4000
	prefix := make([]byte, 2+len(name)+2)
	binary.BigEndian.PutUint16(prefix, uint16(len(name)))
	copy(prefix[2:], name)
	binary.BigEndian.PutUint16(prefix[2+len(name):], uint16(port))

	done := make(chan struct{})
	go func() {
		defer close(done)
		v.Handle(serverSide)
	}()

	_, err := clientSide.Write(prefix)
	require.NoError(t, err)

	var lenBuf [2]byte
	_, err = io.ReadFull(clientSide, lenBuf[:])
	require.NoError(t, err)
	msgLen := binary.BigEndian.Uint16(lenBuf[:])
	require.Greater(t, int(msgLen), 0)

	msg := make([]byte, msgLen)
	_, err = io.ReadFull(clientSide, msg)
	require.NoError(t, err)
	require.Contains(t, string(msg), "ghost")
	require.Contains(t, string(msg), "4000")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return after writing the error frame")
	}
}

// recordingRWC is a deterministic io.ReadWriteCloser double: reads come
// from a fixed source, writes land in an inspectable buffer, so splice
// tests don't need net.Pipe's full-duplex synchronization.
type recordingRWC struct {
	r      io.Reader
	mu     sync.Mutex
	out    bytes.Buffer
	closed bool
}

func (c *recordingRWC) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *recordingRWC) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(p)
}

func (c *recordingRWC) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingRWC) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

func TestSpliceRelaysBothDirectionsAndTracksBytes(t *testing.T) {
	a := &recordingRWC{r: strings.NewReader("hello")}
	b := &recordingRWC{r: strings.NewReader("world!")}
	tracker := stats.NewTracker()

	splice(a, b, tracker, zap.NewNop())

	require.Equal(t, "hello", b.String())
	require.Equal(t, "world!", a.String())
	require.True(t, a.closed)
	require.True(t, b.closed)

	snap := tracker.Snapshot()
	require.Equal(t, int64(5), snap.BytesIn, "bytes copied a->b count as AddIn")
	require.Equal(t, int64(6), snap.BytesOut, "bytes copied b->a count as AddOut")
}
