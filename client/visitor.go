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
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelrelay/relay/proxyconf"
)

// VisitorListener binds one local socket per VisitorDescriptor and,
// for every connection accepted on it, opens a fresh substream on the
// client's own authenticated session and writes the
// [name_len][name][publish_port] rendezvous prefix spec §4.7/§6
// define, before splicing the two together. Dial must open that
// substream on the existing session (e.g. via a client.MuxHolder) —
// never dial a brand-new connection to the relay daemon, which would
// require a full authenticate/submit_config handshake it can't
// satisfy (spec §4.7).
type VisitorListener struct {
	Desc   proxyconf.VisitorDescriptor
	Dial   func(ctx context.Context) (net.Conn, error)
	Logger *zap.Logger
}

// Serve binds Desc's local address and blocks accepting connections
// until ln is closed or the listener otherwise fails.
func (v *VisitorListener) Serve() error {
	ln, err := net.Listen("tcp", v.Desc.Listen())
	if err != nil {
		return fmt.Errorf("client: binding visitor %s: %w", v.Desc.Name, err)
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go v.handle(conn)
	}
}

func (v *VisitorListener) handle(conn net.Conn) {
	remote, err := v.Dial(context.Background())
	if err != nil {
		v.Logger.Warn("dialing relay daemon for visitor failed", zap.String("visitor", v.Desc.Name), zap.Error(err))
		_ = conn.Close()
		return
	}

	prefix := visitorPrefix(v.Desc.Name, v.Desc.PublishPort)
	if _, err := remote.Write(prefix); err != nil {
		v.Logger.Warn("writing visitor prefix failed", zap.Error(err))
		_ = remote.Close()
		_ = conn.Close()
		return
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(remote, conn)
		closeWrite(remote)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(conn, remote)
		closeWrite(conn)
		return err
	})
	_ = g.Wait()
	_ = conn.Close()
	_ = remote.Close()
}

// visitorPrefix encodes [2-byte name_len][name][2-byte publish_port],
// matching server.readVisitorPrefix (spec §4.7/§6).
func visitorPrefix(name string, publishPort int) []byte {
	buf := make([]byte, 2+len(name)+2)
	binary.BigEndian.PutUint16(buf, uint16(len(name)))
	copy(buf[2:], name)
	binary.BigEndian.PutUint16(buf[2+len(name):], uint16(publishPort))
	return buf
}
