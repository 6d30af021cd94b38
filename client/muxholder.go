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
	"fmt"
	"net"
	"sync"

	"github.com/tunnelrelay/relay/mux"
)

// MuxHolder tracks the current session's mux.Session across
// reconnects, so a VisitorListener — bound once for the process's
// lifetime — can always open a visitor rendezvous substream on
// whichever session happens to be live (spec §4.7: a visitor
// substream must ride the same authenticated, multiplexed connection
// as the control substream, never a connection of its own).
type MuxHolder struct {
	mu   sync.Mutex
	sess mux.Session
}

// Set records sess as the live session, or clears it when sess is nil
// (a session that just ended has no substreams left to open).
func (h *MuxHolder) Set(sess mux.Session) {
	h.mu.Lock()
	h.sess = sess
	h.mu.Unlock()
}

// OpenStream opens a fresh substream on the current session, or fails
// if no session is currently connected.
func (h *MuxHolder) OpenStream(ctx context.Context) (net.Conn, error) {
	h.mu.Lock()
	sess := h.sess
	h.mu.Unlock()
	if sess == nil {
		return nil, fmt.Errorf("client: no active session to open a visitor substream on")
	}
	return sess.OpenStream(ctx)
}
