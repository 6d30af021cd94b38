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

package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Handler processes an inbound request or notification and, for a
// request, returns the result to send back (or an error, which is
// translated to a JSON-RPC error response). Handlers run on the
// Conn's single read goroutine's caller (see Conn.Serve), so they
// must not block on further reads from the same Conn.
type Handler func(method string, params json.RawMessage) (result any, err *ErrorObject)

// Conn wraps a control substream with request/response correlation
// (spec §4.3): the requester assigns a monotonically increasing id
// per substream, and the responder echoes it. A response whose id
// matches no outstanding request is a protocol error.
type Conn struct {
	rw     io.ReadWriteCloser
	reader *bufio.Reader

	nextID int64

	mu      sync.Mutex
	pending map[int64]chan Message
	closed  bool

	writeMu sync.Mutex

	serving atomic.Bool

	idleTimeout time.Duration
	deadliner   ReadDeadliner
}

// ReadDeadliner is satisfied by a stream that supports extending its
// read deadline, such as a mux.Stream. SetIdleTimeout uses it to
// enforce spec §4.4's idle-session window without Conn itself needing
// to know anything about the transport below rw.
type ReadDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// SetIdleTimeout arms an idle-session watchdog: every ReadOne renews
// deadliner's read deadline to now+d before blocking on the next
// frame, so a connection that stays silent for d fails its next read
// with a timeout error instead of hanging forever. d <= 0 disables
// the watchdog.
func (c *Conn) SetIdleTimeout(d time.Duration, deadliner ReadDeadliner) {
	c.idleTimeout = d
	c.deadliner = deadliner
}

// NewConn wraps rw (typically a mux.Stream) as a control connection.
func NewConn(rw io.ReadWriteCloser) *Conn {
	return &Conn{
		rw:      rw,
		reader:  bufio.NewReader(rw),
		pending: make(map[int64]chan Message),
	}
}

// Call sends a request and blocks for its matching response. The
// frame size limit applied to the read side is limit (use
// MaxAuthFrameBytes only for the authenticate exchange). Until Serve
// has started on c, Call reads frames itself and discards requests
// and notifications that arrive ahead of its response; after that,
// Serve routes the response to it.
func (c *Conn) Call(method string, params any, limit uint32) (json.RawMessage, *ErrorObject, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, fmt.Errorf("wire: connection closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, nil, err
	}

	for len(ch) == 0 && !c.serving.Load() {
		payload, err := ReadFrame(c.reader, limit)
		if err != nil {
			return nil, nil, err
		}
		msg, err := Decode(payload)
		if err != nil || (msg.IsResponse() && !c.routeResponse(msg)) {
			return nil, nil, NewProtocolError("malformed or unmatched frame while awaiting a response", err)
		}
	}
	resp, ok := <-ch
	if !ok {
		return nil, nil, fmt.Errorf("wire: connection closed")
	}
	if resp.Error != nil {
		return nil, resp.Error, nil
	}
	return resp.Result, nil, nil
}

// Notify sends a notification; no response is expected.
func (c *Conn) Notify(method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// Reply answers a request with a successful result.
func (c *Conn) Reply(id json.RawMessage, result any) error {
	msg, err := NewResult(id, result)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// ReplyError answers a request with a JSON-RPC error.
func (c *Conn) ReplyError(id json.RawMessage, code int, message string, data any) error {
	msg, err := NewError(id, code, message, data)
	if err != nil {
		return err
	}
	return c.send(msg)
}

func (c *Conn) send(msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.rw, payload)
}

// ReadOne reads and decodes exactly one frame, routing responses to
// their waiting Call and returning everything else (requests and
// notifications) to the caller. Serve is usually more convenient;
// ReadOne is exposed for callers (like authenticate) that need to
// read a single reply before the steady-state loop starts.
func (c *Conn) ReadOne(limit uint32) (Message, error) {
	for {
		if c.idleTimeout > 0 && c.deadliner != nil {
			_ = c.deadliner.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
		payload, err := ReadFrame(c.reader, limit)
		if err != nil {
			return Message{}, err
		}
		msg, err := Decode(payload)
		if err != nil {
			return Message{}, NewProtocolError("malformed frame", err)
		}
		if msg.IsResponse() {
			if !c.routeResponse(msg) {
				return Message{}, NewProtocolError(fmt.Sprintf("response id %s matches no outstanding request", idString(msg.ID)), nil)
			}
			continue
		}
		return msg, nil
	}
}

func (c *Conn) routeResponse(msg Message) bool {
	if msg.ID == nil {
		return false
	}
	var id int64
	if err := json.Unmarshal(*msg.ID, &id); err != nil {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

// Serve runs the inbound loop, dispatching every request and
// notification to handler until rw errors or ctx-style cancellation
// closes the underlying stream. It returns the terminal read error
// (io.EOF on a clean close).
func (c *Conn) Serve(handler Handler) error {
	c.serving.Store(true)
	for {
		msg, err := c.ReadOne(MaxFrameBytes)
		if err != nil {
			return err
		}
		switch {
		case msg.IsRequest():
			result, rpcErr := handler(msg.Method, msg.Params)
			if rpcErr != nil {
				_ = c.ReplyError(*msg.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
				continue
			}
			_ = c.Reply(*msg.ID, result)
		case msg.IsNotification():
			handler(msg.Method, msg.Params)
		default:
			return NewProtocolError("frame is neither request nor notification", nil)
		}
	}
}

// Close closes the underlying stream and fails every pending Call.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	return c.rw.Close()
}

func idString(id *json.RawMessage) string {
	if id == nil {
		return "<nil>"
	}
	return string(*id)
}
