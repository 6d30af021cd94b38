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
	"encoding/json"
	"fmt"
)

// Standard JSON-RPC 2.0 error codes this core produces.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is the superset shape of request, response, and
// notification on the control substream. Exactly one of Method (a
// request/notification) or Result/Error (a response) is meaningful;
// ID distinguishes a request (non-nil) from a notification (nil).
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the JSON-RPC 2.0 error shape.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string { return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message) }

// IsRequest reports whether m is a request expecting a response
// (has an id) as opposed to a notification.
func (m Message) IsRequest() bool { return m.ID != nil && m.Method != "" }

// IsNotification reports whether m is a notification (method, no id).
func (m Message) IsNotification() bool { return m.ID == nil && m.Method != "" }

// IsResponse reports whether m carries a result or error rather than
// a method.
func (m Message) IsResponse() bool { return m.Method == "" && (m.Result != nil || m.Error != nil) }

// NewRequest builds a request message with id encoded as a JSON number.
func NewRequest(id int64, method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	idRaw := json.RawMessage(fmt.Sprintf("%d", id))
	return Message{JSONRPC: "2.0", ID: &idRaw, Method: method, Params: raw}, nil
}

// NewNotification builds a notification message (no id, no response
// expected).
func NewNotification(method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// NewResult builds a success response echoing id.
func NewResult(id json.RawMessage, result any) (Message, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: "2.0", ID: &id, Result: raw}, nil
}

// NewError builds an error response echoing id.
func NewError(id json.RawMessage, code int, msg string, data any) (Message, error) {
	var dataRaw json.RawMessage
	if data != nil {
		raw, err := marshalParams(data)
		if err != nil {
			return Message{}, err
		}
		dataRaw = raw
	}
	return Message{JSONRPC: "2.0", ID: &id, Error: &ErrorObject{Code: code, Message: msg, Data: dataRaw}}, nil
}

func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshaling message payload: %w", err)
	}
	return b, nil
}

// Encode marshals m to JSON. It does not frame the payload; callers
// pass the result to WriteFrame on the control substream.
func Encode(m Message) ([]byte, error) {
	m.JSONRPC = "2.0"
	return json.Marshal(m)
}

// Decode parses a single framed payload into a Message.
func Decode(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("wire: decoding message: %w", err)
	}
	return m, nil
}
