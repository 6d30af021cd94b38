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

import "fmt"

// ProtocolError is the taxonomy entry for malformed control frames,
// unknown methods, or correlation id mismatches (spec §7). Unknown
// methods are NOT fatal (they get a -32601 response); everything else
// that constructs a ProtocolError on the control substream is fatal
// to the session per spec §7's propagation policy.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("wire: protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func NewProtocolError(reason string, err error) *ProtocolError {
	return &ProtocolError{Reason: reason, Err: err}
}
