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

// Package wire implements the control substream's framing and
// JSON-RPC 2.0 message shapes (spec §4.3): a uint32 big-endian length
// prefix followed by that many bytes of UTF-8 JSON.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxAuthFrameBytes and MaxFrameBytes are the size limits from spec
// §4.3. A frame larger than MaxFrameBytes is rejected with
// ErrFrameTooLarge and the control substream is closed.
const (
	MaxAuthFrameBytes = 10 * 1024
	MaxFrameBytes     = 1 * 1024 * 1024
)

// ErrFrameTooLarge is returned by ReadFrame when the declared length
// exceeds limit.
var ErrFrameTooLarge = errors.New("wire: frame exceeds size limit")

// ReadFrame reads one length-prefixed frame from r, rejecting frames
// whose declared length exceeds limit. Pass MaxFrameBytes for general
// control traffic or MaxAuthFrameBytes while still authenticating.
func ReadFrame(r io.Reader, limit uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > limit {
		return nil, fmt.Errorf("%w: %d bytes > limit %d", ErrFrameTooLarge, n, limit)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes payload as one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
