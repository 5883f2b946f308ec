// Copyright 2026 The Enclavetls Authors.
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

// Package hostchannel provides a concrete, in-process HostChannel
// realized over a bounded Go channel, with the length-prefixed wire
// encoding of spec.md §6.
package hostchannel

import (
	"encoding/binary"
)

// FrameKind tags the three frame types the wire format carries.
type FrameKind int

const (
	// FrameOutbound carries a session_id and a ciphertext payload.
	FrameOutbound FrameKind = iota
	// FrameClosed carries only a session_id: a clean close-notify.
	FrameClosed
	// FrameErrored carries only a session_id: a faulty termination.
	FrameErrored
)

// Frame is one length-prefixed host-bound message. Encode/Decode give
// it the exact wire shape of spec.md §6: tls_outbound is
// `u64 session_id ‖ u32 len ‖ bytes[len]` (all little-endian);
// tls_closed/tls_error carry only the u64 session_id.
type Frame struct {
	Kind      FrameKind
	SessionID uint64
	Payload   []byte
}

// Encode renders f in the wire format. It never errors: there is no
// variable-width or optional field that could make an encoding fail.
func (f Frame) Encode() []byte {
	switch f.Kind {
	case FrameOutbound:
		buf := make([]byte, 8+4+len(f.Payload))
		binary.LittleEndian.PutUint64(buf[0:8], f.SessionID)
		binary.LittleEndian.PutUint32(buf[8:12], uint32(len(f.Payload)))
		copy(buf[12:], f.Payload)
		return buf
	default: // FrameClosed, FrameErrored
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, f.SessionID)
		return buf
	}
}

// DecodeOutbound parses the session_id and payload out of a
// tls_outbound wire frame. ok is false if buf is shorter than its own
// declared length prefix.
func DecodeOutbound(buf []byte) (sessionID uint64, payload []byte, ok bool) {
	if len(buf) < 12 {
		return 0, nil, false
	}
	sessionID = binary.LittleEndian.Uint64(buf[0:8])
	n := binary.LittleEndian.Uint32(buf[8:12])
	if uint64(len(buf)-12) < uint64(n) {
		return 0, nil, false
	}
	return sessionID, buf[12 : 12+n], true
}

// DecodeSessionID parses the bare session_id out of a
// tls_closed/tls_error wire frame.
func DecodeSessionID(buf []byte) (sessionID uint64, ok bool) {
	if len(buf) < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf), true
}

// FrameChannel is the concrete HostChannel: a bounded channel of
// already-encoded wire frames standing in for the host's own
// indirect message buffer. TryOutbound is the non-blocking,
// all-or-nothing send the session package's atomicity invariant
// requires, realized with Go's idiomatic select/default; the terminal
// notifications Closed and Errored block until there is room.
type FrameChannel struct {
	frames chan Frame
}

// NewFrameChannel constructs a FrameChannel with the given buffer
// depth. A depth of 0 makes every TryOutbound fail unless a reader is
// already waiting in Read.
func NewFrameChannel(depth int) *FrameChannel {
	return &FrameChannel{frames: make(chan Frame, depth)}
}

// TryOutbound implements session.HostChannel. It either enqueues the
// whole frame or enqueues nothing.
func (c *FrameChannel) TryOutbound(sessionID uint64, payload []byte) bool {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case c.frames <- Frame{Kind: FrameOutbound, SessionID: sessionID, Payload: cp}:
		return true
	default:
		return false
	}
}

// Closed implements session.HostChannel. Unlike TryOutbound, a
// terminal notification is not allowed to be silently dropped, so it
// blocks until there is room (mirroring the one-shot, must-deliver
// nature of tls_closed).
func (c *FrameChannel) Closed(sessionID uint64) {
	c.frames <- Frame{Kind: FrameClosed, SessionID: sessionID}
}

// Errored implements session.HostChannel.
func (c *FrameChannel) Errored(sessionID uint64) {
	c.frames <- Frame{Kind: FrameErrored, SessionID: sessionID}
}

// Read blocks until a frame is available, returning it along with
// whether the channel is still open.
func (c *FrameChannel) Read() (Frame, bool) {
	f, ok := <-c.frames
	return f, ok
}

// Close closes the underlying channel: Read still returns the frames
// already buffered, then reports false. Any send after Close panics.
// It does not drain or cancel any in-flight sessions; that's the
// registry's job.
func (c *FrameChannel) Close() {
	close(c.frames)
}
