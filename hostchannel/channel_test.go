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

package hostchannel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameOutboundEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{Kind: FrameOutbound, SessionID: 0xDEADBEEF, Payload: []byte("ciphertext")}
	buf := f.Encode()

	id, payload, ok := DecodeOutbound(buf)
	require.True(t, ok)
	assert.Equal(t, f.SessionID, id)
	assert.Equal(t, f.Payload, payload)
}

func TestFrameClosedEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{Kind: FrameClosed, SessionID: 42}
	buf := f.Encode()
	require.Len(t, buf, 8)

	id, ok := DecodeSessionID(buf)
	require.True(t, ok)
	assert.EqualValues(t, 42, id)
}

func TestDecodeOutboundRejectsTruncatedFrame(t *testing.T) {
	f := Frame{Kind: FrameOutbound, SessionID: 1, Payload: []byte("0123456789")}
	buf := f.Encode()

	_, _, ok := DecodeOutbound(buf[:len(buf)-3]) // payload truncated
	assert.False(t, ok)

	_, _, ok = DecodeOutbound(buf[:10]) // shorter than the fixed header
	assert.False(t, ok)
}

func TestTryOutboundIsAtomicUnderBackpressure(t *testing.T) {
	c := NewFrameChannel(1)

	assert.True(t, c.TryOutbound(1, []byte("first")))
	assert.False(t, c.TryOutbound(1, []byte("second")), "a full channel must reject, not partially enqueue")

	f, ok := c.Read()
	require.True(t, ok)
	assert.Equal(t, "first", string(f.Payload))

	assert.True(t, c.TryOutbound(1, []byte("second")), "there must be room again once the channel drains")
}

func TestClosedAndErroredAreDeliveredInOrder(t *testing.T) {
	c := NewFrameChannel(4)

	require.True(t, c.TryOutbound(7, []byte("bytes")))
	c.Closed(7)
	c.Errored(8)

	f1, ok := c.Read()
	require.True(t, ok)
	assert.Equal(t, FrameOutbound, f1.Kind)

	f2, ok := c.Read()
	require.True(t, ok)
	assert.Equal(t, FrameClosed, f2.Kind)
	assert.EqualValues(t, 7, f2.SessionID)

	f3, ok := c.Read()
	require.True(t, ok)
	assert.Equal(t, FrameErrored, f3.Kind)
	assert.EqualValues(t, 8, f3.SessionID)
}
