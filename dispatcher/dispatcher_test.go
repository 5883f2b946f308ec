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

package dispatcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoReturnsExactRequest(t *testing.T) {
	e := Echo{}
	resp, err := e.Process(context.Background(), 1, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(resp))
}

func TestEchoProcessConsensusHasNoDigest(t *testing.T) {
	e := Echo{}
	resp, digest, err := e.ProcessConsensus(context.Background(), 1, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(resp))
	assert.Nil(t, digest)
}

type recordingPublisher struct {
	sessionID uint64
	digest    []byte
	err       error
	calls     int
}

func (p *recordingPublisher) Publish(_ context.Context, sessionID uint64, digest []byte) error {
	p.sessionID = sessionID
	p.digest = append([]byte(nil), digest...)
	p.calls++
	return p.err
}

func TestConsensusPublishesSHA256DigestOfResponse(t *testing.T) {
	pub := &recordingPublisher{}
	c := &Consensus{Next: Echo{}, Publisher: pub}

	resp, digest, err := c.ProcessConsensus(context.Background(), 5, []byte("request"))
	require.NoError(t, err)
	assert.Equal(t, "request", string(resp))

	want := sha256.Sum256([]byte("request"))
	assert.Equal(t, want[:], digest)
	assert.Equal(t, 1, pub.calls)
	assert.EqualValues(t, 5, pub.sessionID)
	assert.Equal(t, want[:], pub.digest)
}

func TestConsensusProcessDoesNotPublish(t *testing.T) {
	pub := &recordingPublisher{}
	c := &Consensus{Next: Echo{}, Publisher: pub}

	_, err := c.Process(context.Background(), 5, []byte("request"))
	require.NoError(t, err)
	assert.Zero(t, pub.calls, "the non-consensus path must never publish a digest")
}

func TestConsensusPublishFailureDoesNotFailTheResponse(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("replication layer unavailable")}
	c := &Consensus{Next: Echo{}, Publisher: pub}

	resp, digest, err := c.ProcessConsensus(context.Background(), 1, []byte("x"))
	require.NoError(t, err, "a publish failure is logged, not propagated as a response error")
	assert.Equal(t, "x", string(resp))
	assert.NotNil(t, digest)
}
