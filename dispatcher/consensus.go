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

	"go.uber.org/zap"
)

// DigestPublisher is the replication-layer collaborator a Consensus
// dispatcher hands its response digest to. Publishing itself (and any
// actual consensus protocol, e.g. PBFT) is out of scope; this is only
// the seam.
type DigestPublisher interface {
	Publish(ctx context.Context, sessionID uint64, digest []byte) error
}

// Dispatcher is the narrow subset of session.Dispatcher a Consensus
// wraps. Declared locally (rather than imported) so this package
// doesn't need to depend on the session package just to describe its
// own collaborator's shape.
type Dispatcher interface {
	Process(ctx context.Context, sessionID uint64, request []byte) ([]byte, error)
	ProcessConsensus(ctx context.Context, sessionID uint64, request []byte) ([]byte, []byte, error)
	Tick(elapsedMS int64)
}

// Consensus wraps another Dispatcher and publishes a sha256 digest of
// every consensus-path response to a DigestPublisher. Process (the
// non-consensus path) passes straight through without publishing
// anything, matching spec.md §4.6: only process_consensus produces a
// digest.
type Consensus struct {
	Next      Dispatcher
	Publisher DigestPublisher
	Log       *zap.Logger
}

func (c *Consensus) Process(ctx context.Context, sessionID uint64, request []byte) ([]byte, error) {
	return c.Next.Process(ctx, sessionID, request)
}

func (c *Consensus) ProcessConsensus(ctx context.Context, sessionID uint64, request []byte) ([]byte, []byte, error) {
	resp, _, err := c.Next.ProcessConsensus(ctx, sessionID, request)
	if err != nil {
		return resp, nil, err
	}

	sum := sha256.Sum256(resp)
	digest := sum[:]

	if c.Publisher != nil {
		if pubErr := c.Publisher.Publish(ctx, sessionID, digest); pubErr != nil {
			c.log().Error("digest publish failed",
				zap.Uint64("session_id", sessionID), zap.Error(pubErr))
		}
	}
	return resp, digest, nil
}

func (c *Consensus) Tick(elapsedMS int64) { c.Next.Tick(elapsedMS) }

func (c *Consensus) log() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}
