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

package session

import "context"

// Dispatcher is the trusted request-processing core that a Ready
// session delivers plaintext frames to. It is a collaborator: this
// package never inspects the plaintext it carries, only ferries it.
type Dispatcher interface {
	// Process handles one plaintext request and returns the plaintext
	// response to encrypt and send back on the same session.
	Process(ctx context.Context, sessionID uint64, request []byte) ([]byte, error)

	// ProcessConsensus is the consensus-enabled variant: in addition
	// to the response, it returns a digest to be published to the
	// replication layer. A deployment that doesn't need consensus can
	// route through Process instead; the state machine calls whichever
	// one the caller chose when registering the session.
	ProcessConsensus(ctx context.Context, sessionID uint64, request []byte) (response, digest []byte, err error)

	// Tick lets the dispatcher run periodic bookkeeping (e.g. request
	// timeouts) driven by the same tick event sessions receive.
	Tick(elapsedMS int64)
}
