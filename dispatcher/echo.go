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

// Package dispatcher holds example RequestDispatcher implementations:
// a trivial echo handler used by the end-to-end tests of spec.md §8,
// and a consensus-digesting decorator over any other Dispatcher.
package dispatcher

import "context"

// Echo replies with exactly the request it was given. It never
// returns an error and ignores consensus entirely (ProcessConsensus
// delegates to Process and synthesizes an empty digest).
type Echo struct{}

func (Echo) Process(_ context.Context, _ uint64, request []byte) ([]byte, error) {
	reply := make([]byte, len(request))
	copy(reply, request)
	return reply, nil
}

func (e Echo) ProcessConsensus(ctx context.Context, sessionID uint64, request []byte) ([]byte, []byte, error) {
	resp, err := e.Process(ctx, sessionID, request)
	return resp, nil, err
}

func (Echo) Tick(elapsedMS int64) {}
