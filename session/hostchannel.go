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

// HostChannel is the abstract framed transport to the untrusted host.
// It is a collaborator: its wire form and backing transport (a ring
// buffer, in the originating system) are none of this package's
// concern. TryOutbound must be atomic — it either admits the entire frame
// or none of it — because the host transport is framed, not a stream.
type HostChannel interface {
	// TryOutbound attempts to atomically write one tls_outbound frame
	// for sessionID carrying payload. It returns false (without
	// emitting anything) if the channel cannot currently accept the
	// frame; the caller must retry the entire payload later.
	TryOutbound(sessionID uint64, payload []byte) bool

	// Closed emits a terminal, clean tls_closed notification for
	// sessionID. It is only ever called once per session.
	Closed(sessionID uint64)

	// Errored emits a terminal, faulty tls_error notification for
	// sessionID (covers both auth failure and any other fatal
	// error). It is only ever called once per session.
	Errored(sessionID uint64)
}
