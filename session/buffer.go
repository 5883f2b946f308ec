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

import "bytes"

// Buffer owns the three byte queues of a single session: ciphertext
// received from the host and not yet consumed by the engine, plaintext
// produced by the engine and not yet delivered to the dispatcher, and
// plaintext submitted by the dispatcher and not yet accepted by the
// engine. bytes.Buffer gives append-amortized-O(1) and
// consume-prefix-O(consumed) for free: reading from the front only
// advances an internal offset, it never shifts the backing array.
type Buffer struct {
	pendingIn  bytes.Buffer
	pendingOut bytes.Buffer
	readyIn    bytes.Buffer
}

// AppendPendingIn appends host-delivered ciphertext, not yet consumed
// by the engine.
func (b *Buffer) AppendPendingIn(p []byte) {
	if len(p) > 0 {
		b.pendingIn.Write(p)
	}
}

// TakePendingIn removes and returns up to n bytes from the ciphertext
// queue's head; used by the recv BIO callback.
func (b *Buffer) TakePendingIn(n int) []byte {
	if n <= 0 || b.pendingIn.Len() == 0 {
		return nil
	}
	if n > b.pendingIn.Len() {
		n = b.pendingIn.Len()
	}
	out := make([]byte, n)
	_, _ = b.pendingIn.Read(out)
	return out
}

func (b *Buffer) PendingInLen() int { return b.pendingIn.Len() }

// AppendPendingOut appends plaintext submitted by the dispatcher,
// awaiting encryption.
func (b *Buffer) AppendPendingOut(p []byte) {
	if len(p) > 0 {
		b.pendingOut.Write(p)
	}
}

func (b *Buffer) PendingOutLen() int { return b.pendingOut.Len() }

// PeekPendingOut returns the unconsumed pending_out bytes without
// removing them.
func (b *Buffer) PeekPendingOut() []byte { return b.pendingOut.Bytes() }

// DropPendingOut removes n bytes from the head of pending_out after
// the engine has accepted them.
func (b *Buffer) DropPendingOut(n int) {
	if n <= 0 {
		return
	}
	if n > b.pendingOut.Len() {
		n = b.pendingOut.Len()
	}
	b.pendingOut.Next(n)
}

// AppendReadyIn appends decrypted plaintext awaiting delivery to the
// dispatcher (or pushes back a partial exact-read).
func (b *Buffer) AppendReadyIn(p []byte) {
	if len(p) > 0 {
		b.readyIn.Write(p)
	}
}

func (b *Buffer) ReadyInLen() int { return b.readyIn.Len() }

// TakeReadyIn removes and returns up to n bytes from the head of
// ready_in.
func (b *Buffer) TakeReadyIn(n int) []byte {
	if n <= 0 || b.readyIn.Len() == 0 {
		return nil
	}
	if n > b.readyIn.Len() {
		n = b.readyIn.Len()
	}
	out := make([]byte, n)
	_, _ = b.readyIn.Read(out)
	return out
}

// PrependReadyIn pushes bytes back onto the front of ready_in. Used
// when an exact read has to preserve a partial result across a
// WantRead/WantWrite pause.
func (b *Buffer) PrependReadyIn(p []byte) {
	if len(p) == 0 {
		return
	}
	rest := b.readyIn.Bytes()
	merged := make([]byte, 0, len(p)+len(rest))
	merged = append(merged, p...)
	merged = append(merged, rest...)
	b.readyIn.Reset()
	b.readyIn.Write(merged)
}
