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

package engine

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// pipeConn is an in-process net.Conn that stands in for the socket
// crypto/tls.Conn normally sits on top of. Its Read side blocks like a
// real socket read would (the background handshake/record-reader
// goroutine is allowed to block on it); its Write side never blocks,
// instead queueing discrete chunks for TLSEngine to drain out through
// the host SendFunc one at a time, preserving the atomic-frame
// guarantee of the BIO send callback.
type pipeConn struct {
	mu     sync.Mutex
	cond   *sync.Cond
	inbuf  bytes.Buffer
	outq   [][]byte
	closed bool
}

func newPipeConn() *pipeConn {
	pc := &pipeConn{}
	pc.cond = sync.NewCond(&pc.mu)
	return pc
}

// feed appends ciphertext received from the host into the inbound
// buffer and wakes any blocked Read.
func (pc *pipeConn) feed(b []byte) {
	if len(b) == 0 {
		return
	}
	pc.mu.Lock()
	pc.inbuf.Write(b)
	pc.cond.Broadcast()
	pc.mu.Unlock()
}

func (pc *pipeConn) Read(p []byte) (int, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for pc.inbuf.Len() == 0 && !pc.closed {
		pc.cond.Wait()
	}
	if pc.inbuf.Len() == 0 && pc.closed {
		return 0, io.EOF
	}
	return pc.inbuf.Read(p)
}

// Write never blocks: it stores p as one discrete outbound chunk. The
// slice is copied because the caller (crypto/tls) may reuse its
// buffer after Write returns.
func (pc *pipeConn) Write(p []byte) (int, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return 0, net.ErrClosed
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	pc.outq = append(pc.outq, cp)
	return len(p), nil
}

// frontChunk returns the oldest undrained outbound chunk, if any.
func (pc *pipeConn) frontChunk() ([]byte, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if len(pc.outq) == 0 {
		return nil, false
	}
	return pc.outq[0], true
}

// popFrontChunk removes the oldest outbound chunk after it has been
// fully accepted by the host.
func (pc *pipeConn) popFrontChunk() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if len(pc.outq) > 0 {
		pc.outq = pc.outq[1:]
	}
}

func (pc *pipeConn) Close() error {
	pc.mu.Lock()
	pc.closed = true
	pc.cond.Broadcast()
	pc.mu.Unlock()
	return nil
}

func (pc *pipeConn) LocalAddr() net.Addr                { return pipeAddr{} }
func (pc *pipeConn) RemoteAddr() net.Addr               { return pipeAddr{} }
func (pc *pipeConn) SetDeadline(t time.Time) error      { return nil }
func (pc *pipeConn) SetReadDeadline(t time.Time) error  { return nil }
func (pc *pipeConn) SetWriteDeadline(t time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "enclave-bio" }
func (pipeAddr) String() string  { return "enclave-bio" }
