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
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
)

// TLSEngine is the concrete, production CryptoEngine: it drives a
// crypto/tls.Conn's blocking handshake and record I/O against an
// in-process pipeConn, and exposes the result as the non-blocking
// Handshake/Read/Write/Close contract the session package expects.
//
// crypto/tls.Conn has no native WANT_READ/WANT_WRITE concept; its
// Handshake and record-reading are synchronous calls that block on the
// underlying net.Conn. TLSEngine bridges this the way Go programs
// commonly bridge a blocking API into a poll-style one: a background
// goroutine runs the blocking calls against pipeConn, and the
// exported methods only ever feed pipeConn's buffers and inspect
// shared, mutex-protected state — they never block themselves.
type TLSEngine struct {
	conn *tls.Conn
	pc   *pipeConn

	send SendFunc
	recv RecvFunc
	dbg  DebugFunc

	handshakeOnce sync.Once

	mu             sync.Mutex
	handshakeDone  bool
	handshakeErr   error
	readerStarted  bool
	readerDone     bool
	readerErr      error
	decrypted      bytes.Buffer
	lastVerifyErr  error
}

// NewTLSEngine builds an Engine over cfg. isClient selects the side of
// the handshake: true drives tls.Client, false drives tls.Server.
func NewTLSEngine(cfg *tls.Config, isClient bool) *TLSEngine {
	pc := newPipeConn()
	var conn *tls.Conn
	if isClient {
		conn = tls.Client(pc, cfg)
	} else {
		conn = tls.Server(pc, cfg)
	}
	return &TLSEngine{conn: conn, pc: pc}
}

func (e *TLSEngine) SetBIO(send SendFunc, recv RecvFunc, dbg DebugFunc) {
	e.send = send
	e.recv = recv
	e.dbg = dbg
}

func (e *TLSEngine) trace(msg string) {
	if e.dbg != nil {
		e.dbg(msg)
	}
}

// pumpInbound drains whatever ciphertext the host has available right
// now into the pipeConn's inbound buffer. It never blocks: recv
// reports WantRead as soon as nothing further is buffered.
func (e *TLSEngine) pumpInbound() {
	if e.recv == nil {
		return
	}
	buf := make([]byte, 16384)
	for {
		n, sig := e.recv(buf)
		if n > 0 {
			e.pc.feed(buf[:n])
		}
		if n == 0 || sig == WantRead {
			return
		}
	}
}

// pumpOutbound tries to drain every queued outbound chunk through the
// host send callback, in order, stopping at the first one the host
// cannot accept (back-pressure). It reports whether draining is
// blocked on WantWrite.
func (e *TLSEngine) pumpOutbound() (stuck bool) {
	if e.send == nil {
		return false
	}
	for {
		chunk, ok := e.pc.frontChunk()
		if !ok {
			return false
		}
		n, sig := e.send(chunk)
		if sig == WantWrite || n != len(chunk) {
			return true
		}
		e.pc.popFrontChunk()
	}
}

func (e *TLSEngine) startHandshake() {
	e.handshakeOnce.Do(func() {
		go func() {
			err := e.conn.HandshakeContext(context.Background())
			e.mu.Lock()
			e.handshakeErr = err
			e.handshakeDone = true
			if err != nil {
				var verr *tls.CertificateVerificationError
				if errors.As(err, &verr) {
					e.lastVerifyErr = verr.Err
				}
			}
			e.mu.Unlock()
			if err != nil {
				e.trace("handshake finished with error: " + err.Error())
			} else {
				e.trace("handshake complete")
				e.startReader()
			}
		}()
	})
}

// startReader begins the persistent record-decryption loop, run once
// the handshake has completed. It is the source of AvailableBytes.
func (e *TLSEngine) startReader() {
	e.mu.Lock()
	if e.readerStarted {
		e.mu.Unlock()
		return
	}
	e.readerStarted = true
	e.mu.Unlock()

	go func() {
		buf := make([]byte, 16384)
		for {
			n, err := e.conn.Read(buf)
			e.mu.Lock()
			if n > 0 {
				e.decrypted.Write(buf[:n])
			}
			if err != nil {
				e.readerErr = err
				e.readerDone = true
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
		}
	}()
}

func (e *TLSEngine) Handshake() HandshakeResult {
	e.pumpInbound()
	e.startHandshake()
	stuck := e.pumpOutbound()

	e.mu.Lock()
	done := e.handshakeDone
	err := e.handshakeErr
	e.mu.Unlock()

	if !done {
		if stuck {
			return HandshakeResult{Signal: WantWrite}
		}
		return HandshakeResult{Signal: WantRead}
	}
	if err == nil {
		return HandshakeResult{Signal: Done}
	}
	if isPeerClose(err) {
		return HandshakeResult{Signal: PeerClosed}
	}
	if class := classifyAuthFail(err); class.isAuthFail {
		return HandshakeResult{Signal: AuthFail, Kind: class.kind, VerifyErr: class.verifyErr}
	}
	return HandshakeResult{Signal: Fatal}
}

type authFailClass struct {
	isAuthFail bool
	kind       AuthFailKind
	verifyErr  error
}

func classifyAuthFail(err error) authFailClass {
	var verr *tls.CertificateVerificationError
	if errors.As(err, &verr) {
		return authFailClass{isAuthFail: true, kind: ChainVerifyFailed, verifyErr: verr.Err}
	}
	var certErr x509.CertificateInvalidError
	if errors.As(err, &certErr) {
		return authFailClass{isAuthFail: true, kind: ChainVerifyFailed, verifyErr: err}
	}
	var unknownAuth x509.UnknownAuthorityError
	if errors.As(err, &unknownAuth) {
		return authFailClass{isAuthFail: true, kind: ChainVerifyFailed, verifyErr: err}
	}
	msg := err.Error()
	if strings.Contains(msg, "client didn't provide a certificate") {
		return authFailClass{isAuthFail: true, kind: NoClientCert}
	}
	if strings.Contains(msg, "bad certificate") || strings.Contains(msg, "certificate required") {
		return authFailClass{isAuthFail: true, kind: PeerVerifyFailed}
	}
	return authFailClass{}
}

func isPeerClose(err error) bool {
	return errors.Is(err, io.EOF) || strings.Contains(err.Error(), "close notify")
}

func (e *TLSEngine) Read(buf []byte) IOResult {
	e.pumpInbound()
	e.pumpOutbound()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.decrypted.Len() > 0 {
		n, _ := e.decrypted.Read(buf)
		return IOResult{N: n, Signal: Done}
	}
	if e.readerDone {
		if e.readerErr == nil || isPeerClose(e.readerErr) {
			return IOResult{Signal: PeerClosed}
		}
		return IOResult{Signal: Fatal}
	}
	if !e.readerStarted {
		return IOResult{Signal: WantRead}
	}
	return IOResult{Signal: WantRead}
}

// Write encrypts and queues buf for transmission. A prior call's
// ciphertext may still be stuck on host back-pressure; that backlog is
// drained first and, if it stays stuck, buf is rejected outright with
// WantWrite and N 0 rather than double-encrypting it on a later call,
// since conn.Write cannot be undone once it has consumed buf.
func (e *TLSEngine) Write(buf []byte) IOResult {
	if stuck := e.pumpOutbound(); stuck {
		return IOResult{Signal: WantWrite}
	}
	if len(buf) == 0 {
		return IOResult{Signal: Done}
	}
	n, err := e.conn.Write(buf)
	if err != nil {
		if isPeerClose(err) {
			return IOResult{N: n, Signal: PeerClosed}
		}
		return IOResult{N: n, Signal: Fatal}
	}
	// buf is already encrypted and queued; whether pumpOutbound drains
	// it fully or leaves it stuck is surfaced on the next call's
	// pre-check above, not here.
	e.pumpOutbound()
	return IOResult{N: n, Signal: Done}
}

// AvailableBytes reports how many decrypted bytes the reader goroutine
// has produced so far, pumping any freshly-arrived ciphertext into the
// pipeConn first so a Ready session that just received pending_in
// actually wakes the reader instead of reporting a stale zero forever.
func (e *TLSEngine) AvailableBytes() int {
	e.pumpInbound()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decrypted.Len()
}

func (e *TLSEngine) Close() Signal {
	err := e.conn.Close()
	if stuck := e.pumpOutbound(); stuck {
		return WantWrite
	}
	if err != nil && !isPeerClose(err) && !errors.Is(err, net.ErrClosed) {
		return Fatal
	}
	return Done
}

func (e *TLSEngine) PeerCert() []*x509.Certificate {
	state := e.conn.ConnectionState()
	return state.PeerCertificates
}

func (e *TLSEngine) Host() string {
	return e.conn.ConnectionState().ServerName
}

func (e *TLSEngine) VerifyErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastVerifyErr
}

func (e *TLSEngine) VerifyInfo(err error) string {
	if err == nil {
		return ""
	}
	return "cert verify failed: " + err.Error()
}
