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

import (
	"context"
	"crypto/x509"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/taoyouxian/enclavetls/engine"
)

// fakeEngine is the scripted CryptoEngine test double the Design Notes
// call for: it returns a programmed sequence of results instead of
// performing any real cryptography.
type fakeEngine struct {
	handshakeResults []engine.HandshakeResult
	hIdx             int

	readResults []fakeRead
	rIdx        int
	avail       int

	writeFn func(buf []byte) engine.IOResult

	closeSignal engine.Signal
	closeCalled bool

	peerCert  []*x509.Certificate
	host      string
	verifyErr error

	sendCB engine.SendFunc
	recvCB engine.RecvFunc
	dbgCB  engine.DebugFunc
}

type fakeRead struct {
	data []byte
	sig  engine.Signal
}

func (f *fakeEngine) SetBIO(send engine.SendFunc, recv engine.RecvFunc, dbg engine.DebugFunc) {
	f.sendCB = send
	f.recvCB = recv
	f.dbgCB = dbg
}

func (f *fakeEngine) Handshake() engine.HandshakeResult {
	if f.hIdx >= len(f.handshakeResults) {
		return engine.HandshakeResult{Signal: engine.WantRead}
	}
	r := f.handshakeResults[f.hIdx]
	f.hIdx++
	return r
}

func (f *fakeEngine) Read(buf []byte) engine.IOResult {
	if f.rIdx >= len(f.readResults) {
		return engine.IOResult{Signal: engine.WantRead}
	}
	rr := f.readResults[f.rIdx]
	f.rIdx++
	n := copy(buf, rr.data)
	return engine.IOResult{N: n, Signal: rr.sig}
}

func (f *fakeEngine) Write(buf []byte) engine.IOResult {
	if f.writeFn != nil {
		return f.writeFn(buf)
	}
	n, sig := f.sendCB(buf)
	if sig == engine.WantWrite {
		return engine.IOResult{Signal: engine.WantWrite}
	}
	return engine.IOResult{N: n, Signal: engine.Done}
}

func (f *fakeEngine) AvailableBytes() int { return f.avail }

func (f *fakeEngine) Close() engine.Signal {
	f.closeCalled = true
	return f.closeSignal
}

func (f *fakeEngine) PeerCert() []*x509.Certificate { return f.peerCert }
func (f *fakeEngine) Host() string                  { return f.host }
func (f *fakeEngine) VerifyErr() error               { return f.verifyErr }
func (f *fakeEngine) VerifyInfo(err error) string {
	if err == nil {
		return ""
	}
	return "cert verify failed: " + err.Error()
}

// fakeHost is a HostChannel test double that can be scripted to reject
// the next N outbound frames, simulating host back-pressure.
type fakeHost struct {
	mu           sync.Mutex
	rejectNext   int
	frames       [][]byte
	closedCount  int
	erroredCount int
}

func (h *fakeHost) TryOutbound(sessionID uint64, payload []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rejectNext > 0 {
		h.rejectNext--
		return false
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	h.frames = append(h.frames, cp)
	return true
}

func (h *fakeHost) Closed(sessionID uint64)  { h.mu.Lock(); h.closedCount++; h.mu.Unlock() }
func (h *fakeHost) Errored(sessionID uint64) { h.mu.Lock(); h.erroredCount++; h.mu.Unlock() }

// fakeDispatcher records what it was asked to process and replies with
// a canned response.
type fakeDispatcher struct {
	mu       sync.Mutex
	received [][]byte
	resp     []byte
}

func (d *fakeDispatcher) Process(_ context.Context, _ uint64, req []byte) ([]byte, error) {
	d.mu.Lock()
	d.received = append(d.received, append([]byte(nil), req...))
	d.mu.Unlock()
	return d.resp, nil
}

func (d *fakeDispatcher) ProcessConsensus(ctx context.Context, id uint64, req []byte) ([]byte, []byte, error) {
	resp, err := d.Process(ctx, id, req)
	return resp, []byte("digest"), err
}

func (d *fakeDispatcher) Tick(elapsedMS int64) {}

func newObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestCleanHandshakeThenEcho(t *testing.T) {
	eng := &fakeEngine{
		handshakeResults: []engine.HandshakeResult{
			{Signal: engine.WantRead},
			{Signal: engine.Done},
		},
	}
	host := &fakeHost{}
	disp := &fakeDispatcher{resp: []byte("WORLD-REPLY")}
	s := New(1, RoleServer, eng, host, disp, false, nil)

	require.Equal(t, Handshake, s.Status())

	s.Recv(context.Background(), []byte("client-hello-part-1"))
	require.Equal(t, Handshake, s.Status(), "must stay in Handshake on WantRead")

	s.Recv(context.Background(), []byte("client-hello-part-2"))
	require.Equal(t, Ready, s.Status(), "must transition to Ready exactly once on Done")

	s.Send([]byte("HELLO"))
	require.Len(t, host.frames, 1)
	assert.Equal(t, "HELLO", string(host.frames[0]))

	eng.avail = len("WORLD")
	eng.readResults = []fakeRead{{data: []byte("WORLD"), sig: engine.Done}}
	s.Recv(context.Background(), []byte("ciphertext-for-world"))

	require.Len(t, disp.received, 1)
	assert.Equal(t, "WORLD", string(disp.received[0]))
	require.Len(t, host.frames, 2)
	assert.Equal(t, "WORLD-REPLY", string(host.frames[1]))
}

func TestPeerCloseDuringSteadyState(t *testing.T) {
	eng := &fakeEngine{
		handshakeResults: []engine.HandshakeResult{{Signal: engine.Done}},
	}
	host := &fakeHost{}
	disp := &fakeDispatcher{}
	s := New(2, RoleServer, eng, host, disp, false, nil)

	s.Recv(context.Background(), nil) // drives handshake to Ready
	require.Equal(t, Ready, s.Status())

	eng.avail = 1
	eng.readResults = []fakeRead{{sig: engine.PeerClosed}}
	s.Recv(context.Background(), []byte("close-notify"))
	assert.Equal(t, Closed, s.Status())
	assert.Equal(t, 1, host.closedCount)

	framesBefore := len(host.frames)
	s.Send([]byte("too late"))
	assert.Equal(t, framesBefore, len(host.frames), "send after close must be a no-op")
}

func TestAuthenticationFailure(t *testing.T) {
	log, logs := newObservedLogger()
	verifyErr := errors.New("certificate has expired")
	eng := &fakeEngine{
		handshakeResults: []engine.HandshakeResult{
			{Signal: engine.AuthFail, Kind: engine.ChainVerifyFailed, VerifyErr: verifyErr},
		},
	}
	host := &fakeHost{}
	s := New(3, RoleServer, eng, host, &fakeDispatcher{}, false, log)

	s.Recv(context.Background(), []byte("bad-client-hello"))

	assert.Equal(t, AuthFail, s.Status())
	assert.Equal(t, 1, host.erroredCount)

	found := false
	for _, entry := range logs.All() {
		for _, f := range entry.Context {
			if f.Key == "verify_info" && f.String == "cert verify failed: certificate has expired" {
				found = true
			}
		}
	}
	assert.True(t, found, "expected the verify diagnostic to be logged")
}

func TestBackPressureResilience(t *testing.T) {
	eng := &fakeEngine{handshakeResults: []engine.HandshakeResult{{Signal: engine.Done}}}
	host := &fakeHost{rejectNext: 3}
	s := New(4, RoleServer, eng, host, &fakeDispatcher{}, false, nil)

	s.Recv(context.Background(), nil)
	require.Equal(t, Ready, s.Status())

	blob := make([]byte, 4096)
	for i := range blob {
		blob[i] = byte(i)
	}

	s.Send(blob) // 1st attempt, rejected
	assert.Empty(t, host.frames)
	assert.Equal(t, Ready, s.Status(), "back-pressure must not be terminal")

	s.Flush() // 2nd attempt, rejected
	assert.Empty(t, host.frames)
	s.Flush() // 3rd attempt, rejected
	assert.Empty(t, host.frames)

	s.Flush() // 4th attempt, accepted
	require.Len(t, host.frames, 1)
	assert.Equal(t, blob, host.frames[0])
}

func TestExactReadAcrossRecordBoundaries(t *testing.T) {
	eng := &fakeEngine{
		handshakeResults: []engine.HandshakeResult{{Signal: engine.Done}},
		readResults: []fakeRead{
			{data: make([]byte, 20), sig: engine.Done},
			{data: make([]byte, 12), sig: engine.Done},
		},
	}
	s := New(5, RoleServer, eng, &fakeHost{}, &fakeDispatcher{}, false, nil)
	s.doHandshake()
	require.Equal(t, Ready, s.Status())

	data := s.Read(32, true)
	require.Len(t, data, 32)
	assert.Zero(t, s.buf.ReadyInLen())
}

func TestCloseDuringHandshake(t *testing.T) {
	eng := &fakeEngine{}
	host := &fakeHost{}
	s := New(6, RoleServer, eng, host, &fakeDispatcher{}, false, nil)

	s.Close()

	assert.Equal(t, Closed, s.Status())
	assert.Equal(t, 1, host.closedCount)
	assert.False(t, eng.closeCalled, "no engine close-notify should be attempted from Handshake")

	s.Close() // idempotent
	assert.Equal(t, 1, host.closedCount)
}

func TestReadZeroIsNoop(t *testing.T) {
	eng := &fakeEngine{handshakeResults: []engine.HandshakeResult{{Signal: engine.Done}}}
	s := New(7, RoleServer, eng, &fakeHost{}, &fakeDispatcher{}, false, nil)
	s.doHandshake()

	assert.Nil(t, s.Read(0, false))
	assert.Zero(t, eng.rIdx, "read(0) must not touch the engine")
}

func TestSendEmptyIsNoop(t *testing.T) {
	eng := &fakeEngine{handshakeResults: []engine.HandshakeResult{{Signal: engine.Done}}}
	host := &fakeHost{}
	s := New(8, RoleServer, eng, host, &fakeDispatcher{}, false, nil)
	s.doHandshake()

	s.Send(nil)
	assert.Empty(t, host.frames)
}

func TestRecvConcatenationEquivalence(t *testing.T) {
	// recv(a ++ b) must be equivalent to recv(a); recv(b) in terms of
	// delivered plaintext.
	disp1 := &fakeDispatcher{resp: nil}
	eng1 := &fakeEngine{
		handshakeResults: []engine.HandshakeResult{{Signal: engine.Done}},
		avail:            11,
		readResults:      []fakeRead{{data: []byte("hello world"), sig: engine.Done}},
	}
	s1 := New(9, RoleServer, eng1, &fakeHost{}, disp1, false, nil)
	s1.Recv(context.Background(), []byte("ab"))

	disp2 := &fakeDispatcher{resp: nil}
	eng2 := &fakeEngine{
		handshakeResults: []engine.HandshakeResult{{Signal: engine.Done}},
		avail:            11,
		readResults:      []fakeRead{{data: []byte("hello world"), sig: engine.Done}},
	}
	s2 := New(10, RoleServer, eng2, &fakeHost{}, disp2, false, nil)
	s2.Recv(context.Background(), []byte("a"))
	s2.Recv(context.Background(), []byte("b"))

	require.Len(t, disp1.received, 1)
	require.Len(t, disp2.received, 1)
	assert.Equal(t, disp1.received[0], disp2.received[0])
}
