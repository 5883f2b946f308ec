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
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taoyouxian/enclavetls/engine"
)

// maxExactReadRetries bounds the iterative re-entry loop in Read when
// exact is requested and the engine keeps returning partial progress
// without a WantRead/WantWrite pause. spec.md's Design Notes flag this
// as an open question: the source's recursive retry assumes the
// engine always makes forward progress; this bound turns a
// hypothetical stall into a returned empty read instead of a runaway
// loop.
const maxExactReadRetries = 64

// recvReadSize bounds the single opportunistic read Recv performs
// after appending fresh pending_in. It matches the engine's own
// internal pump buffer size rather than reflecting a known available
// count, since AvailableBytes cannot be trusted to reflect
// just-arrived ciphertext synchronously.
const recvReadSize = 16384

// Session is the per-connection TLS endpoint state machine: the core
// controller described in spec.md §4.3. It owns its Engine and Buffer
// exclusively; the registry owns the Session itself by id.
type Session struct {
	id     uint64
	corrID uuid.UUID
	role   Role

	eng  engine.Engine
	buf  Buffer
	host HostChannel
	disp Dispatcher

	useConsensus bool
	log          *zap.Logger

	mu       sync.Mutex
	status   Status
	notified bool
}

// New constructs a Session in the Handshake state and installs the
// engine's BIO callbacks bound to this session's own buffers and host
// channel. The engine is exclusively owned from this point on.
func New(id uint64, role Role, eng engine.Engine, host HostChannel, disp Dispatcher, useConsensus bool, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	corrID := uuid.New()
	s := &Session{
		id:           id,
		corrID:       corrID,
		role:         role,
		eng:          eng,
		host:         host,
		disp:         disp,
		useConsensus: useConsensus,
		status:       Handshake,
		log:          log.With(zap.Uint64("session_id", id), zap.String("correlation_id", corrID.String())),
	}
	eng.SetBIO(s.bioSend, s.bioRecv, s.bioDebug)
	return s
}

// ID returns the session's process-unique identifier.
func (s *Session) ID() uint64 { return s.id }

// Role returns which side of the handshake this session's engine was
// configured to play.
func (s *Session) Role() Role { return s.role }

// CorrelationID returns the session's log-correlation identifier. It
// has no bearing on protocol semantics and is never exposed over the
// wire.
func (s *Session) CorrelationID() uuid.UUID { return s.corrID }

// Status returns the session's current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// PeerCert returns the authenticated peer certificate chain. Per
// invariant 1, it is only non-nil while Ready.
func (s *Session) PeerCert() []*x509.Certificate {
	if s.Status() != Ready {
		return nil
	}
	return s.eng.PeerCert()
}

// Hostname returns the negotiated SNI hostname. Per invariant 1, it is
// only non-empty while Ready.
func (s *Session) Hostname() string {
	if s.Status() != Ready {
		return ""
	}
	return s.eng.Host()
}

// Recv is called by the registry when the host delivers ciphertext
// for this session. It appends to pending_in, pumps the handshake,
// and if Ready, synchronously delivers any plaintext the engine has
// ready to the dispatcher.
func (s *Session) Recv(ctx context.Context, data []byte) {
	s.buf.AppendPendingIn(data)
	s.doHandshake()

	if s.Status() != Ready {
		return
	}
	// Always attempt a read rather than gating on AvailableBytes: the
	// engine's decrypt reader runs on its own goroutine and only wakes
	// once pending_in is pumped into it, so a stale zero here must not
	// suppress the read that would otherwise trigger that pump.
	plaintext := s.Read(recvReadSize, false)
	if len(plaintext) > 0 {
		s.handleData(ctx, plaintext)
	}
}

// RecvBuffered is like Recv but never synchronously delivers; the
// caller will flush a group of sessions later.
func (s *Session) RecvBuffered(data []byte) {
	s.buf.AppendPendingIn(data)
	s.doHandshake()
}

// Read attempts to produce up to upTo plaintext bytes, per spec.md
// §4.3's read semantics.
func (s *Session) Read(upTo int, exact bool) []byte {
	if upTo <= 0 {
		return nil
	}

	data := make([]byte, 0, upTo)
	for attempt := 0; attempt < maxExactReadRetries; attempt++ {
		s.doHandshake()
		if s.Status() != Ready {
			return emptyOrNil(data)
		}
		s.Flush()

		if s.buf.ReadyInLen() > 0 {
			data = append(data, s.buf.TakeReadyIn(upTo-len(data))...)
		}
		if len(data) >= upTo {
			return data
		}

		tmp := make([]byte, upTo-len(data))
		res := s.eng.Read(tmp)

		switch res.Signal {
		case engine.PeerClosed:
			s.stop(Closed)
			if !exact {
				return append(data, tmp[:res.N]...)
			}
			return nil

		case engine.WantRead, engine.WantWrite:
			if !exact {
				return append(data, tmp[:res.N]...)
			}
			if res.N > 0 {
				data = append(data, tmp[:res.N]...)
			}
			s.buf.PrependReadyIn(data)
			return nil

		case engine.Fatal:
			s.stop(Errored)
			return nil

		default: // engine.Done
			data = append(data, tmp[:res.N]...)
			if len(data) >= upTo {
				return data
			}
			if !exact {
				return data
			}
			// Engine made forward progress (>=0, no WantRead) but not
			// enough to satisfy an exact read in one record. Retry:
			// this is the iterative form of what the original
			// implementation did via recursion.
			s.buf.PrependReadyIn(data)
			data = data[:0]
		}
	}

	s.log.Warn("exact read did not converge within retry bound, giving up")
	return nil
}

func emptyOrNil(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	return data
}

// Send appends plaintext to pending_out and, if Ready, flushes
// immediately. If Handshake, it is buffered for flushing once the
// handshake completes and some later entry point is invoked. Dropped
// silently in any other (terminal) state.
func (s *Session) Send(plaintext []byte) {
	if len(plaintext) == 0 {
		return
	}
	s.doHandshake()

	status := s.Status()
	if status == Handshake {
		s.buf.AppendPendingOut(plaintext)
		return
	}
	if status != Ready {
		return
	}
	s.buf.AppendPendingOut(plaintext)
	s.Flush()
}

// SendBuffered appends plaintext without attempting to flush.
func (s *Session) SendBuffered(plaintext []byte) {
	if len(plaintext) == 0 {
		return
	}
	s.buf.AppendPendingOut(plaintext)
}

// Flush drains pending_out through the engine while Ready, stopping on
// the first signal indicating no further progress is possible right
// now (host back-pressure or engine stall).
func (s *Session) Flush() {
	s.doHandshake()
	if s.Status() != Ready {
		return
	}

	for s.buf.PendingOutLen() > 0 {
		chunk := s.buf.PeekPendingOut()
		res := s.eng.Write(chunk)
		if res.N > 0 {
			s.buf.DropPendingOut(res.N)
		}

		switch res.Signal {
		case engine.WantRead, engine.WantWrite:
			return
		case engine.PeerClosed:
			s.stop(Closed)
			return
		case engine.Fatal:
			s.stop(Errored)
			return
		default: // engine.Done
			if res.N == 0 {
				// No progress and no stall signal: avoid spinning.
				return
			}
		}
	}
}

// Close terminates the session. During Handshake it transitions
// straight to Closed without attempting an engine close-notify (there
// is nothing established yet to notify about). While Ready it drives
// the engine's close-notify. In any terminal state it is a no-op.
func (s *Session) Close() {
	switch s.Status() {
	case Handshake:
		s.stop(Closed)

	case Ready:
		switch s.eng.Close() {
		case engine.Done, engine.WantRead, engine.WantWrite:
			s.stop(Closed)
		default:
			s.stop(Errored)
		}

	default:
		// Terminal: no-op.
	}
}

// Tick is reserved for timers owned by higher layers (e.g. handshake
// timeouts); the core itself has no notion of time.
func (s *Session) Tick(elapsedMS int64) {}

func (s *Session) doHandshake() {
	if s.Status() != Handshake {
		return
	}

	res := s.eng.Handshake()
	switch res.Signal {
	case engine.Done:
		s.transitionTo(Ready)

	case engine.WantRead, engine.WantWrite:
		// Stay in Handshake.

	case engine.AuthFail:
		if res.VerifyErr != nil {
			s.log.Warn("tls handshake auth failure",
				zap.String("kind", res.Kind.String()),
				zap.String("verify_info", s.eng.VerifyInfo(res.VerifyErr)))
		} else {
			s.log.Warn("tls handshake auth failure", zap.String("kind", res.Kind.String()))
		}
		s.stop(AuthFail)

	case engine.PeerClosed:
		s.stop(Closed)

	default: // engine.Fatal
		s.stop(Errored)
	}
}

// transitionTo moves a non-terminal session to another non-terminal
// status; it never emits a host notification (only stop does that).
func (s *Session) transitionTo(to Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.status = to
}

// stop drives the session into a terminal status, emitting exactly
// one host notification for it. Per invariant 4, once terminal, every
// subsequent call is a no-op.
func (s *Session) stop(to Status) {
	s.mu.Lock()
	if s.status.Terminal() || s.notified {
		s.mu.Unlock()
		return
	}
	s.status = to
	s.notified = true
	s.mu.Unlock()

	switch to {
	case Closed:
		s.log.Info("session closed")
		s.host.Closed(s.id)
	case AuthFail, Errored:
		s.log.Error("session terminated with error", zap.String("status", to.String()))
		s.host.Errored(s.id)
	}
}

func (s *Session) handleData(ctx context.Context, data []byte) {
	var (
		resp []byte
		err  error
	)
	if s.useConsensus {
		resp, _, err = s.disp.ProcessConsensus(ctx, s.id, data)
	} else {
		resp, err = s.disp.Process(ctx, s.id, data)
	}
	if err != nil {
		s.log.Error("dispatcher error", zap.Error(err))
		return
	}
	if len(resp) > 0 {
		s.Send(resp)
	}
}

// bioSend is the BIO send callback: it attempts to write one outbound
// ciphertext frame to the host channel atomically.
func (s *Session) bioSend(buf []byte) (int, engine.Signal) {
	if !s.host.TryOutbound(s.id, buf) {
		return 0, engine.WantWrite
	}
	return len(buf), engine.Done
}

// bioRecv is the BIO recv callback: it serves ciphertext already
// buffered in pending_in.
func (s *Session) bioRecv(buf []byte) (int, engine.Signal) {
	data := s.buf.TakePendingIn(len(buf))
	if len(data) == 0 {
		return 0, engine.WantRead
	}
	copy(buf, data)
	return len(data), engine.Done
}

func (s *Session) bioDebug(msg string) {
	s.log.Debug(msg)
}
