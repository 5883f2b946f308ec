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

// Package registry owns the concrete SessionRegistry: a sharded,
// concurrency-safe map from session id to *session.Session, with
// admission control and Prometheus observability layered on top.
package registry

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/taoyouxian/enclavetls/engine"
	"github.com/taoyouxian/enclavetls/session"
)

// ErrAdmissionRejected is returned by StartSession when the rate
// limiter has no tokens available for a new session.
var ErrAdmissionRejected = errors.New("registry: session_start rejected by admission control")

// ErrUnknownSession is returned for any event addressed to a session
// id the registry has no record of (never registered, or already
// reaped after reaching a terminal state).
var ErrUnknownSession = errors.New("registry: unknown session id")

// EngineFactory builds a fresh CryptoEngine for a new session playing
// the given role. Kept as a constructor function rather than a single
// shared Engine value because exactly one Engine is owned by exactly
// one Session for its entire lifetime (engine.Engine's contract).
type EngineFactory func(role session.Role) engine.Engine

type shard struct {
	mu       sync.RWMutex
	sessions map[uint64]*session.Session
}

// Registry is the concrete SessionRegistry of spec.md §4.5. It shards
// its session map by xxhash of the session id for expected-constant-
// time lookup under concurrent access, rather than a single global
// lock, allocates ids from an atomic counter seeded at 1, and applies
// a token-bucket rate limiter to session_start as its own admission-
// control concern (separate from any individual session's logic).
type Registry struct {
	shards []*shard
	nextID atomic.Uint64

	limiter *rate.Limiter

	newEngine    EngineFactory
	host         session.HostChannel
	disp         session.Dispatcher
	useConsensus bool

	log     *zap.Logger
	metrics *metrics
}

// Config bundles the knobs New needs. ShardCount and the rate-limiter
// parameters have no protocol meaning; they only tune the concurrency
// and admission-control shape of this particular process.
type Config struct {
	ShardCount   int
	RateLimit    rate.Limit
	RateBurst    int
	UseConsensus bool
}

// New constructs a Registry. host and disp are wrapped so the
// registry can observe outbound frames and delivered plaintext
// without the session package needing to know metrics exist.
func New(cfg Config, newEngine EngineFactory, host session.HostChannel, disp session.Dispatcher, reg prometheus.Registerer, log *zap.Logger) *Registry {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 16
	}
	if log == nil {
		log = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := newMetrics(reg)
	shards := make([]*shard, cfg.ShardCount)
	for i := range shards {
		shards[i] = &shard{sessions: make(map[uint64]*session.Session)}
	}

	r := &Registry{
		shards:       shards,
		limiter:      rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		newEngine:    newEngine,
		useConsensus: cfg.UseConsensus,
		log:          log,
		metrics:      m,
	}
	r.host = &instrumentedHost{next: host, metrics: m}
	r.disp = &instrumentedDispatcher{next: disp, metrics: m}
	return r
}

func (r *Registry) shardFor(id uint64) *shard {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], id)
	idx := xxhash.Sum64(b[:]) % uint64(len(r.shards))
	return r.shards[idx]
}

// StartSession admits a new session_start event through the rate
// limiter, allocates the next process-unique id, constructs its
// engine, and registers it. The returned id is never reused.
func (r *Registry) StartSession(ctx context.Context, role session.Role) (uint64, error) {
	if !r.limiter.Allow() {
		r.metrics.sessionsRejected.Inc()
		return 0, ErrAdmissionRejected
	}

	id := r.nextID.Add(1)
	eng := r.newEngine(role)
	sess := session.New(id, role, eng, r.host, r.disp, r.useConsensus, r.log)

	sh := r.shardFor(id)
	sh.mu.Lock()
	sh.sessions[id] = sess
	sh.mu.Unlock()

	r.metrics.sessionsStarted.Inc()
	r.metrics.liveSessions.WithLabelValues(role.String()).Inc()
	r.log.Info("session started", zap.Uint64("session_id", id), zap.String("role", role.String()))
	return id, nil
}

// Lookup returns the live session for id, if the registry still holds
// it (it is removed once terminal).
func (r *Registry) Lookup(id uint64) (*session.Session, bool) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	return s, ok
}

// Len returns the number of sessions currently held across all
// shards. Intended for tests and diagnostics, not the hot path.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// EventKind tags the kind of host event Handle dispatches.
type EventKind int

const (
	EventSessionStart EventKind = iota
	EventRecv
	EventRecvBuffered
	EventClose
	EventTick
)

func (k EventKind) String() string {
	switch k {
	case EventSessionStart:
		return "session_start"
	case EventRecv:
		return "recv"
	case EventRecvBuffered:
		return "recv_buffered"
	case EventClose:
		return "close"
	case EventTick:
		return "tick"
	default:
		return "unknown"
	}
}

// Event is the concrete realization of spec.md §6's host-to-core
// events. Its wire form is deliberately not this type's concern (the
// host's own transport decodes into this, however it likes); Event
// only carries what Registry.Handle needs to act.
type Event struct {
	Kind      EventKind
	SessionID uint64
	Role      session.Role
	Bytes     []byte
	ElapsedMS int64
}

// Handle routes one host event to the registry or to the addressed
// session, reaping the session if the event left it terminal.
// cmd/enclavetlsd's demo does not go through Handle: it starts sessions
// with StartSession and feeds them with Session.Recv directly.
func (r *Registry) Handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventSessionStart:
		_, err := r.StartSession(ctx, ev.Role)
		return err

	case EventRecv:
		s, ok := r.Lookup(ev.SessionID)
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownSession, ev.SessionID)
		}
		s.Recv(ctx, ev.Bytes)
		r.reapIfTerminal(s)
		return nil

	case EventRecvBuffered:
		s, ok := r.Lookup(ev.SessionID)
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownSession, ev.SessionID)
		}
		s.RecvBuffered(ev.Bytes)
		r.reapIfTerminal(s)
		return nil

	case EventClose:
		s, ok := r.Lookup(ev.SessionID)
		if !ok {
			return nil // already gone: close is idempotent
		}
		s.Close()
		r.reapIfTerminal(s)
		return nil

	case EventTick:
		return r.Tick(ctx, ev.ElapsedMS)

	default:
		return fmt.Errorf("registry: unknown event kind %d", ev.Kind)
	}
}

// Tick passes the periodic tick to the dispatcher once, then fans it
// out across shards concurrently with errgroup, bounding each
// goroutine's lock hold to a snapshot of one shard's session list so
// the tick of one shard never blocks another. Session.Tick reports no
// error, so Tick always returns nil; a session reaching a terminal
// state during tick is reaped exactly like any other entry point.
func (r *Registry) Tick(ctx context.Context, elapsedMS int64) error {
	r.disp.Tick(elapsedMS)
	g, _ := errgroup.WithContext(ctx)
	for _, sh := range r.shards {
		sh := sh
		g.Go(func() error {
			sh.mu.RLock()
			live := make([]*session.Session, 0, len(sh.sessions))
			for _, s := range sh.sessions {
				live = append(live, s)
			}
			sh.mu.RUnlock()

			for _, s := range live {
				s.Tick(elapsedMS)
				r.reapIfTerminal(s)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Registry) reapIfTerminal(s *session.Session) {
	status := s.Status()
	if !status.Terminal() {
		return
	}

	sh := r.shardFor(s.ID())
	sh.mu.Lock()
	_, present := sh.sessions[s.ID()]
	delete(sh.sessions, s.ID())
	sh.mu.Unlock()

	if !present {
		return
	}
	r.metrics.liveSessions.WithLabelValues(s.Role().String()).Dec()
	r.metrics.terminalTransitions.WithLabelValues(status.String()).Inc()
}

// instrumentedHost decorates a session.HostChannel to count accepted
// outbound frames, without the session package (or the wrapped
// HostChannel implementation) needing any metrics awareness.
type instrumentedHost struct {
	next    session.HostChannel
	metrics *metrics
}

func (h *instrumentedHost) TryOutbound(sessionID uint64, payload []byte) bool {
	ok := h.next.TryOutbound(sessionID, payload)
	if ok {
		h.metrics.outboundFrames.Inc()
	}
	return ok
}

func (h *instrumentedHost) Closed(sessionID uint64)  { h.next.Closed(sessionID) }
func (h *instrumentedHost) Errored(sessionID uint64) { h.next.Errored(sessionID) }

// instrumentedDispatcher decorates a session.Dispatcher to count
// plaintext bytes delivered for processing.
type instrumentedDispatcher struct {
	next    session.Dispatcher
	metrics *metrics
}

func (d *instrumentedDispatcher) Process(ctx context.Context, sessionID uint64, request []byte) ([]byte, error) {
	d.metrics.decryptedBytes.Add(float64(len(request)))
	return d.next.Process(ctx, sessionID, request)
}

func (d *instrumentedDispatcher) ProcessConsensus(ctx context.Context, sessionID uint64, request []byte) ([]byte, []byte, error) {
	d.metrics.decryptedBytes.Add(float64(len(request)))
	return d.next.ProcessConsensus(ctx, sessionID, request)
}

func (d *instrumentedDispatcher) Tick(elapsedMS int64) { d.next.Tick(elapsedMS) }
