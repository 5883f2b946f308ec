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

package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "enclavetls"
	metricsSubsystem = "registry"
)

// metrics is the collection of Prometheus instruments a Registry
// reports on. It is scoped to a prometheus.Registerer supplied by the
// caller rather than registered globally, the same way the teacher
// scopes admin metrics to a per-Context registry, so multiple Registry
// instances (e.g. one per test) never collide on metric names.
type metrics struct {
	liveSessions        *prometheus.GaugeVec
	sessionsStarted     prometheus.Counter
	sessionsRejected    prometheus.Counter
	outboundFrames      prometheus.Counter
	decryptedBytes      prometheus.Counter
	terminalTransitions *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		liveSessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "live_sessions",
			Help:      "Number of non-terminal sessions currently held by the registry, by role.",
		}, []string{"role"}),
		sessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "sessions_started_total",
			Help:      "Total sessions admitted by the rate limiter and registered.",
		}),
		sessionsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "sessions_rejected_total",
			Help:      "Total session_start events rejected by the admission-control rate limiter.",
		}),
		outboundFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "outbound_frames_total",
			Help:      "Total tls_outbound frames accepted by the host channel.",
		}),
		decryptedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "decrypted_bytes_total",
			Help:      "Total plaintext bytes delivered to the dispatcher.",
		}),
		terminalTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "terminal_transitions_total",
			Help:      "Total sessions reaped, by the terminal status they reached.",
		}, []string{"status"}),
	}
}
