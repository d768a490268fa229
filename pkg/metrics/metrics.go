// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for Mittens.
package metrics

import (
	"context"
	"time"

	"github.com/Scaratech/Mittens/pkg/handler"
	"github.com/Scaratech/Mittens/pkg/upstream"
	"github.com/Scaratech/Mittens/pkg/wisp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Mittens.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Wisp traffic
	Packets         *prometheus.CounterVec
	Bytes           *prometheus.CounterVec
	MalformedFrames *prometheus.CounterVec
	Handshakes      *prometheus.CounterVec

	// Policy decisions
	StreamsBlocked *prometheus.CounterVec
	GuardBlocked   *prometheus.CounterVec

	// Auth metrics
	AuthAttempts *prometheus.CounterVec

	// Upstream circuit breaker
	CircuitBreakerState prometheus.Gauge
	CircuitBreakerTrips prometheus.Counter
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "mittens"
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of currently relayed Wisp sessions",
		}),
		SessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of relayed sessions",
		}, []string{"status"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session duration in seconds",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}),
		Packets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Total number of relayed Wisp packets",
		}, []string{"type", "direction"}),
		Bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_bytes_total",
			Help:      "Total number of stream payload bytes in DATA packets",
		}, []string{"direction"}),
		MalformedFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Total number of frames that could not be decoded",
		}, []string{"direction"}),
		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total number of completed handshakes by protocol version",
		}, []string{"version"}),
		StreamsBlocked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_blocked_total",
			Help:      "Total number of denied CONNECT packets",
		}, []string{"cause"}),
		GuardBlocked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_blocked_total",
			Help:      "Total number of upgrade requests dropped before the handshake",
		}, []string{"reason"}),
		AuthAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Total number of client authentication records",
		}, []string{"type"}),
		CircuitBreakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Upstream circuit breaker state (0=closed, 1=half_open, 2=open)",
		}),
		CircuitBreakerTrips: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of upstream circuit breaker trips",
		}),
	}
}

// ObserveSession tracks a session lifecycle around run.
func (m *Metrics) ObserveSession(run func() error) error {
	m.ActiveSessions.Inc()
	defer m.ActiveSessions.Dec()

	start := time.Now()
	defer func() {
		m.SessionDuration.Observe(time.Since(start).Seconds())
	}()

	err := run()
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SessionsTotal.WithLabelValues(status).Inc()

	return err
}

// ObserveBreaker records an upstream circuit breaker transition.
func (m *Metrics) ObserveBreaker(from, to upstream.State) {
	m.CircuitBreakerState.Set(float64(to))
	if to == upstream.StateOpen {
		m.CircuitBreakerTrips.Inc()
	}
}

// Register subscribes the metrics to session events.
func (m *Metrics) Register(h *handler.Hooks) {
	h.OnPacket(func(ctx context.Context, hctx *handler.Context, dir handler.Direction, pkt *wisp.Packet) error {
		m.Packets.WithLabelValues(pkt.Type.String(), dir.String()).Inc()
		if d := pkt.Data(); d != nil {
			m.Bytes.WithLabelValues(dir.String()).Add(float64(len(d.Data)))
		}
		return nil
	})
	h.OnBlocked(func(ctx context.Context, hctx *handler.Context, b handler.Blocked) error {
		m.StreamsBlocked.WithLabelValues(b.Cause).Inc()
		return nil
	})
	h.OnGuardBlocked(func(ctx context.Context, hctx *handler.Context, reason string) error {
		m.GuardBlocked.WithLabelValues(reason).Inc()
		return nil
	})
	h.OnMalformed(func(ctx context.Context, hctx *handler.Context, dir handler.Direction, raw []byte, err error) error {
		m.MalformedFrames.WithLabelValues(dir.String()).Inc()
		return nil
	})
	h.OnHandshakeFinished(func(ctx context.Context, hctx *handler.Context, v wisp.Version, exts []wisp.Extension) error {
		m.Handshakes.WithLabelValues(v.String()).Inc()
		return nil
	})
	h.OnPasswordAuth(func(ctx context.Context, hctx *handler.Context, dir handler.Direction, c wisp.PasswordAuthClient) error {
		m.AuthAttempts.WithLabelValues("password").Inc()
		return nil
	})
	h.OnKeyAuthResponse(func(ctx context.Context, hctx *handler.Context, dir handler.Direction, r wisp.KeyAuthClient) error {
		m.AuthAttempts.WithLabelValues("key").Inc()
		return nil
	})
}
