// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/Scaratech/Mittens/pkg/handler"
	"github.com/Scaratech/Mittens/pkg/upstream"
	"github.com/Scaratech/Mittens/pkg/wisp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveSession(t *testing.T) {
	m := New(prometheus.NewRegistry(), "test")

	if err := m.ObserveSession(func() error { return nil }); err != nil {
		t.Fatalf("ObserveSession() error = %v", err)
	}
	boom := errors.New("boom")
	if err := m.ObserveSession(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("ObserveSession() error = %v, want boom", err)
	}

	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("sessions ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("sessions error = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 0 {
		t.Errorf("active sessions = %v, want 0", got)
	}
}

func TestRegisterHooks(t *testing.T) {
	m := New(prometheus.NewRegistry(), "test")
	h := handler.NewHooks()
	m.Register(h)

	ctx := context.Background()
	hctx := &handler.Context{SessionID: "s1", Protocol: "wisp"}

	h.Packet(ctx, hctx, handler.Upstream, wisp.NewData(1, []byte("hello")))
	h.Packet(ctx, hctx, handler.Downstream, wisp.NewData(1, []byte("hi")))
	h.Packet(ctx, hctx, handler.Downstream, wisp.NewContinue(0, 64))
	h.Blocked(ctx, hctx, handler.Blocked{StreamID: 3, Reason: wisp.CloseHostBlocked, Cause: "port_blocked"})
	h.GuardBlocked(ctx, hctx, "ip_blocked")
	h.Malformed(ctx, hctx, handler.Upstream, []byte{0x02}, errors.New("short"))
	h.HandshakeFinished(ctx, hctx, wisp.V2, nil)
	h.PasswordAuth(ctx, hctx, handler.Upstream, wisp.PasswordAuthClient{Username: "u", Password: "p"})

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"data upstream packets", m.Packets.WithLabelValues("DATA", "upstream"), 1},
		{"continue packets", m.Packets.WithLabelValues("CONTINUE", "downstream"), 1},
		{"upstream bytes", m.Bytes.WithLabelValues("upstream"), 5},
		{"downstream bytes", m.Bytes.WithLabelValues("downstream"), 2},
		{"blocked streams", m.StreamsBlocked.WithLabelValues("port_blocked"), 1},
		{"guard blocked", m.GuardBlocked.WithLabelValues("ip_blocked"), 1},
		{"malformed", m.MalformedFrames.WithLabelValues("upstream"), 1},
		{"handshakes", m.Handshakes.WithLabelValues("2.0"), 1},
		{"password auth", m.AuthAttempts.WithLabelValues("password"), 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.c); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestObserveBreaker(t *testing.T) {
	m := New(prometheus.NewRegistry(), "")

	m.ObserveBreaker(upstream.StateClosed, upstream.StateOpen)
	m.ObserveBreaker(upstream.StateOpen, upstream.StateHalfOpen)

	if got := testutil.ToFloat64(m.CircuitBreakerState); got != float64(upstream.StateHalfOpen) {
		t.Errorf("breaker state = %v, want %v", got, float64(upstream.StateHalfOpen))
	}
	if got := testutil.ToFloat64(m.CircuitBreakerTrips); got != 1 {
		t.Errorf("breaker trips = %v, want 1", got)
	}
}
