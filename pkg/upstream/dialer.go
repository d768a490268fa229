// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package upstream dials the Wisp server that client sessions are relayed to.
package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	mperrors "github.com/Scaratech/Mittens/pkg/errors"
	"github.com/Scaratech/Mittens/pkg/relay"
	"github.com/Scaratech/Mittens/pkg/transport/websocket"
	gws "github.com/gorilla/websocket"
)

// Config configures the upstream dialer.
type Config struct {
	// URL is the ws:// or wss:// address of the Wisp server.
	URL string

	// HandshakeTimeout bounds the websocket handshake. Zero means 10s.
	HandshakeTimeout time.Duration

	// TLSConfig is used for wss:// upstreams.
	TLSConfig *tls.Config

	Breaker BreakerConfig
	Logger  *slog.Logger
}

// Dialer opens one upstream leg per client session.
type Dialer struct {
	target  *url.URL
	dialer  *gws.Dialer
	breaker *Breaker
	logger  *slog.Logger
}

// NewDialer validates the upstream URL and creates a dialer.
func NewDialer(cfg Config) (*Dialer, error) {
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse upstream URL: %w", err)
	}
	if target.Scheme != "ws" && target.Scheme != "wss" {
		return nil, fmt.Errorf("upstream URL %q: scheme must be ws or wss", cfg.URL)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Dialer{
		target: target,
		dialer: &gws.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			TLSClientConfig:  cfg.TLSConfig,
		},
		breaker: NewBreaker(cfg.Breaker),
		logger:  cfg.Logger,
	}, nil
}

// Breaker returns the circuit breaker guarding the upstream.
func (d *Dialer) Breaker() *Breaker {
	return d.breaker
}

// URL returns the upstream address.
func (d *Dialer) URL() string {
	return d.target.String()
}

// Dial connects to the upstream server. Failures wrap
// ErrUpstreamUnavailable; an open circuit returns ErrCircuitOpen without
// dialing.
func (d *Dialer) Dial(ctx context.Context) (relay.Conn, error) {
	var conn relay.Conn
	err := d.breaker.Do(func() error {
		ws, resp, err := d.dialer.DialContext(ctx, d.target.String(), nil)
		if err != nil {
			if resp != nil {
				return fmt.Errorf("%w: %w (status %d)", mperrors.ErrUpstreamUnavailable, err, resp.StatusCode)
			}
			return fmt.Errorf("%w: %w", mperrors.ErrUpstreamUnavailable, err)
		}
		conn = websocket.NewConn(ws)
		return nil
	})
	if err != nil {
		d.logger.Warn("upstream dial failed",
			slog.String("target", d.target.String()),
			slog.String("error", err.Error()))
		return nil, err
	}

	d.logger.Debug("connected to upstream", slog.String("target", d.target.String()))
	return conn, nil
}
