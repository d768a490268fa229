// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Scaratech/Mittens/pkg/filter"
	"github.com/Scaratech/Mittens/pkg/guard"
	"github.com/Scaratech/Mittens/pkg/handler"
	"github.com/Scaratech/Mittens/pkg/metrics"
	"github.com/Scaratech/Mittens/pkg/ratelimit"
	"github.com/Scaratech/Mittens/pkg/relay"
	"github.com/Scaratech/Mittens/pkg/transport/websocket"
	"github.com/Scaratech/Mittens/pkg/upstream"
	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
)

const sweepInterval = time.Minute

// Dialer opens the upstream leg of a session.
type Dialer interface {
	Dial(ctx context.Context) (relay.Conn, error)
}

// Config holds configuration for the Wisp proxy.
type Config struct {
	Host string
	Port string

	// Path restricts upgrades to one request path. Empty accepts any path.
	Path string

	TLSConfig       *tls.Config
	ShutdownTimeout time.Duration

	// TrustProxy takes the client address from ProxyHeader. An empty
	// ProxyHeader uses the common proxy headers.
	TrustProxy  bool
	ProxyHeader string

	// UpgradeLimit throttles upgrades per client address.
	UpgradeLimit ratelimit.Config
	// StreamLimit throttles CONNECTs within each session.
	StreamLimit ratelimit.Config

	// MaxPending bounds the client frames a session buffers. Zero uses
	// relay.DefaultMaxPending.
	MaxPending int

	// ReadLimit is the largest client message accepted. Zero uses
	// websocket.DefaultReadLimit.
	ReadLimit int64

	// LogRequests logs every HTTP request.
	LogRequests bool

	Logger *slog.Logger
}

// Deps are the collaborators shared by every session. Only Dialer is
// required.
type Deps struct {
	Dialer  Dialer
	Filter  *filter.Filter
	Guard   *guard.Guard
	Hooks   *handler.Hooks
	Metrics *metrics.Metrics
}

// Proxy accepts Wisp clients over websocket and relays each one to a fresh
// upstream connection.
type Proxy struct {
	cfg      Config
	deps     Deps
	upgrader gws.Upgrader
	upgrades *ratelimit.Limiter
	server   *http.Server
	sessions sync.WaitGroup
	logger   *slog.Logger
}

var _ http.Handler = (*Proxy)(nil)

// New creates a Wisp proxy.
func New(cfg Config, deps Deps) (*Proxy, error) {
	if deps.Dialer == nil {
		return nil, errors.New("proxy: upstream dialer is required")
	}
	if deps.Hooks == nil {
		deps.Hooks = handler.NewHooks()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	p := &Proxy{
		cfg:  cfg,
		deps: deps,
		upgrader: gws.Upgrader{
			// Wisp clients run in browsers on arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		upgrades: ratelimit.NewLimiter(cfg.UpgradeLimit, 0, 0),
		logger:   cfg.Logger,
	}

	var h http.Handler = p
	if cfg.LogRequests {
		h = requestlog.Wrap(h)
	}
	p.server = &http.Server{
		Addr:      net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:   h,
		TLSConfig: cfg.TLSConfig,
	}
	return p, nil
}

// ServeHTTP screens the upgrade request, dials the upstream and relays the
// session until either side closes.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.cfg.Path != "" && r.URL.Path != p.cfg.Path {
		http.NotFound(w, r)
		return
	}
	if !gws.IsWebSocketUpgrade(r) {
		http.Error(w, "expected websocket upgrade", http.StatusUpgradeRequired)
		return
	}

	// Registered before the hijack so that Shutdown cannot miss it.
	p.sessions.Add(1)
	defer p.sessions.Done()

	ctx := r.Context()
	hctx := &handler.Context{
		SessionID:  uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
		ClientIP:   guard.ClientIP(r, p.cfg.TrustProxy, p.cfg.ProxyHeader),
		UserAgent:  r.UserAgent(),
		Protocol:   "wisp",
	}

	if res := p.admit(hctx); !res.Allowed {
		p.logger.Info("upgrade rejected",
			slog.String("ip", hctx.ClientIP),
			slog.String("error", res.Err().Error()))
		if err := p.deps.Hooks.GuardBlocked(ctx, hctx, res.Reason); err != nil {
			p.logger.Error("guard blocked hook failed", slog.String("error", err.Error()))
		}
		if err := guard.Drop(w); err != nil {
			p.logger.Warn("failed to drop connection", slog.String("error", err.Error()))
		}
		return
	}

	up, err := p.deps.Dialer.Dial(ctx)
	if err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, upstream.ErrCircuitOpen) {
			code = http.StatusServiceUnavailable
		}
		http.Error(w, http.StatusText(code), code)
		return
	}

	ws, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		up.Close()
		p.logger.Error("failed to upgrade client connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	cfg := relay.Config{
		Filter:     p.deps.Filter,
		Hooks:      p.deps.Hooks,
		MaxPending: p.cfg.MaxPending,
		Logger:     p.logger,
	}
	if lim := ratelimit.NewStreamLimiter(p.cfg.StreamLimit); lim != nil {
		cfg.Throttle = lim
	}
	client := websocket.NewConn(ws)
	if p.cfg.ReadLimit > 0 {
		client.SetReadLimit(p.cfg.ReadLimit)
	}
	session := relay.NewSession(client, up, hctx, cfg)

	run := func() error { return session.Run(ctx) }
	if p.deps.Metrics != nil {
		err = p.deps.Metrics.ObserveSession(run)
	} else {
		err = run()
	}
	if err != nil {
		p.logger.Warn("session ended with error", slog.String("error", err.Error()))
	}
}

// admit applies the guard and the upgrade rate limit.
func (p *Proxy) admit(hctx *handler.Context) guard.Result {
	if p.deps.Guard != nil {
		if res := p.deps.Guard.Evaluate(hctx.ClientIP, hctx.UserAgent); !res.Allowed {
			return res
		}
	}
	if !p.upgrades.Allow(hctx.ClientIP) {
		return guard.Result{Reason: guard.ReasonRateLimited}
	}
	return guard.Result{Allowed: true}
}

// sweep evicts idle upgrade buckets until ctx is done.
func (p *Proxy) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.upgrades.Cleanup(); n > 0 {
				p.logger.Debug("evicted idle rate limit buckets", slog.Int("count", n))
			}
		}
	}
}

// Listen starts the proxy server and blocks until ctx is cancelled. Running
// sessions are closed on shutdown.
func (p *Proxy) Listen(ctx context.Context) error {
	l, err := net.Listen("tcp", p.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.server.Addr, err)
	}
	return p.Serve(ctx, l)
}

// Serve is Listen on an existing listener.
func (p *Proxy) Serve(ctx context.Context, l net.Listener) error {
	p.server.BaseContext = func(net.Listener) context.Context { return ctx }
	p.logger.Info("Wisp proxy started", slog.String("address", l.Addr().String()))

	if p.cfg.UpgradeLimit.Enabled() {
		go p.sweep(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if p.server.TLSConfig != nil {
			errCh <- p.server.ServeTLS(l, "", "")
		} else {
			errCh <- p.server.Serve(l)
		}
	}()

	select {
	case <-ctx.Done():
		p.logger.Info("shutdown signal received, closing Wisp proxy")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
		defer cancel()

		if err := p.server.Shutdown(shutdownCtx); err != nil {
			p.logger.Error("error during shutdown", slog.String("error", err.Error()))
			return err
		}

		// Hijacked connections are not tracked by Shutdown.
		done := make(chan struct{})
		go func() {
			p.sessions.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			p.logger.Warn("sessions still running after shutdown timeout")
		}

		p.logger.Info("Wisp proxy shutdown complete")
		return nil

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
