// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	mperrors "github.com/Scaratech/Mittens/pkg/errors"
	"github.com/Scaratech/Mittens/pkg/filter"
	"github.com/Scaratech/Mittens/pkg/handler"
	"github.com/Scaratech/Mittens/pkg/wisp"
	"github.com/jpillora/sizestr"
	"golang.org/x/sync/errgroup"
)

// Config holds the collaborators of a session.
type Config struct {
	// Filter screens client CONNECTs. Nil admits every destination.
	Filter *filter.Filter

	// Hooks receives session events. Nil means no observers.
	Hooks *handler.Hooks

	// Throttle limits stream creation. Nil disables throttling.
	Throttle Limiter

	// MaxPending bounds the client frames queued or in flight. Reading from
	// the client pauses while the bound is reached. Zero means
	// DefaultMaxPending.
	MaxPending int

	Logger *slog.Logger
}

// Session relays Wisp traffic between one client and one upstream server.
type Session struct {
	client   Conn
	upstream Conn
	hctx     *handler.Context
	filter   *filter.Filter
	hooks    *handler.Hooks
	throttle Limiter
	logger   *slog.Logger

	state  *State
	queues *streamQueues

	closeOnce sync.Once
	sent      atomic.Int64
	received  atomic.Int64
}

// NewSession creates a session over an established client and upstream leg.
func NewSession(client, upstream Conn, hctx *handler.Context, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hooks == nil {
		cfg.Hooks = handler.NewHooks()
	}
	if hctx == nil {
		hctx = &handler.Context{Protocol: "wisp"}
	}

	return &Session{
		client:   client,
		upstream: upstream,
		hctx:     hctx,
		filter:   cfg.Filter,
		hooks:    cfg.Hooks,
		throttle: cfg.Throttle,
		logger: cfg.Logger.With(
			slog.String("session", hctx.SessionID),
			slog.String("remote", hctx.RemoteAddr)),
		state:  &State{},
		queues: newStreamQueues(cfg.MaxPending),
	}
}

// State returns the negotiated protocol state.
func (s *Session) State() *State {
	return s.state
}

// Run relays until either leg closes or ctx is cancelled, then closes both
// legs. It returns nil when a leg was closed normally and an error wrapping
// ErrTransportFailure otherwise.
func (s *Session) Run(ctx context.Context) error {
	if err := s.hooks.ConnectionOpen(ctx, s.hctx); err != nil {
		s.logger.Error("connection open hook failed", slog.String("error", err.Error()))
	}
	s.logger.Debug("session started")

	g, gctx := errgroup.WithContext(ctx)

	// Closing both legs unblocks the other reader once the first one fails,
	// after the group has recorded that first error.
	stop := context.AfterFunc(gctx, s.closeLegs)
	defer stop()

	// Upstream: client → Wisp server
	g.Go(func() error {
		return s.readClient(gctx)
	})

	// Downstream: Wisp server → client
	g.Go(func() error {
		return s.readUpstream(gctx)
	})

	err := g.Wait()
	s.queues.wait()

	if herr := s.hooks.ConnectionClose(context.WithoutCancel(ctx), s.hctx); herr != nil {
		s.logger.Error("connection close hook failed", slog.String("error", herr.Error()))
	}

	s.logger.Debug("session closed",
		slog.String("version", s.state.Version().String()),
		slog.String("sent", sizestr.ToString(s.sent.Load())),
		slog.String("received", sizestr.ToString(s.received.Load())))

	if err == nil || isClosed(err) || errors.Is(err, context.Canceled) {
		return nil
	}
	return mperrors.New("relay", s.hctx.SessionID, s.hctx.RemoteAddr,
		fmt.Errorf("%w: %w", mperrors.ErrTransportFailure, err))
}

func (s *Session) closeLegs() {
	s.closeOnce.Do(func() {
		s.client.Close()
		s.upstream.Close()
	})
}

// readClient decodes client frames and queues them per stream.
func (s *Session) readClient(ctx context.Context) error {
	for {
		raw, err := s.client.ReadMessage()
		if err != nil {
			return err
		}
		s.sent.Add(int64(len(raw)))

		pkt, err := wisp.Decode(raw)
		if err != nil {
			s.malformed(ctx, handler.Upstream, raw, err)
			continue
		}

		err = s.queues.enqueue(ctx, pkt.StreamID, func() {
			s.handleClient(ctx, pkt)
		})
		if err != nil {
			return err
		}
	}
}

// readUpstream decodes server frames and forwards them in arrival order.
func (s *Session) readUpstream(ctx context.Context) error {
	for {
		raw, err := s.upstream.ReadMessage()
		if err != nil {
			return err
		}
		s.received.Add(int64(len(raw)))

		pkt, err := wisp.Decode(raw)
		if err != nil {
			s.malformed(ctx, handler.Downstream, raw, err)
			continue
		}

		s.handleUpstream(ctx, pkt)
	}
}

func (s *Session) handleClient(ctx context.Context, pkt *wisp.Packet) {
	out, err := s.process(ctx, handler.Upstream, pkt)
	if err != nil {
		s.logger.Error("dropping client packet",
			slog.String("packet", pkt.String()),
			slog.String("error", err.Error()))
		return
	}
	if out == nil {
		return
	}

	if out.Type == wisp.TypeInfo {
		if s.state.Synthetic() {
			s.logger.Debug("client INFO not forwarded, handshake already answered")
			return
		}
		s.send(s.upstream, out)
		s.handshakeFinished(ctx)
		return
	}

	s.send(s.upstream, out)
}

func (s *Session) handleUpstream(ctx context.Context, pkt *wisp.Packet) {
	class, first := s.state.classify(pkt)
	if first {
		s.logger.Debug("upstream classified", slog.String("class", class.String()))
	}

	out, err := s.process(ctx, handler.Downstream, pkt)
	if err != nil {
		s.logger.Error("dropping upstream packet",
			slog.String("packet", pkt.String()),
			slog.String("error", err.Error()))
		return
	}

	if first {
		switch class {
		case ClassifiedV2:
			if !s.state.AuthRequired() {
				s.synthesizeInfo(ctx)
			}
		case ClassifiedV1:
			s.handshakeFinished(ctx)
		}
	}

	if out != nil {
		s.send(s.client, out)
	}
}

// synthesizeInfo answers the server INFO on behalf of the client, so that
// the server can accept streams before the client has spoken.
func (s *Session) synthesizeInfo(ctx context.Context) {
	var exts []wisp.Extension
	if s.state.UDPSupported() {
		exts = append(exts, wisp.UDP{})
	}
	s.state.markSynthetic()

	out, err := s.process(ctx, handler.Upstream, wisp.NewInfo(wisp.V2, exts...))
	if err != nil {
		s.logger.Error("dropping synthesized INFO", slog.String("error", err.Error()))
		return
	}
	s.send(s.upstream, out)
	s.handshakeFinished(ctx)
}

func (s *Session) handshakeFinished(ctx context.Context) {
	if !s.state.finishHandshake() {
		return
	}
	if err := s.hooks.HandshakeFinished(ctx, s.hctx, s.state.Version(), s.state.Extensions()); err != nil {
		s.logger.Error("handshake hook failed", slog.String("error", err.Error()))
	}
}

func (s *Session) malformed(ctx context.Context, dir handler.Direction, raw []byte, err error) {
	s.logger.Warn("malformed frame",
		slog.String("direction", dir.String()),
		slog.Int("length", len(raw)),
		slog.String("error", err.Error()))

	if herr := s.hooks.Malformed(ctx, s.hctx, dir, raw, err); herr != nil {
		s.logger.Error("malformed hook failed", slog.String("error", herr.Error()))
	}
}

// send encodes and writes pkt. Writes to a closed leg are dropped; any other
// write failure tears the session down.
func (s *Session) send(c Conn, pkt *wisp.Packet) {
	err := c.WriteMessage(wisp.Encode(pkt))
	if err == nil {
		return
	}
	if isClosed(err) {
		s.logger.Debug("dropped packet for closed leg", slog.String("packet", pkt.String()))
		return
	}
	s.logger.Warn("write failed, closing session", slog.String("error", err.Error()))
	s.closeLegs()
}
