// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"log/slog"

	mperrors "github.com/Scaratech/Mittens/pkg/errors"
	"github.com/Scaratech/Mittens/pkg/filter"
	"github.com/Scaratech/Mittens/pkg/handler"
	"github.com/Scaratech/Mittens/pkg/wisp"
)

// Denial causes raised by the relay itself.
const (
	CauseThrottled = "throttled"
	CauseHook      = "hook"
)

// process runs pkt through the pipeline. A nil packet with a nil error means
// the packet was consumed (a denied CONNECT).
func (s *Session) process(ctx context.Context, dir handler.Direction, pkt *wisp.Packet) (*wisp.Packet, error) {
	if dir == handler.Upstream && pkt.Type == wisp.TypeConnect {
		ok, err := s.admit(ctx, pkt)
		if err != nil || !ok {
			return nil, err
		}
	}

	if info := pkt.Info(); info != nil {
		if err := s.authEvents(ctx, dir, info); err != nil {
			return nil, err
		}
		if dir == handler.Downstream {
			s.state.recordInfo(info)
		}
	}

	if err := s.hooks.Packet(ctx, s.hctx, dir, pkt); err != nil {
		return nil, err
	}
	return pkt, nil
}

// admit applies the filter, the throttle and the CONNECT hooks. A denied
// stream is answered with a CLOSE to the client.
func (s *Session) admit(ctx context.Context, pkt *wisp.Packet) (bool, error) {
	c := pkt.Connect()

	if res := s.evaluate(ctx, c); !res.Allowed {
		s.block(ctx, pkt.StreamID, c, res.Reason, res.Cause, res.Err())
		return false, nil
	}

	if s.throttle != nil && !s.throttle.Allow() {
		s.block(ctx, pkt.StreamID, c, wisp.CloseThrottled, CauseThrottled, mperrors.ErrThrottled)
		return false, nil
	}

	before := *c
	if err := s.hooks.Connect(ctx, s.hctx, pkt.StreamID, c); err != nil {
		if errors.Is(err, handler.ErrBlocked) {
			s.block(ctx, pkt.StreamID, c, wisp.CloseHostBlocked, CauseHook, err)
			return false, nil
		}
		return false, err
	}

	// A hook rewrote the destination; screen the new one too.
	if *c != before {
		if res := s.evaluate(ctx, c); !res.Allowed {
			s.block(ctx, pkt.StreamID, c, res.Reason, res.Cause, res.Err())
			return false, nil
		}
	}
	return true, nil
}

func (s *Session) evaluate(ctx context.Context, c *wisp.ConnectPayload) filter.Result {
	if s.filter == nil {
		return filter.Result{Allowed: true}
	}
	return s.filter.Evaluate(ctx, c)
}

func (s *Session) block(ctx context.Context, streamID uint32, c *wisp.ConnectPayload, reason wisp.CloseReason, cause string, err error) {
	s.logger.Info("stream blocked",
		slog.Uint64("stream", uint64(streamID)),
		slog.String("host", c.Host),
		slog.Int("port", int(c.Port)),
		slog.String("type", c.StreamType.String()),
		slog.String("cause", cause),
		slog.String("error", err.Error()))

	s.send(s.client, wisp.NewClose(streamID, reason))

	b := handler.Blocked{
		StreamID: streamID,
		Connect:  *c,
		Reason:   reason,
		Cause:    cause,
	}
	if err := s.hooks.Blocked(ctx, s.hctx, b); err != nil {
		s.logger.Error("blocked hook failed", slog.String("error", err.Error()))
	}
}

// authEvents reports the authentication records carried by an INFO.
func (s *Session) authEvents(ctx context.Context, dir handler.Direction, info *wisp.InfoPayload) error {
	for _, ext := range info.Extensions {
		var err error
		switch e := ext.(type) {
		case wisp.PasswordAuthClient:
			err = s.hooks.PasswordAuth(ctx, s.hctx, dir, e)
		case wisp.KeyAuthServer:
			err = s.hooks.KeyAuthChallenge(ctx, s.hctx, dir, e)
		case wisp.KeyAuthClient:
			err = s.hooks.KeyAuthResponse(ctx, s.hctx, dir, e)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
