// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package audit writes one structured record per relay event.
package audit

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/Scaratech/Mittens/pkg/handler"
	"github.com/Scaratech/Mittens/pkg/wisp"
)

// Action names select which events are recorded.
const (
	ActionConnection   = "connection"
	ActionError        = "error"
	ActionConnect      = "CONNECT"
	ActionData         = "DATA"
	ActionInfo         = "INFO"
	ActionBlocked      = "blocked"
	ActionGuardBlocked = "guardBlocked"
	ActionPasswordAuth = "passwordAuth"
	ActionKeyAuth      = "keyAuth"
	// ActionAll records every event, including CONTINUE and CLOSE packets
	// and the negotiated protocol version.
	ActionAll = "*"
)

// Config selects what is recorded.
type Config struct {
	Actions []string
	// LogIP adds the client address to every record.
	LogIP bool
}

// Auditor records relay events to a logger.
type Auditor struct {
	logger  *slog.Logger
	actions map[string]bool
	logIP   bool
}

// New creates an auditor writing to logger.
func New(cfg Config, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	actions := make(map[string]bool, len(cfg.Actions))
	for _, a := range cfg.Actions {
		actions[a] = true
	}

	return &Auditor{
		logger:  logger,
		actions: actions,
		logIP:   cfg.LogIP,
	}
}

func (a *Auditor) enabled(action string) bool {
	return a.actions[ActionAll] || a.actions[action]
}

func (a *Auditor) record(ctx context.Context, hctx *handler.Context, action string, attrs ...slog.Attr) {
	if !a.enabled(action) {
		return
	}
	base := []slog.Attr{
		slog.String("action", action),
		slog.String("session", hctx.SessionID),
	}
	if a.logIP {
		base = append(base, slog.String("ip", hctx.ClientIP))
	}
	a.logger.LogAttrs(ctx, slog.LevelInfo, "audit", append(base, attrs...)...)
}

// Register subscribes the auditor to every event it may record.
func (a *Auditor) Register(h *handler.Hooks) {
	h.OnConnectionOpen(func(ctx context.Context, hctx *handler.Context) error {
		a.record(ctx, hctx, ActionConnection,
			slog.String("event", "connected"),
			slog.String("user_agent", userAgent(hctx)))
		return nil
	})
	h.OnConnectionClose(func(ctx context.Context, hctx *handler.Context) error {
		a.record(ctx, hctx, ActionConnection, slog.String("event", "disconnected"))
		return nil
	})
	h.OnGuardBlocked(func(ctx context.Context, hctx *handler.Context, reason string) error {
		a.record(ctx, hctx, ActionGuardBlocked,
			slog.String("reason", reason),
			slog.String("user_agent", userAgent(hctx)))
		return nil
	})
	h.OnBlocked(func(ctx context.Context, hctx *handler.Context, b handler.Blocked) error {
		a.record(ctx, hctx, ActionBlocked,
			slog.Uint64("stream", uint64(b.StreamID)),
			slog.String("host", b.Connect.Host),
			slog.Int("port", int(b.Connect.Port)),
			slog.String("type", b.Connect.StreamType.String()),
			slog.String("cause", b.Cause),
			slog.String("reason", fmt.Sprintf("0x%02x", uint8(b.Reason))),
			slog.String("reason_text", b.Reason.String()))
		return nil
	})
	h.OnConnect(func(ctx context.Context, hctx *handler.Context, streamID uint32, c *wisp.ConnectPayload) error {
		a.record(ctx, hctx, ActionConnect,
			slog.Uint64("stream", uint64(streamID)),
			slog.String("host", c.Host),
			slog.Int("port", int(c.Port)),
			slog.String("type", c.StreamType.String()))
		return nil
	})

	data := func(ctx context.Context, hctx *handler.Context, dir handler.Direction, pkt *wisp.Packet) error {
		a.record(ctx, hctx, ActionData,
			slog.Uint64("stream", uint64(pkt.StreamID)),
			slog.String("direction", dir.String()),
			slog.Int("length", len(pkt.Data().Data)))
		return nil
	}
	h.OnDataSent(data)
	h.OnDataReceived(data)

	info := func(ctx context.Context, hctx *handler.Context, dir handler.Direction, pkt *wisp.Packet) error {
		p := pkt.Info()
		a.record(ctx, hctx, ActionInfo,
			slog.String("direction", dir.String()),
			slog.String("version", p.Version.String()),
			extensionsAttr(p.Extensions))
		return nil
	}
	h.OnInfoSent(info)
	h.OnInfoReceived(info)

	h.OnContinue(func(ctx context.Context, hctx *handler.Context, dir handler.Direction, pkt *wisp.Packet) error {
		a.record(ctx, hctx, ActionAll,
			slog.String("event", "continue"),
			slog.Uint64("stream", uint64(pkt.StreamID)),
			slog.String("direction", dir.String()),
			slog.Uint64("remaining", uint64(pkt.Continue().Remaining)))
		return nil
	})
	h.OnClose(func(ctx context.Context, hctx *handler.Context, dir handler.Direction, pkt *wisp.Packet) error {
		reason := pkt.Close().Reason
		a.record(ctx, hctx, ActionAll,
			slog.String("event", "close"),
			slog.Uint64("stream", uint64(pkt.StreamID)),
			slog.String("direction", dir.String()),
			slog.String("reason", fmt.Sprintf("0x%02x", uint8(reason))),
			slog.String("reason_text", reason.String()))
		return nil
	})
	h.OnHandshakeFinished(func(ctx context.Context, hctx *handler.Context, v wisp.Version, exts []wisp.Extension) error {
		a.record(ctx, hctx, ActionAll,
			slog.String("event", "wisp_version_detected"),
			slog.String("version", v.String()),
			slog.Int("extension_count", len(exts)))
		return nil
	})

	h.OnPasswordAuth(func(ctx context.Context, hctx *handler.Context, dir handler.Direction, c wisp.PasswordAuthClient) error {
		a.record(ctx, hctx, ActionPasswordAuth,
			slog.String("username", c.Username),
			slog.Int("password_length", len(c.Password)))
		return nil
	})
	h.OnKeyAuthChallenge(func(ctx context.Context, hctx *handler.Context, dir handler.Direction, c wisp.KeyAuthServer) error {
		a.record(ctx, hctx, ActionKeyAuth,
			slog.String("type", "challenge_received"),
			slog.String("algorithms", fmt.Sprintf("0b%08b", c.Algorithms)),
			slog.Int("challenge_length", len(c.Challenge)))
		return nil
	})
	h.OnKeyAuthResponse(func(ctx context.Context, hctx *handler.Context, dir handler.Direction, r wisp.KeyAuthClient) error {
		a.record(ctx, hctx, ActionKeyAuth,
			slog.String("type", "response_sent"),
			slog.String("algorithm", fmt.Sprintf("0b%08b", r.Algorithm)),
			slog.String("public_key_hash", hex.EncodeToString(r.PublicKeyHash[:])),
			slog.Int("signature_length", len(r.Signature)))
		return nil
	})

	h.OnMalformed(func(ctx context.Context, hctx *handler.Context, dir handler.Direction, raw []byte, err error) error {
		attrs := []slog.Attr{
			slog.String("direction", dir.String()),
			slog.String("error", err.Error()),
			slog.Int("length", len(raw)),
		}
		if a.enabled(ActionAll) {
			attrs = append(attrs, slog.String("raw", hex.EncodeToString(raw)))
		}
		a.record(ctx, hctx, ActionError, attrs...)
		return nil
	})
}

func userAgent(hctx *handler.Context) string {
	if hctx.UserAgent == "" {
		return "unknown"
	}
	return hctx.UserAgent
}

func extensionsAttr(exts []wisp.Extension) slog.Attr {
	attrs := []any{
		slog.Bool("udp", wisp.HasExtension(exts, wisp.ExtUDP)),
		slog.Bool("password_auth", wisp.HasExtension(exts, wisp.ExtPasswordAuth)),
		slog.Bool("key_auth", wisp.HasExtension(exts, wisp.ExtKeyAuth)),
		slog.Bool("motd", wisp.HasExtension(exts, wisp.ExtServerMOTD)),
		slog.Bool("stream_open_confirmation", wisp.HasExtension(exts, wisp.ExtStreamOpenConfirmation)),
	}
	for _, ext := range exts {
		if m, ok := ext.(wisp.ServerMOTD); ok {
			attrs = append(attrs, slog.String("motd_message", m.Message))
		}
	}
	return slog.Group("extensions", attrs...)
}
