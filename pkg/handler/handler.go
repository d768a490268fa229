// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
	"sync"

	"github.com/Scaratech/Mittens/pkg/wisp"
)

// ErrBlocked is returned by a Connect hook to veto a stream. The relay
// answers the client with a CLOSE carrying wisp.CloseHostBlocked.
var ErrBlocked = errors.New("connect vetoed by hook")

// Direction indicates the direction of packet flow.
type Direction int

const (
	// Upstream represents packets flowing from client to the Wisp server.
	Upstream Direction = iota

	// Downstream represents packets flowing from the Wisp server to client.
	Downstream
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}

// Context contains connection metadata. It is filled in before the session
// starts and is read-only afterwards.
type Context struct {
	// SessionID is a unique identifier for this connection
	SessionID string

	// RemoteAddr is the peer address of the upgrade request
	RemoteAddr string

	// ClientIP is the client address, taken from proxy headers when trusted
	ClientIP string

	// UserAgent of the upgrade request
	UserAgent string

	// Protocol is always "wisp" for relayed sessions
	Protocol string
}

// Blocked describes a CONNECT that was denied.
type Blocked struct {
	StreamID uint32
	Connect  wisp.ConnectPayload
	Reason   wisp.CloseReason
	// Cause names the check or hook that denied the stream.
	Cause string
}

// Hook signatures.
type (
	ConnFunc             func(ctx context.Context, hctx *Context) error
	GuardBlockedFunc     func(ctx context.Context, hctx *Context, reason string) error
	BlockedFunc          func(ctx context.Context, hctx *Context, b Blocked) error
	ConnectFunc          func(ctx context.Context, hctx *Context, streamID uint32, c *wisp.ConnectPayload) error
	PacketFunc           func(ctx context.Context, hctx *Context, dir Direction, pkt *wisp.Packet) error
	PasswordAuthFunc     func(ctx context.Context, hctx *Context, dir Direction, creds wisp.PasswordAuthClient) error
	KeyAuthChallengeFunc func(ctx context.Context, hctx *Context, dir Direction, challenge wisp.KeyAuthServer) error
	KeyAuthResponseFunc  func(ctx context.Context, hctx *Context, dir Direction, resp wisp.KeyAuthClient) error
	HandshakeFunc        func(ctx context.Context, hctx *Context, version wisp.Version, extensions []wisp.Extension) error
	MalformedFunc        func(ctx context.Context, hctx *Context, dir Direction, raw []byte, err error) error
)

// Hooks is the observer dispatch table. Each event kind keeps its own
// ordered list. Dispatch invokes hooks synchronously in registration order
// and stops at the first error, which is returned to the caller.
//
// Registration is safe while sessions are running; a dispatch in progress
// keeps the list it started with.
type Hooks struct {
	mu sync.RWMutex

	connectionOpen    []ConnFunc
	connectionClose   []ConnFunc
	guardBlocked      []GuardBlockedFunc
	blocked           []BlockedFunc
	connect           []ConnectFunc
	dataSent          []PacketFunc
	dataReceived      []PacketFunc
	continues         []PacketFunc
	closes            []PacketFunc
	infoSent          []PacketFunc
	infoReceived      []PacketFunc
	packet            []PacketFunc
	passwordAuth      []PasswordAuthFunc
	keyAuthChallenge  []KeyAuthChallengeFunc
	keyAuthResponse   []KeyAuthResponseFunc
	handshakeFinished []HandshakeFunc
	malformed         []MalformedFunc
}

// NewHooks returns an empty dispatch table.
func NewHooks() *Hooks {
	return &Hooks{}
}

func register[F any](h *Hooks, list *[]F, fn F) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*list = append(*list, fn)
}

func snapshot[F any](h *Hooks, list *[]F) []F {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return *list
}

// OnConnectionOpen registers a hook fired once the relay session starts.
func (h *Hooks) OnConnectionOpen(fn ConnFunc) { register(h, &h.connectionOpen, fn) }

// OnConnectionClose registers a hook fired after both legs are closed.
func (h *Hooks) OnConnectionClose(fn ConnFunc) { register(h, &h.connectionClose, fn) }

// OnGuardBlocked registers a hook fired when an upgrade request is rejected.
func (h *Hooks) OnGuardBlocked(fn GuardBlockedFunc) { register(h, &h.guardBlocked, fn) }

// OnBlocked registers a hook fired when a CONNECT is denied.
func (h *Hooks) OnBlocked(fn BlockedFunc) { register(h, &h.blocked, fn) }

// OnConnect registers a CONNECT hook. The hook may rewrite the payload
// through the pointer, or return ErrBlocked to deny the stream.
func (h *Hooks) OnConnect(fn ConnectFunc) { register(h, &h.connect, fn) }

// OnDataSent registers a hook for DATA flowing upstream.
func (h *Hooks) OnDataSent(fn PacketFunc) { register(h, &h.dataSent, fn) }

// OnDataReceived registers a hook for DATA flowing downstream.
func (h *Hooks) OnDataReceived(fn PacketFunc) { register(h, &h.dataReceived, fn) }

// OnContinue registers a hook for CONTINUE packets.
func (h *Hooks) OnContinue(fn PacketFunc) { register(h, &h.continues, fn) }

// OnClose registers a hook for CLOSE packets.
func (h *Hooks) OnClose(fn PacketFunc) { register(h, &h.closes, fn) }

// OnInfoSent registers a hook for INFO flowing upstream.
func (h *Hooks) OnInfoSent(fn PacketFunc) { register(h, &h.infoSent, fn) }

// OnInfoReceived registers a hook for INFO flowing downstream.
func (h *Hooks) OnInfoReceived(fn PacketFunc) { register(h, &h.infoReceived, fn) }

// OnPacket registers a catch-all hook, fired after the type-specific ones.
func (h *Hooks) OnPacket(fn PacketFunc) { register(h, &h.packet, fn) }

// OnPasswordAuth registers a hook for client credentials seen in an INFO.
func (h *Hooks) OnPasswordAuth(fn PasswordAuthFunc) { register(h, &h.passwordAuth, fn) }

// OnKeyAuthChallenge registers a hook for server key auth challenges.
func (h *Hooks) OnKeyAuthChallenge(fn KeyAuthChallengeFunc) {
	register(h, &h.keyAuthChallenge, fn)
}

// OnKeyAuthResponse registers a hook for client key auth responses.
func (h *Hooks) OnKeyAuthResponse(fn KeyAuthResponseFunc) { register(h, &h.keyAuthResponse, fn) }

// OnHandshakeFinished registers a hook fired once the protocol version of a
// session is known.
func (h *Hooks) OnHandshakeFinished(fn HandshakeFunc) { register(h, &h.handshakeFinished, fn) }

// OnMalformed registers a hook for frames that failed to decode.
func (h *Hooks) OnMalformed(fn MalformedFunc) { register(h, &h.malformed, fn) }

func (h *Hooks) ConnectionOpen(ctx context.Context, hctx *Context) error {
	for _, fn := range snapshot(h, &h.connectionOpen) {
		if err := fn(ctx, hctx); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hooks) ConnectionClose(ctx context.Context, hctx *Context) error {
	for _, fn := range snapshot(h, &h.connectionClose) {
		if err := fn(ctx, hctx); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hooks) GuardBlocked(ctx context.Context, hctx *Context, reason string) error {
	for _, fn := range snapshot(h, &h.guardBlocked) {
		if err := fn(ctx, hctx, reason); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hooks) Blocked(ctx context.Context, hctx *Context, b Blocked) error {
	for _, fn := range snapshot(h, &h.blocked) {
		if err := fn(ctx, hctx, b); err != nil {
			return err
		}
	}
	return nil
}

// Connect runs the CONNECT hooks. Each hook sees the payload as left by the
// previous one.
func (h *Hooks) Connect(ctx context.Context, hctx *Context, streamID uint32, c *wisp.ConnectPayload) error {
	for _, fn := range snapshot(h, &h.connect) {
		if err := fn(ctx, hctx, streamID, c); err != nil {
			return err
		}
	}
	return nil
}

// Packet runs the type-specific hooks for pkt and then the catch-all hooks.
// CONNECT has no packet-level type hooks; see Connect.
func (h *Hooks) Packet(ctx context.Context, hctx *Context, dir Direction, pkt *wisp.Packet) error {
	var typed []PacketFunc
	switch pkt.Type {
	case wisp.TypeData:
		if dir == Upstream {
			typed = snapshot(h, &h.dataSent)
		} else {
			typed = snapshot(h, &h.dataReceived)
		}
	case wisp.TypeContinue:
		typed = snapshot(h, &h.continues)
	case wisp.TypeClose:
		typed = snapshot(h, &h.closes)
	case wisp.TypeInfo:
		if dir == Upstream {
			typed = snapshot(h, &h.infoSent)
		} else {
			typed = snapshot(h, &h.infoReceived)
		}
	}

	for _, fn := range typed {
		if err := fn(ctx, hctx, dir, pkt); err != nil {
			return err
		}
	}
	for _, fn := range snapshot(h, &h.packet) {
		if err := fn(ctx, hctx, dir, pkt); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hooks) PasswordAuth(ctx context.Context, hctx *Context, dir Direction, creds wisp.PasswordAuthClient) error {
	for _, fn := range snapshot(h, &h.passwordAuth) {
		if err := fn(ctx, hctx, dir, creds); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hooks) KeyAuthChallenge(ctx context.Context, hctx *Context, dir Direction, challenge wisp.KeyAuthServer) error {
	for _, fn := range snapshot(h, &h.keyAuthChallenge) {
		if err := fn(ctx, hctx, dir, challenge); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hooks) KeyAuthResponse(ctx context.Context, hctx *Context, dir Direction, resp wisp.KeyAuthClient) error {
	for _, fn := range snapshot(h, &h.keyAuthResponse) {
		if err := fn(ctx, hctx, dir, resp); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hooks) HandshakeFinished(ctx context.Context, hctx *Context, version wisp.Version, extensions []wisp.Extension) error {
	for _, fn := range snapshot(h, &h.handshakeFinished) {
		if err := fn(ctx, hctx, version, extensions); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hooks) Malformed(ctx context.Context, hctx *Context, dir Direction, raw []byte, err error) error {
	for _, fn := range snapshot(h, &h.malformed) {
		if herr := fn(ctx, hctx, dir, raw, err); herr != nil {
			return herr
		}
	}
	return nil
}
