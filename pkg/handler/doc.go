// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the observer surface that links the relay to
// application logic.
//
// # Architecture Overview
//
// The relay decodes every Wisp frame and reports it through a Hooks dispatch
// table before forwarding. Hooks are plain functions grouped by event kind;
// each kind keeps an ordered list and is invoked synchronously in
// registration order.
//
// # Data Flow
//
//	Client → Relay (decode, filter) → Hooks → Wisp server
//	Wisp server → Relay (decode, handshake) → Hooks → Client
//
// # Event Kinds
//
// Connection lifecycle:
//   - ConnectionOpen, ConnectionClose
//   - GuardBlocked: upgrade rejected before any WebSocket exists
//
// Stream control:
//   - Connect: runs before a CONNECT is forwarded. The only hook that may
//     rewrite its packet (through the payload pointer) or veto it by
//     returning ErrBlocked.
//   - Blocked: a CONNECT was denied by the filter, the throttle or a hook
//
// Packets:
//   - DataSent / DataReceived, InfoSent / InfoReceived (split by Direction)
//   - Continue, Close
//   - Packet: catch-all, fired after the type-specific hooks
//   - Malformed: a frame failed to decode and was not forwarded
//
// Handshake and authentication:
//   - PasswordAuth, KeyAuthChallenge, KeyAuthResponse: extracted from INFO
//   - HandshakeFinished: the session protocol version is known
//
// # Errors
//
// A hook error stops the remaining hooks of that dispatch and is returned to
// the relay, which drops the packet and logs the error.
//
// # Example
//
//	hooks := handler.NewHooks()
//	hooks.OnConnect(func(ctx context.Context, hctx *handler.Context, id uint32, c *wisp.ConnectPayload) error {
//		if strings.HasSuffix(c.Host, ".onion") {
//			return handler.ErrBlocked
//		}
//		return nil
//	})
package handler
