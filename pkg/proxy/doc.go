// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy accepts Wisp clients over websocket and relays them to an
// upstream Wisp server.
//
// # Overview
//
// The proxy wires together the pieces that make up one relayed session:
//  1. Guard (who may connect)
//  2. Upstream dialer (where sessions go)
//  3. Relay session (what happens to each packet)
//
// # Architecture
//
//	Client (browser)
//	     ↓  websocket upgrade
//	┌─────────────┐
//	│   Proxy     │  guard, upgrade rate limit
//	└─────────────┘
//	     ↓
//	┌─────────────┐
//	│  Upstream   │  dial + circuit breaker
//	└─────────────┘
//	     ↓
//	┌─────────────┐
//	│   Relay     │  filter, throttle, hooks
//	└─────────────┘
//	     ↓
//	Wisp server
//
// # Request flow
//
// A request that fails the guard or the per-IP upgrade limit is dropped by
// closing its socket: the client gets no HTTP response and no Wisp packet.
// The GuardBlocked hooks see the reason.
//
// The upstream is dialed before the client is upgraded, so an unreachable
// upstream is reported as 502 Bad Gateway, or 503 Service Unavailable while
// the upstream circuit breaker is open.
//
// # Usage
//
//	dialer, err := upstream.NewDialer(upstream.Config{URL: "ws://127.0.0.1:6001/"})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	p, err := proxy.New(proxy.Config{Host: "0.0.0.0", Port: "8080"}, proxy.Deps{
//		Dialer: dialer,
//		Filter: f,
//		Guard:  g,
//		Hooks:  hooks,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if err := p.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// # Graceful Shutdown
//
// Cancelling the Listen context stops accepting requests and closes every
// running session; Listen returns once they are gone or ShutdownTimeout
// expires.
package proxy
