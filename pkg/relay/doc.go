// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay runs one Wisp session between a client and an upstream
// Wisp server.
//
// # Architecture
//
//	client ──ReadMessage──▶ decode ──▶ per-stream queue ──▶ pipeline ──▶ upstream
//	client ◀──────────────────────────── pipeline ◀── decode ◀──ReadMessage── upstream
//
// Client frames are queued by stream id: frames of one stream are processed
// strictly in arrival order, while different streams never wait on each
// other. A queue only exists while its stream has pending work. The number
// of queued frames per session is bounded; when the bound is reached the
// client is not read until the upstream catches up.
//
// Upstream frames are processed inline in arrival order. The first one
// classifies the server:
//
//   - INFO: a v2 server. Unless the server requires authentication, the
//     relay answers with its own v2 INFO (advertising UDP when the server
//     does) and drops the client's INFO when it arrives later.
//   - CONTINUE on stream 0: a v1 server.
//   - anything else: unresolved, relayed as v1.
//
// # Pipeline
//
// A client CONNECT passes the connection filter, the stream throttle and the
// CONNECT hooks, in that order. A denied CONNECT is answered with a CLOSE on
// the same stream and never reaches the server. Every other packet goes
// through the packet hooks; a hook error drops that packet only.
//
// Malformed frames are logged, reported to the Malformed hooks and dropped.
// When either leg fails or closes, both legs are closed and Run returns.
package relay
