// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wisp implements the Wisp wire codec.
//
// # Overview
//
// Wisp multiplexes many TCP/UDP streams over one WebSocket. Every WebSocket
// binary message carries exactly one packet:
//
//	| type (1) | stream id (4, LE) | payload ... |
//
// # Packet Types
//
//   - CONNECT (0x01): stream type (1), port (2, LE), host (UTF-8 to end of frame)
//   - DATA (0x02): raw stream bytes
//   - CONTINUE (0x03): remaining buffer size (4, LE)
//   - CLOSE (0x04): reason (1)
//   - INFO (0x05): major (1), minor (1), extension records
//
// # Extensions
//
// INFO extension records are laid out as id (1), length (4, LE), payload.
// PASSWORD_AUTH and KEY_AUTH have a server and a client form that share an
// id; Decode tells them apart by payload length, never by an explicit tag,
// and returns distinct Go types for each form:
//
//	PasswordAuthServer / PasswordAuthClient
//	KeyAuthServer      / KeyAuthClient
//
// Records with ids the codec does not know are returned as RawExtension so
// that a relay can forward them unchanged.
//
// # Errors
//
// Decode failures wrap errors.ErrMalformedPacket or
// errors.ErrTruncatedExtension from the Mittens errors package. Encode never
// fails.
package wisp
