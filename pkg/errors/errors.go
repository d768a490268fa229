// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for Mittens.
package errors

import (
	"errors"
	"fmt"
)

// Codec errors are recoverable: the frame is dropped and relaying continues.
var (
	// ErrMalformedPacket indicates a frame that cannot be decoded as a Wisp packet.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrTruncatedExtension indicates an INFO extension record running past the frame.
	ErrTruncatedExtension = errors.New("truncated extension")
)

// Relay errors.
var (
	// ErrPolicyDenied indicates a CONNECT rejected by the connection filter.
	// It is an expected outcome and becomes a CLOSE packet, never a disconnect.
	ErrPolicyDenied = errors.New("destination blocked by policy")

	// ErrThrottled indicates a CONNECT rejected by the stream creation rate limit.
	ErrThrottled = errors.New("stream creation throttled")

	// ErrGuardDenied indicates an upgrade request rejected before the handshake.
	ErrGuardDenied = errors.New("connection rejected by guard")

	// ErrTransportFailure indicates a failed relay leg. It is fatal to the connection.
	ErrTransportFailure = errors.New("transport failure")

	// ErrResolutionTimeout indicates a DNS lookup that exceeded its deadline.
	ErrResolutionTimeout = errors.New("resolution timeout")

	// ErrUpstreamUnavailable indicates the upstream Wisp server cannot be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")
)

// RelayError wraps an error with the session it occurred in.
type RelayError struct {
	Op         string // Operation that failed
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// New creates a new RelayError. It returns nil for a nil err.
func New(op, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &RelayError{
		Op:         op,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
