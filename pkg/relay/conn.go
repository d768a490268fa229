// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"io"
	"net"

	mperrors "github.com/Scaratech/Mittens/pkg/errors"
)

// Conn is one leg of a session. Each message carries exactly one Wisp frame.
// WriteMessage must be safe for concurrent use; ReadMessage is only called
// from a single goroutine.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Limiter throttles stream creation. *rate.Limiter satisfies it.
type Limiter interface {
	Allow() bool
}

// isClosed reports whether err only means the leg has been closed.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		mperrors.Is(err, mperrors.ErrConnectionClosed)
}
