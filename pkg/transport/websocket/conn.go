// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket adapts gorilla websocket connections to relay legs.
package websocket

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	mperrors "github.com/Scaratech/Mittens/pkg/errors"
	"github.com/gorilla/websocket"
)

// closeGrace bounds how long Close waits to deliver the close frame.
const closeGrace = time.Second

// DefaultReadLimit is the largest message NewConn accepts: a 1 MiB payload
// plus the 5-byte Wisp header.
const DefaultReadLimit int64 = 1<<20 + 5

// Conn carries one Wisp frame per binary websocket message.
type Conn struct {
	ws     *websocket.Conn
	wio    sync.Mutex
	closed sync.Once
}

// NewConn wraps ws and limits incoming messages to DefaultReadLimit.
func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(DefaultReadLimit)
	return &Conn{ws: ws}
}

// SetReadLimit changes the largest accepted message. A larger message fails
// the read with websocket.ErrReadLimit and closes the connection.
func (c *Conn) SetReadLimit(limit int64) {
	c.ws.SetReadLimit(limit)
}

// ReadMessage returns the next binary message. Text messages are skipped.
// A normal close by the peer is reported as io.EOF.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, mapError(err)
		}
		if mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteMessage sends data as one binary message. It is safe for
// concurrent use.
func (c *Conn) WriteMessage(data []byte) error {
	c.wio.Lock()
	defer c.wio.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return mapError(err)
	}
	return nil
}

// Close sends a normal close frame and closes the underlying connection.
func (c *Conn) Close() error {
	var err error
	c.closed.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))

		err = c.ws.Close()
	})
	return err
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func mapError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return mperrors.ErrConnectionClosed
	}
	return err
}
