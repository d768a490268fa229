// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	mperrors "github.com/Scaratech/Mittens/pkg/errors"
	"github.com/gorilla/websocket"
)

func TestNewDialerValidation(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"ws://127.0.0.1:6001/", false},
		{"wss://wisp.example.com/wisp/", false},
		{"http://127.0.0.1:6001/", true},
		{"://bad", true},
	}
	for _, tt := range tests {
		_, err := NewDialer(Config{URL: tt.url})
		if (err != nil) != tt.wantErr {
			t.Errorf("NewDialer(%q) error = %v, wantErr %t", tt.url, err, tt.wantErr)
		}
	}
}

func TestDial(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteMessage(websocket.BinaryMessage, []byte{0x03, 0, 0, 0, 0, 0x80, 0, 0, 0})
		ws.ReadMessage()
	}))
	defer srv.Close()

	d, err := NewDialer(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	if err != nil {
		t.Fatalf("NewDialer() error = %v", err)
	}

	conn, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if msg[0] != 0x03 {
		t.Errorf("first frame type = 0x%02x, want CONTINUE", msg[0])
	}
}

func TestDialFailureOpensCircuit(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	d, err := NewDialer(Config{URL: url, Breaker: BreakerConfig{MaxFailures: 2}})
	if err != nil {
		t.Fatalf("NewDialer() error = %v", err)
	}

	for i := range 2 {
		if _, err := d.Dial(context.Background()); !errors.Is(err, mperrors.ErrUpstreamUnavailable) {
			t.Fatalf("Dial() #%d error = %v, want ErrUpstreamUnavailable", i, err)
		}
	}
	if _, err := d.Dial(context.Background()); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Dial() error = %v, want ErrCircuitOpen", err)
	}
	if d.Breaker().State() != StateOpen {
		t.Errorf("breaker state = %s, want open", d.Breaker().State())
	}
}
