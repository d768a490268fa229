// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/Scaratech/Mittens/pkg/wisp"
)

func TestDirectionString(t *testing.T) {
	tests := []struct {
		dir  Direction
		want string
	}{
		{Upstream, "upstream"},
		{Downstream, "downstream"},
		{Direction(7), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.dir.String(); got != tt.want {
			t.Errorf("Direction(%d).String() = %q, want %q", tt.dir, got, tt.want)
		}
	}
}

func TestPacketDispatch(t *testing.T) {
	ctx := context.Background()
	hctx := &Context{SessionID: "test-session", Protocol: "wisp"}

	var calls []string
	record := func(name string) PacketFunc {
		return func(ctx context.Context, hctx *Context, dir Direction, pkt *wisp.Packet) error {
			calls = append(calls, name)
			return nil
		}
	}

	h := NewHooks()
	h.OnDataSent(record("dataSent"))
	h.OnDataReceived(record("dataReceived"))
	h.OnContinue(record("continue"))
	h.OnClose(record("close"))
	h.OnInfoSent(record("infoSent"))
	h.OnInfoReceived(record("infoReceived"))
	h.OnPacket(record("packet1"))
	h.OnPacket(record("packet2"))

	tests := []struct {
		name string
		dir  Direction
		pkt  *wisp.Packet
		want []string
	}{
		{"data upstream", Upstream, wisp.NewData(1, nil), []string{"dataSent", "packet1", "packet2"}},
		{"data downstream", Downstream, wisp.NewData(1, nil), []string{"dataReceived", "packet1", "packet2"}},
		{"continue", Downstream, wisp.NewContinue(1, 10), []string{"continue", "packet1", "packet2"}},
		{"close", Upstream, wisp.NewClose(1, wisp.CloseVoluntary), []string{"close", "packet1", "packet2"}},
		{"info upstream", Upstream, wisp.NewInfo(wisp.V2), []string{"infoSent", "packet1", "packet2"}},
		{"info downstream", Downstream, wisp.NewInfo(wisp.V2), []string{"infoReceived", "packet1", "packet2"}},
		{"connect", Upstream, wisp.NewConnect(1, wisp.StreamTCP, "example.com", 80), []string{"packet1", "packet2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls = nil
			if err := h.Packet(ctx, hctx, tt.dir, tt.pkt); err != nil {
				t.Fatalf("Packet() error = %v", err)
			}
			if !reflect.DeepEqual(calls, tt.want) {
				t.Errorf("calls = %v, want %v", calls, tt.want)
			}
		})
	}
}

func TestDispatchStopsAtFirstError(t *testing.T) {
	errHook := errors.New("hook failed")
	h := NewHooks()

	var after bool
	h.OnConnectionOpen(func(ctx context.Context, hctx *Context) error { return errHook })
	h.OnConnectionOpen(func(ctx context.Context, hctx *Context) error {
		after = true
		return nil
	})

	err := h.ConnectionOpen(context.Background(), &Context{})
	if !errors.Is(err, errHook) {
		t.Errorf("ConnectionOpen() error = %v, want %v", err, errHook)
	}
	if after {
		t.Error("hook after a failing hook was invoked")
	}
}

func TestConnectChain(t *testing.T) {
	h := NewHooks()
	h.OnConnect(func(ctx context.Context, hctx *Context, id uint32, c *wisp.ConnectPayload) error {
		c.Port = 8080
		return nil
	})
	h.OnConnect(func(ctx context.Context, hctx *Context, id uint32, c *wisp.ConnectPayload) error {
		if c.Port != 8080 {
			t.Errorf("second hook saw port %d, want 8080", c.Port)
		}
		if c.Host == "blocked.example" {
			return ErrBlocked
		}
		return nil
	})

	c := &wisp.ConnectPayload{StreamType: wisp.StreamTCP, Host: "example.com", Port: 80}
	if err := h.Connect(context.Background(), &Context{}, 3, c); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if c.Port != 8080 {
		t.Errorf("port = %d, want rewritten 8080", c.Port)
	}

	c = &wisp.ConnectPayload{StreamType: wisp.StreamTCP, Host: "blocked.example", Port: 80}
	if err := h.Connect(context.Background(), &Context{}, 4, c); !errors.Is(err, ErrBlocked) {
		t.Errorf("Connect() error = %v, want ErrBlocked", err)
	}
}

func TestEventDispatch(t *testing.T) {
	ctx := context.Background()
	hctx := &Context{SessionID: "s"}
	h := NewHooks()

	var got []string
	h.OnConnectionClose(func(ctx context.Context, hctx *Context) error {
		got = append(got, "close:"+hctx.SessionID)
		return nil
	})
	h.OnGuardBlocked(func(ctx context.Context, hctx *Context, reason string) error {
		got = append(got, "guard:"+reason)
		return nil
	})
	h.OnBlocked(func(ctx context.Context, hctx *Context, b Blocked) error {
		got = append(got, "blocked:"+b.Cause)
		return nil
	})
	h.OnPasswordAuth(func(ctx context.Context, hctx *Context, dir Direction, creds wisp.PasswordAuthClient) error {
		got = append(got, "password:"+creds.Username)
		return nil
	})
	h.OnKeyAuthChallenge(func(ctx context.Context, hctx *Context, dir Direction, c wisp.KeyAuthServer) error {
		got = append(got, "challenge:"+string(c.Challenge))
		return nil
	})
	h.OnKeyAuthResponse(func(ctx context.Context, hctx *Context, dir Direction, r wisp.KeyAuthClient) error {
		got = append(got, "response")
		return nil
	})
	h.OnHandshakeFinished(func(ctx context.Context, hctx *Context, v wisp.Version, exts []wisp.Extension) error {
		got = append(got, "handshake:"+v.String())
		return nil
	})
	h.OnMalformed(func(ctx context.Context, hctx *Context, dir Direction, raw []byte, err error) error {
		got = append(got, "malformed:"+dir.String())
		return nil
	})

	steps := []error{
		h.ConnectionClose(ctx, hctx),
		h.GuardBlocked(ctx, hctx, "ip_blocked"),
		h.Blocked(ctx, hctx, Blocked{StreamID: 1, Reason: wisp.CloseHostBlocked, Cause: "port"}),
		h.PasswordAuth(ctx, hctx, Upstream, wisp.PasswordAuthClient{Username: "alice"}),
		h.KeyAuthChallenge(ctx, hctx, Downstream, wisp.KeyAuthServer{Challenge: []byte("abc")}),
		h.KeyAuthResponse(ctx, hctx, Upstream, wisp.KeyAuthClient{}),
		h.HandshakeFinished(ctx, hctx, wisp.V2, nil),
		h.Malformed(ctx, hctx, Downstream, []byte{0x09}, errors.New("bad")),
	}
	for i, err := range steps {
		if err != nil {
			t.Errorf("step %d error = %v", i, err)
		}
	}

	want := []string{
		"close:s", "guard:ip_blocked", "blocked:port", "password:alice",
		"challenge:abc", "response", "handshake:2.0", "malformed:downstream",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestEmptyHooks(t *testing.T) {
	h := NewHooks()
	ctx := context.Background()
	if err := h.Packet(ctx, &Context{}, Upstream, wisp.NewData(1, []byte("x"))); err != nil {
		t.Errorf("Packet() on empty table = %v", err)
	}
	if err := h.Connect(ctx, &Context{}, 1, &wisp.ConnectPayload{}); err != nil {
		t.Errorf("Connect() on empty table = %v", err)
	}
}
