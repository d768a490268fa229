// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/Scaratech/Mittens/pkg/handler"
	"github.com/Scaratech/Mittens/pkg/wisp"
)

func setup(t *testing.T, cfg Config) (*handler.Hooks, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := handler.NewHooks()
	New(cfg, logger).Register(h)
	return h, &buf
}

func records(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("invalid record %q: %v", sc.Text(), err)
		}
		out = append(out, rec)
	}
	return out
}

func emitAll(h *handler.Hooks) {
	ctx := context.Background()
	hctx := &handler.Context{SessionID: "s1", ClientIP: "198.51.100.7", UserAgent: "curl/8", Protocol: "wisp"}

	h.ConnectionOpen(ctx, hctx)
	c := wisp.ConnectPayload{StreamType: wisp.StreamTCP, Host: "example.com", Port: 443}
	h.Connect(ctx, hctx, 1, &c)
	h.Packet(ctx, hctx, handler.Upstream, wisp.NewData(1, []byte("hello")))
	h.Packet(ctx, hctx, handler.Downstream, wisp.NewInfo(wisp.V2, wisp.UDP{}, wisp.ServerMOTD{Message: "welcome"}))
	h.Packet(ctx, hctx, handler.Downstream, wisp.NewContinue(0, 64))
	h.Packet(ctx, hctx, handler.Upstream, wisp.NewClose(1, wisp.CloseVoluntary))
	h.Blocked(ctx, hctx, handler.Blocked{StreamID: 2, Connect: c, Reason: wisp.CloseHostBlocked, Cause: "host_blocked"})
	h.GuardBlocked(ctx, hctx, "ua_blocked")
	h.PasswordAuth(ctx, hctx, handler.Upstream, wisp.PasswordAuthClient{Username: "alice", Password: "hunter22"})
	h.KeyAuthChallenge(ctx, hctx, handler.Downstream, wisp.KeyAuthServer{Algorithms: 0x01, Challenge: make([]byte, 16)})
	h.KeyAuthResponse(ctx, hctx, handler.Upstream, wisp.KeyAuthClient{Algorithm: 0x01, Signature: make([]byte, 64)})
	h.HandshakeFinished(ctx, hctx, wisp.V2, nil)
	h.Malformed(ctx, hctx, handler.Upstream, []byte{0x02, 0x01}, errors.New("short frame"))
	h.ConnectionClose(ctx, hctx)
}

func TestActionFilter(t *testing.T) {
	tests := []struct {
		name    string
		actions []string
		want    map[string]int
	}{
		{
			name:    "nothing",
			actions: nil,
			want:    map[string]int{},
		},
		{
			name:    "connection and blocked",
			actions: []string{ActionConnection, ActionBlocked},
			want:    map[string]int{ActionConnection: 2, ActionBlocked: 1},
		},
		{
			name:    "auth",
			actions: []string{ActionPasswordAuth, ActionKeyAuth},
			want:    map[string]int{ActionPasswordAuth: 1, ActionKeyAuth: 2},
		},
		{
			name:    "traffic",
			actions: []string{ActionConnect, ActionData, ActionInfo, ActionError, ActionGuardBlocked},
			want:    map[string]int{ActionConnect: 1, ActionData: 1, ActionInfo: 1, ActionError: 1, ActionGuardBlocked: 1},
		},
		{
			name:    "all",
			actions: []string{ActionAll},
			want: map[string]int{
				ActionConnection: 2, ActionConnect: 1, ActionData: 1, ActionInfo: 1,
				ActionBlocked: 1, ActionGuardBlocked: 1, ActionPasswordAuth: 1,
				ActionKeyAuth: 2, ActionError: 1, ActionAll: 3,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, buf := setup(t, Config{Actions: tt.actions})
			emitAll(h)

			got := map[string]int{}
			for _, rec := range records(t, buf) {
				got[rec["action"].(string)]++
			}
			if len(got) != len(tt.want) {
				t.Fatalf("actions = %v, want %v", got, tt.want)
			}
			for action, n := range tt.want {
				if got[action] != n {
					t.Errorf("action %q recorded %d times, want %d", action, got[action], n)
				}
			}
		})
	}
}

func TestPasswordNeverLogged(t *testing.T) {
	h, buf := setup(t, Config{Actions: []string{ActionAll}})
	emitAll(h)

	out := buf.String()
	if strings.Contains(out, "hunter22") {
		t.Fatal("password written to the audit log")
	}
	for _, rec := range records(t, bytes.NewBufferString(out)) {
		if rec["action"] == ActionPasswordAuth {
			if rec["username"] != "alice" || rec["password_length"] != float64(8) {
				t.Errorf("password record = %v", rec)
			}
		}
	}
}

func TestLogIP(t *testing.T) {
	for _, logIP := range []bool{false, true} {
		h, buf := setup(t, Config{Actions: []string{ActionConnection}, LogIP: logIP})
		emitAll(h)

		for _, rec := range records(t, buf) {
			_, has := rec["ip"]
			if has != logIP {
				t.Errorf("LogIP=%t: record %v", logIP, rec)
			}
			if has && rec["ip"] != "198.51.100.7" {
				t.Errorf("ip = %v, want 198.51.100.7", rec["ip"])
			}
		}
	}
}

func TestInfoExtensions(t *testing.T) {
	h, buf := setup(t, Config{Actions: []string{ActionInfo}})
	emitAll(h)

	recs := records(t, buf)
	if len(recs) != 1 {
		t.Fatalf("got %d INFO records, want 1", len(recs))
	}
	exts, ok := recs[0]["extensions"].(map[string]any)
	if !ok {
		t.Fatalf("extensions = %v", recs[0]["extensions"])
	}
	if exts["udp"] != true || exts["motd"] != true || exts["password_auth"] != false || exts["motd_message"] != "welcome" {
		t.Errorf("extensions = %v", exts)
	}
}
