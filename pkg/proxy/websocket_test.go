// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Scaratech/Mittens/pkg/filter"
	"github.com/Scaratech/Mittens/pkg/guard"
	"github.com/Scaratech/Mittens/pkg/handler"
	"github.com/Scaratech/Mittens/pkg/ratelimit"
	"github.com/Scaratech/Mittens/pkg/relay"
	"github.com/Scaratech/Mittens/pkg/upstream"
	"github.com/Scaratech/Mittens/pkg/wisp"
	"github.com/gorilla/websocket"
)

type dialerFunc func(ctx context.Context) (relay.Conn, error)

func (f dialerFunc) Dial(ctx context.Context) (relay.Conn, error) { return f(ctx) }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// wispServer is a minimal v2 upstream: it sends INFO with UDP and reports
// every frame it receives.
func wispServer(t *testing.T) (*httptest.Server, <-chan []byte) {
	t.Helper()

	frames := make(chan []byte, 16)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		ws.WriteMessage(websocket.BinaryMessage, wisp.Encode(wisp.NewInfo(wisp.V2, wisp.UDP{})))
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	}))
	t.Cleanup(srv.Close)
	return srv, frames
}

func newProxy(t *testing.T, cfg Config, deps Deps) *httptest.Server {
	t.Helper()

	cfg.Logger = discard()
	p, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	return srv
}

func readFrame(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	return data
}

func TestRelayEndToEnd(t *testing.T) {
	upSrv, upFrames := wispServer(t)
	dialer, err := upstream.NewDialer(upstream.Config{URL: wsURL(upSrv), Logger: discard()})
	if err != nil {
		t.Fatalf("NewDialer() error = %v", err)
	}

	p := filter.Permissive()
	p.Hosts = &filter.HostRule{Type: filter.Blacklist, Patterns: []string{"*.blocked.test"}}
	f, err := filter.New(p, nil, discard())
	if err != nil {
		t.Fatalf("filter.New() error = %v", err)
	}

	srv := newProxy(t, Config{Path: "/wisp/"}, Deps{Dialer: dialer, Filter: f})

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"/wisp/", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	info, err := wisp.Decode(readFrame(t, client))
	if err != nil || info.Type != wisp.TypeInfo {
		t.Fatalf("first frame = %v, %v; want server INFO", info, err)
	}

	select {
	case got := <-upFrames:
		if want := wisp.Encode(wisp.NewInfo(wisp.V2, wisp.UDP{})); !bytes.Equal(got, want) {
			t.Fatalf("upstream got % x, want synthetic INFO % x", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upstream did not receive the synthetic INFO")
	}

	client.WriteMessage(websocket.BinaryMessage, wisp.Encode(wisp.NewConnect(42, wisp.StreamTCP, "ads.blocked.test", 443)))
	want := []byte{0x04, 0x2a, 0x00, 0x00, 0x00, 0x48}
	if got := readFrame(t, client); !bytes.Equal(got, want) {
		t.Fatalf("client got % x, want % x", got, want)
	}

	connect := wisp.Encode(wisp.NewConnect(43, wisp.StreamTCP, "example.com", 443))
	client.WriteMessage(websocket.BinaryMessage, connect)
	select {
	case got := <-upFrames:
		if !bytes.Equal(got, connect) {
			t.Fatalf("upstream got % x, want % x", got, connect)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upstream did not receive the CONNECT")
	}
}

func TestOversizedClientFrameEndsSession(t *testing.T) {
	upSrv, _ := wispServer(t)
	dialer, err := upstream.NewDialer(upstream.Config{URL: wsURL(upSrv), Logger: discard()})
	if err != nil {
		t.Fatalf("NewDialer() error = %v", err)
	}
	srv := newProxy(t, Config{ReadLimit: 64}, Deps{Dialer: dialer})

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()
	readFrame(t, client)

	client.WriteMessage(websocket.BinaryMessage, wisp.Encode(wisp.NewData(1, make([]byte, 64))))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := client.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
				t.Errorf("ReadMessage() error = %v, want close 1009", err)
			}
			return
		}
	}
}

func TestGuardDropsConnection(t *testing.T) {
	g, err := guard.New(guard.Policy{
		Enabled: true,
		UA:      &guard.ListRule{Type: filter.Blacklist, Values: []string{"BadBot/1.0"}},
	})
	if err != nil {
		t.Fatalf("guard.New() error = %v", err)
	}

	hooks := handler.NewHooks()
	reasons := make(chan string, 1)
	hooks.OnGuardBlocked(func(ctx context.Context, hctx *handler.Context, reason string) error {
		reasons <- reason
		return nil
	})

	dialed := false
	dialer := dialerFunc(func(context.Context) (relay.Conn, error) {
		dialed = true
		return nil, errors.New("unexpected dial")
	})
	srv := newProxy(t, Config{}, Deps{Dialer: dialer, Guard: g, Hooks: hooks})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), http.Header{"User-Agent": {"BadBot/1.0"}})
	if err == nil {
		t.Fatal("Dial() succeeded for a blocked user agent")
	}
	if resp != nil {
		t.Errorf("blocked client got an HTTP response %d", resp.StatusCode)
	}
	select {
	case r := <-reasons:
		if r != guard.ReasonUABlocked {
			t.Errorf("guard reason = %q, want %q", r, guard.ReasonUABlocked)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("guard blocked hook not called")
	}
	if dialed {
		t.Error("upstream dialed for a blocked client")
	}
}

func TestUpstreamFailureStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unreachable", errors.New("connection refused"), http.StatusBadGateway},
		{"circuit open", upstream.ErrCircuitOpen, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := dialerFunc(func(context.Context) (relay.Conn, error) { return nil, tt.err })
			srv := newProxy(t, Config{}, Deps{Dialer: dialer})

			_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
			if err == nil {
				t.Fatal("Dial() succeeded with a failing upstream")
			}
			if resp == nil || resp.StatusCode != tt.want {
				t.Fatalf("response = %v, want status %d", resp, tt.want)
			}
		})
	}
}

func TestUpgradeRateLimit(t *testing.T) {
	upSrv, _ := wispServer(t)
	dialer, err := upstream.NewDialer(upstream.Config{URL: wsURL(upSrv), Logger: discard()})
	if err != nil {
		t.Fatalf("NewDialer() error = %v", err)
	}
	srv := newProxy(t, Config{UpgradeLimit: ratelimit.Config{Rate: 0.001, Burst: 1}}, Deps{Dialer: dialer})

	first, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("first Dial() error = %v", err)
	}
	first.Close()

	if _, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil); err == nil {
		t.Fatal("second Dial() succeeded beyond the upgrade limit")
	}
}

func TestPlainRequests(t *testing.T) {
	dialer := dialerFunc(func(context.Context) (relay.Conn, error) { return nil, errors.New("unexpected dial") })
	srv := newProxy(t, Config{Path: "/wisp/"}, Deps{Dialer: dialer})

	tests := []struct {
		path string
		want int
	}{
		{"/wisp/", http.StatusUpgradeRequired},
		{"/other", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s error = %v", tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestServeShutdown(t *testing.T) {
	dialer := dialerFunc(func(context.Context) (relay.Conn, error) { return nil, errors.New("unexpected dial") })
	p, err := New(Config{Logger: discard(), ShutdownTimeout: time.Second}, Deps{Dialer: dialer})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx, l) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

func TestNewRequiresDialer(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Error("New() without a dialer succeeded")
	}
}
