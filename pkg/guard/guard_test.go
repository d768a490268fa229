// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	mperrors "github.com/Scaratech/Mittens/pkg/errors"
	"github.com/Scaratech/Mittens/pkg/filter"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		ip     string
		ua     string
		want   Result
	}{
		{
			name:   "disabled",
			policy: Policy{IP: &ListRule{Type: filter.Whitelist}},
			ip:     "203.0.113.9",
			want:   Result{Allowed: true},
		},
		{
			name: "ip blacklisted",
			policy: Policy{
				Enabled: true,
				IP:      &ListRule{Type: filter.Blacklist, Values: []string{"203.0.113.9"}},
			},
			ip:   "203.0.113.9",
			want: Result{Reason: ReasonIPBlocked},
		},
		{
			name: "ip blacklisted by cidr",
			policy: Policy{
				Enabled: true,
				IP:      &ListRule{Type: filter.Blacklist, Values: []string{"10.0.0.0/8"}},
			},
			ip:   "10.20.30.40",
			want: Result{Reason: ReasonIPBlocked},
		},
		{
			name: "mapped address matches ipv4 entry",
			policy: Policy{
				Enabled: true,
				IP:      &ListRule{Type: filter.Blacklist, Values: []string{"192.0.2.1"}},
			},
			ip:   "::ffff:192.0.2.1",
			want: Result{Reason: ReasonIPBlocked},
		},
		{
			name: "ip not in whitelist",
			policy: Policy{
				Enabled: true,
				IP:      &ListRule{Type: filter.Whitelist, Values: []string{"192.0.2.1"}},
			},
			ip:   "192.0.2.2",
			want: Result{Reason: ReasonIPBlocked},
		},
		{
			name: "ua blacklisted",
			policy: Policy{
				Enabled: true,
				UA:      &ListRule{Type: filter.Blacklist, Values: []string{"curl/8.0"}},
			},
			ip:   "192.0.2.1",
			ua:   "curl/8.0",
			want: Result{Reason: ReasonUABlocked},
		},
		{
			name: "ua match is exact",
			policy: Policy{
				Enabled: true,
				UA:      &ListRule{Type: filter.Blacklist, Values: []string{"curl"}},
			},
			ua:   "curl/8.0",
			want: Result{Allowed: true},
		},
		{
			name: "ip checked before ua",
			policy: Policy{
				Enabled: true,
				IP:      &ListRule{Type: filter.Blacklist, Values: []string{"192.0.2.1"}},
				UA:      &ListRule{Type: filter.Blacklist, Values: []string{"bot"}},
			},
			ip:   "192.0.2.1",
			ua:   "bot",
			want: Result{Reason: ReasonIPBlocked},
		},
		{
			name: "both lists pass",
			policy: Policy{
				Enabled: true,
				IP:      &ListRule{Type: filter.Whitelist, Values: []string{"192.0.2.0/24"}},
				UA:      &ListRule{Type: filter.Whitelist, Values: []string{"Mozilla/5.0"}},
			},
			ip:   "192.0.2.77",
			ua:   "Mozilla/5.0",
			want: Result{Allowed: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := New(tt.policy)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if got := g.Evaluate(tt.ip, tt.ua); got != tt.want {
				t.Errorf("Evaluate() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNewRejectsBadPolicy(t *testing.T) {
	if _, err := New(Policy{IP: &ListRule{Type: "maybe"}}); err == nil {
		t.Error("New() accepted unknown list type")
	}
	if _, err := New(Policy{IP: &ListRule{Type: filter.Blacklist, Values: []string{"10.0.0.0/99"}}}); err == nil {
		t.Error("New() accepted invalid prefix")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		trust   bool
		header  string
		want    string
	}{
		{
			name:    "untrusted ignores headers",
			headers: map[string]string{"X-Forwarded-For": "198.51.100.1"},
			want:    "192.0.2.10",
		},
		{
			name:    "forwarded for first hop",
			headers: map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.1"},
			trust:   true,
			header:  HeaderForwardedFor,
			want:    "198.51.100.1",
		},
		{
			name:    "real ip",
			headers: map[string]string{"X-Real-Ip": "198.51.100.2"},
			trust:   true,
			header:  HeaderRealIP,
			want:    "198.51.100.2",
		},
		{
			name:    "cloudflare",
			headers: map[string]string{"Cf-Connecting-Ip": "198.51.100.3"},
			trust:   true,
			header:  "cf-connecting-ip",
			want:    "198.51.100.3",
		},
		{
			name:   "missing header falls back to peer",
			trust:  true,
			header: HeaderRealIP,
			want:   "192.0.2.10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = "192.0.2.10:51234"
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ClientIP(r, tt.trust, tt.header); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDrop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := Drop(w); err != nil {
			t.Errorf("Drop() error = %v", err)
		}
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		t.Fatal("expected the connection to be dropped without a response")
	}
}

func TestDropWithoutHijacker(t *testing.T) {
	if err := Drop(httptest.NewRecorder()); err == nil {
		t.Error("Drop() on a recorder should fail")
	}
}

func TestResultErr(t *testing.T) {
	if err := (Result{Allowed: true}).Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
	err := Result{Reason: ReasonUABlocked}.Err()
	if !errors.Is(err, mperrors.ErrGuardDenied) {
		t.Errorf("Err() = %v, want ErrGuardDenied", err)
	}
}
