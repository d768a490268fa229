// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"fmt"
	"net/netip"
	"strings"
	"sync/atomic"

	mperrors "github.com/Scaratech/Mittens/pkg/errors"
	"github.com/Scaratech/Mittens/pkg/filter"
)

// Denial reasons.
const (
	ReasonIPBlocked   = "ip_blocked"
	ReasonUABlocked   = "ua_blocked"
	ReasonRateLimited = "rate_limited"
)

// ListRule is a whitelist or blacklist of values.
type ListRule struct {
	Type   filter.ListType
	Values []string
}

// Policy configures the guard. IP entries may be single addresses or CIDR
// prefixes; user-agent entries match the whole header exactly.
type Policy struct {
	Enabled bool
	IP      *ListRule
	UA      *ListRule
}

// Result is the outcome of evaluating an upgrade request.
type Result struct {
	Allowed bool
	Reason  string
}

// Err returns nil for an admitted request and an error wrapping
// ErrGuardDenied otherwise.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", mperrors.ErrGuardDenied, r.Reason)
}

type ipList struct {
	listType filter.ListType
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
	// others holds entries that are not addresses, compared verbatim.
	others map[string]struct{}
}

type uaList struct {
	listType filter.ListType
	values   map[string]struct{}
}

type compiled struct {
	enabled bool
	ip      *ipList
	ua      *uaList
}

// Guard admits or rejects clients before the WebSocket handshake.
type Guard struct {
	c atomic.Pointer[compiled]
}

// New creates a guard for the policy.
func New(policy Policy) (*Guard, error) {
	g := &Guard{}
	if err := g.Update(policy); err != nil {
		return nil, err
	}
	return g, nil
}

// Update validates and installs a new policy.
func (g *Guard) Update(policy Policy) error {
	c := &compiled{enabled: policy.Enabled}

	if policy.IP != nil {
		if err := policy.IP.Type.Validate(); err != nil {
			return fmt.Errorf("guard ip list: %w", err)
		}
		l := &ipList{
			listType: policy.IP.Type,
			addrs:    make(map[netip.Addr]struct{}),
			others:   make(map[string]struct{}),
		}
		for _, v := range policy.IP.Values {
			v = strings.TrimSpace(v)
			if strings.Contains(v, "/") {
				p, err := netip.ParsePrefix(v)
				if err != nil {
					return fmt.Errorf("guard ip list: %w", err)
				}
				l.prefixes = append(l.prefixes, p.Masked())
				continue
			}
			if addr, ok := filter.ParseIP(v); ok {
				l.addrs[addr] = struct{}{}
				continue
			}
			l.others[v] = struct{}{}
		}
		c.ip = l
	}

	if policy.UA != nil {
		if err := policy.UA.Type.Validate(); err != nil {
			return fmt.Errorf("guard ua list: %w", err)
		}
		l := &uaList{
			listType: policy.UA.Type,
			values:   make(map[string]struct{}, len(policy.UA.Values)),
		}
		for _, v := range policy.UA.Values {
			l.values[v] = struct{}{}
		}
		c.ua = l
	}

	g.c.Store(c)
	return nil
}

// Evaluate checks the client address, then the user agent.
func (g *Guard) Evaluate(clientIP, userAgent string) Result {
	c := g.c.Load()
	if !c.enabled {
		return Result{Allowed: true}
	}
	if c.ip != nil && !c.ip.listType.Admits(c.ip.contains(clientIP)) {
		return Result{Reason: ReasonIPBlocked}
	}
	if c.ua != nil {
		_, listed := c.ua.values[userAgent]
		if !c.ua.listType.Admits(listed) {
			return Result{Reason: ReasonUABlocked}
		}
	}
	return Result{Allowed: true}
}

func (l *ipList) contains(ip string) bool {
	addr, ok := filter.ParseIP(ip)
	if !ok {
		_, listed := l.others[ip]
		return listed
	}
	if _, listed := l.addrs[addr]; listed {
		return true
	}
	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
