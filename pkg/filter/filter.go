// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"regexp"
	"strings"
	"sync/atomic"

	mperrors "github.com/Scaratech/Mittens/pkg/errors"
	"github.com/Scaratech/Mittens/pkg/wisp"
	"golang.org/x/net/idna"
)

// Denial causes. They never reach the wire; every denial is sent to the
// client as wisp.CloseHostBlocked.
const (
	CauseStreamType  = "stream_type"
	CauseTCP         = "tcp_disabled"
	CauseUDP         = "udp_disabled"
	CauseTLS         = "tls_port"
	CausePort        = "port"
	CauseDirectIP    = "direct_ip"
	CauseMalformedIP = "malformed_ip"
	CausePrivateIP   = "private_ip"
	CauseLoopbackIP  = "loopback_ip"
	CauseLoopbackDNS = "loopback_name"
	CauseHost        = "host"
	CauseResolution  = "resolution_failed"
)

// TLSPorts are the well-known TLS ports denied when TLS is disallowed.
var TLSPorts = []uint16{443, 8443, 9443}

// Result is the outcome of evaluating a CONNECT destination.
type Result struct {
	Allowed bool
	Reason  wisp.CloseReason
	Cause   string
}

var allowed = Result{Allowed: true}

// Err returns nil for an admitted CONNECT and an error wrapping
// ErrPolicyDenied otherwise.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", mperrors.ErrPolicyDenied, r.Cause)
}

func deny(cause string) Result {
	return Result{Reason: wisp.CloseHostBlocked, Cause: cause}
}

// rules is a policy with its host patterns compiled.
type rules struct {
	policy Policy
	hosts  []*regexp.Regexp
}

// Filter evaluates CONNECT destinations against a Policy. It is safe for
// concurrent use; Update swaps the policy atomically.
type Filter struct {
	rules    atomic.Pointer[rules]
	resolver Resolver
	logger   *slog.Logger
}

// New creates a filter. A nil resolver uses NetResolver.
func New(policy Policy, resolver Resolver, logger *slog.Logger) (*Filter, error) {
	if resolver == nil {
		resolver = NetResolver{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	f := &Filter{
		resolver: resolver,
		logger:   logger,
	}
	if err := f.Update(policy); err != nil {
		return nil, err
	}
	return f, nil
}

// Update validates and installs a new policy.
func (f *Filter) Update(policy Policy) error {
	if err := policy.Validate(); err != nil {
		return mperrors.Wrap(err, "invalid filter policy")
	}
	if policy.ResolveTimeout == 0 {
		policy.ResolveTimeout = DefaultResolveTimeout
	}

	r := &rules{policy: policy}
	if policy.Hosts != nil {
		for _, pattern := range policy.Hosts.Patterns {
			re, err := compileGlob(pattern)
			if err != nil {
				return fmt.Errorf("invalid host pattern %q: %w", pattern, err)
			}
			r.hosts = append(r.hosts, re)
		}
	}
	f.rules.Store(r)
	return nil
}

// Policy returns the active policy.
func (f *Filter) Policy() Policy {
	return f.rules.Load().policy
}

// Evaluate runs the checks in order and returns the first denial.
func (f *Filter) Evaluate(ctx context.Context, c *wisp.ConnectPayload) Result {
	r := f.rules.Load()
	p := r.policy
	if !p.Enabled {
		return allowed
	}

	switch c.StreamType {
	case wisp.StreamTCP:
		if !p.AllowTCP {
			return deny(CauseTCP)
		}
	case wisp.StreamUDP:
		if !p.AllowUDP {
			return deny(CauseUDP)
		}
	default:
		return deny(CauseStreamType)
	}

	if !p.AllowTLS && isTLSPort(c.Port) {
		return deny(CauseTLS)
	}

	if p.Ports != nil && !p.Ports.Type.Admits(p.Ports.contains(c.Port)) {
		return deny(CausePort)
	}

	if addr, ok := ParseIP(c.Host); ok {
		if !p.AllowDirectIP {
			return deny(CauseDirectIP)
		}
		return checkAddr(p, addr)
	}

	if IsNumericName(c.Host) {
		return deny(CauseMalformedIP)
	}

	host := normalizeHost(c.Host)
	if !p.AllowLoopbackIP && IsLoopbackName(host) {
		return deny(CauseLoopbackDNS)
	}

	if p.Hosts != nil && !p.Hosts.Type.Admits(r.matchHost(host)) {
		return deny(CauseHost)
	}

	if p.AllowPrivateIP && p.AllowLoopbackIP {
		return allowed
	}
	return f.checkResolved(ctx, p, host)
}

// checkResolved re-applies the address checks to every resolved address.
// A failed or empty lookup only denies when loopback addresses are disallowed.
func (f *Filter) checkResolved(ctx context.Context, p Policy, host string) Result {
	ctx, cancel := context.WithTimeout(ctx, p.ResolveTimeout)
	defer cancel()

	addrs, err := f.resolver.Resolve(ctx, host)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s after %s", mperrors.ErrResolutionTimeout, host, p.ResolveTimeout)
	}
	if err != nil || len(addrs) == 0 {
		if err != nil {
			f.logger.Debug("destination lookup failed",
				slog.String("host", host),
				slog.String("error", err.Error()))
		}
		if !p.AllowLoopbackIP {
			return deny(CauseResolution)
		}
		return allowed
	}

	for _, addr := range addrs {
		if res := checkAddr(p, addr); !res.Allowed {
			return res
		}
	}
	return allowed
}

func checkAddr(p Policy, addr netip.Addr) Result {
	if !p.AllowPrivateIP && IsPrivate(addr) {
		return deny(CausePrivateIP)
	}
	if !p.AllowLoopbackIP && IsLoopback(addr) {
		return deny(CauseLoopbackIP)
	}
	return allowed
}

func (r *rules) matchHost(host string) bool {
	for _, re := range r.hosts {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

func isTLSPort(port uint16) bool {
	for _, p := range TLSPorts {
		if p == port {
			return true
		}
	}
	return false
}

// compileGlob turns a host pattern into an anchored, case-insensitive regexp.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(normalizeHost(pattern))
	quoted = strings.ReplaceAll(quoted, `\*`, `.*`)
	return regexp.Compile(`(?i)^` + quoted + `$`)
}

// normalizeHost lowercases host and converts internationalized names to
// their ASCII form. Names idna rejects are only lowercased.
func normalizeHost(host string) string {
	host = strings.TrimSuffix(host, ".")
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return ascii
	}
	return strings.ToLower(host)
}
