// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"context"
	"net"
	"net/netip"
)

// Resolver looks up the A and AAAA records of a domain.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	return f(ctx, host)
}

// NetResolver resolves through a net.Resolver. The zero value uses
// net.DefaultResolver.
type NetResolver struct {
	Resolver *net.Resolver
}

var _ Resolver = NetResolver{}

// Resolve returns every IPv4 and IPv6 address of host.
func (r NetResolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	return res.LookupNetIP(ctx, "ip", host)
}
