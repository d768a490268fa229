// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"fmt"
	"time"
)

// ListType selects how a rule list is applied.
type ListType string

const (
	// Whitelist admits only listed values.
	Whitelist ListType = "whitelist"
	// Blacklist admits everything except listed values.
	Blacklist ListType = "blacklist"
)

// Admits reports whether a value with the given membership passes the list.
func (t ListType) Admits(listed bool) bool {
	if t == Whitelist {
		return listed
	}
	return !listed
}

// Validate checks that t is a known list type.
func (t ListType) Validate() error {
	switch t {
	case Whitelist, Blacklist:
		return nil
	default:
		return fmt.Errorf("unknown list type %q", string(t))
	}
}

// PortRange is an inclusive range of ports.
type PortRange struct {
	Start uint16
	End   uint16
}

// PortRule matches destination ports against single values and ranges.
type PortRule struct {
	Type   ListType
	Values []uint16
	Ranges []PortRange
}

func (r *PortRule) contains(port uint16) bool {
	for _, v := range r.Values {
		if v == port {
			return true
		}
	}
	for _, rg := range r.Ranges {
		if port >= rg.Start && port <= rg.End {
			return true
		}
	}
	return false
}

// HostRule matches destination host names against glob patterns. The only
// wildcard is `*`, matching any run of characters. Matching ignores case.
type HostRule struct {
	Type     ListType
	Patterns []string
}

// Policy configures the connection filter.
type Policy struct {
	// Enabled turns filtering on. A disabled policy admits every CONNECT.
	Enabled bool

	AllowTCP        bool
	AllowUDP        bool
	AllowTLS        bool
	AllowDirectIP   bool
	AllowPrivateIP  bool
	AllowLoopbackIP bool

	// Ports and Hosts are optional; nil skips the check.
	Ports *PortRule
	Hosts *HostRule

	// ResolveTimeout bounds the DNS lookup of domain destinations.
	ResolveTimeout time.Duration
}

// DefaultResolveTimeout is used when Policy.ResolveTimeout is zero.
const DefaultResolveTimeout = time.Second

// DefaultPolicy returns the restrictive defaults: TCP and TLS on, UDP and
// all IP classes off, ports 80 and 443 only.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:  true,
		AllowTCP: true,
		AllowTLS: true,
		Ports: &PortRule{
			Type:   Whitelist,
			Values: []uint16{80, 443},
		},
		Hosts: &HostRule{
			Type: Blacklist,
		},
		ResolveTimeout: DefaultResolveTimeout,
	}
}

// Permissive returns an enabled policy that admits every destination.
func Permissive() Policy {
	return Policy{
		Enabled:         true,
		AllowTCP:        true,
		AllowUDP:        true,
		AllowTLS:        true,
		AllowDirectIP:   true,
		AllowPrivateIP:  true,
		AllowLoopbackIP: true,
	}
}

// Validate checks list types and port ranges.
func (p Policy) Validate() error {
	if p.Ports != nil {
		if err := p.Ports.Type.Validate(); err != nil {
			return fmt.Errorf("ports: %w", err)
		}
		for _, rg := range p.Ports.Ranges {
			if rg.Start > rg.End {
				return fmt.Errorf("ports: invalid range [%d, %d]", rg.Start, rg.End)
			}
		}
	}
	if p.Hosts != nil {
		if err := p.Hosts.Type.Validate(); err != nil {
			return fmt.Errorf("hosts: %w", err)
		}
	}
	if p.ResolveTimeout < 0 {
		return fmt.Errorf("negative resolve timeout %s", p.ResolveTimeout)
	}
	return nil
}
