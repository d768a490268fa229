// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package filter decides whether a Wisp CONNECT may reach its destination.
//
// Checks run in a fixed order and the first failing one wins:
//
//  1. stream type (TCP, UDP)
//  2. well-known TLS ports (443, 8443, 9443)
//  3. port whitelist or blacklist, with inclusive ranges
//  4. address class. Literal IPs, including the octal, hex and short IPv4
//     forms resolvers accept, are checked for direct, private and loopback
//     access. A name ending in a numeric label that is no valid address is
//     denied. Domains are checked for loopback-like names, then
//     against the host glob list, then resolved so that every address can be
//     re-checked when private or loopback access is restricted.
//
// Every denial maps to the same wire reason, wisp.CloseHostBlocked. Result.Cause
// names the failing check for logs and observers.
package filter
