// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/tomasen/realip"
)

// Proxy headers understood by ClientIP.
const (
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderRealIP       = "X-Real-IP"
	HeaderCFConnecting = "CF-Connecting-IP"
)

// ClientIP returns the client address of r. Proxy headers are only trusted
// when trustProxy is set: a named header is read exactly, an empty header
// name falls back to the usual header heuristics. The peer address is used
// whenever the header yields nothing.
func ClientIP(r *http.Request, trustProxy bool, header string) string {
	if trustProxy {
		if ip := fromHeader(r, header); ip != "" {
			return ip
		}
	}
	return remoteHost(r.RemoteAddr)
}

func fromHeader(r *http.Request, header string) string {
	switch {
	case header == "":
		return realip.FromRequest(r)
	case strings.EqualFold(header, HeaderForwardedFor):
		first, _, _ := strings.Cut(r.Header.Get(HeaderForwardedFor), ",")
		return strings.TrimSpace(first)
	default:
		return strings.TrimSpace(r.Header.Get(header))
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Drop closes the client socket without writing an HTTP response. The peer
// sees the handshake fail with no explanation.
func Drop(w http.ResponseWriter) error {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return errors.New("response writer does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return err
	}
	return conn.Close()
}
