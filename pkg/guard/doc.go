// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package guard screens WebSocket upgrade requests by client address and
// user agent before any Wisp traffic exists. Rejected clients are dropped
// at the socket level with Drop.
package guard
