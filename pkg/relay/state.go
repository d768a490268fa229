// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"sync"

	"github.com/Scaratech/Mittens/pkg/wisp"
)

// Classification is the protocol generation of the upstream server, decided
// from its first packet.
type Classification int

const (
	// Unresolved means the first upstream packet was neither INFO nor a
	// stream 0 CONTINUE. The session is handled as V1-compatible.
	Unresolved Classification = iota
	ClassifiedV1
	ClassifiedV2
)

func (c Classification) String() string {
	switch c {
	case ClassifiedV1:
		return "v1"
	case ClassifiedV2:
		return "v2"
	default:
		return "unresolved"
	}
}

// State is the negotiated protocol state of one session.
type State struct {
	mu            sync.RWMutex
	firstSeen     bool
	class         Classification
	version       wisp.Version
	extensions    []wisp.Extension
	synthetic     bool
	handshakeDone bool
}

// classify inspects the first upstream packet. It returns false for every
// later call so that classification happens exactly once.
func (s *State) classify(pkt *wisp.Packet) (Classification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.firstSeen {
		return s.class, false
	}
	s.firstSeen = true

	switch {
	case pkt.Type == wisp.TypeInfo:
		s.class = ClassifiedV2
	case pkt.Type == wisp.TypeContinue && pkt.StreamID == 0:
		s.class = ClassifiedV1
		s.version = wisp.V1
		s.extensions = nil
	}
	return s.class, true
}

// recordInfo persists the server version and extensions.
func (s *State) recordInfo(info *wisp.InfoPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = info.Version
	s.extensions = append([]wisp.Extension(nil), info.Extensions...)
}

func (s *State) markSynthetic() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synthetic = true
}

// finishHandshake returns true the first time it is called.
func (s *State) finishHandshake() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handshakeDone {
		return false
	}
	s.handshakeDone = true
	return true
}

// FirstPacketSeen reports whether the first upstream packet has arrived.
func (s *State) FirstPacketSeen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstSeen
}

// Classification returns the server classification.
func (s *State) Classification() Classification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.class
}

// Version returns the negotiated server version. It is the zero Version
// until the server is classified.
func (s *State) Version() wisp.Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Extensions returns a copy of the server extensions.
func (s *State) Extensions() []wisp.Extension {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]wisp.Extension(nil), s.extensions...)
}

// UDPSupported reports whether the server advertised UDP streams.
func (s *State) UDPSupported() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return wisp.HasExtension(s.extensions, wisp.ExtUDP)
}

// AuthRequired reports whether the server demands password or key
// authentication.
func (s *State) AuthRequired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ext := range s.extensions {
		switch e := ext.(type) {
		case wisp.PasswordAuthServer:
			if e.Required {
				return true
			}
		case wisp.KeyAuthServer:
			if e.Required {
				return true
			}
		}
	}
	return false
}

// Synthetic reports whether the relay answered the server INFO itself.
func (s *State) Synthetic() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synthetic
}
