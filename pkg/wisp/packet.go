// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wisp

import "fmt"

// PacketType identifies the payload carried by a packet.
type PacketType uint8

// Packet types.
const (
	TypeConnect  PacketType = 0x01
	TypeData     PacketType = 0x02
	TypeContinue PacketType = 0x03
	TypeClose    PacketType = 0x04
	TypeInfo     PacketType = 0x05
)

// String returns the protocol name of the packet type.
func (t PacketType) String() string {
	switch t {
	case TypeConnect:
		return "CONNECT"
	case TypeData:
		return "DATA"
	case TypeContinue:
		return "CONTINUE"
	case TypeClose:
		return "CLOSE"
	case TypeInfo:
		return "INFO"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// StreamType is the transport requested by a CONNECT packet.
type StreamType uint8

// Stream types.
const (
	StreamTCP StreamType = 0x01
	StreamUDP StreamType = 0x02
)

func (s StreamType) String() string {
	switch s {
	case StreamTCP:
		return "TCP"
	case StreamUDP:
		return "UDP"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(s))
	}
}

// CloseReason is the reason code carried by a CLOSE packet.
type CloseReason uint8

// Close reasons usable by both sides.
const (
	CloseUnknown      CloseReason = 0x01
	CloseVoluntary    CloseReason = 0x02
	CloseNetworkError CloseReason = 0x03
	CloseIncompatible CloseReason = 0x04
)

// Close reasons sent by the server.
const (
	CloseInvalidInfo       CloseReason = 0x41
	CloseUnreachable       CloseReason = 0x42
	CloseConnectTimeout    CloseReason = 0x43
	CloseConnectionRefused CloseReason = 0x44
	CloseTCPTimeout        CloseReason = 0x47
	CloseHostBlocked       CloseReason = 0x48
	CloseThrottled         CloseReason = 0x49
)

// Close reasons sent by the client.
const (
	CloseClientError CloseReason = 0x81
)

// Authentication close reasons.
const (
	CloseAuthPassword  CloseReason = 0xc0
	CloseAuthSignature CloseReason = 0xc1
	CloseAuthMissing   CloseReason = 0xc2
)

var closeReasonText = map[CloseReason]string{
	CloseUnknown:           "reason unspecified or unknown",
	CloseVoluntary:         "voluntary stream closure",
	CloseNetworkError:      "unexpected stream closure due to a network error",
	CloseIncompatible:      "incompatible extensions",
	CloseInvalidInfo:       "stream creation failed due to invalid information",
	CloseUnreachable:       "stream creation failed due to an unreachable destination host",
	CloseConnectTimeout:    "stream creation timed out",
	CloseConnectionRefused: "stream creation refused by the destination server",
	CloseTCPTimeout:        "TCP data transfer timed out",
	CloseHostBlocked:       "destination blocked by policy",
	CloseThrottled:         "connection throttled by the server",
	CloseClientError:       "client encountered an unexpected error",
	CloseAuthPassword:      "authentication failed due to invalid username or password",
	CloseAuthSignature:     "authentication failed due to invalid signature",
	CloseAuthMissing:       "authentication required but no credentials provided",
}

// String returns the registered description of the reason.
func (r CloseReason) String() string {
	if text, ok := closeReasonText[r]; ok {
		return text
	}
	return fmt.Sprintf("unknown close reason 0x%02x", uint8(r))
}

// Known reports whether the reason is in the close reason registry.
func (r CloseReason) Known() bool {
	_, ok := closeReasonText[r]
	return ok
}

// Version is a Wisp protocol version.
type Version struct {
	Major uint8
	Minor uint8
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Protocol versions.
var (
	V1 = Version{Major: 1, Minor: 0}
	V2 = Version{Major: 2, Minor: 0}
)

// Packet is a decoded Wisp frame.
type Packet struct {
	Type     PacketType
	StreamID uint32
	Payload  Payload
}

// Payload is implemented by the per-type payloads of a packet.
type Payload interface {
	packetType() PacketType
}

// ConnectPayload opens a stream to Host:Port.
type ConnectPayload struct {
	StreamType StreamType
	Port       uint16
	Host       string
}

// DataPayload carries stream bytes verbatim.
type DataPayload struct {
	Data []byte
}

// ContinuePayload grants flow-control credit.
type ContinuePayload struct {
	Remaining uint32
}

// ClosePayload terminates a stream.
type ClosePayload struct {
	Reason CloseReason
}

// InfoPayload is the version and capability handshake sent on stream 0.
type InfoPayload struct {
	Version    Version
	Extensions []Extension
}

func (*ConnectPayload) packetType() PacketType  { return TypeConnect }
func (*DataPayload) packetType() PacketType     { return TypeData }
func (*ContinuePayload) packetType() PacketType { return TypeContinue }
func (*ClosePayload) packetType() PacketType    { return TypeClose }
func (*InfoPayload) packetType() PacketType     { return TypeInfo }

// Connect returns the CONNECT payload, or nil for other packet types.
func (p *Packet) Connect() *ConnectPayload {
	c, _ := p.Payload.(*ConnectPayload)
	return c
}

// Data returns the DATA payload, or nil for other packet types.
func (p *Packet) Data() *DataPayload {
	d, _ := p.Payload.(*DataPayload)
	return d
}

// Continue returns the CONTINUE payload, or nil for other packet types.
func (p *Packet) Continue() *ContinuePayload {
	c, _ := p.Payload.(*ContinuePayload)
	return c
}

// Close returns the CLOSE payload, or nil for other packet types.
func (p *Packet) Close() *ClosePayload {
	c, _ := p.Payload.(*ClosePayload)
	return c
}

// Info returns the INFO payload, or nil for other packet types.
func (p *Packet) Info() *InfoPayload {
	i, _ := p.Payload.(*InfoPayload)
	return i
}

func (p *Packet) String() string {
	switch pl := p.Payload.(type) {
	case *ConnectPayload:
		return fmt.Sprintf("CONNECT stream=%d %s %s:%d", p.StreamID, pl.StreamType, pl.Host, pl.Port)
	case *DataPayload:
		return fmt.Sprintf("DATA stream=%d len=%d", p.StreamID, len(pl.Data))
	case *ContinuePayload:
		return fmt.Sprintf("CONTINUE stream=%d remaining=%d", p.StreamID, pl.Remaining)
	case *ClosePayload:
		return fmt.Sprintf("CLOSE stream=%d reason=0x%02x", p.StreamID, uint8(pl.Reason))
	case *InfoPayload:
		return fmt.Sprintf("INFO stream=%d version=%s extensions=%d", p.StreamID, pl.Version, len(pl.Extensions))
	default:
		return fmt.Sprintf("%s stream=%d", p.Type, p.StreamID)
	}
}

// NewConnect builds a CONNECT packet.
func NewConnect(streamID uint32, streamType StreamType, host string, port uint16) *Packet {
	return &Packet{
		Type:     TypeConnect,
		StreamID: streamID,
		Payload:  &ConnectPayload{StreamType: streamType, Port: port, Host: host},
	}
}

// NewData builds a DATA packet.
func NewData(streamID uint32, data []byte) *Packet {
	return &Packet{Type: TypeData, StreamID: streamID, Payload: &DataPayload{Data: data}}
}

// NewContinue builds a CONTINUE packet.
func NewContinue(streamID, remaining uint32) *Packet {
	return &Packet{Type: TypeContinue, StreamID: streamID, Payload: &ContinuePayload{Remaining: remaining}}
}

// NewClose builds a CLOSE packet.
func NewClose(streamID uint32, reason CloseReason) *Packet {
	return &Packet{Type: TypeClose, StreamID: streamID, Payload: &ClosePayload{Reason: reason}}
}

// NewInfo builds an INFO packet on stream 0.
func NewInfo(version Version, extensions ...Extension) *Packet {
	return &Packet{Type: TypeInfo, StreamID: 0, Payload: &InfoPayload{Version: version, Extensions: extensions}}
}
