// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wisp

import (
	"encoding/binary"
	"fmt"

	mperrors "github.com/Scaratech/Mittens/pkg/errors"
)

// HeaderSize is the fixed packet header: type(1) + stream id(4).
const HeaderSize = 5

// extensionHeaderSize is id(1) + payload length(4).
const extensionHeaderSize = 5

var (
	errMalformed = mperrors.ErrMalformedPacket
	errTruncated = mperrors.ErrTruncatedExtension
)

// minSize is the smallest valid frame per packet type.
var minSize = map[PacketType]int{
	TypeConnect:  HeaderSize + 3,
	TypeData:     HeaderSize,
	TypeContinue: HeaderSize + 4,
	TypeClose:    HeaderSize + 1,
	TypeInfo:     HeaderSize + 2,
}

// Decode parses one frame. Errors wrap ErrMalformedPacket or
// ErrTruncatedExtension.
func Decode(raw []byte) (*Packet, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("%w: frame too short: %d bytes", errMalformed, len(raw))
	}

	pkt := &Packet{
		Type:     PacketType(raw[0]),
		StreamID: binary.LittleEndian.Uint32(raw[1:5]),
	}

	need, ok := minSize[pkt.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown packet type 0x%02x", errMalformed, raw[0])
	}
	if len(raw) < need {
		return nil, fmt.Errorf("%w: %s frame too short: %d bytes (need %d)", errMalformed, pkt.Type, len(raw), need)
	}

	body := raw[HeaderSize:]
	switch pkt.Type {
	case TypeConnect:
		pkt.Payload = &ConnectPayload{
			StreamType: StreamType(body[0]),
			Port:       binary.LittleEndian.Uint16(body[1:3]),
			Host:       string(body[3:]),
		}
	case TypeData:
		pkt.Payload = &DataPayload{Data: clone(body)}
	case TypeContinue:
		pkt.Payload = &ContinuePayload{Remaining: binary.LittleEndian.Uint32(body[0:4])}
	case TypeClose:
		pkt.Payload = &ClosePayload{Reason: CloseReason(body[0])}
	case TypeInfo:
		exts, err := decodeExtensions(body[2:])
		if err != nil {
			return nil, err
		}
		pkt.Payload = &InfoPayload{
			Version:    Version{Major: body[0], Minor: body[1]},
			Extensions: exts,
		}
	}

	return pkt, nil
}

func decodeExtensions(b []byte) ([]Extension, error) {
	var exts []Extension
	for len(b) > 0 {
		if len(b) < extensionHeaderSize {
			return nil, fmt.Errorf("%w: %d bytes left for a record header", errTruncated, len(b))
		}
		id := ExtensionID(b[0])
		size := binary.LittleEndian.Uint32(b[1:5])
		b = b[extensionHeaderSize:]
		if uint64(size) > uint64(len(b)) {
			return nil, fmt.Errorf("%w: %s record declares %d bytes, %d left", errTruncated, id, size, len(b))
		}

		ext, err := decodeExtension(id, b[:size])
		if err != nil {
			return nil, err
		}
		if ext != nil {
			exts = append(exts, ext)
		}
		b = b[size:]
	}
	return exts, nil
}

// Encode serializes a packet. It does not re-validate payload invariants;
// a nil or mismatched payload encodes as an empty body.
func Encode(pkt *Packet) []byte {
	var body []byte

	switch p := pkt.Payload.(type) {
	case *ConnectPayload:
		body = make([]byte, 3, 3+len(p.Host))
		body[0] = byte(p.StreamType)
		binary.LittleEndian.PutUint16(body[1:3], p.Port)
		body = append(body, p.Host...)
	case *DataPayload:
		body = p.Data
	case *ContinuePayload:
		body = binary.LittleEndian.AppendUint32(nil, p.Remaining)
	case *ClosePayload:
		body = []byte{byte(p.Reason)}
	case *InfoPayload:
		body = []byte{p.Version.Major, p.Version.Minor}
		for _, ext := range p.Extensions {
			data := ext.payload()
			body = append(body, byte(ext.ID()))
			body = binary.LittleEndian.AppendUint32(body, uint32(len(data)))
			body = append(body, data...)
		}
	}

	buf := make([]byte, HeaderSize+len(body))
	buf[0] = byte(pkt.Type)
	binary.LittleEndian.PutUint32(buf[1:5], pkt.StreamID)
	copy(buf[HeaderSize:], body)
	return buf
}
