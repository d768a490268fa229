// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wisp

import "fmt"

// ExtensionID identifies an INFO extension record.
type ExtensionID uint8

// Extension ids.
const (
	ExtUDP                    ExtensionID = 0x01
	ExtPasswordAuth           ExtensionID = 0x02
	ExtKeyAuth                ExtensionID = 0x03
	ExtServerMOTD             ExtensionID = 0x04
	ExtStreamOpenConfirmation ExtensionID = 0x05
)

var extensionNames = map[ExtensionID]string{
	ExtUDP:                    "udp",
	ExtPasswordAuth:           "password_auth",
	ExtKeyAuth:                "key_auth",
	ExtServerMOTD:             "server_motd",
	ExtStreamOpenConfirmation: "stream_open_confirmation",
}

func (id ExtensionID) String() string {
	if name, ok := extensionNames[id]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(id))
}

// KeyHashSize is the length of the public key hash sent by a KEY_AUTH client.
const KeyHashSize = 32

// Key authentication algorithms, one bit each.
const (
	AlgEd25519 uint8 = 0x01
)

// signatureSizes maps a single-bit algorithm code to its fixed signature length.
var signatureSizes = map[uint8]int{
	AlgEd25519: 64,
}

// SignatureSize returns the signature length of a single-bit algorithm code.
func SignatureSize(alg uint8) (int, bool) {
	n, ok := signatureSizes[alg]
	return n, ok
}

// Extension is one capability record of an INFO packet. The concrete types
// are UDP, PasswordAuthServer, PasswordAuthClient, KeyAuthServer,
// KeyAuthClient, ServerMOTD, StreamOpenConfirmation and RawExtension.
type Extension interface {
	ID() ExtensionID
	payload() []byte
}

// UDP advertises UDP stream support.
type UDP struct{}

// PasswordAuthServer is the server form of password authentication.
type PasswordAuthServer struct {
	Required bool
}

// PasswordAuthClient carries client credentials.
type PasswordAuthClient struct {
	Username string
	Password string
}

// KeyAuthServer is the server form of key authentication: the supported
// algorithms bitmask and the challenge to sign.
type KeyAuthServer struct {
	Required   bool
	Algorithms uint8
	Challenge  []byte
}

// KeyAuthClient is the client response to a key authentication challenge.
type KeyAuthClient struct {
	Algorithm     uint8
	PublicKeyHash [KeyHashSize]byte
	Signature     []byte
}

// ServerMOTD carries the server message of the day.
type ServerMOTD struct {
	Message string
}

// StreamOpenConfirmation advertises CONTINUE-on-open confirmations.
type StreamOpenConfirmation struct{}

// RawExtension is a record whose id the codec does not interpret. It is
// kept opaque so re-encoding reproduces it.
type RawExtension struct {
	ExtID ExtensionID
	Data  []byte
}

func (UDP) ID() ExtensionID                    { return ExtUDP }
func (PasswordAuthServer) ID() ExtensionID     { return ExtPasswordAuth }
func (PasswordAuthClient) ID() ExtensionID     { return ExtPasswordAuth }
func (KeyAuthServer) ID() ExtensionID          { return ExtKeyAuth }
func (KeyAuthClient) ID() ExtensionID          { return ExtKeyAuth }
func (ServerMOTD) ID() ExtensionID             { return ExtServerMOTD }
func (StreamOpenConfirmation) ID() ExtensionID { return ExtStreamOpenConfirmation }
func (r RawExtension) ID() ExtensionID         { return r.ExtID }

func (UDP) payload() []byte { return nil }

func (e PasswordAuthServer) payload() []byte {
	return []byte{boolByte(e.Required)}
}

func (e PasswordAuthClient) payload() []byte {
	b := make([]byte, 0, 1+len(e.Username)+len(e.Password))
	b = append(b, byte(len(e.Username)))
	b = append(b, e.Username...)
	return append(b, e.Password...)
}

func (e KeyAuthServer) payload() []byte {
	b := make([]byte, 0, 2+len(e.Challenge))
	b = append(b, boolByte(e.Required), e.Algorithms)
	return append(b, e.Challenge...)
}

func (e KeyAuthClient) payload() []byte {
	b := make([]byte, 0, 1+KeyHashSize+len(e.Signature))
	b = append(b, e.Algorithm)
	b = append(b, e.PublicKeyHash[:]...)
	return append(b, e.Signature...)
}

func (e ServerMOTD) payload() []byte { return []byte(e.Message) }

func (StreamOpenConfirmation) payload() []byte { return nil }

func (r RawExtension) payload() []byte { return r.Data }

// decodeExtension interprets one record body. A nil extension with a nil
// error means the record is dropped.
func decodeExtension(id ExtensionID, data []byte) (Extension, error) {
	switch id {
	case ExtUDP:
		return UDP{}, nil
	case ExtStreamOpenConfirmation:
		return StreamOpenConfirmation{}, nil
	case ExtServerMOTD:
		return ServerMOTD{Message: string(data)}, nil
	case ExtPasswordAuth:
		return decodePasswordAuth(data)
	case ExtKeyAuth:
		return decodeKeyAuth(data), nil
	default:
		return RawExtension{ExtID: id, Data: clone(data)}, nil
	}
}

// decodePasswordAuth dispatches on length only: one byte is the server
// required flag, anything longer is client credentials.
func decodePasswordAuth(data []byte) (Extension, error) {
	switch {
	case len(data) == 0:
		return nil, nil
	case len(data) == 1:
		return PasswordAuthServer{Required: data[0] != 0}, nil
	}
	ulen := int(data[0])
	if 1+ulen > len(data) {
		return nil, fmt.Errorf("%w: password auth username length %d exceeds record", errTruncated, ulen)
	}
	return PasswordAuthClient{
		Username: string(data[1 : 1+ulen]),
		Password: string(data[1+ulen:]),
	}, nil
}

// decodeKeyAuth picks the client shape when the record is exactly
// algorithm + key hash + signature for a known single-bit algorithm, and the
// server shape otherwise. Records too short for either shape are dropped.
func decodeKeyAuth(data []byte) Extension {
	if len(data) > 0 {
		alg := data[0]
		if sigLen, ok := SignatureSize(alg); ok && len(data) == 1+KeyHashSize+sigLen {
			ext := KeyAuthClient{
				Algorithm: alg,
				Signature: clone(data[1+KeyHashSize:]),
			}
			copy(ext.PublicKeyHash[:], data[1:1+KeyHashSize])
			return ext
		}
	}
	if len(data) < 2 {
		return nil
	}
	return KeyAuthServer{
		Required:   data[0] != 0,
		Algorithms: data[1],
		Challenge:  clone(data[2:]),
	}
}

// HasExtension reports whether exts contains an extension with the given id.
func HasExtension(exts []Extension, id ExtensionID) bool {
	for _, e := range exts {
		if e.ID() == id {
			return true
		}
	}
	return false
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// clone copies b. Empty input yields nil, matching the zero value of the
// payload fields it fills.
func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
