/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package wire

import (
	"encoding/binary"
	"net"

	"github.com/veilcore/veil/common/errors"
)

// Tag identifies the wire message variant.
type Tag uint8

const (
	TagAuthRequest     Tag = 0x01
	TagAuthResponse    Tag = 0x02
	TagConnectTcp      Tag = 0x10
	TagConnectUdp      Tag = 0x11
	TagConnectResponse Tag = 0x12
	TagData            Tag = 0x20
	TagUdpPacket       Tag = 0x21
	TagHalfClose       Tag = 0x30
	TagClose           Tag = 0x31
	TagPing            Tag = 0x40
	TagPong            Tag = 0x41
)

// HostKind identifies the address form used in ConnectTcp, ConnectResponse,
// and UdpPacket.
type HostKind uint8

const (
	HostKindIPv4   HostKind = 0
	HostKindIPv6   HostKind = 1
	HostKindDomain HostKind = 2
)

// AuthStatus is the status code carried by AuthResponse.
type AuthStatus uint8

const (
	AuthStatusOK          AuthStatus = 0
	AuthStatusUnknownUser AuthStatus = 1
	AuthStatusBadKey      AuthStatus = 2
	AuthStatusReplay      AuthStatus = 3
	AuthStatusThrottled   AuthStatus = 4
)

// ConnectStatus is the status code carried by ConnectResponse.
type ConnectStatus uint8

const (
	ConnectStatusOK          ConnectStatus = 0
	ConnectStatusRefused     ConnectStatus = 1
	ConnectStatusUnreachable ConnectStatus = 2
	ConnectStatusForbidden   ConnectStatus = 3
	ConnectStatusTimeout     ConnectStatus = 4
)

// CloseDirection identifies which half of a tunnel a HalfClose applies
// to.
type CloseDirection uint8

const (
	CloseDirectionAgentToProxy CloseDirection = 0
	CloseDirectionProxyToAgent CloseDirection = 1
)

// Message is any typed wire message variant.
type Message interface {
	Tag() Tag
	encodeBody() []byte
}

// Envelope is a decoded plaintext message plus its wire timestamp,
// mirroring the `uint8 tag | uint64 be timestamp_ms | body` wire
// layout.
type Envelope struct {
	TimestampMs uint64
	Message     Message
}

// Encode serializes msg with the given timestamp into the plaintext
// form that is either sent unencrypted (handshake) or AEAD-sealed
// (every subsequent frame).
func Encode(msg Message, timestampMs uint64) []byte {
	body := msg.encodeBody()
	out := make([]byte, 1+8+len(body))
	out[0] = byte(msg.Tag())
	binary.BigEndian.PutUint64(out[1:9], timestampMs)
	copy(out[9:], body)
	return out
}

// Decode parses a plaintext message produced by Encode.
func Decode(plaintext []byte) (*Envelope, error) {
	if len(plaintext) < 9 {
		return nil, errors.Trace(errors.ErrDecode)
	}
	tag := Tag(plaintext[0])
	timestampMs := binary.BigEndian.Uint64(plaintext[1:9])
	body := plaintext[9:]

	msg, err := decodeBody(tag, body)
	if err != nil {
		return nil, err
	}
	return &Envelope{TimestampMs: timestampMs, Message: msg}, nil
}

func decodeBody(tag Tag, body []byte) (Message, error) {
	switch tag {
	case TagAuthRequest:
		return decodeAuthRequest(body)
	case TagAuthResponse:
		return decodeAuthResponse(body)
	case TagConnectTcp:
		return decodeConnectTcp(body)
	case TagConnectUdp:
		return decodeConnectUdp(body)
	case TagConnectResponse:
		return decodeConnectResponse(body)
	case TagData:
		return decodeData(body)
	case TagUdpPacket:
		return decodeUdpPacket(body)
	case TagHalfClose:
		return decodeHalfClose(body)
	case TagClose:
		return decodeClose(body)
	case TagPing:
		return decodePing(body)
	case TagPong:
		return decodePong(body)
	default:
		return nil, errors.Trace(errors.ErrBadTag)
	}
}

// --- host encoding helper, shared by ConnectTcp/ConnectResponse/UdpPacket ---

func encodeHost(kind HostKind, hostBytes []byte) []byte {
	out := make([]byte, 1+len(hostBytes))
	out[0] = byte(kind)
	copy(out[1:], hostBytes)
	return out
}

// HostFromIP classifies a net.IP into its wire HostKind and raw bytes.
func HostFromIP(ip net.IP) (HostKind, []byte) {
	if v4 := ip.To4(); v4 != nil {
		return HostKindIPv4, v4
	}
	return HostKindIPv6, ip.To16()
}

// hostLength returns the fixed byte length for IP host kinds, or -1 for
// domain (which is length-prefixed by the caller's remaining body).
func hostLength(kind HostKind) int {
	switch kind {
	case HostKindIPv4:
		return 4
	case HostKindIPv6:
		return 16
	default:
		return -1
	}
}

// --- AuthRequest ---

type AuthRequest struct {
	Username          string
	WrappedSessionKey []byte
	Signature         []byte
}

func (m *AuthRequest) Tag() Tag { return TagAuthRequest }

func (m *AuthRequest) encodeBody() []byte {
	userBytes := []byte(m.Username)
	out := make([]byte, 0, 2+len(userBytes)+2+len(m.WrappedSessionKey)+2+len(m.Signature))
	out = appendUint16Prefixed(out, userBytes)
	out = appendUint16Prefixed(out, m.WrappedSessionKey)
	out = appendUint16Prefixed(out, m.Signature)
	return out
}

// SignedPayload returns username || wrapped_key || timestamp_ms, the
// exact bytes covered by the AuthRequest signature.
func (m *AuthRequest) SignedPayload(timestampMs uint64) []byte {
	out := make([]byte, 0, len(m.Username)+len(m.WrappedSessionKey)+8)
	out = append(out, []byte(m.Username)...)
	out = append(out, m.WrappedSessionKey...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], timestampMs)
	out = append(out, ts[:]...)
	return out
}

func decodeAuthRequest(body []byte) (*AuthRequest, error) {
	user, rest, err := readUint16Prefixed(body)
	if err != nil {
		return nil, err
	}
	wrapped, rest, err := readUint16Prefixed(rest)
	if err != nil {
		return nil, err
	}
	sig, _, err := readUint16Prefixed(rest)
	if err != nil {
		return nil, err
	}
	return &AuthRequest{Username: string(user), WrappedSessionKey: wrapped, Signature: sig}, nil
}

// --- AuthResponse ---

type AuthResponse struct {
	Status  AuthStatus
	Message string
}

func (m *AuthResponse) Tag() Tag { return TagAuthResponse }

func (m *AuthResponse) encodeBody() []byte {
	msgBytes := []byte(m.Message)
	out := make([]byte, 0, 1+2+len(msgBytes))
	out = append(out, byte(m.Status))
	out = appendUint16Prefixed(out, msgBytes)
	return out
}

func decodeAuthResponse(body []byte) (*AuthResponse, error) {
	if len(body) < 1 {
		return nil, errors.Trace(errors.ErrDecode)
	}
	status := AuthStatus(body[0])
	msg, _, err := readUint16Prefixed(body[1:])
	if err != nil {
		return nil, err
	}
	return &AuthResponse{Status: status, Message: string(msg)}, nil
}

// --- ConnectTcp ---

type ConnectTcp struct {
	HostKind HostKind
	Host     []byte // raw 4/16 bytes, or domain UTF-8 bytes
	Port     uint16
}

func (m *ConnectTcp) Tag() Tag { return TagConnectTcp }

func (m *ConnectTcp) encodeBody() []byte {
	out := make([]byte, 0, 1+len(m.Host)+2)
	if m.HostKind == HostKindDomain {
		out = append(out, byte(m.HostKind))
		out = appendUint16Prefixed(out, m.Host)
	} else {
		out = append(out, encodeHost(m.HostKind, m.Host)...)
	}
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], m.Port)
	out = append(out, port[:]...)
	return out
}

func decodeConnectTcp(body []byte) (*ConnectTcp, error) {
	if len(body) < 1 {
		return nil, errors.Trace(errors.ErrDecode)
	}
	kind := HostKind(body[0])
	rest := body[1:]
	var host []byte
	var err error
	if kind == HostKindDomain {
		host, rest, err = readUint16Prefixed(rest)
		if err != nil {
			return nil, err
		}
	} else {
		n := hostLength(kind)
		if n < 0 || len(rest) < n {
			return nil, errors.Trace(errors.ErrDecode)
		}
		host = rest[:n]
		rest = rest[n:]
	}
	if len(rest) < 2 {
		return nil, errors.Trace(errors.ErrDecode)
	}
	port := binary.BigEndian.Uint16(rest[:2])
	return &ConnectTcp{HostKind: kind, Host: host, Port: port}, nil
}

// --- ConnectUdp ---

type ConnectUdp struct {
	ClientBindPort uint16
}

func (m *ConnectUdp) Tag() Tag { return TagConnectUdp }

func (m *ConnectUdp) encodeBody() []byte {
	var out [2]byte
	binary.BigEndian.PutUint16(out[:], m.ClientBindPort)
	return out[:]
}

func decodeConnectUdp(body []byte) (*ConnectUdp, error) {
	if len(body) < 2 {
		return nil, errors.Trace(errors.ErrDecode)
	}
	return &ConnectUdp{ClientBindPort: binary.BigEndian.Uint16(body[:2])}, nil
}

// --- ConnectResponse ---

type ConnectResponse struct {
	Status   ConnectStatus
	BndPort  uint16
	BndKind  HostKind
	BndBytes []byte
}

func (m *ConnectResponse) Tag() Tag { return TagConnectResponse }

func (m *ConnectResponse) encodeBody() []byte {
	out := make([]byte, 0, 1+2+1+len(m.BndBytes))
	out = append(out, byte(m.Status))
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], m.BndPort)
	out = append(out, port[:]...)
	out = append(out, byte(m.BndKind))
	out = append(out, m.BndBytes...)
	return out
}

func decodeConnectResponse(body []byte) (*ConnectResponse, error) {
	if len(body) < 4 {
		return nil, errors.Trace(errors.ErrDecode)
	}
	status := ConnectStatus(body[0])
	port := binary.BigEndian.Uint16(body[1:3])
	kind := HostKind(body[3])
	bnd := append([]byte(nil), body[4:]...)
	return &ConnectResponse{Status: status, BndPort: port, BndKind: kind, BndBytes: bnd}, nil
}

// --- Data ---

type Data struct {
	Payload []byte
}

func (m *Data) Tag() Tag { return TagData }

func (m *Data) encodeBody() []byte { return m.Payload }

func decodeData(body []byte) (*Data, error) {
	return &Data{Payload: append([]byte(nil), body...)}, nil
}

// --- UdpPacket ---

type UdpPacket struct {
	HostKind HostKind
	Host     []byte
	Port     uint16
	Payload  []byte
}

func (m *UdpPacket) Tag() Tag { return TagUdpPacket }

func (m *UdpPacket) encodeBody() []byte {
	out := make([]byte, 0, 1+len(m.Host)+2+2+len(m.Payload))
	if m.HostKind == HostKindDomain {
		out = append(out, byte(m.HostKind))
		out = appendUint16Prefixed(out, m.Host)
	} else {
		out = append(out, encodeHost(m.HostKind, m.Host)...)
	}
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], m.Port)
	out = append(out, port[:]...)
	out = appendUint16Prefixed(out, m.Payload)
	return out
}

func decodeUdpPacket(body []byte) (*UdpPacket, error) {
	if len(body) < 1 {
		return nil, errors.Trace(errors.ErrDecode)
	}
	kind := HostKind(body[0])
	rest := body[1:]
	var host []byte
	var err error
	if kind == HostKindDomain {
		host, rest, err = readUint16Prefixed(rest)
		if err != nil {
			return nil, err
		}
	} else {
		n := hostLength(kind)
		if n < 0 || len(rest) < n {
			return nil, errors.Trace(errors.ErrDecode)
		}
		host = rest[:n]
		rest = rest[n:]
	}
	if len(rest) < 2 {
		return nil, errors.Trace(errors.ErrDecode)
	}
	port := binary.BigEndian.Uint16(rest[:2])
	rest = rest[2:]
	payload, _, err := readUint16Prefixed(rest)
	if err != nil {
		return nil, err
	}
	return &UdpPacket{HostKind: kind, Host: host, Port: port, Payload: payload}, nil
}

// --- HalfClose ---

type HalfClose struct {
	Direction CloseDirection
}

func (m *HalfClose) Tag() Tag { return TagHalfClose }

func (m *HalfClose) encodeBody() []byte { return []byte{byte(m.Direction)} }

func decodeHalfClose(body []byte) (*HalfClose, error) {
	if len(body) < 1 {
		return nil, errors.Trace(errors.ErrDecode)
	}
	return &HalfClose{Direction: CloseDirection(body[0])}, nil
}

// --- Close ---

// CloseReason indicates why a tunnel was closed.
type CloseReason uint8

const (
	CloseReasonNormal CloseReason = 0
	CloseReasonError  CloseReason = 1
	CloseReasonAuth   CloseReason = 2
	CloseReasonTarget CloseReason = 3
)

type Close struct {
	Reason CloseReason
}

func (m *Close) Tag() Tag { return TagClose }

func (m *Close) encodeBody() []byte { return []byte{byte(m.Reason)} }

func decodeClose(body []byte) (*Close, error) {
	if len(body) < 1 {
		return nil, errors.Trace(errors.ErrDecode)
	}
	return &Close{Reason: CloseReason(body[0])}, nil
}

// --- Ping / Pong ---

type Ping struct {
	Cookie uint64
}

func (m *Ping) Tag() Tag { return TagPing }

func (m *Ping) encodeBody() []byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], m.Cookie)
	return out[:]
}

func decodePing(body []byte) (*Ping, error) {
	if len(body) < 8 {
		return nil, errors.Trace(errors.ErrDecode)
	}
	return &Ping{Cookie: binary.BigEndian.Uint64(body[:8])}, nil
}

type Pong struct {
	Cookie uint64
}

func (m *Pong) Tag() Tag { return TagPong }

func (m *Pong) encodeBody() []byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], m.Cookie)
	return out[:]
}

func decodePong(body []byte) (*Pong, error) {
	if len(body) < 8 {
		return nil, errors.Trace(errors.ErrDecode)
	}
	return &Pong{Cookie: binary.BigEndian.Uint64(body[:8])}, nil
}

// --- shared uint16-length-prefixed helpers ---

func appendUint16Prefixed(out []byte, data []byte) []byte {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(data)))
	out = append(out, n[:]...)
	out = append(out, data...)
	return out
}

func readUint16Prefixed(body []byte) (data []byte, rest []byte, err error) {
	if len(body) < 2 {
		return nil, nil, errors.Trace(errors.ErrDecode)
	}
	n := int(binary.BigEndian.Uint16(body[:2]))
	body = body[2:]
	if len(body) < n {
		return nil, nil, errors.Trace(errors.ErrDecode)
	}
	return body[:n], body[n:], nil
}
