package agent

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilcore/veil/wire"
)

func readRequest(t *testing.T, raw []byte) (byte, wire.HostKind, []byte, uint16) {
	t.Helper()
	cmd, kind, host, port, err := socks5ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	require.NoError(t, err)
	return cmd, kind, host, port
}

func TestSOCKS5ReadRequestIPv4(t *testing.T) {
	cmd, kind, host, port := readRequest(t,
		[]byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x23, 0x28})
	assert.Equal(t, byte(socksCmdConnect), cmd)
	assert.Equal(t, wire.HostKindIPv4, kind)
	assert.Equal(t, []byte{127, 0, 0, 1}, host)
	assert.Equal(t, uint16(9000), port)
}

func TestSOCKS5ReadRequestIPv6(t *testing.T) {
	raw := []byte{0x05, 0x01, 0x00, 0x04}
	addr := make([]byte, 16)
	addr[15] = 1
	raw = append(raw, addr...)
	raw = append(raw, 0x00, 0x50)

	cmd, kind, host, port := readRequest(t, raw)
	assert.Equal(t, byte(socksCmdConnect), cmd)
	assert.Equal(t, wire.HostKindIPv6, kind)
	assert.Equal(t, addr, host)
	assert.Equal(t, uint16(80), port)
}

func TestSOCKS5ReadRequestDomain(t *testing.T) {
	raw := []byte{0x05, 0x01, 0x00, 0x03, byte(len("example.com"))}
	raw = append(raw, []byte("example.com")...)
	raw = append(raw, 0x01, 0xbb)

	_, kind, host, port := readRequest(t, raw)
	assert.Equal(t, wire.HostKindDomain, kind)
	assert.Equal(t, "example.com", string(host))
	assert.Equal(t, uint16(443), port)
}

func TestSOCKS5ReadRequestUDPAssociate(t *testing.T) {
	cmd, _, _, _ := readRequest(t,
		[]byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	assert.Equal(t, byte(socksCmdUDPAssociate), cmd)
}

func TestSOCKS5ReadRequestRejectsBadVersion(t *testing.T) {
	raw := []byte{0x04, 0x01, 0x00, 0x01, 1, 2, 3, 4, 0, 80}
	_, _, _, _, err := socks5ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	assert.Error(t, err)
}

func TestSOCKS5ReadRequestRejectsUnknownAddressType(t *testing.T) {
	raw := []byte{0x05, 0x01, 0x00, 0x02, 1, 2, 3, 4, 0, 80}
	_, _, _, _, err := socks5ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	assert.Error(t, err)
}

func TestSOCKS5UDPDatagramRoundTripIPv4(t *testing.T) {
	encoded := encodeSOCKS5UDPDatagram(wire.HostKindIPv4, []byte{8, 8, 8, 8}, 53, []byte("ping"))
	dg, ok := parseSOCKS5UDPDatagram(encoded)
	require.True(t, ok)
	assert.Equal(t, wire.HostKindIPv4, dg.hostKind)
	assert.Equal(t, []byte{8, 8, 8, 8}, dg.host)
	assert.Equal(t, uint16(53), dg.port)
	assert.Equal(t, []byte("ping"), dg.payload)
}

func TestSOCKS5UDPDatagramRoundTripDomain(t *testing.T) {
	encoded := encodeSOCKS5UDPDatagram(wire.HostKindDomain, []byte("dns.example"), 53, []byte{0xab})
	dg, ok := parseSOCKS5UDPDatagram(encoded)
	require.True(t, ok)
	assert.Equal(t, wire.HostKindDomain, dg.hostKind)
	assert.Equal(t, "dns.example", string(dg.host))
	assert.Equal(t, []byte{0xab}, dg.payload)
}

func TestParseSOCKS5UDPDatagramRejectsFragments(t *testing.T) {
	encoded := encodeSOCKS5UDPDatagram(wire.HostKindIPv4, []byte{1, 2, 3, 4}, 53, []byte("x"))
	encoded[2] = 1 // FRAG
	_, ok := parseSOCKS5UDPDatagram(encoded)
	assert.False(t, ok)
}

func TestParseSOCKS5UDPDatagramRejectsTruncated(t *testing.T) {
	_, ok := parseSOCKS5UDPDatagram([]byte{0, 0, 0})
	assert.False(t, ok)
	_, ok = parseSOCKS5UDPDatagram([]byte{0, 0, 0, 0x01, 1, 2})
	assert.False(t, ok)
	_, ok = parseSOCKS5UDPDatagram([]byte{0, 0, 0, 0x03, 10, 'a', 'b'})
	assert.False(t, ok)
}

func TestSocksReplyForConnectStatus(t *testing.T) {
	assert.Equal(t, byte(socksReplyOK), socksReplyForConnectStatus(wire.ConnectStatusOK))
	assert.Equal(t, byte(socksReplyRefused), socksReplyForConnectStatus(wire.ConnectStatusRefused))
	assert.Equal(t, byte(socksReplyUnreachable), socksReplyForConnectStatus(wire.ConnectStatusUnreachable))
	assert.Equal(t, byte(socksReplyForbidden), socksReplyForConnectStatus(wire.ConnectStatusForbidden))
	assert.Equal(t, byte(socksReplyTTLExpired), socksReplyForConnectStatus(wire.ConnectStatusTimeout))
}
