package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilcore/veil/wire"
)

func TestParseRequestLine(t *testing.T) {
	method, target, version, ok := parseRequestLine("CONNECT example.test:443 HTTP/1.1")
	require.True(t, ok)
	assert.Equal(t, "CONNECT", method)
	assert.Equal(t, "example.test:443", target)
	assert.Equal(t, "HTTP/1.1", version)
}

func TestParseRequestLineRejectsMalformed(t *testing.T) {
	for _, line := range []string{"", "GET /", "GET / HTTP/1.1 extra"} {
		_, _, _, ok := parseRequestLine(line)
		assert.False(t, ok, "%q", line)
	}
}

func TestTargetFromRequestAbsoluteURI(t *testing.T) {
	host, port, err := targetFromRequest("http://example.test:8080/index.html", nil)
	require.NoError(t, err)
	assert.Equal(t, "example.test", host)
	assert.Equal(t, uint16(8080), port)
}

func TestTargetFromRequestAbsoluteURIDefaultPort(t *testing.T) {
	host, port, err := targetFromRequest("http://example.test/", nil)
	require.NoError(t, err)
	assert.Equal(t, "example.test", host)
	assert.Equal(t, uint16(80), port)
}

func TestTargetFromRequestHostHeader(t *testing.T) {
	host, port, err := targetFromRequest("/index.html", map[string]string{"host": "example.test:81"})
	require.NoError(t, err)
	assert.Equal(t, "example.test", host)
	assert.Equal(t, uint16(81), port)
}

func TestTargetFromRequestMissingHostHeader(t *testing.T) {
	_, _, err := targetFromRequest("/index.html", map[string]string{})
	assert.Error(t, err)
}

func TestHostToWireIPv4(t *testing.T) {
	kind, host := hostToWire("127.0.0.1")
	assert.Equal(t, wire.HostKindIPv4, kind)
	assert.Equal(t, []byte{127, 0, 0, 1}, host)
}

func TestHostToWireIPv6(t *testing.T) {
	kind, host := hostToWire("::1")
	assert.Equal(t, wire.HostKindIPv6, kind)
	assert.Len(t, host, 16)
}

func TestHostToWireDomainPunycode(t *testing.T) {
	kind, host := hostToWire("bücher.example")
	assert.Equal(t, wire.HostKindDomain, kind)
	assert.Equal(t, "xn--bcher-kva.example", string(host))
}

func TestHTTPStatusForConnect(t *testing.T) {
	assert.Equal(t, 504, httpStatusForConnect(wire.ConnectStatusTimeout))
	assert.Equal(t, 403, httpStatusForConnect(wire.ConnectStatusForbidden))
	assert.Equal(t, 502, httpStatusForConnect(wire.ConnectStatusRefused))
	assert.Equal(t, 502, httpStatusForConnect(wire.ConnectStatusUnreachable))
}
