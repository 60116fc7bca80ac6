package e2e

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilcore/veil/agent"
	"github.com/veilcore/veil/proxy"
	"github.com/veilcore/veil/userstore"
)

const e2eTestKeyBits = 1024

// envConfig parameterizes one proxy+agent pair. register controls
// whether the agent's username exists in the proxy's user store.
type envConfig struct {
	username string
	register bool
	limitBps int64
}

type testEnv struct {
	store     *userstore.MemoryStore
	agentAddr string
}

// startEnv wires a proxy server, an agent pool, and an agent listener
// together the way cmd/agent and cmd/proxy would, against an
// in-memory user store. Cleanup closes the components in reverse
// order, the pool's tunnels first so the proxy's session goroutines
// unblock before its Close waits on them.
func startEnv(t *testing.T, ctx context.Context, cfg envConfig) *testEnv {
	t.Helper()

	userKey, err := rsa.GenerateKey(rand.Reader, e2eTestKeyBits)
	require.NoError(t, err)
	proxyKey, err := rsa.GenerateKey(rand.Reader, e2eTestKeyBits)
	require.NoError(t, err)

	store := userstore.NewMemoryStore()
	if cfg.register {
		store.Put(userstore.Record{
			Username:          cfg.username,
			PublicKey:         &userKey.PublicKey,
			BandwidthLimitBps: cfg.limitBps,
			MaxConcurrent:     10,
		})
	}

	proxyServer, err := proxy.NewServer(&proxy.Config{
		ListenAddr:          "127.0.0.1:0",
		ServerPrivateKey:    proxyKey,
		Store:               store,
		AllowPrivateTargets: true,
	})
	require.NoError(t, err)
	require.NoError(t, proxyServer.Serve(ctx))
	t.Cleanup(func() { _ = proxyServer.Close() })

	agentConfig := &agent.Config{
		ListenAddr:     "127.0.0.1:0",
		ProxyAddr:      proxyServer.Addr().String(),
		Username:       cfg.username,
		UserPrivateKey: userKey,
		ProxyPublicKey: &proxyKey.PublicKey,
		PoolSize:       1,
	}

	pool, err := agent.NewPool(ctx, agentConfig)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	listener, err := agent.Listen(ctx, agentConfig, pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	return &testEnv{store: store, agentAddr: listener.Addr().String()}
}

func dialAgent(t *testing.T, env *testEnv, deadline time.Duration) net.Conn {
	t.Helper()
	client, err := net.DialTimeout("tcp", env.agentAddr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.SetDeadline(time.Now().Add(deadline)))
	return client
}

// runMockTarget accepts exactly one connection, reads until the blank
// line terminating an HTTP request, and replies with a fixed 200
// response.
func runMockTarget(t *testing.T) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil || line == "\r\n" || line == "\n" {
				break
			}
		}
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nOK")
	}()

	return listener
}

// runEchoTarget accepts exactly one connection and echoes every byte
// it receives until EOF.
func runEchoTarget(t *testing.T) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()

	return listener
}

// readHTTPReply consumes an HTTP status line plus the blank line
// terminating its (empty) header block, returning the status line.
func readHTTPReply(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	blank, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "\r\n", blank)
	return status
}

// socks5Handshake runs the no-auth greeting and sends one request,
// returning the reply code and the bound address from the reply.
func socks5Handshake(t *testing.T, client net.Conn, request []byte) (replyCode byte, bndIP net.IP, bndPort uint16) {
	t.Helper()

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	greeting := make([]byte, 2)
	_, err = io.ReadFull(client, greeting)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00}, greeting)

	_, err = client.Write(request)
	require.NoError(t, err)

	header := make([]byte, 4)
	_, err = io.ReadFull(client, header)
	require.NoError(t, err)
	require.Equal(t, byte(0x05), header[0])

	switch header[3] {
	case 0x01:
		bnd := make([]byte, 6)
		_, err = io.ReadFull(client, bnd)
		require.NoError(t, err)
		return header[1], net.IPv4(bnd[0], bnd[1], bnd[2], bnd[3]), binary.BigEndian.Uint16(bnd[4:6])
	case 0x04:
		bnd := make([]byte, 18)
		_, err = io.ReadFull(client, bnd)
		require.NoError(t, err)
		return header[1], net.IP(bnd[:16]), binary.BigEndian.Uint16(bnd[16:18])
	default:
		t.Fatalf("unexpected reply address type 0x%02x", header[3])
		return 0, nil, 0
	}
}

// TestHTTPGetSuccessEndToEnd drives a plain HTTP GET through the
// agent, proxy, and a mock HTTP target.
func TestHTTPGetSuccessEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := startEnv(t, ctx, envConfig{username: "alice", register: true})

	target := runMockTarget(t)

	client := dialAgent(t, env, 5*time.Second)
	request := "GET http://" + target.Addr().String() + "/ HTTP/1.1\r\nHost: example.test\r\n\r\n"
	_, err := io.WriteString(client, request)
	require.NoError(t, err)

	// Half-close the write side so the Agent's read-from-client loop
	// sees EOF and half-closes its own side of the tunnel, without
	// tearing down the read side this test still needs.
	tcpClient, ok := client.(*net.TCPConn)
	require.True(t, ok)
	require.NoError(t, tcpClient.CloseWrite())

	response, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nOK", string(response))

	// The proxy accounts the forwarded request as bytes_in and the
	// target's response as bytes_out.
	stats := env.store.Snapshot()
	require.Len(t, stats, 1)
	assert.EqualValues(t, len(request), stats[0].BytesIn)
	assert.EqualValues(t, len(response), stats[0].BytesOut)
}

// TestHTTPConnectEchoEndToEnd drives a CONNECT tunnel and confirms a
// simulated 48-byte ClientHello comes back intact from an echo
// target.
func TestHTTPConnectEchoEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := startEnv(t, ctx, envConfig{username: "alice", register: true})

	target := runEchoTarget(t)

	client := dialAgent(t, env, 10*time.Second)
	_, err := io.WriteString(client, "CONNECT "+target.Addr().String()+" HTTP/1.1\r\n\r\n")
	require.NoError(t, err)

	reader := bufio.NewReader(client)
	status := readHTTPReply(t, reader)
	require.True(t, strings.HasPrefix(status, "HTTP/1.1 200"), status)

	hello := make([]byte, 48)
	_, err = rand.Read(hello)
	require.NoError(t, err)
	_, err = client.Write(hello)
	require.NoError(t, err)

	echoed := make([]byte, len(hello))
	_, err = io.ReadFull(reader, echoed)
	require.NoError(t, err)
	assert.Equal(t, hello, echoed)
}

// TestSOCKS5ConnectEchoIntegrity pushes 1 MiB of random bytes through
// a SOCKS5 CONNECT to an IPv4 echo target and checks the SHA-256 of
// what comes back.
func TestSOCKS5ConnectEchoIntegrity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := startEnv(t, ctx, envConfig{username: "alice", register: true})

	target := runEchoTarget(t)
	targetAddr := target.Addr().(*net.TCPAddr)

	client := dialAgent(t, env, 30*time.Second)

	request := []byte{0x05, 0x01, 0x00, 0x01}
	request = append(request, targetAddr.IP.To4()...)
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], uint16(targetAddr.Port))
	request = append(request, port[:]...)

	replyCode, _, _ := socks5Handshake(t, client, request)
	require.Equal(t, byte(0x00), replyCode)

	payload := make([]byte, 1<<20)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	sentDigest := sha256.Sum256(payload)

	writeErr := make(chan error, 1)
	go func() {
		_, err := client.Write(payload)
		writeErr <- err
	}()

	echoed := make([]byte, len(payload))
	_, err = io.ReadFull(client, echoed)
	require.NoError(t, err)
	require.NoError(t, <-writeErr)
	assert.Equal(t, sentDigest, sha256.Sum256(echoed))
}

// TestSOCKS5UDPAssociateEcho obtains a UDP relay, sends "ping" to a
// UDP echo server through it, and expects the echo back within one
// second.
func TestSOCKS5UDPAssociateEcho(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := startEnv(t, ctx, envConfig{username: "alice", register: true})

	echo, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer echo.Close()
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := echo.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = echo.WriteToUDP(buf[:n], addr)
		}
	}()

	control := dialAgent(t, env, 10*time.Second)
	request := []byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	replyCode, _, relayPort := socks5Handshake(t, control, request)
	require.Equal(t, byte(0x00), replyCode)

	echoAddr := echo.LocalAddr().(*net.UDPAddr)
	datagram := []byte{0x00, 0x00, 0x00, 0x01}
	datagram = append(datagram, echoAddr.IP.To4()...)
	var echoPort [2]byte
	binary.BigEndian.PutUint16(echoPort[:], uint16(echoAddr.Port))
	datagram = append(datagram, echoPort[:]...)
	datagram = append(datagram, []byte("ping")...)

	udpClient, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(relayPort)})
	require.NoError(t, err)
	defer udpClient.Close()

	_, err = udpClient.Write(datagram)
	require.NoError(t, err)

	require.NoError(t, udpClient.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 2048)
	n, err := udpClient.Read(buf)
	require.NoError(t, err)

	// Reply header: RSV(2) FRAG(1) ATYP(1)=IPv4 ADDR(4) PORT(2).
	require.GreaterOrEqual(t, n, 10)
	require.Equal(t, byte(0x01), buf[3])
	assert.Equal(t, "ping", string(buf[10:n]))
}

// TestAuthFailureUnknownUser configures the agent with a username the
// store doesn't know. Every tunnel handshake fails, so a client
// CONNECT attempt gets a 502.
func TestAuthFailureUnknownUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := startEnv(t, ctx, envConfig{username: "ghost", register: false})

	client := dialAgent(t, env, 10*time.Second)
	_, err := io.WriteString(client, "CONNECT target.test:443 HTTP/1.1\r\n\r\n")
	require.NoError(t, err)

	reader := bufio.NewReader(client)
	status := readHTTPReply(t, reader)
	assert.True(t, strings.HasPrefix(status, "HTTP/1.1 502"), status)
}

// TestBandwidthLimitEnforced downloads 10 MiB as user "slow" limited
// to 1 MiB/s and checks the transfer is complete, intact in size, and
// takes at least 9.5 seconds of wall time.
func TestBandwidthLimitEnforced(t *testing.T) {
	if testing.Short() {
		t.Skip("10 MiB at 1 MiB/s takes ~10s")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := startEnv(t, ctx, envConfig{username: "slow", register: true, limitBps: 1 << 20})

	const downloadSize = 10 << 20

	target, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer target.Close()
	go func() {
		conn, err := target.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		chunk := make([]byte, 64*1024)
		for remaining := downloadSize; remaining > 0; {
			n := len(chunk)
			if remaining < n {
				n = remaining
			}
			if _, err := conn.Write(chunk[:n]); err != nil {
				return
			}
			remaining -= n
		}
	}()

	client := dialAgent(t, env, 60*time.Second)
	_, err = io.WriteString(client, "CONNECT "+target.Addr().String()+" HTTP/1.1\r\n\r\n")
	require.NoError(t, err)

	reader := bufio.NewReader(client)
	status := readHTTPReply(t, reader)
	require.True(t, strings.HasPrefix(status, "HTTP/1.1 200"), status)

	// Half-close so the relay can finish cleanly once the target is
	// done sending.
	tcpClient, ok := client.(*net.TCPConn)
	require.True(t, ok)
	require.NoError(t, tcpClient.CloseWrite())

	start := time.Now()
	received, err := io.Copy(io.Discard, reader)
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.EqualValues(t, downloadSize, received)
	assert.GreaterOrEqual(t, elapsed, 9500*time.Millisecond,
		"10 MiB at 1 MiB/s must take at least 9.5s")
}
