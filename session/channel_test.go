package session

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilcore/veil/common/crypto"
	"github.com/veilcore/veil/wire"
)

func pipeChannels(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	a, b := net.Pipe()
	chanA := NewChannel(a, crypto.DirectionAgentToProxy, crypto.DirectionProxyToAgent)
	chanB := NewChannel(b, crypto.DirectionProxyToAgent, crypto.DirectionAgentToProxy)
	return chanA, chanB
}

func TestChannelPlaintextRoundTrip(t *testing.T) {
	chanA, chanB := pipeChannels(t)
	defer chanA.Close()
	defer chanB.Close()

	done := make(chan error, 1)
	go func() {
		done <- chanA.SendMessage(&wire.Ping{Cookie: 7}, 0)
	}()

	env, err := chanB.RecvMessage()
	require.NoError(t, err)
	require.NoError(t, <-done)

	ping, ok := env.Message.(*wire.Ping)
	require.True(t, ok)
	assert.Equal(t, uint64(7), ping.Cookie)
}

func TestChannelEncryptedRoundTrip(t *testing.T) {
	chanA, chanB := pipeChannels(t)
	defer chanA.Close()
	defer chanB.Close()

	sessionKey, err := crypto.GenerateSessionKey()
	require.NoError(t, err)
	require.NoError(t, chanA.Authenticate(sessionKey))
	require.NoError(t, chanB.Authenticate(sessionKey))

	done := make(chan error, 1)
	go func() {
		done <- chanA.SendMessage(&wire.Data{Payload: []byte("secret")}, 1)
	}()

	env, err := chanB.RecvMessage()
	require.NoError(t, err)
	require.NoError(t, <-done)

	data, ok := env.Message.(*wire.Data)
	require.True(t, ok)
	assert.Equal(t, []byte("secret"), data.Payload)
}

func TestChannelEncryptedTamperedCiphertextFails(t *testing.T) {
	// A tampered ciphertext is exercised directly against the AEAD
	// primitive, since tampering at the Channel level would require
	// reaching into the net.Pipe byte stream mid-flight.
	sessionKey, err := crypto.GenerateSessionKey()
	require.NoError(t, err)
	aead, err := crypto.NewAEAD(sessionKey)
	require.NoError(t, err)

	nonces := crypto.NewNonceCounter(crypto.DirectionAgentToProxy)
	nonce, ok := nonces.Next()
	require.True(t, ok)

	ciphertext := aead.Seal(nonce, []byte("hello"))
	ciphertext[0] ^= 0xff

	_, err = aead.Open(nonce, ciphertext)
	assert.Error(t, err)
}
