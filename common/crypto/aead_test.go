package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAEADSealOpenRoundTrip(t *testing.T) {
	key, err := GenerateSessionKey()
	require.NoError(t, err)
	aead, err := NewAEAD(key)
	require.NoError(t, err)

	counter := NewNonceCounter(DirectionAgentToProxy)
	nonce, ok := counter.Next()
	require.True(t, ok)

	plaintext := []byte("the quick brown fox")
	ciphertext := aead.Seal(nonce, plaintext)
	recovered, err := aead.Open(nonce, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, recovered)
}

func TestAEADOpenFailsOnBitFlip(t *testing.T) {
	key, err := GenerateSessionKey()
	require.NoError(t, err)
	aead, err := NewAEAD(key)
	require.NoError(t, err)

	counter := NewNonceCounter(DirectionProxyToAgent)
	nonce, ok := counter.Next()
	require.True(t, ok)

	ciphertext := aead.Seal(nonce, []byte("payload"))
	ciphertext[len(ciphertext)-1] ^= 0x01

	_, err = aead.Open(nonce, ciphertext)
	assert.Error(t, err)
}

func TestAEADOpenFailsOnWrongNonce(t *testing.T) {
	key, err := GenerateSessionKey()
	require.NoError(t, err)
	aead, err := NewAEAD(key)
	require.NoError(t, err)

	counter := NewNonceCounter(DirectionAgentToProxy)
	nonce1, _ := counter.Next()
	nonce2, _ := counter.Next()

	ciphertext := aead.Seal(nonce1, []byte("payload"))
	_, err = aead.Open(nonce2, ciphertext)
	assert.Error(t, err)
}

func TestNonceCounterMonotonic(t *testing.T) {
	counter := NewNonceCounter(DirectionAgentToProxy)
	n1, ok := counter.Next()
	require.True(t, ok)
	n2, ok := counter.Next()
	require.True(t, ok)
	assert.NotEqual(t, n1, n2)
	// direction tag occupies the first 4 bytes and must be stable.
	assert.Equal(t, n1[:4], n2[:4])
}

func TestNonceCounterOverflow(t *testing.T) {
	counter := NewNonceCounter(DirectionAgentToProxy)
	counter.counter = NonceOverflowLimit - 1

	_, ok := counter.Next()
	assert.True(t, ok, "the frame at 2^63 - 1 must still be accepted")

	_, ok = counter.Next()
	assert.False(t, ok, "the frame at 2^63 must be refused")
}
