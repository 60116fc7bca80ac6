package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapSessionKeyRoundTrip(t *testing.T) {
	proxyKey, err := GenerateKeyPair()
	require.NoError(t, err)

	sessionKey, err := GenerateSessionKey()
	require.NoError(t, err)

	wrapped, err := WrapSessionKey(&proxyKey.PublicKey, sessionKey)
	require.NoError(t, err)

	recovered, err := UnwrapSessionKey(proxyKey, wrapped)
	require.NoError(t, err)
	assert.Equal(t, sessionKey, recovered)
}

func TestUnwrapSessionKeyFailsWithWrongKey(t *testing.T) {
	proxyKey, err := GenerateKeyPair()
	require.NoError(t, err)
	otherKey, err := GenerateKeyPair()
	require.NoError(t, err)

	sessionKey, err := GenerateSessionKey()
	require.NoError(t, err)

	wrapped, err := WrapSessionKey(&proxyKey.PublicKey, sessionKey)
	require.NoError(t, err)

	_, err = UnwrapSessionKey(otherKey, wrapped)
	assert.Error(t, err)
}

func TestSignVerifyAuthRequestRoundTrip(t *testing.T) {
	userKey, err := GenerateKeyPair()
	require.NoError(t, err)

	message := []byte("alice" + "wrappedkeybytes" + "1700000000000")
	sig, err := SignAuthRequest(userKey, message)
	require.NoError(t, err)

	err = VerifyAuthRequest(&userKey.PublicKey, message, sig)
	assert.NoError(t, err)
}

func TestVerifyAuthRequestFailsOnTamperedMessage(t *testing.T) {
	userKey, err := GenerateKeyPair()
	require.NoError(t, err)

	message := []byte("alice-message")
	sig, err := SignAuthRequest(userKey, message)
	require.NoError(t, err)

	err = VerifyAuthRequest(&userKey.PublicKey, []byte("alice-message-tampered"), sig)
	assert.Error(t, err)
}

func TestPEMEncodeDecodeRoundTrip(t *testing.T) {
	key, err := GenerateKeyPair()
	require.NoError(t, err)

	privPEM, err := EncodePrivateKeyPEM(key)
	require.NoError(t, err)
	decodedPriv, err := DecodePrivateKeyPEM(privPEM)
	require.NoError(t, err)
	assert.Equal(t, key.D, decodedPriv.D)

	pubPEM, err := EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	decodedPub, err := DecodePublicKeyPEM(pubPEM)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey.N, decodedPub.N)
}
