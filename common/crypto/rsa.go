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

// Package crypto implements the RSA-2048 session-key wrap/unwrap and
// signature primitives of the authentication handshake, and the
// AES-256-GCM frame cipher with its direction-tagged nonce counters.
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"

	"github.com/veilcore/veil/common/errors"
)

const RSAKeyBits = 2048

// GenerateKeyPair creates a fresh RSA-2048 keypair, used by the
// out-of-core key-generation utility and by tests.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return key, nil
}

// EncodePrivateKeyPEM encodes a private key as a PKCS#8 PEM block, the
// form referenced by path from Agent configuration.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// DecodePrivateKeyPEM parses a PKCS#8 PEM-encoded RSA private key.
func DecodePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.TraceNew("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Trace(err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.TraceNew("PEM block is not an RSA private key")
	}
	return rsaKey, nil
}

// EncodePublicKeyPEM encodes a public key as an SPKI PEM block, the
// form the user store persists.
func EncodePublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// DecodePublicKeyPEM parses an SPKI PEM-encoded RSA public key.
func DecodePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.TraceNew("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Trace(err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.TraceNew("PEM block is not an RSA public key")
	}
	return rsaKey, nil
}

// AsRSAPublicKey asserts that a generically-parsed public key (as
// returned by x509.ParsePKIXPublicKey) is an RSA key, the only key
// type this module supports.
func AsRSAPublicKey(key interface{}) (*rsa.PublicKey, error) {
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.TraceNew("key is not an RSA public key")
	}
	return rsaKey, nil
}

// WrapSessionKey RSA-OAEP-wraps a 32-byte session key under the
// Proxy's server public key. Note this is the proxy's key, not the
// per-user key; the user's key only ever signs.
func WrapSessionKey(proxyPublicKey *rsa.PublicKey, sessionKey [32]byte) ([]byte, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, proxyPublicKey, sessionKey[:], nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return wrapped, nil
}

// UnwrapSessionKey reverses WrapSessionKey using the Proxy's private
// key. The returned slice is exactly 32 bytes or unwrap fails with
// ErrBadKey.
func UnwrapSessionKey(proxyPrivateKey *rsa.PrivateKey, wrapped []byte) ([32]byte, error) {
	var sessionKey [32]byte
	plain, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, proxyPrivateKey, wrapped, nil)
	if err != nil {
		return sessionKey, errors.TraceMsg(errors.ErrBadKey, err.Error())
	}
	if len(plain) != 32 {
		return sessionKey, errors.TraceMsg(errors.ErrBadKey, "unexpected session key length")
	}
	copy(sessionKey[:], plain)
	return sessionKey, nil
}

// SignAuthRequest signs username || wrapped_key || timestamp_ms (big
// endian uint64) with the user's private key, PKCS#1 v1.5 over
// SHA-256. Together with the proxy-key wrap this gives mutual
// authentication without pressing RSA encryption into service as a
// signature.
func SignAuthRequest(userPrivateKey *rsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, userPrivateKey, crypto.SHA256, digest[:])
	if err != nil {
		return nil, errors.Trace(err)
	}
	return sig, nil
}

// VerifyAuthRequest verifies a signature produced by SignAuthRequest
// against the user's public key. A mismatch is reported as ErrBadKey.
func VerifyAuthRequest(userPublicKey *rsa.PublicKey, message []byte, signature []byte) error {
	digest := sha256.Sum256(message)
	err := rsa.VerifyPKCS1v15(userPublicKey, crypto.SHA256, digest[:], signature)
	if err != nil {
		return errors.TraceMsg(errors.ErrBadKey, err.Error())
	}
	return nil
}
