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

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"

	"github.com/veilcore/veil/common/errors"
)

// Direction tags the high 4 bytes of a nonce, keeping the two
// directions' nonce spaces disjoint under the shared session key.
type Direction uint32

const (
	DirectionAgentToProxy Direction = 0
	DirectionProxyToAgent Direction = 1
)

// NonceOverflowLimit is the point at which a direction counter must
// not be used again; a tunnel reaching it is closed.
const NonceOverflowLimit = uint64(1) << 63

// NonceCounter is a direction-local, monotonically increasing AEAD
// nonce counter. Allocation is lock-free via atomic increment;
// serializing the encode-then-write sequence so frames leave in
// allocation order is session.Channel's job, not this type's.
type NonceCounter struct {
	direction Direction
	counter   uint64
}

// NewNonceCounter creates a counter for the given direction, starting
// at zero.
func NewNonceCounter(direction Direction) *NonceCounter {
	return &NonceCounter{direction: direction}
}

// Next allocates the next nonce. ok is false once the counter would
// reach NonceOverflowLimit; the caller must close the tunnel.
func (c *NonceCounter) Next() (nonce [12]byte, ok bool) {
	n := atomic.AddUint64(&c.counter, 1) - 1
	if n >= NonceOverflowLimit {
		return nonce, false
	}
	binary.BigEndian.PutUint32(nonce[0:4], uint32(c.direction))
	binary.BigEndian.PutUint64(nonce[4:12], n)
	return nonce, true
}

// AEAD wraps a 32-byte AES-256-GCM key for sealing/opening tagged
// frames. The caller supplies the nonce explicitly, since the sender
// and receiver each maintain their own independent counter per
// direction.
type AEAD struct {
	gcm cipher.AEAD
}

// NewAEAD constructs the AES-256-GCM cipher for a session key.
func NewAEAD(sessionKey [32]byte) (*AEAD, error) {
	block, err := aes.NewCipher(sessionKey[:])
	if err != nil {
		return nil, errors.Trace(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &AEAD{gcm: gcm}, nil
}

// Seal encrypts plaintext under the given nonce, returning
// ciphertext||tag with no additional framing.
func (a *AEAD) Seal(nonce [12]byte, plaintext []byte) []byte {
	return a.gcm.Seal(nil, nonce[:], plaintext, nil)
}

// Open decrypts ciphertext sealed with Seal. Any authentication
// failure is reported as ErrDecode and is fatal to the tunnel.
func (a *AEAD) Open(nonce [12]byte, ciphertext []byte) ([]byte, error) {
	plaintext, err := a.gcm.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, errors.TraceMsg(errors.ErrDecode, err.Error())
	}
	return plaintext, nil
}

// GenerateSessionKey returns a fresh random 32-byte session key,
// generated per pooled tunnel by the Agent.
func GenerateSessionKey() ([32]byte, error) {
	var key [32]byte
	_, err := rand.Read(key[:])
	if err != nil {
		return key, errors.Trace(err)
	}
	return key, nil
}
