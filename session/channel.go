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

// Package session implements the session channel and authentication
// handshake: a transport stream wrapped with the wire codec and, once
// authenticated, AES-256-GCM framing under a pair of direction-local
// nonce counters.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/veilcore/veil/common/crypto"
	"github.com/veilcore/veil/common/errors"
	"github.com/veilcore/veil/wire"
)

// MaxFrameLength bounds every frame read or written on a Channel.
const MaxFrameLength = wire.HardCapBytes

// Channel wraps one transport connection, the frame codec, and (once
// Authenticated is set) AEAD state for both directions. It is the sole
// owner of the underlying net.Conn; closing the Channel closes the
// conn.
//
// Send and Receive are each safe for concurrent use by multiple
// goroutines: sendMutex and recvMutex serialize nonce allocation and
// frame emission per direction, so messages go out in nonce order.
type Channel struct {
	conn net.Conn

	sendMutex sync.Mutex
	recvMutex sync.Mutex

	sendDirection crypto.Direction
	recvDirection crypto.Direction

	sendNonces *crypto.NonceCounter
	recvNonces *crypto.NonceCounter

	aead *crypto.AEAD // nil until authenticated

	closeOnce sync.Once
	closeErr  error
}

// NewChannel constructs a Channel over conn. sendDirection/recvDirection
// identify which side of the tunnel this Channel represents: the Agent
// passes (AgentToProxy, ProxyToAgent); the Proxy passes the reverse.
func NewChannel(conn net.Conn, sendDirection, recvDirection crypto.Direction) *Channel {
	return &Channel{
		conn:          conn,
		sendDirection: sendDirection,
		recvDirection: recvDirection,
		sendNonces:    crypto.NewNonceCounter(sendDirection),
		recvNonces:    crypto.NewNonceCounter(recvDirection),
	}
}

// Authenticate installs the AEAD session key, after which SendMessage
// and RecvMessage encrypt/decrypt every frame. Before this call,
// SendMessage/RecvMessage exchange plaintext frames, used only for the
// two handshake messages.
func (c *Channel) Authenticate(sessionKey [32]byte) error {
	aead, err := crypto.NewAEAD(sessionKey)
	if err != nil {
		return errors.Trace(err)
	}
	c.aead = aead
	return nil
}

// SetDeadline applies a read/write deadline to the underlying
// transport, used by callers to bound handshake and health-check
// waits.
func (c *Channel) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SendMessage encodes, optionally encrypts, and writes msg as one
// frame.
func (c *Channel) SendMessage(msg wire.Message, timestampMs uint64) error {
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	plaintext := wire.Encode(msg, timestampMs)

	if c.aead == nil {
		return wire.WriteFrame(c.conn, MaxFrameLength, plaintext)
	}

	nonce, ok := c.sendNonces.Next()
	if !ok {
		return errors.Trace(errors.ErrNonceOverflow)
	}
	ciphertext := c.aead.Seal(nonce, plaintext)
	return wire.WriteFrame(c.conn, MaxFrameLength, ciphertext)
}

// RecvMessage reads, optionally decrypts, and decodes the next frame.
// Any failure here is fatal to the tunnel.
func (c *Channel) RecvMessage() (*wire.Envelope, error) {
	c.recvMutex.Lock()
	defer c.recvMutex.Unlock()

	frame, err := wire.ReadFrame(c.conn, MaxFrameLength)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if c.aead == nil {
		return wire.Decode(frame)
	}

	nonce, ok := c.recvNonces.Next()
	if !ok {
		return nil, errors.Trace(errors.ErrNonceOverflow)
	}
	plaintext, err := c.aead.Open(nonce, frame)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return wire.Decode(plaintext)
}

// Close closes the underlying transport exactly once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr exposes the transport's remote address.
func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// LocalAddr exposes the transport's local address.
func (c *Channel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// nowMs returns t as milliseconds since the Unix epoch, the unit
// wire timestamps use.
func nowMs(t time.Time) uint64 {
	return uint64(t.UnixNano() / int64(time.Millisecond))
}
