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

package session

import (
	"crypto/rsa"
	"time"

	vcrypto "github.com/veilcore/veil/common/crypto"
	"github.com/veilcore/veil/common/errors"
	"github.com/veilcore/veil/userstore"
	"github.com/veilcore/veil/wire"
)

// AuthTimeout bounds the full handshake round-trip on either side.
const AuthTimeout = 15 * time.Second

// ClientAuthenticate runs the Agent side of the handshake on an
// unauthenticated Channel: it generates a fresh session key, wraps it
// to the Proxy's public key, signs the wrapped payload with the
// user's private key, and waits for AuthResponse.
//
// On success the Channel is left Authenticated (AEAD installed) and
// the session key is returned so the caller can zero it on tunnel
// close. On any non-OK AuthResponse, the returned error wraps the
// corresponding sentinel (ErrUnknownUser, ErrBadKey, ErrReplay,
// ErrThrottled) and the Channel is left unauthenticated; the caller
// must close it.
func ClientAuthenticate(
	channel *Channel,
	username string,
	userPrivateKey *rsa.PrivateKey,
	proxyPublicKey *rsa.PublicKey,
) ([32]byte, error) {

	var sessionKey [32]byte

	deadline := time.Now().Add(AuthTimeout)
	if err := channel.SetDeadline(deadline); err != nil {
		return sessionKey, errors.Trace(err)
	}

	sessionKey, err := vcrypto.GenerateSessionKey()
	if err != nil {
		return sessionKey, errors.Trace(err)
	}

	wrappedKey, err := vcrypto.WrapSessionKey(proxyPublicKey, sessionKey)
	if err != nil {
		return sessionKey, errors.Trace(err)
	}

	timestampMs := nowMs(time.Now())

	req := &wire.AuthRequest{
		Username:          username,
		WrappedSessionKey: wrappedKey,
	}
	signature, err := vcrypto.SignAuthRequest(userPrivateKey, req.SignedPayload(timestampMs))
	if err != nil {
		return sessionKey, errors.Trace(err)
	}
	req.Signature = signature

	err = channel.SendMessage(req, timestampMs)
	if err != nil {
		return sessionKey, errors.Trace(err)
	}

	env, err := channel.RecvMessage()
	if err != nil {
		return sessionKey, errors.Trace(err)
	}

	resp, ok := env.Message.(*wire.AuthResponse)
	if !ok {
		return sessionKey, errors.Trace(errors.ErrBadTag)
	}

	if resp.Status != wire.AuthStatusOK {
		return sessionKey, errors.Trace(authStatusError(resp.Status))
	}

	if err := channel.Authenticate(sessionKey); err != nil {
		return sessionKey, errors.Trace(err)
	}
	if err := channel.SetDeadline(time.Time{}); err != nil {
		return sessionKey, errors.Trace(err)
	}

	return sessionKey, nil
}

// ServerAuthResult carries the outcome of ServerAuthenticate back to
// the caller. Permit holds the user's concurrency slot; the caller
// must release it when the session ends.
type ServerAuthResult struct {
	Username   string
	SessionKey [32]byte
	Permit     userstore.Permit
}

// globalReplayGuard backstops every Proxy server's timestamp-window
// check. Sized generously since a single process
// serves all tunnels; a false positive only ever over-rejects a
// first-time AuthRequest, never under-rejects a replay.
var globalReplayGuard = newReplayGuard(1_000_000, 0.001)

// ServerAuthenticate runs the Proxy side of the handshake: reads one
// plaintext AuthRequest, validates timestamp freshness, user
// existence, signature, and key unwrap, acquires the user's
// concurrency permit, and replies with AuthResponse. A user at their
// cap learns Throttled in the handshake response itself. On success
// the returned Permit is held until the caller releases it, tying the
// slot's lifetime to the session.
func ServerAuthenticate(channel *Channel, store userstore.Store, proxyPrivateKey *rsa.PrivateKey) (*ServerAuthResult, error) {
	deadline := time.Now().Add(AuthTimeout)
	if err := channel.SetDeadline(deadline); err != nil {
		return nil, errors.Trace(err)
	}

	env, err := channel.RecvMessage()
	if err != nil {
		return nil, errors.Trace(err)
	}

	req, ok := env.Message.(*wire.AuthRequest)
	if !ok {
		_ = channel.SendMessage(&wire.AuthResponse{Status: wire.AuthStatusBadKey, Message: "expected AuthRequest"}, nowMs(time.Now()))
		return nil, errors.Trace(errors.ErrBadTag)
	}

	status, result, authErr := validateAuthRequest(store, req, env.TimestampMs, proxyPrivateKey)
	if status != wire.AuthStatusOK {
		_ = channel.SendMessage(&wire.AuthResponse{Status: status, Message: authErr.Error()}, nowMs(time.Now()))
		return nil, authErr
	}

	permit, err := store.AcquireSlot(req.Username)
	if err != nil {
		_ = channel.SendMessage(&wire.AuthResponse{Status: wire.AuthStatusThrottled, Message: "concurrent session cap reached"}, nowMs(time.Now()))
		return nil, errors.Trace(err)
	}
	result.Permit = permit

	err = channel.SendMessage(&wire.AuthResponse{Status: wire.AuthStatusOK}, nowMs(time.Now()))
	if err != nil {
		permit.Release()
		return nil, errors.Trace(err)
	}

	if err := channel.Authenticate(result.SessionKey); err != nil {
		permit.Release()
		return nil, errors.Trace(err)
	}
	if err := channel.SetDeadline(time.Time{}); err != nil {
		permit.Release()
		return nil, errors.Trace(err)
	}

	return result, nil
}

func validateAuthRequest(
	store userstore.Store,
	req *wire.AuthRequest,
	timestampMs uint64,
	proxyPrivateKey *rsa.PrivateKey,
) (wire.AuthStatus, *ServerAuthResult, error) {

	now := nowMs(time.Now())
	age := int64(now) - int64(timestampMs)
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Millisecond > ReplayWindow {
		return wire.AuthStatusReplay, nil, errors.Trace(errors.ErrReplay)
	}

	record, err := store.LookupUser(req.Username)
	if err != nil {
		return wire.AuthStatusUnknownUser, nil, errors.Trace(errors.ErrUnknownUser)
	}

	if err := globalReplayGuard.checkAndRecord(req.Username, req.WrappedSessionKey); err != nil {
		return wire.AuthStatusReplay, nil, err
	}

	err = vcrypto.VerifyAuthRequest(record.PublicKey, req.SignedPayload(timestampMs), req.Signature)
	if err != nil {
		return wire.AuthStatusBadKey, nil, errors.Trace(errors.ErrBadKey)
	}

	sessionKey, err := vcrypto.UnwrapSessionKey(proxyPrivateKey, req.WrappedSessionKey)
	if err != nil {
		return wire.AuthStatusBadKey, nil, errors.Trace(errors.ErrBadKey)
	}

	return wire.AuthStatusOK, &ServerAuthResult{Username: req.Username, SessionKey: sessionKey}, nil
}

func authStatusError(status wire.AuthStatus) error {
	switch status {
	case wire.AuthStatusUnknownUser:
		return errors.ErrUnknownUser
	case wire.AuthStatusBadKey:
		return errors.ErrBadKey
	case wire.AuthStatusReplay:
		return errors.ErrReplay
	case wire.AuthStatusThrottled:
		return errors.ErrThrottled
	default:
		return errors.TraceNew("unknown auth status")
	}
}
