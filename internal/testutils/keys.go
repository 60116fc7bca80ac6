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

// Package testutils provides shared RSA key fixtures for tests across
// the session, agent, and proxy packages.
package testutils

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/require"
)

// testKeyBits is smaller than crypto.RSAKeyBits so test suites that
// mint many keypairs stay fast; nothing about the handshake logic
// depends on the modulus size.
const testKeyBits = 1024

// GenerateKeyPair returns a fresh RSA keypair sized for fast test
// execution, failing the test immediately on error.
func GenerateKeyPair(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, testKeyBits)
	require.NoError(t, err)
	return key
}
