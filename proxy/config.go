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

package proxy

import (
	"crypto/rsa"

	"github.com/veilcore/veil/userstore"
)

// Config is the validated, in-memory Proxy configuration. Loading it
// from TOML/flags belongs to the external loader.
type Config struct {
	// ListenAddr is the tunnel listener. Default "0.0.0.0:8080".
	ListenAddr string

	// ServerPrivateKey unwraps AuthRequest session keys. Loading it
	// from its configured path is the external loader's concern.
	ServerPrivateKey *rsa.PrivateKey

	// Store provides per-user identity, limits, and accounting. A
	// caller-constructed userstore.MemoryStore or userstore.FileStore
	// satisfies this.
	Store userstore.Store

	// AllowPrivateTargets disables the RFC1918/loopback/link-local
	// target rejection, for deployments that intentionally proxy to
	// internal targets (for example integration tests against a
	// loopback echo server).
	AllowPrivateTargets bool

	LogLevel string
}
