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

package agent

import (
	"crypto/rsa"
	"time"
)

// Config is the validated, in-memory Agent configuration. Parsing it
// out of TOML and flags belongs to the external loader; callers
// construct Config directly and pass it to NewPool and Listen.
type Config struct {
	// ListenAddr is the single local TCP listener serving both HTTP and
	// SOCKS5. Default "127.0.0.1:1080".
	ListenAddr string

	// ProxyAddr is the remote Proxy tunnel listener to dial.
	ProxyAddr string

	// Username identifies this Agent's user for authentication.
	Username string

	// UserPrivateKey signs the AuthRequest. Loading it from its
	// configured path is the external loader's concern.
	UserPrivateKey *rsa.PrivateKey

	// ProxyPublicKey wraps the session key.
	ProxyPublicKey *rsa.PublicKey

	// PoolSize is the number of prewarmed idle tunnels. Default 10,
	// range 1-100.
	PoolSize int

	// LogLevel controls notice verbosity; interpretation is left to the
	// notice sink.
	LogLevel string

	// IdleRelayTimeout optionally closes a relay half after this long
	// without traffic. Zero disables the timeout.
	IdleRelayTimeout time.Duration
}

// DefaultPoolSize is the pool size used when Config leaves it unset.
const DefaultPoolSize = 10

// MaxPoolSize is the largest configurable pool size.
const MaxPoolSize = 100

// normalizedPoolSize clamps Config.PoolSize into the valid range,
// defaulting an unset (zero) value to DefaultPoolSize.
func (c *Config) normalizedPoolSize() int {
	switch {
	case c.PoolSize <= 0:
		return DefaultPoolSize
	case c.PoolSize > MaxPoolSize:
		return MaxPoolSize
	default:
		return c.PoolSize
	}
}
