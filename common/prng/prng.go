/*
 * Copyright (c) 2018, Psiphon Inc.
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

/*

Package prng implements a crypto/rand-seeded PRNG used for jitter in
reconnect backoff and other non-security-critical randomization. It is
not used for session key or nonce generation, which read crypto/rand
directly.

*/
package prng

import (
	crypto_rand "crypto/rand"
	"encoding/binary"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/veilcore/veil/common/errors"
)

// PRNG is a seeded PRNG safe for concurrent use.
type PRNG struct {
	mutex sync.Mutex
	rand  *rand.Rand
}

// NewPRNG creates a PRNG seeded from crypto/rand.
func NewPRNG() (*PRNG, error) {
	var seed [8]byte
	_, err := crypto_rand.Read(seed[:])
	if err != nil {
		return nil, errors.Trace(err)
	}
	source := rand.NewSource(int64(binary.BigEndian.Uint64(seed[:])))
	return &PRNG{rand: rand.New(source)}, nil
}

// Intn is equivalent to math/rand.Intn, except it returns 0 if n <= 0
// instead of panicking.
func (p *PRNG) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.rand.Intn(n)
}

// Int63n is equivalent to math/rand.Int63n, except it returns 0 if n <= 0
// instead of panicking.
func (p *PRNG) Int63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.rand.Int63n(n)
}

// Jitter returns n +/- the given factor. For example, for n = 100 and
// factor = 0.1, the return value will be in the range [90, 110].
func (p *PRNG) Jitter(n int64, factor float64) int64 {
	a := int64(math.Ceil(float64(n) * factor))
	r := p.Int63n(2*a + 1)
	return n + r - a
}

// JitterDuration invokes Jitter for time.Duration.
func (p *PRNG) JitterDuration(d time.Duration, factor float64) time.Duration {
	return time.Duration(p.Jitter(int64(d), factor))
}

// Bytes returns a new slice containing length random bytes.
func (p *PRNG) Bytes(length int) []byte {
	b := make([]byte, length)
	p.mutex.Lock()
	for i := range b {
		b[i] = byte(p.rand.Intn(256))
	}
	p.mutex.Unlock()
	return b
}

var global *PRNG

func init() {
	var err error
	global, err = NewPRNG()
	if err != nil {
		global = &PRNG{rand: rand.New(rand.NewSource(0))}
	}
}

// JitterDuration invokes the global PRNG's JitterDuration. Used for
// reconnect backoff jitter where a dedicated PRNG instance isn't
// otherwise in scope.
func JitterDuration(d time.Duration, factor float64) time.Duration {
	return global.JitterDuration(d, factor)
}
