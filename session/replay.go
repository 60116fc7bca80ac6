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
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"

	"github.com/veilcore/veil/common/errors"
)

// ReplayWindow is the maximum age tolerated for an AuthRequest
// timestamp, in either direction of clock skew.
const ReplayWindow = 5 * time.Minute

// replayGuard backstops the timestamp-window check with a rolling
// Bloom filter of recently seen (username, wrapped_key) digests. The
// timestamp window alone admits any number of distinct replays of the
// same AuthRequest within the 5-minute tolerance; the filter makes a
// second presentation of the exact same request within one window
// detectable without the unbounded memory of an exact set.
//
// False positives only ever cause a legitimate, never-before-seen
// AuthRequest to be spuriously rejected as a replay - vanishingly rare
// at the filter's configured capacity/error-rate - never the reverse,
// so the filter only strengthens, never weakens, replay protection.
type replayGuard struct {
	mutex             sync.Mutex
	current           *bloom.BloomFilter
	previous          *bloom.BloomFilter
	generation        time.Time
	expectedItems     uint
	falsePositiveRate float64
}

// newReplayGuard creates a guard sized for expectedItems entries per
// ReplayWindow at the given false-positive rate.
func newReplayGuard(expectedItems uint, falsePositiveRate float64) *replayGuard {
	return &replayGuard{
		current:           bloom.NewWithEstimates(expectedItems, falsePositiveRate),
		previous:          bloom.NewWithEstimates(expectedItems, falsePositiveRate),
		generation:        time.Now(),
		expectedItems:     expectedItems,
		falsePositiveRate: falsePositiveRate,
	}
}

func digest(username string, wrappedKey []byte) []byte {
	h := xxhash.New()
	_, _ = h.Write([]byte(username))
	_, _ = h.Write(wrappedKey)
	sum := h.Sum64()
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(sum >> (8 * i))
	}
	return out
}

// checkAndRecord returns ErrReplay if this (username, wrappedKey) pair
// was already recorded within the current or previous generation, and
// otherwise records it and returns nil. Generations rotate every
// ReplayWindow so the filter's memory matches the timestamp tolerance
// it backstops.
func (g *replayGuard) checkAndRecord(username string, wrappedKey []byte) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if time.Since(g.generation) > ReplayWindow {
		g.previous = g.current
		g.current = bloom.NewWithEstimates(g.expectedItems, g.falsePositiveRate)
		g.generation = time.Now()
	}

	key := digest(username, wrappedKey)
	if g.current.Test(key) || g.previous.Test(key) {
		return errors.Trace(errors.ErrReplay)
	}
	g.current.Add(key)
	return nil
}
