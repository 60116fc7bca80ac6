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

// Package bandwidth implements the per-user token bucket the relay
// charges before each Data frame. It is built on golang.org/x/time/rate
// and exposes an explicit blocking Acquire instead of wrapping an
// io.Reader/io.Writer, since the relay path (session/relay.go) charges
// the bucket per frame rather than per read.
package bandwidth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// minBurstBytes floors the bucket's burst capacity at one full-size
// Data frame. golang.org/x/time/rate.Limiter refuses any reservation
// of n > burst, so without the floor a user limited below the 64
// KiB frame soft cap would have every full-size Acquire error out and
// tear down the tunnel instead of blocking.
const minBurstBytes = 64 * 1024

// Bucket is a per-user token bucket. A limit of 0 bytes/sec means
// unlimited.
type Bucket struct {
	limiter *rate.Limiter // nil when unlimited
}

// NewBucket creates a Bucket refilling at limitBytesPerSec, with
// burst capacity of limitBytesPerSec or minBurstBytes, whichever is
// larger. The bucket starts empty: tokens accrue from creation time,
// so a fresh session cannot burst a full capacity ahead of its
// configured rate.
func NewBucket(limitBytesPerSec int64) *Bucket {
	if limitBytesPerSec <= 0 {
		return &Bucket{}
	}
	burst := int(limitBytesPerSec)
	if burst < minBurstBytes {
		burst = minBurstBytes
	}
	limiter := rate.NewLimiter(rate.Limit(limitBytesPerSec), burst)
	limiter.AllowN(time.Now(), burst)
	return &Bucket{limiter: limiter}
}

// Acquire blocks until n bytes' worth of tokens are available, or ctx
// is done. An unlimited Bucket returns immediately. Requests up to
// the frame soft cap always block rather than fail, regardless of how
// small the configured limit is.
func (b *Bucket) Acquire(ctx context.Context, n int) error {
	if b.limiter == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// Reserve and wait out the delay here: WaitN would fail at once
	// whenever the delay outlasts ctx's deadline instead of blocking.
	r := b.limiter.ReserveN(time.Now(), n)
	if !r.OK() {
		return fmt.Errorf("bandwidth: request of %d bytes exceeds burst %d", n, b.limiter.Burst())
	}
	timer := time.NewTimer(r.Delay())
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// Unlimited reports whether this Bucket enforces no rate limit.
func (b *Bucket) Unlimited() bool {
	return b.limiter == nil
}
