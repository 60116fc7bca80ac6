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
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veilcore/veil/bandwidth"
	"github.com/veilcore/veil/common/errors"
	"github.com/veilcore/veil/wire"
)

// RelaySoftCapBytes bounds the size of each Data frame's payload read
// from the local side of a relay.
const RelaySoftCapBytes = wire.SoftCapBytes

// RelayStats reports how many bytes crossed each direction of a relay,
// for the caller to feed into userstore.Store.RecordBytes.
type RelayStats struct {
	LocalToTunnel int64
	TunnelToLocal int64
}

// Relay runs the two half-duplex directions of a session between
// local (the Agent's local client connection, or the Proxy's dialed
// target connection) and channel (the tunnel): two copy goroutines
// joined by an errgroup.Group, moving typed Data messages on the
// tunnel side.
//
// localToTunnelDir is the HalfClose direction value this side emits
// when local reaches EOF. remoteHalfCloseDir is the HalfClose
// direction value that, when received from the peer, ends the
// tunnel-to-local direction. On the Agent side these are
// (AgentToProxy, ProxyToAgent); on the Proxy side, the reverse.
//
// Relay returns once both directions have terminated. On a clean end
// (nil error, both sides hit EOF/HalfClose) nothing has been closed
// and the caller sends the terminal Close message; on error or
// cancellation both endpoints have already been closed to unblock
// whichever half was parked in a read.
//
// outBucket gates the local-to-tunnel direction (reads from local,
// charged before each Data frame is sent); inBucket gates the
// tunnel-to-local direction (writes to local, charged before each
// received Data frame is written). Either or both may be nil; the
// Agent side passes nil for both, since bandwidth limiting is a
// Proxy-side, per-user concern.
func Relay(
	ctx context.Context,
	local io.ReadWriter,
	channel *Channel,
	localToTunnelDir wire.CloseDirection,
	remoteHalfCloseDir wire.CloseDirection,
	outBucket *bandwidth.Bucket,
	recordLocalToTunnel func(n int64),
	recordTunnelToLocal func(n int64),
) (*RelayStats, error) {
	return relayWithBuckets(ctx, local, channel, localToTunnelDir, remoteHalfCloseDir, outBucket, nil, recordLocalToTunnel, recordTunnelToLocal)
}

// RelayWithInboundBucket is Relay, additionally gating the
// tunnel-to-local (download-to-local-write) direction with inBucket,
// used by the Proxy side (proxy/server.go), which passes the user's
// one bucket for both directions so their combined throughput
// respects the user's bandwidth ceiling.
func RelayWithInboundBucket(
	ctx context.Context,
	local io.ReadWriter,
	channel *Channel,
	localToTunnelDir wire.CloseDirection,
	remoteHalfCloseDir wire.CloseDirection,
	outBucket *bandwidth.Bucket,
	inBucket *bandwidth.Bucket,
	recordLocalToTunnel func(n int64),
	recordTunnelToLocal func(n int64),
) (*RelayStats, error) {
	return relayWithBuckets(ctx, local, channel, localToTunnelDir, remoteHalfCloseDir, outBucket, inBucket, recordLocalToTunnel, recordTunnelToLocal)
}

func relayWithBuckets(
	ctx context.Context,
	local io.ReadWriter,
	channel *Channel,
	localToTunnelDir wire.CloseDirection,
	remoteHalfCloseDir wire.CloseDirection,
	outBucket *bandwidth.Bucket,
	inBucket *bandwidth.Bucket,
	recordLocalToTunnel func(n int64),
	recordTunnelToLocal func(n int64),
) (*RelayStats, error) {

	stats := &RelayStats{}
	group, groupCtx := errgroup.WithContext(ctx)

	// A failure on either half must terminate the other, which may be
	// parked in a blocking local.Read or channel.RecvMessage that no
	// context cancellation reaches. Closing both endpoints unblocks it;
	// on the clean path (EOF/HalfClose on both halves) nothing is
	// closed here, leaving the caller free to send its terminal Close.
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			if closer, ok := local.(io.Closer); ok {
				_ = closer.Close()
			}
			_ = channel.Close()
		})
	}
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	group.Go(func() error {
		n, err := relayLocalToTunnel(groupCtx, local, channel, localToTunnelDir, outBucket, recordLocalToTunnel)
		stats.LocalToTunnel = n
		if err != nil {
			closeBoth()
		}
		return err
	})

	group.Go(func() error {
		n, err := relayTunnelToLocal(groupCtx, channel, local, remoteHalfCloseDir, inBucket, recordTunnelToLocal)
		stats.TunnelToLocal = n
		if err != nil {
			closeBoth()
		}
		return err
	})

	// errgroup.WithContext also cancels groupCtx as soon as either half
	// returns a non-nil error, so a bandwidth bucket Acquire the other
	// half may be waiting in unblocks immediately.
	err := group.Wait()
	return stats, err
}

func relayLocalToTunnel(
	ctx context.Context,
	local io.Reader,
	channel *Channel,
	closeDirection wire.CloseDirection,
	bucket *bandwidth.Bucket,
	record func(n int64),
) (int64, error) {

	buffer := make([]byte, RelaySoftCapBytes)
	var total int64

	for {
		n, readErr := local.Read(buffer)
		if n > 0 {
			if bucket != nil {
				if err := bucket.Acquire(ctx, n); err != nil {
					return total, errors.Trace(err)
				}
			}

			err := channel.SendMessage(&wire.Data{Payload: buffer[:n]}, nowMs(time.Now()))
			if err != nil {
				return total, errors.Trace(err)
			}
			total += int64(n)
			if record != nil {
				record(int64(n))
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				_ = channel.SendMessage(&wire.HalfClose{Direction: closeDirection}, nowMs(time.Now()))
				return total, nil
			}
			return total, errors.Trace(readErr)
		}
	}
}

func relayTunnelToLocal(
	ctx context.Context,
	channel *Channel,
	local io.Writer,
	stopOnHalfClose wire.CloseDirection,
	bucket *bandwidth.Bucket,
	record func(n int64),
) (int64, error) {

	var total int64

	for {
		env, err := channel.RecvMessage()
		if err != nil {
			return total, errors.Trace(err)
		}

		switch msg := env.Message.(type) {
		case *wire.Data:
			if len(msg.Payload) == 0 {
				continue
			}
			if bucket != nil {
				if err := bucket.Acquire(ctx, len(msg.Payload)); err != nil {
					return total, errors.Trace(err)
				}
			}
			n, writeErr := local.Write(msg.Payload)
			total += int64(n)
			if record != nil && n > 0 {
				record(int64(n))
			}
			if writeErr != nil {
				return total, errors.Trace(writeErr)
			}
		case *wire.HalfClose:
			if msg.Direction == stopOnHalfClose {
				return total, nil
			}
		case *wire.Close:
			return total, nil
		default:
			return total, errors.Trace(errors.ErrBadTag)
		}
	}
}
