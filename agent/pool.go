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
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/veilcore/veil/common/crypto"
	"github.com/veilcore/veil/common/errors"
	"github.com/veilcore/veil/common/prng"
	"github.com/veilcore/veil/session"
	"github.com/veilcore/veil/wire"
)

// Failed handshakes retry with exponential backoff, jittered +/-20%.
const (
	initialBackoff    = 250 * time.Millisecond
	backoffFactor     = 2
	maxBackoff        = 10 * time.Second
	backoffJitter     = 0.2
	pingInterval      = 30 * time.Second
	pingReplyDeadline = 10 * time.Second
)

// Tunnel is one authenticated, pooled transport connection plus the
// metadata needed to use and retire it.
type Tunnel struct {
	Channel    *session.Channel
	SessionKey [32]byte

	pool      *Pool
	closeOnce sync.Once
}

// Close tears down the underlying transport. Pooled tunnels are
// single-use: Close, not a reuse path, is always what happens to a
// checked-out Tunnel once its session ends.
func (t *Tunnel) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.Channel.Close()
	})
	return err
}

// Pool maintains PoolSize pre-authenticated, idle tunnels and hands
// them out on checkout. Each tunnel carries exactly one session;
// replenishment keeps the idle count at PoolSize as tunnels are
// consumed.
type Pool struct {
	dialAddr string
	username string
	config   *Config

	idleMutex sync.Mutex
	idle      []*Tunnel // LIFO: idle[len(idle)-1] is most recently warmed

	onDemand *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rng *prng.PRNG
}

// NewPool constructs a Pool from config and starts PoolSize concurrent
// handshake tasks to fill it.
func NewPool(ctx context.Context, config *Config) (*Pool, error) {
	rng, err := prng.NewPRNG()
	if err != nil {
		return nil, errors.Trace(err)
	}

	poolCtx, cancel := context.WithCancel(ctx)
	size := config.normalizedPoolSize()

	p := &Pool{
		dialAddr: config.ProxyAddr,
		username: config.Username,
		config:   config,
		onDemand: semaphore.NewWeighted(int64(size * 2)),
		ctx:      poolCtx,
		cancel:   cancel,
		rng:      rng,
	}

	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.fillOne()
	}

	return p, nil
}

// Close stops replenishment and closes every idle tunnel.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()

	p.idleMutex.Lock()
	idle := p.idle
	p.idle = nil
	p.idleMutex.Unlock()

	for _, t := range idle {
		_ = t.Close()
	}
}

// fillOne handshakes one new tunnel and places it in the idle set,
// retrying with backoff on failure until Close cancels the context.
func (p *Pool) fillOne() {
	defer p.wg.Done()

	backoff := initialBackoff
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		tunnel, err := p.handshakeOne(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			NoticeHandshakeFailed(err, backoff)
			select {
			case <-time.After(p.rng.JitterDuration(backoff, backoffJitter)):
			case <-p.ctx.Done():
				return
			}
			backoff *= backoffFactor
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff
		p.idleMutex.Lock()
		p.idle = append(p.idle, tunnel)
		idleCount := len(p.idle)
		p.idleMutex.Unlock()

		if idleCount == p.config.normalizedPoolSize() {
			NoticePoolFilled(idleCount)
		}

		p.wg.Add(1)
		go p.healthCheck(tunnel)

		// This handshake task's job is done; checkout and
		// health-failure paths spawn fresh ones.
		return
	}
}

// handshakeOne dials the Proxy and runs the client side of the
// authentication handshake.
func (p *Pool) handshakeOne(ctx context.Context) (*Tunnel, error) {
	dialer := net.Dialer{Timeout: session.AuthTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.dialAddr)
	if err != nil {
		return nil, errors.Trace(err)
	}

	channel := session.NewChannel(conn, crypto.DirectionAgentToProxy, crypto.DirectionProxyToAgent)
	sessionKey, err := session.ClientAuthenticate(channel, p.config.Username, p.config.UserPrivateKey, p.config.ProxyPublicKey)
	if err != nil {
		_ = channel.Close()
		return nil, errors.Trace(err)
	}

	return &Tunnel{Channel: channel, SessionKey: sessionKey, pool: p}, nil
}

// healthCheck pings an idle tunnel every pingInterval and discards it
// if a Pong doesn't arrive within pingReplyDeadline. The tunnel is
// pulled out of the idle set for the duration of each ping so a
// concurrent Checkout can never borrow a tunnel mid-ping and race its
// ConnectResponse read against the Pong. Once the tunnel has been
// checked out, the health task exits; a checked-out tunnel is
// mid-session and its traffic is the relay's.
func (p *Pool) healthCheck(t *Tunnel) {
	defer p.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	var cookie uint64
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}

		if !p.removeIdle(t) {
			return
		}

		cookie++
		if err := p.pingOnce(t, cookie); err != nil {
			NoticeTunnelDiscarded("health check failed: " + err.Error())
			_ = t.Close()
			p.wg.Add(1)
			go p.fillOne()
			return
		}

		p.idleMutex.Lock()
		p.idle = append(p.idle, t)
		p.idleMutex.Unlock()
	}
}

func (p *Pool) pingOnce(t *Tunnel, cookie uint64) error {
	deadline := time.Now().Add(pingReplyDeadline)
	if err := t.Channel.SetDeadline(deadline); err != nil {
		return errors.Trace(err)
	}
	defer t.Channel.SetDeadline(time.Time{})

	if err := t.Channel.SendMessage(&wire.Ping{Cookie: cookie}, nowMs()); err != nil {
		return errors.Trace(err)
	}

	env, err := t.Channel.RecvMessage()
	if err != nil {
		return errors.Trace(err)
	}
	pong, ok := env.Message.(*wire.Pong)
	if !ok || pong.Cookie != cookie {
		return errors.TraceNew("unexpected ping reply")
	}
	return nil
}

func (p *Pool) removeIdle(t *Tunnel) bool {
	p.idleMutex.Lock()
	defer p.idleMutex.Unlock()
	for i, candidate := range p.idle {
		if candidate == t {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return true
		}
	}
	return false
}

// Checkout removes one idle tunnel (LIFO, keeping warm connections
// warmer) or, if none are idle, creates one on demand bounded by a
// hard ceiling of twice the pool size. Taking an idle tunnel triggers
// exactly one replenishment task so the idle count returns to
// PoolSize.
func (p *Pool) Checkout(ctx context.Context) (*Tunnel, error) {
	p.idleMutex.Lock()
	if n := len(p.idle); n > 0 {
		t := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.idleMutex.Unlock()

		p.wg.Add(1)
		go p.fillOne()
		return t, nil
	}
	p.idleMutex.Unlock()

	if !p.onDemand.TryAcquire(1) {
		return nil, errors.Trace(errors.ErrPoolExhausted)
	}
	defer p.onDemand.Release(1)

	t, err := p.handshakeOne(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return t, nil
}

// Return discards a borrowed tunnel: pooled tunnels are single-use,
// so Return always closes the transport rather than placing it back
// in the idle set.
func (p *Pool) Return(t *Tunnel) {
	_ = t.Close()
}

func nowMs() uint64 {
	return uint64(time.Now().UnixNano() / int64(time.Millisecond))
}
