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

// Package userstore provides per-user identity, limits, and
// accounting for the proxy: public-key lookup, concurrency permits,
// and byte counters. The management layer owns user creation and
// removal; this package is the capability surface the session server
// consumes.
package userstore

import (
	"crypto/rsa"
	"sync"
	"sync/atomic"

	"github.com/veilcore/veil/common/errors"
)

// Direction identifies which byte counter RecordBytes updates.
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

// Record describes one user's identity and limits.
type Record struct {
	Username          string
	PublicKey         *rsa.PublicKey
	BandwidthLimitBps int64 // 0 = unlimited
	MaxConcurrent     int   // default 100
}

// Stat is one row of Snapshot's output.
type Stat struct {
	Username       string
	BytesIn        int64
	BytesOut       int64
	ActiveSessions int
}

// Permit represents one allowed concurrent session for a user. It must
// be released exactly once, typically via defer tied to the owning
// session's lifetime.
type Permit interface {
	Release()
}

// Store is the capability set the Proxy session server consumes.
type Store interface {
	LookupUser(username string) (*Record, error)
	AcquireSlot(username string) (Permit, error)
	RecordBytes(username string, direction Direction, n int64)
	Snapshot() []Stat
}

type userEntry struct {
	record   Record
	active   int64 // atomic
	bytesIn  int64 // atomic
	bytesOut int64 // atomic
}

// DefaultMaxConcurrent is the concurrent-session cap applied to
// records that leave MaxConcurrent unset, unless the store is
// configured with a different default.
const DefaultMaxConcurrent = 100

// MemoryStore is an in-process Store implementation. It is the backing
// store for tests; FileStore (filestore.go) layers CBOR persistence and
// hot-reload on top of the same bookkeeping.
type MemoryStore struct {
	mutex                sync.RWMutex
	defaultMaxConcurrent int
	users                map[string]*userEntry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defaultMaxConcurrent: DefaultMaxConcurrent,
		users:                make(map[string]*userEntry),
	}
}

// SetDefaultMaxConcurrent replaces the fallback cap Put applies to
// records that leave MaxConcurrent unset. Zero or negative n restores
// DefaultMaxConcurrent. Records already stored are unaffected.
func (s *MemoryStore) SetDefaultMaxConcurrent(n int) {
	if n <= 0 {
		n = DefaultMaxConcurrent
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.defaultMaxConcurrent = n
}

// Put inserts or replaces a user record, used by administrative
// callers and by FileStore's reload path.
func (s *MemoryStore) Put(record Record) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if record.MaxConcurrent <= 0 {
		record.MaxConcurrent = s.defaultMaxConcurrent
	}
	existing, ok := s.users[record.Username]
	if ok {
		existing.record = record
		return
	}
	s.users[record.Username] = &userEntry{record: record}
}

// Remove deletes a user. Subsequent handshakes for the username fail
// with ErrUnknownUser; existing sessions are unaffected.
func (s *MemoryStore) Remove(username string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.users, username)
}

func (s *MemoryStore) lookup(username string) (*userEntry, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	entry, ok := s.users[username]
	return entry, ok
}

// LookupUser implements Store.
func (s *MemoryStore) LookupUser(username string) (*Record, error) {
	entry, ok := s.lookup(username)
	if !ok {
		return nil, errors.Trace(errors.ErrUnknownUser)
	}
	record := entry.record
	return &record, nil
}

type memoryPermit struct {
	entry *userEntry
	once  sync.Once
}

func (p *memoryPermit) Release() {
	p.once.Do(func() {
		atomic.AddInt64(&p.entry.active, -1)
	})
}

// AcquireSlot implements Store. The CAS loop guarantees the active
// count never exceeds the user's MaxConcurrent.
func (s *MemoryStore) AcquireSlot(username string) (Permit, error) {
	entry, ok := s.lookup(username)
	if !ok {
		return nil, errors.Trace(errors.ErrUnknownUser)
	}
	for {
		current := atomic.LoadInt64(&entry.active)
		if int(current) >= entry.record.MaxConcurrent {
			return nil, errors.Trace(errors.ErrThrottled)
		}
		if atomic.CompareAndSwapInt64(&entry.active, current, current+1) {
			return &memoryPermit{entry: entry}, nil
		}
	}
}

// RecordBytes implements Store.
func (s *MemoryStore) RecordBytes(username string, direction Direction, n int64) {
	entry, ok := s.lookup(username)
	if !ok {
		return
	}
	if direction == DirectionIn {
		atomic.AddInt64(&entry.bytesIn, n)
	} else {
		atomic.AddInt64(&entry.bytesOut, n)
	}
}

// Snapshot implements Store.
func (s *MemoryStore) Snapshot() []Stat {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	stats := make([]Stat, 0, len(s.users))
	for username, entry := range s.users {
		stats = append(stats, Stat{
			Username:       username,
			BytesIn:        atomic.LoadInt64(&entry.bytesIn),
			BytesOut:       atomic.LoadInt64(&entry.bytesOut),
			ActiveSessions: int(atomic.LoadInt64(&entry.active)),
		})
	}
	return stats
}
