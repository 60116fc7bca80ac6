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

package bandwidth

import "sync"

// Manager hands out one Bucket per username, creating it lazily on
// first use and keeping it for the process lifetime. Both directions
// of every session a user runs charge the same bucket, so the
// configured ceiling bounds the user's combined throughput, not each
// direction separately.
type Manager struct {
	mutex   sync.Mutex
	buckets map[string]*Bucket
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{buckets: make(map[string]*Bucket)}
}

// BucketFor returns the Bucket for username, creating it with
// limitBytesPerSec if this is the first request for that user.
// Subsequent calls for the same username ignore limitBytesPerSec and
// return the existing bucket; call SetLimit to change it.
func (m *Manager) BucketFor(username string, limitBytesPerSec int64) *Bucket {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	existing, ok := m.buckets[username]
	if ok {
		return existing
	}

	created := NewBucket(limitBytesPerSec)
	m.buckets[username] = created
	return created
}

// SetLimit replaces the bucket for username, used when administrative
// changes update a user's bandwidth ceiling. Sessions holding the old
// bucket keep their old limit until they end.
func (m *Manager) SetLimit(username string, limitBytesPerSec int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.buckets[username] = NewBucket(limitBytesPerSec)
}

// Remove discards the bucket for username.
func (m *Manager) Remove(username string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.buckets, username)
}
