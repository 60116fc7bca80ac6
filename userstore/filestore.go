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

package userstore

import (
	"crypto/x509"

	"github.com/fxamacker/cbor/v2"

	"github.com/veilcore/veil/common"
	"github.com/veilcore/veil/common/crypto"
	"github.com/veilcore/veil/common/errors"
)

// persistedUser is the CBOR-serializable form of a user record. The
// public key is stored as its PKIX DER encoding rather than full PEM
// text, since CBOR has no need of PEM's textual armor.
type persistedUser struct {
	Username          string `cbor:"username"`
	PublicKeyDER      []byte `cbor:"public_key_der"`
	BandwidthLimitBps int64  `cbor:"bandwidth_limit_bps"`
	MaxConcurrent     int    `cbor:"max_concurrent"`
}

type persistedFile struct {
	Users []persistedUser `cbor:"users"`
}

// FileStore is a CBOR file-backed Store. It embeds a MemoryStore for
// all the runtime bookkeeping (permits, byte counters) and layers
// common.ReloadableFile on top for hot-reload of the on-disk user
// table.
type FileStore struct {
	*MemoryStore
	reloadable common.ReloadableFile
}

// NewFileStore constructs a FileStore bound to path.
// defaultMaxConcurrent seeds the concurrent-session cap for persisted
// users whose record leaves max_concurrent unset; zero or negative
// falls back to DefaultMaxConcurrent. The file is loaded once
// synchronously; call Reload periodically (or on a SIGHUP-style
// signal) to pick up administrative changes.
func NewFileStore(path string, defaultMaxConcurrent int) (*FileStore, error) {
	store := &FileStore{MemoryStore: NewMemoryStore()}
	store.MemoryStore.SetDefaultMaxConcurrent(defaultMaxConcurrent)
	store.reloadable = common.NewReloadableFile(path, store.reloadAction)

	_, err := store.reloadable.Reload()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return store, nil
}

// Reload re-reads the backing file if its checksum has changed.
func (s *FileStore) Reload() (bool, error) {
	return s.reloadable.Reload()
}

func (s *FileStore) reloadAction(content []byte) error {
	var file persistedFile
	err := cbor.Unmarshal(content, &file)
	if err != nil {
		return errors.Trace(err)
	}

	records := make([]Record, 0, len(file.Users))
	for _, u := range file.Users {
		publicKey, err := x509.ParsePKIXPublicKey(u.PublicKeyDER)
		if err != nil {
			return errors.Tracef("parsing public key for %q: %v", u.Username, err)
		}
		rsaKey, err := crypto.AsRSAPublicKey(publicKey)
		if err != nil {
			return errors.Tracef("public key for %q is not RSA: %v", u.Username, err)
		}

		records = append(records, Record{
			Username:          u.Username,
			PublicKey:         rsaKey,
			BandwidthLimitBps: u.BandwidthLimitBps,
			MaxConcurrent:     u.MaxConcurrent,
		})
	}

	current := make(map[string]bool, len(records))
	for _, record := range records {
		s.MemoryStore.Put(record)
		current[record.Username] = true
	}

	// Users deleted from the file stop authenticating immediately.
	// In-flight sessions keep their permits until they close.
	for _, stat := range s.MemoryStore.Snapshot() {
		if !current[stat.Username] {
			s.MemoryStore.Remove(stat.Username)
		}
	}

	return nil
}
