/*
 * Copyright (c) 2016, Psiphon Inc.
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

package common

import (
	"hash/crc64"
	"os"
	"sync"

	"github.com/veilcore/veil/common/errors"
)

// Reloader represents a read-only, in-memory reloadable data object,
// such as the CBOR-encoded UserStore file that userstore.FileStore
// wraps.
type Reloader interface {

	// Reload reloads the data object. Reload returns a flag indicating
	// if the reloadable target has changed and reloaded or remains
	// unchanged. By convention, when reloading fails the Reloader
	// should revert to its previous in-memory state.
	Reload() (bool, error)

	// WillReload indicates if the data object is capable of reloading.
	WillReload() bool

	// LogDescription returns a description to be used for logging
	// events related to the Reloader.
	LogDescription() string
}

// ReloadableFile is a file-backed Reloader, intended to be embedded in
// a type that adds the actual reloadable data structures. Read access
// to those structures should be guarded by RLocks on the embedded
// mutex; Reload takes a write lock before invoking reloadAction.
type ReloadableFile struct {
	sync.RWMutex
	fileName     string
	checksum     uint64
	reloadAction func([]byte) error
}

// NewReloadableFile initializes a new ReloadableFile.
func NewReloadableFile(
	fileName string,
	reloadAction func([]byte) error) ReloadableFile {

	return ReloadableFile{
		fileName:     fileName,
		reloadAction: reloadAction,
	}
}

// WillReload indicates whether the ReloadableFile is capable of
// reloading.
func (reloadable *ReloadableFile) WillReload() bool {
	return reloadable.fileName != ""
}

var crc64Table = crc64.MakeTable(crc64.ISO)

// Reload checks if the underlying file has changed and, when changed,
// invokes reloadAction with the new content. The file's checksum, not
// its size or modification time, determines whether it changed, since
// neither of those reliably indicates new content (size may be
// unchanged; mtime may change on an identical repave).
//
// Reload must not be called from multiple concurrent goroutines.
func (reloadable *ReloadableFile) Reload() (bool, error) {
	if !reloadable.WillReload() {
		return false, nil
	}

	reloadable.RLock()
	fileName := reloadable.fileName
	previousChecksum := reloadable.checksum
	reloadable.RUnlock()

	content, err := os.ReadFile(fileName)
	if err != nil {
		return false, errors.Trace(err)
	}

	checksum := crc64.Checksum(content, crc64Table)
	if checksum == previousChecksum {
		return false, nil
	}

	reloadable.Lock()
	defer reloadable.Unlock()

	err = reloadable.reloadAction(content)
	if err != nil {
		return false, errors.Trace(err)
	}

	reloadable.checksum = checksum

	return true, nil
}

// LogDescription implements Reloader.
func (reloadable *ReloadableFile) LogDescription() string {
	return reloadable.fileName
}
