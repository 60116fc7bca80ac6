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

// Package wire implements the length-delimited frame codec and the
// typed messages that travel over a tunnel.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/veilcore/veil/common/errors"
)

const (
	// SoftCapBytes is the recommended maximum payload carried by a
	// single Data frame.
	SoftCapBytes = 64 * 1024

	// HardCapBytes is the enforced maximum frame size; an oversize
	// frame is fatal to its tunnel.
	HardCapBytes = 16 * 1024 * 1024

	lengthPrefixSize = 4
)

// ReadFrame reads one length-prefixed frame from r. Frames over
// maxLength are rejected with ErrFrameTooLarge without reading their
// body. A frame truncated at EOF is reported as ErrTruncatedFrame.
func ReadFrame(r io.Reader, maxLength uint32) ([]byte, error) {
	var lengthBytes [lengthPrefixSize]byte
	_, err := io.ReadFull(r, lengthBytes[:])
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, errors.Trace(errors.ErrTruncatedFrame)
		}
		return nil, errors.Trace(err)
	}

	length := binary.BigEndian.Uint32(lengthBytes[:])
	if length > maxLength {
		return nil, errors.Trace(errors.ErrFrameTooLarge)
	}

	body := make([]byte, length)
	_, err = io.ReadFull(r, body)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, errors.Trace(errors.ErrTruncatedFrame)
		}
		return nil, errors.Trace(err)
	}
	return body, nil
}

// WriteFrame writes one length-prefixed frame to w. Frames over
// maxLength are rejected without writing.
func WriteFrame(w io.Writer, maxLength uint32, body []byte) error {
	if uint32(len(body)) > maxLength {
		return errors.Trace(errors.ErrFrameTooLarge)
	}
	var lengthBytes [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBytes[:], uint32(len(body)))
	_, err := w.Write(lengthBytes[:])
	if err != nil {
		return errors.Trace(err)
	}
	_, err = w.Write(body)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}
