/*
 * Copyright (c) 2019, Psiphon Inc.
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

Package errors provides error wrapping helpers that add inline, single frame
stack trace information to error messages, along with the sentinel error
taxonomy shared by the wire, session, agent, and proxy packages.

*/
package errors

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/veilcore/veil/common/stacktrace"
)

// Is and As are re-exported so callers only need to import this package.
var (
	Is = errors.Is
	As = errors.As
)

// Authentication failures, surfaced to the peer via AuthResponse.
var (
	ErrUnknownUser = errors.New("unknown user")
	ErrBadKey      = errors.New("bad key")
	ErrReplay      = errors.New("replay")
	ErrThrottled   = errors.New("throttled")
)

// Protocol failures, fatal to their tunnel.
var (
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrTruncatedFrame = errors.New("truncated frame")
	ErrBadTag         = errors.New("bad message tag")
	ErrNonceOverflow  = errors.New("nonce counter overflow")
	ErrDecode         = errors.New("message decode failure")
)

// Target dial failures, surfaced to the peer via ConnectResponse.
var (
	ErrRefused     = errors.New("connection refused")
	ErrUnreachable = errors.New("unreachable")
	ErrForbidden   = errors.New("forbidden")
	ErrTimeout     = errors.New("timeout")
)

// Resource exhaustion.
var (
	ErrPoolExhausted = errors.New("connection pool exhausted")
)

// TraceNew returns a new error with the given message, wrapped with the caller
// stack frame information.
func TraceNew(message string) error {
	err := fmt.Errorf("%s", message)
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s#%d: %w", stacktrace.GetFunctionName(pc), line, err)
}

// Tracef returns a new error with the given formatted message, wrapped with
// the caller stack frame information.
func Tracef(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s#%d: %w", stacktrace.GetFunctionName(pc), line, err)
}

// Trace wraps the given error with the caller stack frame information.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s#%d: %w", stacktrace.GetFunctionName(pc), line, err)
}

// TraceMsg wraps the given error with the caller stack frame information
// and the given message.
func TraceMsg(err error, message string) error {
	if err == nil {
		return nil
	}
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s#%d: %s: %w", stacktrace.GetFunctionName(pc), line, message, err)
}
