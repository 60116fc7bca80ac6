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

// Package agent implements the client half of the system: protocol
// detection, the HTTP and SOCKS5 local handlers, and the prewarmed
// connection pool.
//
// Notice logging emits one JSON object per line to an output writer,
// intended for a desktop UI to subscribe to, rather than the
// structured logrus events the Proxy emits; only the Agent has a UI
// consumer.
package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

var noticeLoggerMutex sync.Mutex
var noticeLogger = log.New(os.Stderr, "", 0)

// SetNoticeOutput redirects notice output, used by the out-of-core
// desktop UI to capture notices instead of stderr.
func SetNoticeOutput(output io.Writer) {
	noticeLoggerMutex.Lock()
	defer noticeLoggerMutex.Unlock()
	noticeLogger = log.New(output, "", 0)
}

// outputNotice writes one JSON object per line:
// {"noticeType": ..., "data": {...}, "timestamp": ...}.
func outputNotice(noticeType string, args ...interface{}) {
	data := make(map[string]interface{})
	for i := 0; i+1 < len(args); i += 2 {
		name, ok := args[i].(string)
		if ok {
			data[name] = args[i+1]
		}
	}
	obj := map[string]interface{}{
		"noticeType": noticeType,
		"data":       data,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	encoded, err := json.Marshal(obj)
	if err != nil {
		return
	}
	noticeLoggerMutex.Lock()
	defer noticeLoggerMutex.Unlock()
	noticeLogger.Print(string(encoded))
}

// NoticeListening reports the local listener is up.
func NoticeListening(addr string) {
	outputNotice("Listening", "address", addr)
}

// NoticePoolFilled reports the pool reached its target idle count.
func NoticePoolFilled(size int) {
	outputNotice("PoolFilled", "size", size)
}

// NoticeHandshakeFailed reports a tunnel handshake attempt failed and
// will be retried after a backoff.
func NoticeHandshakeFailed(err error, retryIn time.Duration) {
	outputNotice("HandshakeFailed", "error", err.Error(), "retryIn", retryIn.String())
}

// NoticeTunnelDiscarded reports a tunnel was discarded: either a
// single-use return or a failed health ping.
func NoticeTunnelDiscarded(reason string) {
	outputNotice("TunnelDiscarded", "reason", reason)
}

// NoticeSessionFailed reports a local client's borrowed-tunnel session
// failed (auth rejection, target dial failure, relay error).
func NoticeSessionFailed(proto string, err error) {
	outputNotice("SessionFailed", "protocol", proto, "error", err.Error())
}

// NoticeAlert reports an unrecoverable per-connection error.
func NoticeAlert(format string, args ...interface{}) {
	outputNotice("Alert", "message", fmt.Sprintf(format, args...))
}
