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

// Package proxy implements the server half of the system: the session
// server, DNS resolution and target dialing, the UDP ASSOCIATE relay,
// and the bidirectional relay's target-side wiring.
package proxy

import (
	"github.com/sirupsen/logrus"

	"github.com/veilcore/veil/common/stacktrace"
)

// ContextLogger adds a "context" field carrying the calling function's
// name to every entry.
type ContextLogger struct {
	*logrus.Logger
}

// Log is the process-wide Proxy logger. Its level is set from
// Config.LogLevel by the out-of-core entrypoint.
var Log = &ContextLogger{Logger: logrus.New()}

// LogFields aliases logrus.Fields so callers only need this package.
type LogFields logrus.Fields

// WithContextFields adds the caller's context field to fields and
// returns the resulting logrus.Entry. An existing "context" key is
// preserved under "fields.context".
func (logger *ContextLogger) WithContextFields(fields LogFields) *logrus.Entry {
	if _, ok := fields["context"]; ok {
		fields["fields.context"] = fields["context"]
	}
	fields["context"] = stacktrace.GetParentFunctionName()
	return logger.WithFields(logrus.Fields(fields))
}
