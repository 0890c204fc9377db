/*
Copyright 2024 Gravitational Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logsetup configures the process-wide logrus logger and renders
// errors the way operator-facing surfaces (error layouts, admin responses)
// expect: escaped, free of stack traces unless debug logging is on.
package logsetup

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Component scopes a logrus entry to a subsystem, mirroring the
// trace.Component-keyed fields used throughout this module.
func Component(name string, sub ...string) logrus.Fields {
	full := name
	for _, s := range sub {
		full += "/" + s
	}
	return logrus.Fields{trace.Component: full}
}

// Init configures the standard logger for daemon use: structured output to
// stderr at the given level.
func Init(level logrus.Level, debug bool) {
	logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: !debug,
	})
	logrus.SetOutput(os.Stderr)
}

// UserMessage renders err the way a client-facing log line or debug error
// layout should: the trace-embedded user messages, one per line, with the
// root cause last. It never includes a stack trace unless debug logging is
// enabled on the standard logger.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if logrus.GetLevel() == logrus.DebugLevel {
		return trace.DebugReport(err)
	}
	var buf bytes.Buffer
	writeUserMessage(err, &buf)
	return buf.String()
}

func writeUserMessage(err error, w io.Writer) {
	if traceErr, ok := err.(*trace.TraceErr); ok {
		for _, message := range traceErr.Messages {
			fmt.Fprintln(w, escapeNewlines(message))
		}
		fmt.Fprintln(w, escapeNewlines(trace.Unwrap(traceErr).Error()))
		return
	}
	if s := err.Error(); s != "" {
		fmt.Fprintln(w, escapeNewlines(s))
	} else {
		fmt.Fprintln(w, "no further details available")
	}
}

// escapeNewlines keeps a multi-line trace message on one rendered line so it
// cannot be used to forge additional log/response lines.
func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}
