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

// Package perr defines the pipeline error kinds the request pipeline (C9)
// renders into HTTP responses, per the error table.
package perr

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
)

// Kind identifies the class of failure the pipeline encountered, driving
// both the HTTP status code and the rendered message.
type Kind int

const (
	// KindInternal covers generic upstream/network failures (IoError,
	// HyperError, SshSessionError and anything else unclassified).
	KindInternal Kind = iota
	KindNoConfigurationFound
	KindNoLocationFound
	KindTimeout
	KindUnauthorized
	KindUserForbidden
	KindIPRestricted
)

// Error wraps an underlying trace-wrapped cause with a Kind the pipeline
// uses to pick the HTTP rendering.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// StatusCode implements the Kind -> HTTP status mapping from the error
// handling design table.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindNoConfigurationFound:
		return http.StatusBadRequest
	case KindNoLocationFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindUserForbidden:
		return http.StatusForbidden
	case KindIPRestricted:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// NoConfigurationFound builds the error returned when a (port, host) lookup
// misses in the configuration graph.
func NoConfigurationFound(host string) error {
	return &Error{Kind: KindNoConfigurationFound, Message: "no configuration found for " + host}
}

// NoLocationFound builds the error returned when no location's path prefix
// matches the request path.
func NoLocationFound(path string) error {
	return &Error{Kind: KindNoLocationFound, Message: "no location found for " + path}
}

// Timeout builds the error returned when an upstream request exceeds its
// request_timeout.
func Timeout(cause error) error {
	return &Error{Kind: KindTimeout, Message: "upstream request timed out", cause: cause}
}

// Unauthorized builds the error returned when the OAuth flow or cookie
// validation fails.
func Unauthorized(reason string) error {
	return &Error{Kind: KindUnauthorized, Message: "unauthorized: " + reason}
}

// UserForbidden builds the error returned when an identity is absent from
// an endpoint's allowed-user list.
func UserForbidden(identity string) error {
	return &Error{Kind: KindUserForbidden, Message: "access is forbidden for " + identity}
}

// IPRestricted builds the error returned when a peer IP fails an allow-list
// check.
func IPRestricted(ip string) error {
	return &Error{Kind: KindIPRestricted, Message: "restricted by IP (" + ip + ")"}
}

// Internal wraps a generic cause (network, IO, SSH session) as a 500.
func Internal(cause error) error {
	return &Error{Kind: KindInternal, Message: "internal server error", cause: cause}
}

// Render renders the Kind-specific body message from the error handling
// table. It never leaks the wrapped cause or a stack trace.
func Render(err error) (status int, body string) {
	var pe *Error
	if e, ok := err.(*Error); ok {
		pe = e
	} else {
		pe = &Error{Kind: KindInternal, Message: "internal server error", cause: err}
	}
	switch pe.Kind {
	case KindNoConfigurationFound:
		return pe.StatusCode(), "No configuration found"
	case KindNoLocationFound:
		return pe.StatusCode(), "Not found"
	case KindTimeout:
		return pe.StatusCode(), "Timeout"
	case KindUnauthorized:
		return pe.StatusCode(), "Unauthorized request"
	case KindUserForbidden:
		return pe.StatusCode(), "Access is forbidden"
	case KindIPRestricted:
		return pe.StatusCode(), pe.Message
	default:
		return pe.StatusCode(), "Internal Server Error"
	}
}

// IsDisposed reports whether err indicates a pooled upstream client was
// canceled or its connection disposed of, the condition that triggers the
// pipeline's single retry (spec §4.9 step 11).
func IsDisposed(err error) bool {
	if err == nil {
		return false
	}
	return trace.IsConnectionProblem(err) || isCanceledOrBrokenPipe(err)
}

func isCanceledOrBrokenPipe(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	return strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "use of closed network connection")
}
