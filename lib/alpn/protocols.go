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

// Package alpn carries the small set of TLS ALPN protocol identifiers this
// proxy negotiates on HTTPS-terminated listening ports.
package alpn

import "golang.org/x/exp/slices"

// Protocol is a TLS ALPN protocol identifier.
type Protocol string

const (
	// ProtocolHTTP is the ALPN value for HTTP/1.1.
	ProtocolHTTP Protocol = "http/1.1"
	// ProtocolHTTP10 is the ALPN value for HTTP/1.0, advertised for legacy
	// clients only in Http2Capable.
	ProtocolHTTP10 Protocol = "http/1.0"
	// ProtocolHTTP2 is the ALPN value for HTTP/2.
	ProtocolHTTP2 Protocol = "h2"
	// ProtocolDefault is returned by crypto/tls when the client didn't
	// negotiate ALPN at all; treated as HTTP/1.1.
	ProtocolDefault Protocol = ""
)

// Http2Capable is the ALPN list advertised on ports serving Http2, Https2 or
// Mcp endpoints (spec §6: "ALPN h2, http/1.1, http/1.0").
var Http2Capable = []string{string(ProtocolHTTP2), string(ProtocolHTTP), string(ProtocolHTTP10)}

// Http1Only is the ALPN list advertised on ports serving only Http1/Https1
// endpoints.
var Http1Only = []string{string(ProtocolHTTP)}

// IsHTTP2 reports whether the negotiated protocol selects the HTTP/2
// listener branch in the lazy TLS acceptor (spec §4.8).
func IsHTTP2(p string) bool {
	return Protocol(p) == ProtocolHTTP2
}

// ToStrings converts a Protocol slice to plain strings, e.g. for
// tls.Config.NextProtos.
func ToStrings(protocols []Protocol) []string {
	out := make([]string, 0, len(protocols))
	for _, p := range protocols {
		out = append(out, string(p))
	}
	return out
}

// Supported reports whether p is one of the protocols this proxy can
// negotiate.
func Supported(p Protocol) bool {
	return slices.Contains([]Protocol{ProtocolHTTP, ProtocolHTTP10, ProtocolHTTP2, ProtocolDefault}, p)
}
