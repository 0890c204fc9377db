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

// Package placeholders implements the "${NAME}" variable substitution
// described in spec §4.7: a value is scanned for placeholders, each is
// resolved against a caller-supplied Resolver, and an unresolved placeholder
// whose body is entirely uppercase letters/underscores is re-emitted
// verbatim so it can be resolved later (at request time).
package placeholders

import "strings"

const (
	open  = "${"
	close = "}"
)

// Resolver looks up a placeholder's value. The second return indicates
// whether the name was known; a false return makes Expand defer the
// placeholder (if it looks like a magic, all-uppercase name) or fail.
type Resolver func(name string) (string, bool)

// Expand scans value for ${NAME} placeholders and replaces each with
// resolve(NAME). A value without "${" is returned unchanged (and, per the
// round-trip property, expanding twice with the same resolver is a no-op).
//
// If resolve reports a name unknown and the name consists solely of
// uppercase ASCII letters and underscores, the placeholder is preserved
// verbatim in the output (deferred to request time). Any other unresolved
// name makes Expand return the partially expanded value and ok=false.
func Expand(value string, resolve Resolver) (result string, ok bool) {
	if !strings.Contains(value, open) {
		return value, true
	}

	var b strings.Builder
	rest := value
	ok = true
	for {
		start := strings.Index(rest, open)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		afterOpen := rest[start+len(open):]
		end := strings.Index(afterOpen, close)
		if end < 0 {
			// Unterminated placeholder: treat the rest as literal text.
			b.WriteString(rest[start:])
			break
		}
		name := afterOpen[:end]
		rest = afterOpen[end+len(close):]

		if v, found := resolve(name); found {
			b.WriteString(v)
			continue
		}
		if isMagicName(name) {
			b.WriteString(open)
			b.WriteString(name)
			b.WriteString(close)
			continue
		}
		ok = false
		b.WriteString(open)
		b.WriteString(name)
		b.WriteString(close)
	}
	return b.String(), ok
}

// isMagicName reports whether name is composed solely of uppercase ASCII
// letters and underscores, the shape reserved for request-time host
// variables (HOST, HOST_PORT, PATH_AND_QUERY, ENDPOINT_IP, ENDPOINT_SCHEMA,
// CLIENT_CERT_CN).
func isMagicName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r == '_' || (r >= 'A' && r <= 'Z')) {
			return false
		}
	}
	return true
}

// ChainResolver tries each resolver in order, returning the first hit. This
// is how config-load-time resolution (compiled variables, then env) and
// request-time resolution (compiled variables, then host magics) are both
// built from the same primitive.
func ChainResolver(resolvers ...Resolver) Resolver {
	return func(name string) (string, bool) {
		for _, r := range resolvers {
			if v, ok := r(name); ok {
				return v, true
			}
		}
		return "", false
	}
}

// MapResolver resolves from a static map.
func MapResolver(m map[string]string) Resolver {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}
