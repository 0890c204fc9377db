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

// Package headerutil provides case-insensitive header name helpers used by
// the request pipeline's header rewrite layers (spec §4.9 step 6).
package headerutil

import (
	"net/http"

	"golang.org/x/exp/slices"
)

// Keys is a slice of HTTP header names, normally kept in canonical form.
type Keys []string

// Contains reports whether header (in any case) is present in s.
func (s Keys) Contains(header string) bool {
	canon := http.CanonicalHeaderKey(header)
	return slices.ContainsFunc(s, func(k string) bool {
		return http.CanonicalHeaderKey(k) == canon
	})
}

// Equal reports whether a and b name the same header, ignoring case.
func Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	if a == b {
		return true
	}
	return http.CanonicalHeaderKey(a) == http.CanonicalHeaderKey(b)
}

// Canonicalize returns headers with each name converted to canonical MIME
// header form, used when recording a remove-set for fast lookups.
func Canonicalize(headers []string) Keys {
	out := make(Keys, len(headers))
	for i, h := range headers {
		out[i] = http.CanonicalHeaderKey(h)
	}
	return out
}
