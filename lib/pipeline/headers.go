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

package pipeline

import (
	"net/http"

	"github.com/gravitational-labs/meshproxy/lib/config"
	"github.com/gravitational-labs/meshproxy/lib/headerutil"
	"github.com/gravitational-labs/meshproxy/lib/placeholders"
)

// hopByHopHeaders are stripped from every proxied response before it is
// written downstream, whichever protocols the two sides speak (spec §4.9
// step 10); request headers are not stripped.
var hopByHopHeaders = headerutil.Canonicalize([]string{
	"Transfer-Encoding", "Connection", "Upgrade", "Keep-Alive", "Proxy-Connection",
})

// requestResolver builds the placeholder resolver used to expand
// ModifyHeadersLayer values at request time (spec §4.9 "Placeholders at
// request time"): HOST, HOST_PORT, PATH_AND_QUERY, ENDPOINT_IP,
// ENDPOINT_SCHEMA, CLIENT_CERT_CN, chained after the compiled-in variable
// map so a request-time magic never shadows a configured variable of the
// same name.
func (p *Pipeline) requestResolver(r *http.Request, st *requestState) placeholders.Resolver {
	schema := "http"
	if r.TLS != nil {
		schema = "https"
	}
	cn := st.clientCN
	if cn == "" {
		cn = st.oauthEmail
	}
	magics := map[string]string{
		"HOST":            requestHost(r),
		"HOST_PORT":       r.Host,
		"PATH_AND_QUERY":   r.URL.RequestURI(),
		"ENDPOINT_IP":      endpointIP(st.localAddr),
		"ENDPOINT_SCHEMA":  schema,
		"CLIENT_CERT_CN":   cn,
	}
	return placeholders.ChainResolver(
		func(name string) (string, bool) { return p.cfg.Graph.Variable(name) },
		placeholders.MapResolver(magics),
	)
}

func endpointIP(addr interface{ String() string }) string {
	if addr == nil {
		return ""
	}
	host, _, err := splitHostPortSafe(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func splitHostPortSafe(s string) (string, string, error) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return s[:i], s[i+1:], nil
		}
	}
	return s, "", nil
}

// applyHeaderLayers runs the global, endpoint then location layers in
// order (spec §4.9 step 6): each layer first removes its named headers
// (case-insensitively) then adds its name/value pairs with placeholder
// expansion, with an empty expansion omitting the addition entirely ("the
// spec preserves this as a feature").
func applyHeaderLayers(h http.Header, resolve placeholders.Resolver, removeOf func(config.ModifyHeadersLayer) []string, addOf func(config.ModifyHeadersLayer) map[string]string, layers ...config.ModifyHeadersLayer) {
	for _, layer := range layers {
		for _, name := range removeOf(layer) {
			h.Del(name)
		}
		for name, value := range addOf(layer) {
			expanded, _ := placeholders.Expand(value, resolve)
			if expanded == "" {
				continue
			}
			h.Set(name, expanded)
		}
	}
}

func rewriteRequestHeaders(r *http.Request, resolve placeholders.Resolver, layers ...config.ModifyHeadersLayer) {
	applyHeaderLayers(r.Header, resolve,
		func(l config.ModifyHeadersLayer) []string { return l.RequestRemove },
		func(l config.ModifyHeadersLayer) map[string]string { return l.RequestAdd },
		layers...)
}

func rewriteResponseHeaders(h http.Header, resolve placeholders.Resolver, layers ...config.ModifyHeadersLayer) {
	applyHeaderLayers(h, resolve,
		func(l config.ModifyHeadersLayer) []string { return l.ResponseRemove },
		func(l config.ModifyHeadersLayer) map[string]string { return l.ResponseAdd },
		layers...)
}

// stripHopByHop removes the headers that must never cross an HTTP/1<->HTTP/2
// boundary (spec §4.9 step 10).
func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
