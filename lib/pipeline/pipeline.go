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

// Package pipeline implements the per-request processing chain (spec §4.9
// C9): endpoint resolution, IP filtering, Google-OAuth, allowed-user
// enforcement, location matching, header rewrite, body handling, upstream
// dispatch, WebSocket upgrade bridging, and the upstream-disposed retry
// rule. Grounded step by step on
// original_source/src/http_proxy_pass/http_proxy_pass.rs's send_payload
// loop and handle_ga.rs's Google-Auth state machine.
package pipeline

import (
	"net"
	"net/http"
	"net/netip"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational-labs/meshproxy/lib/config"
	"github.com/gravitational-labs/meshproxy/lib/connectors"
	"github.com/gravitational-labs/meshproxy/lib/gateway"
	"github.com/gravitational-labs/meshproxy/lib/multiplexer"
	"github.com/gravitational-labs/meshproxy/lib/perr"
	"github.com/gravitational-labs/meshproxy/lib/pool"
)

// Config is the shared, read-mostly state a Pipeline dispatches requests
// with.
type Config struct {
	Graph         *config.Graph
	ConnectorDeps connectors.BuildDeps
	HTTP1Pool     *pool.Pool[*pool.HTTP1Client]
	HTTP2Pool     *pool.Pool[*pool.HTTP2Client]
	// CookieCipher seals/opens the x-authorized cookie (spec §6). Reuses
	// the gateway protocol's AES-GCM primitive rather than inventing a
	// second AEAD wrapper for the same job.
	CookieCipher *gateway.Cipher
	Clock        clockwork.Clock
	Log          *log.Entry
}

func (c *Config) checkAndSetDefaults() {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField("component", "pipeline")
	}
}

// Pipeline is the http.Handler the accept engine (C8) dispatches every
// HTTP/1.1 and HTTP/2 request to.
type Pipeline struct {
	cfg Config
}

// New builds a Pipeline from cfg.
func New(cfg Config) *Pipeline {
	cfg.checkAndSetDefaults()
	return &Pipeline{cfg: cfg}
}

// requestState threads the per-request resolution results (endpoint,
// location, identity) through the pipeline's steps without a shared mutable
// struct outliving the request, mirroring HttpProxyPassInner's role in the
// original but scoped to one call instead of held across a connection's
// lifetime (Go's pooled http.Client model makes connection-scoped identity
// state the TLS listener's job instead, see lib/multiplexer/identity.go).
type requestState struct {
	endpoint   *config.HTTPEndpoint
	location   *config.Location
	clientCN   string
	oauthEmail string
	peerIP     netip.Addr
	localAddr  net.Addr
}

// identity returns the allowed-users/placeholder identity key: the client
// certificate CN if one was captured, else the OAuth email (spec §4.9 step
// 4).
func (s *requestState) identity() string {
	if s.clientCN != "" {
		return s.clientCN
	}
	return s.oauthEmail
}

// ServeHTTP runs the full request pipeline (spec §4.9 steps 1-11).
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := &requestState{localAddr: localAddrFromContext(r)}

	if identity, ok := multiplexer.IdentityFromContext(r.Context()); ok {
		st.clientCN = identity.CommonName
	}

	peerIP, ok := peerIPFromRequest(r)
	if !ok {
		renderError(w, perr.Internal(errBadRemoteAddr))
		return
	}
	st.peerIP = peerIP

	// Step 1: endpoint resolution.
	host := requestHost(r)
	ep, ok := p.cfg.Graph.ResolveHTTPEndpoint(localPort(st.localAddr), host)
	if !ok {
		renderError(w, perr.NoConfigurationFound(host))
		return
	}
	st.endpoint = ep

	// Step 2: endpoint-level IP filter.
	if ep.IPAllowListID != "" && !p.cfg.Graph.IPAllowed(ep.IPAllowListID, st.peerIP) {
		renderError(w, perr.IPRestricted(st.peerIP.String()))
		return
	}

	// Step 3: Google-OAuth.
	if ep.GAuthID != "" {
		creds, ok := p.cfg.Graph.GoogleAuth(ep.GAuthID)
		if !ok {
			renderError(w, perr.Internal(errUnknownGAuthID))
			return
		}
		email, handled := p.handleGoogleAuth(w, r, creds)
		if handled {
			return
		}
		st.oauthEmail = email
	}

	// Step 4: allowed-users check.
	if ep.AllowedUserListID != "" {
		if identity := st.identity(); identity == "" || !p.cfg.Graph.UserAllowed(ep.AllowedUserListID, identity) {
			renderError(w, perr.UserForbidden(st.identity()))
			return
		}
	}

	// Step 5: location match.
	loc, ok := matchLocation(ep.Locations, r.URL.Path)
	if !ok {
		renderError(w, perr.NoLocationFound(r.URL.Path))
		return
	}
	st.location = loc

	// Location-level IP filter, mirroring the original's whitelisted_ip
	// check performed once the destination location is known.
	if loc.IPAllowListID != "" && !p.cfg.Graph.IPAllowed(loc.IPAllowListID, st.peerIP) {
		renderError(w, perr.IPRestricted(st.peerIP.String()))
		return
	}

	p.dispatchToLocation(w, r, st)
}

func localAddrFromContext(r *http.Request) net.Addr {
	addr, _ := r.Context().Value(http.LocalAddrContextKey).(net.Addr)
	return addr
}

func localPort(addr net.Addr) int {
	if addr == nil {
		return 0
	}
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	var port int
	for _, c := range portStr {
		if c < '0' || c > '9' {
			return 0
		}
		port = port*10 + int(c-'0')
	}
	return port
}

func peerIPFromRequest(r *http.Request) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

func requestHost(r *http.Request) string {
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func matchLocation(locations []*config.Location, path string) (*config.Location, bool) {
	lowerPath := toLower(path)
	for _, loc := range locations {
		prefix := toLower(loc.PathPrefix)
		if hasPrefix(lowerPath, prefix) {
			return loc, true
		}
	}
	return nil, false
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
