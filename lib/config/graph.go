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

package config

import (
	"net/netip"
	"sync"
)

// GoogleAuthCredentials is the OAuth client configuration for one g_auth_id
// (spec §3/§4.9 step 3).
type GoogleAuthCredentials struct {
	ClientID            string
	ClientSecret        string
	WhitelistedDomains  []string
}

// GatewayServerConfig is this proxy's own gateway listener, if it accepts
// inbound gateway sessions from peers.
type GatewayServerConfig struct {
	ListenAddr string
	AESKey     string
	AllowedIP  string
}

// GatewayClientConfig is a named peer this proxy may dial out to.
type GatewayClientConfig struct {
	ID                    string
	RemoteAddr            string
	AESKey                string
	CompressionSupported  bool
	AllowIncomingForward  bool
}

// Graph is the single RW-locked runtime configuration structure (spec §3,
// §4.7, §5). Readers take a shared guard, copy out what they need, and
// release the lock before any external I/O; writers replace whole
// sub-structures under the exclusive guard so that composite changes (e.g.
// "replace endpoint X and add cert Y") are atomic from a reader's
// perspective.
type Graph struct {
	mu sync.RWMutex

	listenPorts map[int]ListenConfig
	googleAuth  map[string]GoogleAuthCredentials
	ipAllow     map[string]map[netip.Prefix]struct{}
	allowedUsers map[string]map[string]struct{}
	sshConfig   map[string]SSHCredentials
	gwServer    *GatewayServerConfig
	gwClients   map[string]GatewayClientConfig
	variables   map[string]string
	globalHeaders ModifyHeadersLayer
}

// NewGraph returns an empty configuration graph.
func NewGraph() *Graph {
	return &Graph{
		listenPorts:  make(map[int]ListenConfig),
		googleAuth:   make(map[string]GoogleAuthCredentials),
		ipAllow:      make(map[string]map[netip.Prefix]struct{}),
		allowedUsers: make(map[string]map[string]struct{}),
		sshConfig:    make(map[string]SSHCredentials),
		gwClients:    make(map[string]GatewayClientConfig),
		variables:    make(map[string]string),
	}
}

// ListenConfig returns the configuration for a port, and whether it exists.
func (g *Graph) ListenConfig(port int) (ListenConfig, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	lc, ok := g.listenPorts[port]
	return lc, ok
}

// Ports returns the set of currently configured listening ports.
func (g *Graph) Ports() []int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]int, 0, len(g.listenPorts))
	for p := range g.listenPorts {
		out = append(out, p)
	}
	return out
}

// SetListenConfig atomically installs lc for port, replacing any previous
// value. Composite reload operations call this once per affected port
// inside a single logical commit (spec §4.11 step 4).
func (g *Graph) SetListenConfig(port int, lc ListenConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listenPorts[port] = lc
}

// DeleteListenConfig removes a port's configuration entirely.
func (g *Graph) DeleteListenConfig(port int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.listenPorts, port)
}

// ResolveHTTPEndpoint finds the HTTPEndpoint matching (port, host), trying
// an exact server-name match first and falling back to a ":<port>"
// match-any endpoint (spec §4.9 step 1).
func (g *Graph) ResolveHTTPEndpoint(port int, host string) (*HTTPEndpoint, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	lc, ok := g.listenPorts[port]
	if !ok {
		return nil, false
	}
	httpLC, ok := lc.(*HTTPListenConfig)
	if !ok {
		return nil, false
	}
	var wildcard *HTTPEndpoint
	for _, ep := range httpLC.Endpoints {
		if ep.MatchesAny() {
			wildcard = ep
			continue
		}
		if equalFoldASCII(ep.ServerName(), host) {
			return ep, true
		}
	}
	if wildcard != nil {
		return wildcard, true
	}
	return nil, false
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// GoogleAuth returns the OAuth credential config for id.
func (g *Graph) GoogleAuth(id string) (GoogleAuthCredentials, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.googleAuth[id]
	return c, ok
}

// SetGoogleAuth installs or replaces a named OAuth credential config.
func (g *Graph) SetGoogleAuth(id string, c GoogleAuthCredentials) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.googleAuth[id] = c
}

// IPAllowed reports whether ip is permitted by the named allow list. An
// unknown list id denies by default.
func (g *Graph) IPAllowed(listID string, ip netip.Addr) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	prefixes, ok := g.ipAllow[listID]
	if !ok {
		return false
	}
	for p := range prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// SetIPAllowList installs or replaces a named IP allow list.
func (g *Graph) SetIPAllowList(id string, prefixes []netip.Prefix) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := make(map[netip.Prefix]struct{}, len(prefixes))
	for _, p := range prefixes {
		set[p] = struct{}{}
	}
	g.ipAllow[id] = set
}

// UserAllowed reports whether identity is present in the named allowed-user
// list.
func (g *Graph) UserAllowed(listID, identity string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	set, ok := g.allowedUsers[listID]
	if !ok {
		return false
	}
	_, ok = set[identity]
	return ok
}

// SetAllowedUserList installs or replaces a named allowed-user list.
func (g *Graph) SetAllowedUserList(id string, users []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := make(map[string]struct{}, len(users))
	for _, u := range users {
		set[u] = struct{}{}
	}
	g.allowedUsers[id] = set
}

// SSHConfig returns the named SSH credential config.
func (g *Graph) SSHConfig(id string) (SSHCredentials, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.sshConfig[id]
	return c, ok
}

// SetSSHConfig installs or replaces a named SSH credential config.
func (g *Graph) SetSSHConfig(id string, c SSHCredentials) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sshConfig[id] = c
}

// GatewayServer returns this proxy's inbound gateway server config, if any.
func (g *Graph) GatewayServer() (GatewayServerConfig, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.gwServer == nil {
		return GatewayServerConfig{}, false
	}
	return *g.gwServer, true
}

// SetGatewayServer installs the inbound gateway server config.
func (g *Graph) SetGatewayServer(c GatewayServerConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gwServer = &c
}

// GatewayClient returns the named peer's client config.
func (g *Graph) GatewayClient(id string) (GatewayClientConfig, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.gwClients[id]
	return c, ok
}

// SetGatewayClient installs or replaces a named gateway peer.
func (g *Graph) SetGatewayClient(c GatewayClientConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gwClients[c.ID] = c
}

// Variable returns a compiled-in configuration variable (spec §4.7).
func (g *Graph) Variable(name string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.variables[name]
	return v, ok
}

// SetVariables replaces the compiled-in variable map wholesale.
func (g *Graph) SetVariables(vars map[string]string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.variables = vars
}

// GlobalHeaders returns the proxy-wide header modification layer, applied
// first in the request pipeline's header rewrite step (spec §4.9 step 6:
// "global modifications, endpoint-level modifications, then location-level").
func (g *Graph) GlobalHeaders() ModifyHeadersLayer {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.globalHeaders
}

// SetGlobalHeaders installs or replaces the proxy-wide header layer.
func (g *Graph) SetGlobalHeaders(layer ModifyHeadersLayer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.globalHeaders = layer
}
