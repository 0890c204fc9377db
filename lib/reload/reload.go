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

// Package reload implements the C10/C12 reconciliation and admin
// operations (spec §4.11/§6): merging a freshly parsed endpoint or port
// configuration into the live graph, syncing the accept engine's running
// listeners to match, and refreshing certificate/CA/allow-list material in
// place. Settings parsing itself is an external collaborator (spec §1);
// this package only consumes its already-parsed output, grounded on
// original_source/src/flows/{reload_endpoint_configuration,
// reload_port_configurations,sync_listen_endpoints}.rs.
package reload

import (
	"net"
	"strings"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational-labs/meshproxy/lib/config"
	"github.com/gravitational-labs/meshproxy/lib/multiplexer"
)

// Listener opens a fresh net.Listener for a port, supplied by the caller
// since binding sockets is outside this package's concern.
type Listener func(port int) (net.Listener, error)

// Manager owns the merge/commit/sync cycle described in spec §4.11: a
// reload replaces sub-structures of the config.Graph under its RW lock,
// then reconciles the accept engine's running listeners against the
// graph's new port set (step 5, "sync_listen_endpoints").
type Manager struct {
	Graph  *config.Graph
	Engine *multiplexer.Engine
	Listen Listener
	Log    *log.Entry
}

// NewManager builds a Manager. log defaults to a component-scoped entry.
func NewManager(graph *config.Graph, engine *multiplexer.Engine, listen Listener, logger *log.Entry) *Manager {
	if logger == nil {
		logger = log.WithField("component", "reload")
	}
	return &Manager{Graph: graph, Engine: engine, Listen: listen, Log: logger}
}

// MergeEndpoint installs ep into port's HTTPListenConfig, replacing any
// existing endpoint whose HostMatch equals ep.HostMatch case-insensitively
// (spec §4.11 step 3's compare_strings_case_insensitive rule), or appending
// it if no match exists. If port has no configuration yet, a fresh
// HTTPListenConfig is created with endpointType.
func (m *Manager) MergeEndpoint(port int, endpointType config.EndpointType, ep *config.HTTPEndpoint) error {
	lc, ok := m.Graph.ListenConfig(port)
	if !ok {
		m.Graph.SetListenConfig(port, &config.HTTPListenConfig{
			EndpointType: endpointType,
			Endpoints:    []*config.HTTPEndpoint{ep},
		})
		return nil
	}

	httpLC, ok := lc.(*config.HTTPListenConfig)
	if !ok {
		return trace.BadParameter("port %d is not an HTTP listener", port)
	}
	if !httpLC.EndpointType.CompatibleWith(endpointType) {
		return trace.BadParameter("port %d serves %s, incompatible with %s", port, httpLC.EndpointType, endpointType)
	}

	updated := *httpLC
	updated.Endpoints = append([]*config.HTTPEndpoint(nil), httpLC.Endpoints...)
	replaced := false
	for i, existing := range updated.Endpoints {
		if strings.EqualFold(existing.HostMatch, ep.HostMatch) {
			updated.Endpoints[i] = ep
			replaced = true
			break
		}
	}
	if !replaced {
		updated.Endpoints = append(updated.Endpoints, ep)
	}
	m.Graph.SetListenConfig(port, &updated)
	return nil
}

// DeleteEndpoint removes the endpoint matching hostMatch from port's
// listen configuration. If no endpoint remains afterward, the port's
// configuration is removed entirely, matching the original's "no updated
// endpoints for this port -> remove the port" fallback.
func (m *Manager) DeleteEndpoint(port int, hostMatch string) error {
	lc, ok := m.Graph.ListenConfig(port)
	if !ok {
		return trace.NotFound("port %d has no configuration", port)
	}
	httpLC, ok := lc.(*config.HTTPListenConfig)
	if !ok {
		return trace.BadParameter("port %d is not an HTTP listener", port)
	}

	kept := httpLC.Endpoints[:0:0]
	found := false
	for _, existing := range httpLC.Endpoints {
		if strings.EqualFold(existing.HostMatch, hostMatch) {
			found = true
			continue
		}
		kept = append(kept, existing)
	}
	if !found {
		return trace.NotFound("endpoint %q not found on port %d", hostMatch, port)
	}

	if len(kept) == 0 {
		m.Graph.DeleteListenConfig(port)
		return nil
	}
	updated := *httpLC
	updated.Endpoints = kept
	m.Graph.SetListenConfig(port, &updated)
	return nil
}

// ReplacePort installs lc wholesale as port's configuration, used when a
// full port reload supplies a freshly parsed TCPListenConfig or
// HTTPListenConfig rather than a single merged endpoint.
func (m *Manager) ReplacePort(port int, lc config.ListenConfig) {
	m.Graph.SetListenConfig(port, lc)
}

// RemovePort deletes port's configuration entirely.
func (m *Manager) RemovePort(port int) {
	m.Graph.DeleteListenConfig(port)
}

// SyncListenEndpoints reconciles the accept engine's running accept loops
// against the graph's current port set (spec §4.11 step 5): stops any loop
// whose port no longer has a configuration, and kicks a fresh listener for
// any configured port that isn't already running. A port whose
// configuration changed type without being removed first is left alone —
// Engine.Kick is a no-op once a loop is already running for that port, so
// the caller must RemovePort+ReplacePort across a Stop+Kick pair to change
// an existing port's protocol.
func (m *Manager) SyncListenEndpoints() error {
	desired := make(map[int]struct{})
	for _, port := range m.Graph.Ports() {
		desired[port] = struct{}{}
	}

	running := make(map[int]struct{})
	for _, port := range m.Engine.Ports() {
		running[port] = struct{}{}
	}

	for port := range running {
		if _, ok := desired[port]; !ok {
			m.Engine.Stop(port)
			m.Log.WithField("port", port).Info("stopped accept loop for removed port")
		}
	}

	for port := range desired {
		if _, ok := running[port]; ok {
			continue
		}
		ln, err := m.Listen(port)
		if err != nil {
			return trace.Wrap(err, "listening on port %d", port)
		}
		if err := m.Engine.Kick(port, ln); err != nil {
			_ = ln.Close()
			return trace.Wrap(err)
		}
		m.Log.WithField("port", port).Info("started accept loop")
	}
	return nil
}
