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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveHTTPEndpointExactAndWildcard(t *testing.T) {
	t.Parallel()
	g := NewGraph()
	a := &HTTPEndpoint{HostMatch: "a.example:443"}
	wildcard := &HTTPEndpoint{HostMatch: ":443"}
	g.SetListenConfig(443, &HTTPListenConfig{
		EndpointType: Https1,
		Endpoints:    []*HTTPEndpoint{a, wildcard},
	})

	got, ok := g.ResolveHTTPEndpoint(443, "a.example")
	require.True(t, ok)
	require.Same(t, a, got)

	got, ok = g.ResolveHTTPEndpoint(443, "b.example")
	require.True(t, ok)
	require.Same(t, wildcard, got)

	_, ok = g.ResolveHTTPEndpoint(8080, "a.example")
	require.False(t, ok)
}

func TestResolveHTTPEndpointCaseInsensitive(t *testing.T) {
	t.Parallel()
	g := NewGraph()
	a := &HTTPEndpoint{HostMatch: "A.Example:443"}
	g.SetListenConfig(443, &HTTPListenConfig{Endpoints: []*HTTPEndpoint{a}})

	got, ok := g.ResolveHTTPEndpoint(443, "a.example")
	require.True(t, ok)
	require.Same(t, a, got)
}

func TestIPAllowList(t *testing.T) {
	t.Parallel()
	g := NewGraph()
	prefix := netip.MustParsePrefix("10.0.0.0/8")
	g.SetIPAllowList("office", []netip.Prefix{prefix})

	require.True(t, g.IPAllowed("office", netip.MustParseAddr("10.1.2.3")))
	require.False(t, g.IPAllowed("office", netip.MustParseAddr("8.8.8.8")))
	require.False(t, g.IPAllowed("unknown-list", netip.MustParseAddr("10.1.2.3")))
}

func TestAllowedUserList(t *testing.T) {
	t.Parallel()
	g := NewGraph()
	g.SetAllowedUserList("admins", []string{"alice", "bob"})

	require.True(t, g.UserAllowed("admins", "alice"))
	require.False(t, g.UserAllowed("admins", "eve"))
}

func TestDeleteListenConfig(t *testing.T) {
	t.Parallel()
	g := NewGraph()
	g.SetListenConfig(8080, &TCPListenConfig{HostLabel: "x"})
	_, ok := g.ListenConfig(8080)
	require.True(t, ok)

	g.DeleteListenConfig(8080)
	_, ok = g.ListenConfig(8080)
	require.False(t, ok)
}

func TestEndpointTypeCompatibility(t *testing.T) {
	t.Parallel()
	require.True(t, Https1.CompatibleWith(Https2))
	require.True(t, Https2.CompatibleWith(Mcp))
	require.True(t, Mcp.CompatibleWith(Https1))
	require.False(t, Http1.CompatibleWith(Http2))
	require.False(t, Http1.CompatibleWith(Https1))
}
