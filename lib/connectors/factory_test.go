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

package connectors

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational-labs/meshproxy/lib/config"
	"github.com/gravitational-labs/meshproxy/lib/gateway"
)

func TestBuildDirectTargetDispatchesByScheme(t *testing.T) {
	t.Parallel()

	c, err := Build(config.DirectTarget{Endpoint: "http://upstream:8080"}, BuildDeps{}, false)
	require.NoError(t, err)
	require.IsType(t, &PlainConnector{}, c)

	c, err = Build(config.DirectTarget{Endpoint: "https://upstream:8443"}, BuildDeps{}, false)
	require.NoError(t, err)
	require.IsType(t, &TLSConnector{}, c)

	c, err = Build(config.DirectTarget{Endpoint: "unix:///var/run/app.sock"}, BuildDeps{}, false)
	require.NoError(t, err)
	require.IsType(t, &UnixConnector{}, c)

	_, err = Build(config.DirectTarget{Endpoint: "ftp://upstream"}, BuildDeps{}, false)
	require.Error(t, err)
}

func TestBuildSSHTargetRequiresPool(t *testing.T) {
	t.Parallel()
	_, err := Build(config.OverSSHTarget{Endpoint: "host:22"}, BuildDeps{}, false)
	require.Error(t, err)

	c, err := Build(config.OverSSHTarget{Endpoint: "host:22"}, BuildDeps{SSHPool: NewSSHSessionPool()}, false)
	require.NoError(t, err)
	require.IsType(t, &SSHConnector{}, c)
}

func TestBuildGatewayTargetResolvesPeer(t *testing.T) {
	t.Parallel()
	registry := &gateway.Registry{}

	_, err := Build(config.GatewayTarget{PeerID: "peer-a", Endpoint: "10.0.0.1:80"}, BuildDeps{
		GatewayRegistry: registry,
		GatewayPeer:     func(id string) (gateway.PeerSpec, bool) { return gateway.PeerSpec{}, false },
	}, false)
	require.Error(t, err)

	c, err := Build(config.GatewayTarget{PeerID: "peer-a", Endpoint: "10.0.0.1:80"}, BuildDeps{
		GatewayRegistry: registry,
		GatewayPeer: func(id string) (gateway.PeerSpec, bool) {
			return gateway.PeerSpec{ID: id}, true
		},
	}, false)
	require.NoError(t, err)
	require.IsType(t, &GatewayConnector{}, c)
}

func TestPeerSpecFromConfig(t *testing.T) {
	t.Parallel()
	spec := PeerSpecFromConfig("peer-a", config.GatewayClientConfig{
		RemoteAddr:           "10.0.0.1:9000",
		AESKey:               "shared-secret",
		CompressionSupported: true,
		AllowIncomingForward: true,
	})
	require.Equal(t, "peer-a", spec.ID)
	require.Equal(t, "10.0.0.1:9000", spec.RemoteAddr)
	require.True(t, spec.CompressionSupported)
	require.True(t, spec.AllowIncomingForward)
}
