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
	"context"
	"net"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational-labs/meshproxy/lib/gateway"
)

// GatewayPeerResolver resolves a named peer to its live gateway Session,
// dialing one if necessary. Satisfied by *gateway.Registry.
type GatewayPeerResolver interface {
	Get(ctx context.Context, peer gateway.PeerSpec) (*gateway.Session, error)
}

// GatewayConnector obtains the Session for PeerID and requests a new
// ForwardedStream to Endpoint (spec §4.4 "OverGateway"). Grounded on
// original_source/src/tcp_gateway/client/tcp_gateway_client_forwarded_connection.rs.
type GatewayConnector struct {
	Registry GatewayPeerResolver
	Peer     gateway.PeerSpec
	Endpoint string
	Timeout  time.Duration
	debug    bool
}

func NewGatewayConnector(registry GatewayPeerResolver, peer gateway.PeerSpec, endpoint string, timeout time.Duration, debug bool) *GatewayConnector {
	return &GatewayConnector{Registry: registry, Peer: peer, Endpoint: endpoint, Timeout: timeout, debug: debug}
}

func (c *GatewayConnector) Identity() string { return "gateway:" + c.Peer.ID + "->" + c.Endpoint }
func (c *GatewayConnector) Debug() bool      { return c.debug }

func (c *GatewayConnector) Connect(ctx context.Context) (net.Conn, error) {
	session, err := c.Registry.Get(ctx, c.Peer)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	stream, err := session.Open(ctx, c.Endpoint, c.Timeout)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return stream, nil
}
