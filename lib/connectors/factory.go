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
	"net/url"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational-labs/meshproxy/lib/config"
	"github.com/gravitational-labs/meshproxy/lib/gateway"
)

// BuildDeps bundles the shared state Build needs to turn a config.RemoteTarget
// into a live Connector: the SSH session pool (C4 "one shared session"), the
// gateway peer registry, and a lookup from gateway peer id to its dial spec.
type BuildDeps struct {
	SSHPool         *SSHSessionPool
	GatewayRegistry GatewayPeerResolver
	GatewayPeer     func(id string) (gateway.PeerSpec, bool)
	GatewayTimeout  time.Duration
}

// Build dispatches a config.RemoteTarget to the matching Connector kind
// (spec §4.4's "Direct TCP, UNIX, SSH-tunnel, or Gateway" decision, also
// used by the accept engine's TCP port-forward dispatch, spec §4.8).
// DirectTarget's scheme selects plain/TLS/UNIX exactly as spec.md §3
// documents ("scheme one of http, https, ws, wss, unix").
func Build(target config.RemoteTarget, deps BuildDeps, debug bool) (Connector, error) {
	switch t := target.(type) {
	case config.DirectTarget:
		return buildDirect(t, debug)
	case config.OverSSHTarget:
		if deps.SSHPool == nil {
			return nil, trace.BadParameter("no SSH session pool configured")
		}
		return NewSSHConnector(deps.SSHPool, t.Credentials, t.Endpoint, debug), nil
	case config.GatewayTarget:
		if deps.GatewayRegistry == nil || deps.GatewayPeer == nil {
			return nil, trace.BadParameter("no gateway registry configured")
		}
		peer, ok := deps.GatewayPeer(t.PeerID)
		if !ok {
			return nil, trace.NotFound("gateway peer %q not configured", t.PeerID)
		}
		return NewGatewayConnector(deps.GatewayRegistry, peer, t.Endpoint, deps.GatewayTimeout, debug), nil
	default:
		return nil, trace.BadParameter("unsupported remote target %T", target)
	}
}

func buildDirect(t config.DirectTarget, debug bool) (Connector, error) {
	u, err := url.Parse(t.Endpoint)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	switch u.Scheme {
	case "unix":
		return NewUnixConnector(u.Path, debug), nil
	case "https", "wss":
		return NewTLSConnector(u.Host, "", debug), nil
	case "http", "ws", "":
		host := u.Host
		if host == "" {
			host = t.Endpoint
		}
		return NewPlainConnector(host, debug), nil
	default:
		return nil, trace.BadParameter("unsupported direct endpoint scheme %q", u.Scheme)
	}
}

// PeerSpecFromConfig converts a named gateway peer's configuration into the
// gateway.PeerSpec the registry dials with.
func PeerSpecFromConfig(id string, c config.GatewayClientConfig) gateway.PeerSpec {
	return gateway.PeerSpec{
		ID:                   id,
		RemoteAddr:           c.RemoteAddr,
		AESKey:               c.AESKey,
		CompressionSupported: c.CompressionSupported,
		AllowIncomingForward: c.AllowIncomingForward,
	}
}
