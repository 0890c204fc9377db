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
	"crypto/tls"
	"net"

	"github.com/gravitational/trace"
)

// TLSConnector dials plain TCP then performs a TLS client handshake with no
// client certificate, using the process's trusted roots (spec §4.4 "Tls").
// SNI is domainOverride if non-empty, else the endpoint's host.
type TLSConnector struct {
	Endpoint      string
	DomainOverride string
	debug         bool
}

func NewTLSConnector(endpoint, domainOverride string, debug bool) *TLSConnector {
	return &TLSConnector{Endpoint: endpoint, DomainOverride: domainOverride, debug: debug}
}

func (c *TLSConnector) Identity() string { return "tls:" + c.Endpoint }
func (c *TLSConnector) Debug() bool      { return c.debug }

func (c *TLSConnector) sni() string {
	if c.DomainOverride != "" {
		return c.DomainOverride
	}
	host, _, err := net.SplitHostPort(c.Endpoint)
	if err != nil {
		return c.Endpoint
	}
	return host
}

func (c *TLSConnector) Connect(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	tcpConn, err := d.DialContext(ctx, "tcp", c.Endpoint)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	tlsConn := tls.Client(tcpConn, &tls.Config{ServerName: c.sni()})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = tcpConn.Close()
		return nil, trace.Wrap(err)
	}
	return tlsConn, nil
}
