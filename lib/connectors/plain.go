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

	"github.com/gravitational/trace"
)

// PlainConnector dials a bare TCP socket (spec §4.4 "Plain").
type PlainConnector struct {
	Endpoint string
	debug    bool
}

// NewPlainConnector builds a Plain connector to host:port.
func NewPlainConnector(endpoint string, debug bool) *PlainConnector {
	return &PlainConnector{Endpoint: endpoint, debug: debug}
}

func (c *PlainConnector) Identity() string { return "tcp:" + c.Endpoint }
func (c *PlainConnector) Debug() bool      { return c.debug }

func (c *PlainConnector) Connect(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.Endpoint)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return conn, nil
}
