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

// UnixConnector dials a UNIX domain socket (spec §4.4 "UnixSocket").
type UnixConnector struct {
	Path  string
	debug bool
}

func NewUnixConnector(path string, debug bool) *UnixConnector {
	return &UnixConnector{Path: path, debug: debug}
}

func (c *UnixConnector) Identity() string { return "unix:" + c.Path }
func (c *UnixConnector) Debug() bool      { return c.debug }

func (c *UnixConnector) Connect(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.Path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return conn, nil
}
