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

package pool

import (
	"context"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/net/http2"

	"github.com/gravitational-labs/meshproxy/lib/connectors"
	"github.com/gravitational-labs/meshproxy/lib/perr"
)

// HTTP2Client performs the HTTP/2 handshake once and multiplexes requests
// over the resulting connection's streams (spec §4.5 "HTTP/2 client"). The
// caller's connector is expected to have already ALPN-negotiated "h2" (the
// TLS connector) or to speak cleartext h2c upstream; this type only owns
// the multiplexing, same as the teacher's http2.NextProtoTLS handling in
// lib/multiplexer/tls.go but from the client side.
type HTTP2Client struct {
	identity string
	cc       *http2.ClientConn
}

// DialHTTP2 builds an HTTP2Client by dialing through connector and
// performing the HTTP/2 client preface over the result.
func DialHTTP2(ctx context.Context, connector connectors.Connector) (*HTTP2Client, error) {
	conn, err := connector.Connect(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	t := &http2.Transport{AllowHTTP: true}
	cc, err := t.NewClientConn(conn)
	if err != nil {
		_ = conn.Close()
		return nil, trace.Wrap(err)
	}

	return &HTTP2Client{identity: connector.Identity(), cc: cc}, nil
}

// DoRequest implements the spec §4.5 request contract over a multiplexed
// HTTP/2 stream; a context deadline exceeded is surfaced as
// perr.KindTimeout.
func (c *HTTP2Client) DoRequest(req *http.Request, timeout time.Duration) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(req.Context(), timeout)
	defer cancel()

	resp, err := c.cc.RoundTrip(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, perr.Timeout(err)
		}
		return nil, trace.Wrap(err)
	}
	return resp, nil
}

// ActiveStreams reports the number of in-flight streams (spec §4.5:
// "counts active streams").
func (c *HTTP2Client) ActiveStreams() int {
	state := c.cc.State()
	return state.StreamsActive
}

// Reusable reports whether this connection may still accept new requests
// (spec §4.5: "a pool entry is reusable while healthy").
func (c *HTTP2Client) Reusable() bool {
	return c.cc.CanTakeNewRequest()
}

func (c *HTTP2Client) Identity() string { return c.identity }

// Close implements io.Closer for pool eviction.
func (c *HTTP2Client) Close() error {
	return c.cc.Close()
}
