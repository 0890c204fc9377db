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
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational-labs/meshproxy/lib/connectors"
	"github.com/gravitational-labs/meshproxy/lib/metrics"
	"github.com/gravitational-labs/meshproxy/lib/perr"
)

// HTTP1Client owns one upstream byte stream and serializes requests across
// it (spec §4.5 "HTTP/1 client"): no pipelining, one in-flight request at a
// time, with a keep-alive connection reused across DoRequest calls.
type HTTP1Client struct {
	identity string

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	upgraded  bool
	disposed  bool
}

// DialHTTP1 builds an HTTP1Client by dialing through connector.
func DialHTTP1(ctx context.Context, connector connectors.Connector) (*HTTP1Client, error) {
	conn, err := connector.Connect(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	identity := connector.Identity()
	metrics.HTTP1RemoteTCPConnects.WithLabelValues(identity).Inc()
	metrics.HTTP1ReadThreads.WithLabelValues(identity).Inc()
	metrics.HTTP1WriteThreads.WithLabelValues(identity).Inc()
	return &HTTP1Client{
		identity: identity,
		conn:     conn,
		reader:   bufio.NewReader(conn),
	}, nil
}

// DoRequest implements the request contract in spec §4.5: a timeout aborts
// the in-flight request and surfaces as perr.KindTimeout so the pipeline
// renders 504; a canceled/broken-pipe error marks the client disposed so
// the pool evicts it.
func (c *HTTP1Client) DoRequest(req *http.Request, timeout time.Duration) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return nil, trace.ConnectionProblem(nil, "client already disposed")
	}

	deadline := time.Now().Add(timeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, trace.Wrap(err)
	}

	if err := req.Write(c.conn); err != nil {
		c.disposed = true
		if isTimeoutErr(err) {
			return nil, perr.Timeout(err)
		}
		return nil, trace.Wrap(err)
	}

	resp, err := http.ReadResponse(c.reader, req)
	if err != nil {
		c.disposed = true
		if isTimeoutErr(err) {
			return nil, perr.Timeout(err)
		}
		return nil, trace.Wrap(err)
	}

	_ = c.conn.SetDeadline(time.Time{})
	return resp, nil
}

// UpgradeToWebSocket removes this client from HTTP service permanently and
// hands the raw stream (with anything already buffered by the response
// reader) back to the caller for bidirectional relay (spec §4.5: "on
// upgrade, the client is removed from the pool and its underlying stream is
// handed to the pipeline verbatim").
func (c *HTTP1Client) UpgradeToWebSocket() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return nil, trace.ConnectionProblem(nil, "client already disposed")
	}
	c.upgraded = true
	c.disposed = true

	if c.reader.Buffered() > 0 {
		buffered, err := c.reader.Peek(c.reader.Buffered())
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &prefixedConn{Conn: c.conn, prefix: append([]byte(nil), buffered...)}, nil
	}
	return c.conn, nil
}

// Disposed reports whether this client has been removed from service
// (broken, timed out, or upgraded) and must not be reused by the pool.
func (c *HTTP1Client) Disposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// Close implements io.Closer for pool eviction. After UpgradeToWebSocket the
// stream belongs to the caller, so Close leaves it open.
func (c *HTTP1Client) Close() error {
	metrics.HTTP1RemoteTCPConnects.WithLabelValues(c.identity).Dec()
	metrics.HTTP1ReadThreads.WithLabelValues(c.identity).Dec()
	metrics.HTTP1WriteThreads.WithLabelValues(c.identity).Dec()
	c.mu.Lock()
	upgraded := c.upgraded
	c.mu.Unlock()
	if upgraded {
		return nil
	}
	return c.conn.Close()
}

func (c *HTTP1Client) Identity() string { return c.identity }

func isTimeoutErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// prefixedConn replays a buffered prefix before resuming reads from the
// wrapped connection — needed when bufio.Reader already pulled bytes past
// the HTTP response's header boundary during the upgrade response.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (p *prefixedConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}
