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

// Package multiplexer implements the listener / accept engine (C8, spec
// §4.8): one accept loop per configured port, lazy per-SNI TLS termination
// on HTTPS ports, and dispatch into HTTP/1, HTTP/2 or raw TCP service.
package multiplexer

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/gravitational/trace"
)

// Listener is a net.Listener fed by HandleConnection rather than by
// accepting on a socket directly. Used to split a single lazily-TLS'd port
// into the two service listeners (HTTP/1.1 and HTTP/2) the negotiated ALPN
// protocol routes into, mirroring the teacher's http2Listener/httpListener
// split in the original lib/multiplexer/tls.go.
type Listener struct {
	ctx    context.Context
	addr   net.Addr
	connCh chan net.Conn
	closed chan struct{}
}

func newListener(ctx context.Context, addr net.Addr) *Listener {
	return &Listener{
		ctx:    ctx,
		addr:   addr,
		connCh: make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// HandleConnection hands conn to whatever is calling Accept, or closes it if
// the listener is shutting down before a receiver arrives.
func (l *Listener) HandleConnection(ctx context.Context, conn net.Conn) {
	select {
	case l.connCh <- conn:
	case <-l.closed:
		conn.Close()
	case <-ctx.Done():
		conn.Close()
	}
}

func (l *Listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-l.closed:
		return nil, trace.Wrap(net.ErrClosed, "listener is closed")
	case <-l.ctx.Done():
		return nil, trace.Wrap(net.ErrClosed, "listener is closed")
	}
}

func (l *Listener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *Listener) Addr() net.Addr { return l.addr }

// isUseOfClosedNetworkError reports whether err is the networking package's
// unexported "use of closed network connection" error, the one signal that
// an accept loop should stop rather than retry. Adapted from the teacher's
// utils.IsUseOfClosedNetworkError (not present in the retrieval pack);
// errors.Is against net.ErrClosed covers modern stdlib callers, the string
// match covers net.OpError values the standard library doesn't wrap in
// net.ErrClosed on older platforms.
func isUseOfClosedNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
