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

package multiplexer

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"

	"github.com/gravitational-labs/meshproxy/lib/certs"
	"github.com/gravitational-labs/meshproxy/lib/config"
	"github.com/gravitational-labs/meshproxy/lib/metrics"
)

// Dialer opens a fresh upstream connection for a TCP port-forward. The
// program that builds the Engine supplies it (typically a thin wrapper
// around connectors.Build); it is an interface here so this package doesn't
// import lib/connectors.
type Dialer interface {
	Dial(ctx context.Context, target config.RemoteTarget, debug bool) (net.Conn, error)
}

// EngineConfig is the shared state one Engine dispatches connections with.
type EngineConfig struct {
	Graph   *config.Graph
	Certs   *certs.Cache
	Handler http.Handler
	Dialer  Dialer
	Clock   clockwork.Clock
	Log     *log.Entry
}

// Engine owns at most one accept loop per listening port (spec §4.8 C8).
// kick(port) is idempotent; stop(port) tears the loop down and waits for it
// to exit, matching the reloader's sync_listen_endpoints reconciliation
// (spec §4.11 step 5).
type Engine struct {
	cfg EngineConfig

	mu    sync.Mutex
	ports map[int]*portLoop
}

type portLoop struct {
	listener net.Listener
	stop     func()
	done     chan struct{}
}

// NewEngine builds an Engine. cfg.Clock defaults to the real clock.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = log.WithField("mux", "engine")
	}
	return &Engine{cfg: cfg, ports: make(map[int]*portLoop)}
}

// Kick starts an accept loop on port over ln if one isn't already running.
// The port's current ListenConfig (looked up once, here) determines the
// serving mode for the lifetime of this loop. reload.Manager.MergeEndpoint
// rejects an incompatible endpoint type (spec §4.11 step 3), but
// ReplacePort installs any type, and Kick on a running port is a no-op: a
// port whose type is replaced keeps its old mode until it is stopped and
// kicked again.
func (e *Engine) Kick(port int, ln net.Listener) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.ports[port]; ok {
		return nil
	}

	lc, ok := e.cfg.Graph.ListenConfig(port)
	if !ok {
		return trace.BadParameter("no configuration for port %d", port)
	}

	pl := &portLoop{listener: ln, done: make(chan struct{})}
	e.ports[port] = pl

	switch v := lc.(type) {
	case *config.TCPListenConfig:
		pl.stop = func() { ln.Close() }
		go e.serveTCP(port, v, pl)
	case *config.HTTPListenConfig:
		if v.EndpointType.IsHTTPS() {
			tlsLn, err := NewTLSListener(TLSListenerConfig{
				Listener:     ln,
				Port:         port,
				EndpointType: v.EndpointType,
				Graph:        e.cfg.Graph,
				Certs:        e.cfg.Certs,
				ID:           v.EndpointType.String(),
				Clock:        e.cfg.Clock,
			})
			if err != nil {
				delete(e.ports, port)
				return trace.Wrap(err)
			}
			pl.stop = func() { tlsLn.Close() }
			go e.serveTLS(tlsLn, pl, port)
		} else if v.EndpointType == config.Http2 {
			pl.stop = func() { ln.Close() }
			go e.serveH2C(ln, pl, port, "http2")
		} else {
			pl.stop = func() { ln.Close() }
			go e.serveHTTP1(ln, pl, port)
		}
	default:
		delete(e.ports, port)
		return trace.BadParameter("unsupported listen config %T", lc)
	}
	return nil
}

// Stop sets port's stop flag and blocks until its accept loop has exited.
func (e *Engine) Stop(port int) {
	e.mu.Lock()
	pl, ok := e.ports[port]
	delete(e.ports, port)
	e.mu.Unlock()
	if !ok {
		return
	}
	pl.stop()
	<-pl.done
}

// Ports reports which ports currently have a running accept loop, used by
// sync_listen_endpoints to diff against the desired set (spec §4.11 step 5).
func (e *Engine) Ports() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, 0, len(e.ports))
	for p := range e.ports {
		out = append(out, p)
	}
	return out
}

func (e *Engine) serveTLS(tlsLn *TLSListener, pl *portLoop, port int) {
	defer close(pl.done)
	go func() { _ = tlsLn.Serve() }()
	go e.serveH2C(tlsLn.HTTP2(), pl, port, "http2")
	e.serveHTTP1(tlsLn.HTTP(), pl, port)
}

// portLabel formats the per-port gauge's label (spec.md §6 "per-port"
// connection gauge); the per-address gauge uses the listener address as is.
func portLabel(port int) string { return strconv.Itoa(port) }

func (e *Engine) serveHTTP1(ln net.Listener, pl *portLoop, port int) {
	addr := ln.Addr().String()
	srv := &http.Server{
		Handler:     e.cfg.Handler,
		ConnContext: connContext,
		ConnState: func(_ net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				metrics.ServerConnections.WithLabelValues(addr, "http1").Inc()
				metrics.ConnectionsByPort.WithLabelValues(portLabel(port)).Inc()
			case http.StateClosed, http.StateHijacked:
				metrics.ServerConnections.WithLabelValues(addr, "http1").Dec()
				metrics.ConnectionsByPort.WithLabelValues(portLabel(port)).Dec()
			}
		},
	}
	_ = srv.Serve(ln)
}

func (e *Engine) serveH2C(ln net.Listener, pl *portLoop, port int, protocol string) {
	addr := ln.Addr().String()
	h2srv := &http2.Server{}
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ctx := context.WithValue(context.Background(), http.LocalAddrContextKey, conn.LocalAddr())
		if ic, ok := conn.(*identityConn); ok {
			if identity, ok := ic.Identity(); ok {
				ctx = withIdentity(ctx, identity)
			}
		}
		metrics.ServerConnections.WithLabelValues(addr, protocol).Inc()
		metrics.ConnectionsByPort.WithLabelValues(portLabel(port)).Inc()
		go func(conn net.Conn) {
			defer func() {
				metrics.ServerConnections.WithLabelValues(addr, protocol).Dec()
				metrics.ConnectionsByPort.WithLabelValues(portLabel(port)).Dec()
			}()
			h2srv.ServeConn(conn, &http2.ServeConnOpts{
				Context: ctx,
				Handler: e.cfg.Handler,
			})
		}(conn)
	}
}

func (e *Engine) serveTCP(port int, lc *config.TCPListenConfig, pl *portLoop) {
	defer close(pl.done)
	for {
		conn, err := pl.listener.Accept()
		if err != nil {
			return
		}
		metrics.ConnectionsByPort.WithLabelValues(portLabel(port)).Inc()
		go func(conn net.Conn) {
			defer metrics.ConnectionsByPort.WithLabelValues(portLabel(port)).Dec()
			e.handleTCPConn(lc, conn)
		}(conn)
	}
}

func (e *Engine) handleTCPConn(lc *config.TCPListenConfig, conn net.Conn) {
	if lc.IPAllowListID != "" {
		host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
		if err != nil {
			conn.Close()
			return
		}
		addr, err := netip.ParseAddr(host)
		if err != nil || !e.cfg.Graph.IPAllowed(lc.IPAllowListID, addr) {
			conn.Close()
			return
		}
	}

	upstream, err := e.cfg.Dialer.Dial(context.Background(), lc.Remote, lc.Debug)
	if err != nil {
		e.cfg.Log.WithError(err).Warn("tcp forward dial failed")
		conn.Close()
		return
	}

	if err := spliceWithIdleTimeout(conn, upstream, tcpForwardIdleTimeout, e.cfg.Clock); err != nil {
		e.cfg.Log.WithError(err).Debug("tcp forward splice ended")
	}
}
