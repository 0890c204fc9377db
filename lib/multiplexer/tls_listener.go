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
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"

	"github.com/gravitational-labs/meshproxy/lib/alpn"
	"github.com/gravitational-labs/meshproxy/lib/certs"
	"github.com/gravitational-labs/meshproxy/lib/config"
)

// defaultHandshakeReadDeadline bounds how long a client has to complete the
// TLS handshake once its ClientHello starts arriving (teacher's
// defaults.HandshakeReadDeadline, not present in the retrieval pack so
// reproduced as a literal constant here).
const defaultHandshakeReadDeadline = 5 * time.Second

// TLSListenerConfig configures the lazy per-SNI TLS acceptor for one
// listening port (spec §4.8).
type TLSListenerConfig struct {
	// Listener is the raw (pre-handshake) socket listener.
	Listener net.Listener
	// Port is the listening port, used to resolve endpoints in Graph.
	Port int
	// EndpointType is the port's HTTPS endpoint type, selecting the ALPN
	// protocol list: Https1 advertises HTTP/1.1 only, Https2/Mcp advertise
	// h2 (spec §6 "ALPN h2, http/1.1, http/1.0").
	EndpointType config.EndpointType
	// Graph resolves (port, SNI) to the HTTPEndpoint carrying the cert and
	// client-CA ids.
	Graph *config.Graph
	// Certs resolves cert and client-CA ids to live material.
	Certs *certs.Cache
	// ID is used for log scoping.
	ID string
	// ReadDeadline bounds the handshake; defaults to
	// defaultHandshakeReadDeadline.
	ReadDeadline time.Duration
	// Clock is overridden in tests; defaults to the real clock.
	Clock clockwork.Clock
}

func (c *TLSListenerConfig) checkAndSetDefaults() error {
	if c.Listener == nil {
		return trace.BadParameter("missing parameter Listener")
	}
	if c.Graph == nil {
		return trace.BadParameter("missing parameter Graph")
	}
	if c.Certs == nil {
		return trace.BadParameter("missing parameter Certs")
	}
	if c.ReadDeadline == 0 {
		c.ReadDeadline = defaultHandshakeReadDeadline
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewTLSListener returns a new lazy TLS listener.
func NewTLSListener(cfg TLSListenerConfig) (*TLSListener, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TLSListener{
		log:           log.WithField("mux", cfg.ID),
		cfg:           cfg,
		http2Listener: newListener(ctx, cfg.Listener.Addr()),
		httpListener:  newListener(ctx, cfg.Listener.Addr()),
		cancel:        cancel,
		ctx:           ctx,
	}, nil
}

// TLSListener reads each ClientHello without committing to a certificate,
// resolves the endpoint (and therefore the cert and client-CA) by SNI,
// completes the handshake, and forwards the result to either the HTTP/1.1
// or the HTTP/2 listener by negotiated ALPN protocol (spec §4.8 "lazy TLS
// acceptor"). Adapted in place from the teacher's lib/multiplexer/tls.go,
// which picked its one static certificate before Serve() ever ran; this
// version defers that choice to tls.Config.GetConfigForClient per
// connection, since a single port here can carry many virtual hosts.
type TLSListener struct {
	log           *log.Entry
	cfg           TLSListenerConfig
	http2Listener *Listener
	httpListener  *Listener
	cancel        context.CancelFunc
	ctx           context.Context
}

// HTTP2 returns the listener receiving h2-negotiated connections.
func (l *TLSListener) HTTP2() net.Listener { return l.http2Listener }

// HTTP returns the listener receiving HTTP/1.1 (or unnegotiated) connections.
func (l *TLSListener) HTTP() net.Listener { return l.httpListener }

// Serve accepts raw connections and hands each to detectAndForward.
func (l *TLSListener) Serve() error {
	for {
		conn, err := l.cfg.Listener.Accept()
		if err == nil {
			go l.detectAndForward(conn)
			continue
		}
		if isUseOfClosedNetworkError(err) {
			<-l.ctx.Done()
			return trace.Wrap(err, "listener is closed")
		}
		select {
		case <-l.ctx.Done():
			return trace.Wrap(net.ErrClosed, "listener is closed")
		case <-time.After(5 * time.Second):
		}
	}
}

func (l *TLSListener) detectAndForward(raw net.Conn) {
	cell := &identityCell{}
	tlsConn := tls.Server(raw, &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			return l.configForHello(hello, cell)
		},
	})

	if err := tlsConn.SetReadDeadline(l.cfg.Clock.Now().Add(l.cfg.ReadDeadline)); err != nil {
		l.log.WithError(err).Debug("failed to set handshake deadline")
		tlsConn.Close()
		return
	}

	start := l.cfg.Clock.Now()
	if err := tlsConn.HandshakeContext(l.ctx); err != nil {
		if trace.Unwrap(err) != io.EOF {
			l.log.WithError(err).Warn("TLS handshake failed")
		}
		tlsConn.Close()
		return
	}
	if elapsed := l.cfg.Clock.Since(start); elapsed > time.Second {
		l.log.Warnf("slow TLS handshake from %v, took %v", tlsConn.RemoteAddr(), elapsed)
	}

	if err := tlsConn.SetReadDeadline(time.Time{}); err != nil {
		l.log.WithError(err).Warn("failed to reset read deadline")
		tlsConn.Close()
		return
	}

	wrapped := &identityConn{Conn: tlsConn, cell: cell}
	switch tlsConn.ConnectionState().NegotiatedProtocol {
	case http2.NextProtoTLS:
		l.http2Listener.HandleConnection(l.ctx, wrapped)
	case string(alpn.ProtocolHTTP), string(alpn.ProtocolDefault):
		l.httpListener.HandleConnection(l.ctx, wrapped)
	default:
		l.log.Errorf("unsupported negotiated protocol: %v", tlsConn.ConnectionState().NegotiatedProtocol)
		tlsConn.Close()
	}
}

// configForHello resolves the endpoint and cert for hello's SNI, and wires
// up client-certificate verification when the endpoint asks for one (spec
// §4.8 "Client certificate capture").
func (l *TLSListener) configForHello(hello *tls.ClientHelloInfo, cell *identityCell) (*tls.Config, error) {
	sni := hello.ServerName
	if sni == "" {
		return nil, trace.BadParameter("client did not present SNI")
	}

	ep, ok := l.cfg.Graph.ResolveHTTPEndpoint(l.cfg.Port, sni)
	if !ok {
		return nil, trace.NotFound("no endpoint matches %q on port %d", sni, l.cfg.Port)
	}

	cert, err := l.cfg.Certs.Cert(ep.SSLCertID, sni)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	alpnProtocols := alpn.Http1Only
	if l.cfg.EndpointType == config.Https2 || l.cfg.EndpointType == config.Mcp {
		alpnProtocols = alpn.Http2Capable
	}

	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   alpnProtocols,
	}

	if ep.ClientCAID == "" {
		return tlsConf, nil
	}

	caEntry, ok := l.cfg.Certs.ClientCA(ep.ClientCAID)
	if !ok {
		return nil, trace.NotFound("client ca %q not found", ep.ClientCAID)
	}

	tlsConf.ClientAuth = tls.RequireAnyClientCert
	tlsConf.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return trace.AccessDenied("no client certificate presented")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return trace.Wrap(err)
		}
		identity, ok := caEntry.VerifyCert(leaf)
		if !ok {
			return trace.AccessDenied("client certificate did not verify against %q", ep.ClientCAID)
		}
		if caEntry.IsRevoked(identity.Serial) {
			return trace.AccessDenied("client certificate %v is revoked", identity.Serial)
		}
		cell.set(identity)
		return nil
	}
	return tlsConf, nil
}

// Close closes the underlying listener. Any blocked Accept calls on the
// raw listener and the two service listeners unblock and return errors.
func (l *TLSListener) Close() error {
	defer l.cancel()
	return l.cfg.Listener.Close()
}

func (l *TLSListener) Addr() net.Addr { return l.cfg.Listener.Addr() }

// identityCell holds the captured client certificate identity for one
// connection, written once by VerifyPeerCertificate and read later by the
// request pipeline (spec §4.8: "per-connection cell the pipeline reads
// before dispatching the first request").
type identityCell struct {
	identity certs.Identity
	captured bool
}

func (c *identityCell) set(identity certs.Identity) {
	c.identity = identity
	c.captured = true
}

// identityConn is a *tls.Conn carrying its captured client identity, so the
// HTTP server layer can retrieve it from the net.Conn it was handed at
// accept time (see ConnContext in engine.go).
type identityConn struct {
	*tls.Conn
	cell *identityCell
}

// Identity returns the captured client certificate identity, if any.
func (c *identityConn) Identity() (certs.Identity, bool) {
	if c.cell == nil || !c.cell.captured {
		return certs.Identity{}, false
	}
	return c.cell.identity, true
}
