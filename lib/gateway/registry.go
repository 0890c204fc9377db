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

package gateway

import (
	"context"
	"net"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// PeerSpec is the dial target and crypto material for one named gateway
// peer (spec §3 "Gateway peer registry": id → {remote_addr, aes_key,
// compression_supported, allow_incoming_forward}).
type PeerSpec struct {
	ID                   string
	RemoteAddr           string
	AESKey               string
	CompressionSupported bool
	AllowIncomingForward bool
}

// Registry is the get-or-dial table of live outbound Sessions, one per
// configured peer. Adapted from the teacher's lib/proxy/router.go
// cluster-name→dialer routing table: "route by cluster name to a peer
// proxy" generalizes here to "route by peer_id to a gateway session".
// The lock covers only the map lookup and insert; dialing runs outside it.
type Registry struct {
	localName string
	clock     clockwork.Clock
	log       *logrus.Entry
	dialer    Dialer
	fileServer FileServerFunc

	netDial func(ctx context.Context, addr string) (net.Conn, error)

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry builds an empty peer registry. dialer, if non-nil, is handed
// to every outbound session so the peer may also request forward
// connections back through it (allow_incoming_forward). fileServer, if
// non-nil, answers the peer's GetFileRequest packets (spec §4.2, serving a
// FilesPath proxy-pass whose Remote is this local gateway).
func NewRegistry(localName string, clock clockwork.Clock, dialer Dialer, fileServer FileServerFunc, log *logrus.Entry) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		localName:  localName,
		clock:      clock,
		log:        log.WithField("component", "gateway-registry"),
		dialer:     dialer,
		fileServer: fileServer,
		sessions:   make(map[string]*Session),
		netDial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// Get returns the live session for peer, dialing and handshaking a new one
// if none is established yet.
func (r *Registry) Get(ctx context.Context, peer PeerSpec) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[peer.ID]; ok {
		select {
		case <-s.Done():
			delete(r.sessions, peer.ID)
		default:
			r.mu.Unlock()
			return s, nil
		}
	}
	r.mu.Unlock()

	session, err := r.dial(ctx, peer)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	r.mu.Lock()
	r.sessions[peer.ID] = session
	r.mu.Unlock()

	go func() {
		_ = session.Run(context.Background())
		r.mu.Lock()
		if r.sessions[peer.ID] == session {
			delete(r.sessions, peer.ID)
		}
		r.mu.Unlock()
	}()

	return session, nil
}

func (r *Registry) dial(ctx context.Context, peer PeerSpec) (*Session, error) {
	conn, err := r.netDial(ctx, peer.RemoteAddr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cipher, err := NewCipher(peer.AESKey)
	if err != nil {
		_ = conn.Close()
		return nil, trace.Wrap(err)
	}

	var dialer Dialer
	if peer.AllowIncomingForward {
		dialer = r.dialer
	}

	session := NewSession(conn, cipher, r.clock, RoleInitiator, r.localName, peer.CompressionSupported, dialer, r.fileServer, r.log)
	if err := session.Handshake(); err != nil {
		_ = conn.Close()
		return nil, trace.Wrap(err)
	}
	return session, nil
}

// AcceptServer wraps an inbound TCP connection from the gateway server
// listener into a live, handshaken responder Session.
func AcceptServer(conn net.Conn, aesKey, localName string, compressionSupported bool, clock clockwork.Clock, dialer Dialer, fileServer FileServerFunc, log *logrus.Entry) (*Session, error) {
	cipher, err := NewCipher(aesKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	session := NewSession(conn, cipher, clock, RoleResponder, localName, compressionSupported, dialer, fileServer, log)
	if err := session.Handshake(); err != nil {
		return nil, trace.Wrap(err)
	}
	return session, nil
}

// Shutdown closes every live session. Used on process shutdown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close(trace.Errorf("registry shutting down"))
	}
}
