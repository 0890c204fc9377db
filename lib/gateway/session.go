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
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const (
	pingInterval   = 3 * time.Second
	deadAfterSilence = 9 * time.Second
)

// Role distinguishes which side of the handshake a Session played.
type Role int

const (
	// RoleInitiator dials out and sends the first Handshake.
	RoleInitiator Role = iota
	// RoleResponder accepts a connection and replies to the first Handshake.
	RoleResponder
)

// Dialer resolves a Connect packet's remote_endpoint into a live upstream
// connection, on the accepting side of a session (spec §4.2 "Opening").
type Dialer interface {
	DialUpstream(ctx context.Context, remoteEndpoint string, timeout time.Duration) (net.Conn, error)
}

type openResult struct {
	stream *Stream
	err    error
}

type fileResult struct {
	content []byte
	err     error
}

// FileServerFunc answers a peer's GetFileRequest with the bytes at path, or
// an error if it cannot be read (spec §4.2, used to serve a FilesPath
// proxy-pass whose remote target is another gateway peer).
type FileServerFunc func(path string) ([]byte, error)

// Session is one TcpGatewayConnection: a framed, encrypted transport
// multiplexing many logical connections by conn_id (spec §4.2/§3 "Gateway
// peer registry"). Grounded on the teacher's reverse-tunnel connection
// bookkeeping (lib/reversetunnel/rc_manager.go) for the register/teardown
// shape, and on original_source/src/tcp_gateway/gateway_read_loop.rs for the
// read-loop structure.
type Session struct {
	PeerName string

	conn    net.Conn
	cipher  *Cipher
	clock   clockwork.Clock
	role    Role
	dialer  Dialer
	log     *logrus.Entry
	localName string
	localSupportsCompression bool
	fileServer FileServerFunc

	negotiated bool // compression actually in effect, set after handshake

	writeCh chan []byte
	done    chan struct{}
	closeOnce sync.Once
	closeErr  error

	nextConnID    uint32
	nextFileReqID uint32

	mu          sync.Mutex
	streams     map[uint32]*Stream
	pendingOpen map[uint32]chan openResult
	pendingFiles map[uint32]chan fileResult
	lastInbound time.Time
}

// NewSession wraps conn as a gateway session. Call Handshake then Run.
// fileServer may be nil, in which case any GetFileRequest from the peer is
// answered with GetFileError.
func NewSession(conn net.Conn, cipher *Cipher, clock clockwork.Clock, role Role, localName string, supportCompression bool, dialer Dialer, fileServer FileServerFunc, log *logrus.Entry) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		conn:                     conn,
		cipher:                   cipher,
		clock:                    clock,
		role:                     role,
		dialer:                   dialer,
		fileServer:               fileServer,
		log:                      log.WithField("component", "gateway"),
		localName:                localName,
		localSupportsCompression: supportCompression,
		writeCh:                  make(chan []byte, 64),
		done:                     make(chan struct{}),
		streams:                  make(map[uint32]*Stream),
		pendingOpen:              make(map[uint32]chan openResult),
		pendingFiles:             make(map[uint32]chan fileResult),
		lastInbound:              clock.Now(),
	}
}

// Handshake performs the blocking Handshake exchange described in spec
// §4.2 "Session lifecycle" before the session's steady-state loops start.
func (s *Session) Handshake() error {
	if s.role == RoleInitiator {
		if err := s.writeFrame(Handshake{
			Timestamp:          s.clock.Now().UnixMicro(),
			SupportCompression: s.localSupportsCompression,
			GatewayName:        s.localName,
		}); err != nil {
			return trace.Wrap(err)
		}
		peer, err := s.readHandshake()
		if err != nil {
			return trace.Wrap(err)
		}
		s.PeerName = peer.GatewayName
		s.negotiated = s.localSupportsCompression && peer.SupportCompression
		return nil
	}

	peer, err := s.readHandshake()
	if err != nil {
		return trace.Wrap(err)
	}
	s.PeerName = peer.GatewayName
	s.negotiated = s.localSupportsCompression && peer.SupportCompression
	s.log.WithField("peer", peer.GatewayName).Info("gateway handshake received")
	return s.writeFrame(Handshake{
		Timestamp:          s.clock.Now().UnixMicro(),
		SupportCompression: s.localSupportsCompression,
		GatewayName:        s.localName,
	})
}

func (s *Session) readHandshake() (Handshake, error) {
	plaintext, err := ReadFrame(s.conn, s.cipher)
	if err != nil {
		return Handshake{}, trace.Wrap(err)
	}
	pkt, err := Decode(plaintext)
	if err != nil {
		return Handshake{}, trace.Wrap(err)
	}
	hs, ok := pkt.(Handshake)
	if !ok {
		return Handshake{}, trace.BadParameter("expected Handshake, got tag %d", pkt.Tag())
	}
	return hs, nil
}

func (s *Session) writeFrame(p Packet) error {
	encoded, err := Encode(p, s.negotiated)
	if err != nil {
		return trace.Wrap(err)
	}
	return WriteFrame(s.conn, s.cipher, encoded)
}

// Run drives the write-serialization loop, the read loop, and the liveness
// timer until the session dies or ctx is canceled. It returns the reason
// the session ended.
func (s *Session) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() { defer wg.Done(); s.writeLoop() }()
	go func() { defer wg.Done(); s.readLoop() }()
	go func() { defer wg.Done(); s.livenessLoop(ctx) }()

	go func() {
		<-ctx.Done()
		s.Close(ctx.Err())
	}()

	wg.Wait()
	return s.closeErr
}

func (s *Session) writeLoop() {
	for {
		select {
		case plaintext, ok := <-s.writeCh:
			if !ok {
				return
			}
			if err := WriteFrame(s.conn, s.cipher, plaintext); err != nil {
				s.Close(trace.Wrap(err))
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) readLoop() {
	for {
		plaintext, err := ReadFrame(s.conn, s.cipher)
		if err != nil {
			s.Close(trace.Wrap(err))
			return
		}
		s.mu.Lock()
		s.lastInbound = s.clock.Now()
		s.mu.Unlock()

		pkt, err := Decode(plaintext)
		if err != nil {
			s.log.WithError(err).Warn("dropping undecodable gateway frame")
			continue
		}
		s.dispatch(pkt)
	}
}

func (s *Session) livenessLoop(ctx context.Context) {
	for {
		select {
		case <-s.clock.After(pingInterval):
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}

		s.mu.Lock()
		idle := s.clock.Now().Sub(s.lastInbound)
		s.mu.Unlock()

		if idle >= deadAfterSilence {
			s.Close(trace.ConnectionProblem(nil, "gateway session idle for %s, disconnecting", idle))
			return
		}
		if idle >= pingInterval {
			s.sendPacket(Ping{})
		}
	}
}

func (s *Session) dispatch(pkt Packet) {
	switch v := pkt.(type) {
	case Ping:
		s.sendPacket(Pong{})
	case Pong:
		// liveness already recorded on frame receipt
	case Handshake:
		s.log.Warn("unexpected handshake after session established")
	case Connect:
		s.handleConnect(v)
	case Connected:
		s.handleConnected(v)
	case ConnectionError:
		s.handleConnectionError(v)
	case ForwardPayload:
		s.deliver(v.ConnectionID, v.Payload)
	case BackwardPayload:
		s.deliver(v.ConnectionID, v.Payload)
	case UpdatePingTime:
		// advisory only; no local action required
	case GetFileRequest:
		s.handleGetFileRequest(v)
	case GetFileResponse:
		s.handleGetFileResponse(v)
	default:
		s.log.Warnf("unhandled gateway packet %T", v)
	}
}

func (s *Session) sendPacket(p Packet) {
	encoded, err := Encode(p, s.negotiated)
	if err != nil {
		s.log.WithError(err).Error("failed to encode outgoing gateway packet")
		return
	}
	select {
	case s.writeCh <- encoded:
	case <-s.done:
	}
}

// Open initiates a new logical connection to remoteEndpoint through this
// session's peer and blocks until Connected/ConnectionError, ctx
// cancellation, or the session dying (spec §4.2 "Opening").
func (s *Session) Open(ctx context.Context, remoteEndpoint string, timeout time.Duration) (*Stream, error) {
	connID := atomic.AddUint32(&s.nextConnID, 1)
	result := make(chan openResult, 1)

	s.mu.Lock()
	s.pendingOpen[connID] = result
	s.mu.Unlock()

	s.sendPacket(Connect{ConnectionID: connID, Timeout: timeout, RemoteHost: remoteEndpoint})

	select {
	case r := <-result:
		return r.stream, r.err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pendingOpen, connID)
		s.mu.Unlock()
		return nil, trace.Wrap(ctx.Err())
	case <-s.done:
		return nil, trace.Wrap(s.closeErr)
	}
}

// RequestFile asks the peer to read path and return its bytes, blocking
// until GetFileResponse, ctx/timeout expiry, or the session dying (spec
// §4.2 GetFileRequest/GetFileResponse). Used to serve a FilesPath
// proxy-pass whose Remote is a GatewayTarget.
func (s *Session) RequestFile(ctx context.Context, path string, timeout time.Duration) ([]byte, error) {
	reqID := atomic.AddUint32(&s.nextFileReqID, 1)
	result := make(chan fileResult, 1)

	s.mu.Lock()
	s.pendingFiles[reqID] = result
	s.mu.Unlock()

	s.sendPacket(GetFileRequest{RequestID: reqID, Path: path})

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case r := <-result:
		return r.content, r.err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pendingFiles, reqID)
		s.mu.Unlock()
		return nil, trace.Wrap(ctx.Err())
	case <-s.done:
		return nil, trace.Wrap(s.closeErr)
	}
}

func (s *Session) handleGetFileRequest(v GetFileRequest) {
	if s.fileServer == nil {
		s.sendPacket(GetFileResponse{RequestID: v.RequestID, Status: GetFileError, Content: []byte("no file server configured on this peer")})
		return
	}
	content, err := s.fileServer(v.Path)
	if err != nil {
		s.sendPacket(GetFileResponse{RequestID: v.RequestID, Status: GetFileError, Content: []byte(err.Error())})
		return
	}
	s.sendPacket(GetFileResponse{RequestID: v.RequestID, Status: GetFileOK, Content: content})
}

func (s *Session) handleGetFileResponse(v GetFileResponse) {
	s.mu.Lock()
	result, ok := s.pendingFiles[v.RequestID]
	delete(s.pendingFiles, v.RequestID)
	s.mu.Unlock()
	if !ok {
		s.log.Warnf("GetFileResponse for unknown request_id %d, dropping", v.RequestID)
		return
	}
	if v.Status == GetFileOK {
		result <- fileResult{content: v.Content}
		return
	}
	result <- fileResult{err: trace.NotFound("%s", string(v.Content))}
}

func (s *Session) handleConnect(v Connect) {
	if s.dialer == nil {
		s.sendPacket(ConnectionError{ConnectionID: v.ConnectionID, Error: "no dialer configured"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), v.Timeout)
	defer cancel()
	upstream, err := s.dialer.DialUpstream(ctx, v.RemoteHost, v.Timeout)
	if err != nil {
		s.sendPacket(ConnectionError{ConnectionID: v.ConnectionID, Error: err.Error()})
		return
	}

	stream := newStream(s, v.ConnectionID, TagBackwardPayload)
	s.mu.Lock()
	s.streams[v.ConnectionID] = stream
	s.mu.Unlock()

	s.sendPacket(Connected{ConnectionID: v.ConnectionID})
	go func() {
		_ = Splice(upstream, stream)
		s.closeStream(v.ConnectionID, "")
	}()
}

func (s *Session) handleConnected(v Connected) {
	s.mu.Lock()
	result, ok := s.pendingOpen[v.ConnectionID]
	delete(s.pendingOpen, v.ConnectionID)
	if ok {
		stream := newStream(s, v.ConnectionID, TagForwardPayload)
		s.streams[v.ConnectionID] = stream
		s.mu.Unlock()
		result <- openResult{stream: stream}
		return
	}
	s.mu.Unlock()
	s.log.Warnf("Connected for unknown conn_id %d, dropping", v.ConnectionID)
}

func (s *Session) handleConnectionError(v ConnectionError) {
	s.mu.Lock()
	if result, ok := s.pendingOpen[v.ConnectionID]; ok {
		delete(s.pendingOpen, v.ConnectionID)
		s.mu.Unlock()
		result <- openResult{err: trace.ConnectionProblem(nil, "%s", v.Error)}
		return
	}
	stream, ok := s.streams[v.ConnectionID]
	delete(s.streams, v.ConnectionID)
	s.mu.Unlock()
	if ok {
		stream.remoteClosed()
	}
}

func (s *Session) deliver(connID uint32, payload []byte) {
	s.mu.Lock()
	stream, ok := s.streams[connID]
	s.mu.Unlock()
	if !ok {
		s.log.Warnf("payload for unknown/pending conn_id %d dropped", connID)
		return
	}
	stream.deliver(payload)
}

// closeStream forgets the local entry and, if it was still present, emits a
// ConnectionError carrying reason; a second call for the same id sends
// nothing (spec §4.2 "Closing").
func (s *Session) closeStream(connID uint32, reason string) {
	s.mu.Lock()
	_, existed := s.streams[connID]
	delete(s.streams, connID)
	s.mu.Unlock()
	if existed {
		s.sendPacket(ConnectionError{ConnectionID: connID, Error: reason})
	}
}

// ForwardConnectionCount reports the number of live logical connections,
// used by the reload/admin surface for visibility.
func (s *Session) ForwardConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Close tears the session down, dropping every forward connection it owns
// (spec §3 invariant: "on session disconnect, all its forward connections
// are dropped").
func (s *Session) Close(reason error) error {
	s.closeOnce.Do(func() {
		s.closeErr = reason
		close(s.done)
		_ = s.conn.Close()

		s.mu.Lock()
		streams := s.streams
		s.streams = make(map[uint32]*Stream)
		pending := s.pendingOpen
		s.pendingOpen = make(map[uint32]chan openResult)
		pendingFiles := s.pendingFiles
		s.pendingFiles = make(map[uint32]chan fileResult)
		s.mu.Unlock()

		for _, st := range streams {
			st.remoteClosed()
		}
		for _, ch := range pending {
			ch <- openResult{err: trace.Wrap(io.ErrClosedPipe)}
		}
		for _, ch := range pendingFiles {
			ch <- fileResult{err: trace.Wrap(io.ErrClosedPipe)}
		}
	})
	return s.closeErr
}

// Done reports the channel closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }
