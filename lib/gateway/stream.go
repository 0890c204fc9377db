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
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// Stream is a ForwardedStream (spec §4.3): one logical connection
// multiplexed over a Session, presented to upper layers as a duplex byte
// stream. Grounded on the teacher's sshutils.ChConn idiom of adapting a
// non-socket duplex primitive (there, an SSH channel; here, gateway frames)
// into something net.Conn-shaped.
type Stream struct {
	session *Session
	connID  uint32
	outTag  byte

	mu      sync.Mutex
	pending bytes.Buffer
	inbox   chan []byte
	eof     bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newStream(session *Session, connID uint32, outTag byte) *Stream {
	return &Stream{
		session: session,
		connID:  connID,
		outTag:  outTag,
		inbox:   make(chan []byte, 32),
		closed:  make(chan struct{}),
	}
}

// deliver is called by the session's read loop when a frame for this
// conn_id arrives.
func (s *Stream) deliver(payload []byte) {
	select {
	case s.inbox <- payload:
	case <-s.closed:
	}
}

// remoteClosed is called once when the peer disconnects this conn_id;
// pending reads drain then return EOF.
func (s *Stream) remoteClosed() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// Read implements io.Reader. Read on a disconnected stream returns EOF once
// buffered data is drained (spec §4.3).
func (s *Stream) Read(b []byte) (int, error) {
	s.mu.Lock()
	if s.pending.Len() > 0 {
		n, _ := s.pending.Read(b)
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	select {
	case payload, ok := <-s.inbox:
		if !ok {
			return 0, io.EOF
		}
		n := copy(b, payload)
		if n < len(payload) {
			s.mu.Lock()
			s.pending.Write(payload[n:])
			s.mu.Unlock()
		}
		return n, nil
	case <-s.closed:
		select {
		case payload := <-s.inbox:
			n := copy(b, payload)
			if n < len(payload) {
				s.mu.Lock()
				s.pending.Write(payload[n:])
				s.mu.Unlock()
			}
			return n, nil
		default:
			return 0, io.EOF
		}
	}
}

// Write implements io.Writer, turning writes into outTag frames (spec §4.3:
// ForwardPayload for the opener, BackwardPayload for the acceptor).
func (s *Stream) Write(b []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, trace.ConnectionProblem(nil, "not connected")
	default:
	}

	var pkt Packet
	if s.outTag == TagForwardPayload {
		pkt = ForwardPayload{ConnectionID: s.connID, Payload: b}
	} else {
		pkt = BackwardPayload{ConnectionID: s.connID, Payload: b}
	}
	s.session.sendPacket(pkt)
	return len(b), nil
}

// Close shuts the write half down, emitting the disconnect ConnectionError
// exactly once; subsequent Closes are no-ops (spec §4.3).
func (s *Stream) Close() error {
	s.session.closeStream(s.connID, "disconnect")
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}

func (s *Stream) LocalAddr() net.Addr  { return gatewayAddr(s.connID) }
func (s *Stream) RemoteAddr() net.Addr { return gatewayAddr(s.connID) }

// Deadlines are not modeled; the session's ping/pong liveness loop is the
// only timeout authority for gateway streams.
func (s *Stream) SetDeadline(time.Time) error      { return nil }
func (s *Stream) SetReadDeadline(time.Time) error   { return nil }
func (s *Stream) SetWriteDeadline(time.Time) error  { return nil }

type gatewayAddr uint32

func (a gatewayAddr) Network() string { return "gateway" }
func (a gatewayAddr) String() string  { return "gateway-conn" }

// Splice pumps a <-> b until either side errs or closes, closing both
// before returning. Used by this package's Connect acceptor pump; the
// multiplexer's raw TCP port-forward has its own deadline-aware variant
// (spliceWithIdleTimeout).
func Splice(a, b io.ReadWriteCloser) error {
	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(a, b)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(b, a)
		errCh <- err
	}()
	err := <-errCh
	_ = a.Close()
	_ = b.Close()
	<-errCh
	return err
}
