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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type pipeDialer struct {
	conn net.Conn
}

func (d *pipeDialer) DialUpstream(ctx context.Context, remoteEndpoint string, timeout time.Duration) (net.Conn, error) {
	return d.conn, nil
}

func pairedSessions(t *testing.T, clock clockwork.Clock, dialer Dialer) (*Session, *Session) {
	return pairedSessionsWithFileServer(t, clock, dialer, nil)
}

func pairedSessionsWithFileServer(t *testing.T, clock clockwork.Clock, dialer Dialer, fileServer FileServerFunc) (*Session, *Session) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	clientCipher, err := NewCipher("shared-secret")
	require.NoError(t, err)
	serverCipher, err := NewCipher("shared-secret")
	require.NoError(t, err)

	client := NewSession(clientConn, clientCipher, clock, RoleInitiator, "client", true, nil, nil, nil)
	server := NewSession(serverConn, serverCipher, clock, RoleResponder, "server", true, dialer, fileServer, nil)

	errCh := make(chan error, 2)
	go func() { errCh <- server.Handshake() }()
	go func() { errCh <- client.Handshake() }()
	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)

	return client, server
}

func TestSessionHandshakeNegotiatesCompression(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	client, server := pairedSessions(t, clock, nil)

	require.Equal(t, "server", client.PeerName)
	require.Equal(t, "client", server.PeerName)
	require.True(t, client.negotiated)
	require.True(t, server.negotiated)
}

func TestSessionOpenConnectRoundTrip(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()

	upstreamClient, upstreamServer := net.Pipe()
	dialer := &pipeDialer{conn: upstreamServer}

	client, server := pairedSessions(t, clock, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	stream, err := client.Open(context.Background(), "10.0.0.5:80", 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, stream)

	// Data written into the gateway stream on the opener side must arrive
	// byte-exact at the acceptor's upstream connection (spec §4.2 "Data").
	_, err = stream.Write([]byte("hello upstream"))
	require.NoError(t, err)

	buf := make([]byte, len("hello upstream"))
	_, err = io.ReadFull(upstreamClient, buf)
	require.NoError(t, err)
	require.Equal(t, "hello upstream", string(buf))

	_, err = upstreamClient.Write([]byte("hello caller"))
	require.NoError(t, err)

	got := make([]byte, len("hello caller"))
	_, err = io.ReadFull(stream, got)
	require.NoError(t, err)
	require.Equal(t, "hello caller", string(got))
}

func TestSessionOpenFailsWithoutDialer(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	client, server := pairedSessions(t, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	_, err := client.Open(context.Background(), "10.0.0.5:80", time.Second)
	require.Error(t, err)
}

func TestSessionLivenessPingThenDisconnect(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()

	// A deaf peer: everything written to deafConn is read and discarded and
	// nothing is ever written back, so this session's own Pings never get a
	// Pong back and lastInbound never advances — the only way to reach the
	// 9s dead threshold without a cooperating peer.
	liveConn, deafConn := net.Pipe()
	go io.Copy(io.Discard, deafConn)

	cipher, err := NewCipher("shared-secret")
	require.NoError(t, err)
	session := NewSession(liveConn, cipher, clock, RoleInitiator, "client", false, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	// Advancing past the 3s ping threshold but under 9s keeps the session
	// alive; past 9s of total silence it must disconnect (spec §4.2).
	clock.BlockUntil(1)
	clock.Advance(pingInterval)

	select {
	case <-session.Done():
		t.Fatal("session disconnected before the 9s dead threshold")
	case <-time.After(50 * time.Millisecond):
	}

	clock.BlockUntil(1)
	clock.Advance(pingInterval)
	clock.BlockUntil(1)
	clock.Advance(pingInterval)

	select {
	case <-session.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not disconnect after 9s of silence")
	}
}

func TestSessionRequestFileRoundTrip(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()

	fileServer := func(path string) ([]byte, error) {
		if path != "/etc/motd" {
			return nil, trace.NotFound("%s", path)
		}
		return []byte("welcome"), nil
	}
	client, server := pairedSessionsWithFileServer(t, clock, nil, fileServer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	content, err := client.RequestFile(context.Background(), "/etc/motd", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "welcome", string(content))

	_, err = client.RequestFile(context.Background(), "/etc/shadow", 5*time.Second)
	require.Error(t, err)
}

func TestSessionRequestFileNoServerConfigured(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	client, server := pairedSessions(t, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	_, err := client.RequestFile(context.Background(), "/etc/motd", 5*time.Second)
	require.Error(t, err)
}
