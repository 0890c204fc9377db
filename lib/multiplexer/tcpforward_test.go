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
	"io"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestSpliceWithIdleTimeoutRelaysBothDirections(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewRealClock()

	aClient, aServer := net.Pipe()
	bClient, bServer := net.Pipe()

	done := make(chan error, 1)
	go func() { done <- spliceWithIdleTimeout(aServer, bServer, time.Second, clock) }()

	go func() { _, _ = aClient.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	_, err := io.ReadFull(bClient, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	go func() { _, _ = bClient.Write([]byte("pong")) }()
	_, err = io.ReadFull(aClient, buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf))

	aClient.Close()
	bClient.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("splice did not return after both ends closed")
	}
}

type fakeDeadlineConn struct {
	net.Conn
	deadlines []time.Time
}

func (f *fakeDeadlineConn) SetReadDeadline(t time.Time) error {
	f.deadlines = append(f.deadlines, t)
	return f.Conn.SetReadDeadline(t)
}

func TestSpliceWithIdleTimeoutAppliesClockDeadline(t *testing.T) {
	t.Parallel()
	// Started at the real current time: the deadline lands on a real
	// net.Pipe, so a fake clock's default start time would put it in the past.
	clock := clockwork.NewFakeClockAt(time.Now())

	aClient, aServer := net.Pipe()
	defer aClient.Close()
	bClient, bServer := net.Pipe()
	defer bClient.Close()

	wrappedA := &fakeDeadlineConn{Conn: aServer}

	done := make(chan error, 1)
	go func() { done <- spliceWithIdleTimeout(wrappedA, bServer, 30*time.Second, clock) }()

	aClient.Write([]byte("x"))
	buf := make([]byte, 1)
	_, err := io.ReadFull(bClient, buf)
	require.NoError(t, err)

	aClient.Close()
	bClient.Close()
	<-done

	require.NotEmpty(t, wrappedA.deadlines)
	require.Equal(t, clock.Now().Add(30*time.Second), wrappedA.deadlines[0])
}
