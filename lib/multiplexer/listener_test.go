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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

func TestListenerHandOffAndAccept(t *testing.T) {
	t.Parallel()
	ln := newListener(context.Background(), fakeAddr("127.0.0.1:0"))

	client, server := net.Pipe()
	defer client.Close()

	go ln.HandleConnection(context.Background(), server)

	accepted, err := ln.Accept()
	require.NoError(t, err)
	require.Equal(t, server, accepted)
}

func TestListenerCloseUnblocksAccept(t *testing.T) {
	t.Parallel()
	ln := newListener(context.Background(), fakeAddr("127.0.0.1:0"))

	errCh := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		errCh <- err
	}()

	require.NoError(t, ln.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Accept did not unblock after Close")
	}
}

func TestListenerHandConnectionClosesConnOnceClosed(t *testing.T) {
	t.Parallel()
	ln := newListener(context.Background(), fakeAddr("127.0.0.1:0"))
	require.NoError(t, ln.Close())

	client, server := net.Pipe()
	defer client.Close()

	ln.HandleConnection(context.Background(), server)

	// server should be closed since nobody is there to Accept it.
	_, err := server.Write([]byte("x"))
	require.Error(t, err)
}
