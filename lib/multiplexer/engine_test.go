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
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational-labs/meshproxy/lib/certs"
	"github.com/gravitational-labs/meshproxy/lib/config"
)

type echoDialer struct {
	target net.Listener
}

func (d *echoDialer) Dial(ctx context.Context, target config.RemoteTarget, debug bool) (net.Conn, error) {
	return net.Dial("tcp", d.target.Addr().String())
}

func startEchoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { _, _ = io.Copy(conn, conn) }()
		}
	}()
	return ln
}

func TestEngineKickServesTCPForward(t *testing.T) {
	t.Parallel()
	const port = 15000

	echo := startEchoServer(t)
	defer echo.Close()

	graph := config.NewGraph()
	graph.SetListenConfig(port, &config.TCPListenConfig{Remote: config.DirectTarget{Endpoint: echo.Addr().String()}})

	engine := NewEngine(EngineConfig{Graph: graph, Certs: certs.NewCache(nil), Dialer: &echoDialer{target: echo}})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, engine.Kick(port, ln))
	defer engine.Stop(port)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
}

func TestEngineKickIsIdempotent(t *testing.T) {
	t.Parallel()
	const port = 15001

	echo := startEchoServer(t)
	defer echo.Close()

	graph := config.NewGraph()
	graph.SetListenConfig(port, &config.TCPListenConfig{Remote: config.DirectTarget{Endpoint: echo.Addr().String()}})

	engine := NewEngine(EngineConfig{Graph: graph, Certs: certs.NewCache(nil), Dialer: &echoDialer{target: echo}})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, engine.Kick(port, ln))
	require.NoError(t, engine.Kick(port, ln))
	require.Equal(t, []int{port}, engine.Ports())
	engine.Stop(port)
	require.Empty(t, engine.Ports())
}

func TestEngineTCPForwardDeniesDisallowedIP(t *testing.T) {
	t.Parallel()
	const port = 15002

	echo := startEchoServer(t)
	defer echo.Close()

	graph := config.NewGraph()
	graph.SetListenConfig(port, &config.TCPListenConfig{
		Remote:        config.DirectTarget{Endpoint: echo.Addr().String()},
		IPAllowListID: "loopback-only",
	})
	graph.SetIPAllowList("loopback-only", []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")})

	engine := NewEngine(EngineConfig{Graph: graph, Certs: certs.NewCache(nil), Dialer: &echoDialer{target: echo}})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, engine.Kick(port, ln))
	defer engine.Stop(port)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(buf)
	require.Error(t, err)
}
