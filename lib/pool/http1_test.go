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

package pool

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational-labs/meshproxy/lib/connectors"
)

func TestHTTP1ClientDoRequest(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		_ = req.Body.Close()
		resp := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
		_, _ = conn.Write([]byte(resp))
	}()

	connector := connectors.NewPlainConnector(ln.Addr().String(), false)
	client, err := DialHTTP1(t.Context(), connector)
	require.NoError(t, err)
	defer client.Close()

	req, err := http.NewRequest(http.MethodGet, "http://upstream/", nil)
	require.NoError(t, err)

	resp, err := client.DoRequest(req, time.Second)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
	require.False(t, client.Disposed())
}

func TestHTTP1ClientUpgradeHandsOffRawStream(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		_, err = http.ReadRequest(reader)
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\nextra-payload"))
	}()

	connector := connectors.NewPlainConnector(ln.Addr().String(), false)
	client, err := DialHTTP1(t.Context(), connector)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "http://upstream/ws", nil)
	require.NoError(t, err)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")

	resp, err := client.DoRequest(req, time.Second)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	raw, err := client.UpgradeToWebSocket()
	require.NoError(t, err)
	require.True(t, client.Disposed())

	// Any bytes buffered past the response headers (here, the literal
	// "extra-payload" the handler wrote right after the response headers) must
	// still be delivered — the handoff must not drop bytes already pulled
	// into the HTTP reader's buffer.
	got := make([]byte, len("extra-payload"))
	_, err = io.ReadFull(raw, got)
	require.NoError(t, err)
	require.Equal(t, "extra-payload", string(got))
}
