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

package connectors

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational-labs/meshproxy/lib/config"
)

func TestPlainConnectorRoundTrip(t *testing.T) {
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
		buf := make([]byte, 4)
		_, _ = io.ReadFull(conn, buf)
		_, _ = conn.Write(buf)
	}()

	c := NewPlainConnector(ln.Addr().String(), false)
	require.Equal(t, "tcp:"+ln.Addr().String(), c.Identity())

	conn, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	got := make([]byte, 4)
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, "ping", string(got))
}

func TestUnixConnectorRoundTrip(t *testing.T) {
	t.Parallel()
	sockPath := filepath.Join(t.TempDir(), "upstream.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		_, _ = io.ReadFull(conn, buf)
		_, _ = conn.Write(buf)
	}()

	c := NewUnixConnector(sockPath, false)
	conn, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	got := make([]byte, 4)
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, "ping", string(got))
}

func mustGenTLSServer(t *testing.T) (net.Listener, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "upstream.local"},
		DNSNames:     []string{"upstream.local"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	tlsCert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: cert}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{tlsCert}})
	require.NoError(t, err)
	return ln, "upstream.local"
}

func TestTLSConnectorHandshakeFailsWithoutTrustedRoot(t *testing.T) {
	t.Parallel()
	ln, sni := mustGenTLSServer(t)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	// The process's real trusted roots don't include our throwaway test
	// CA, so the handshake should fail — this exercises the connector's
	// wiring without fabricating a trust store.
	c := NewTLSConnector(ln.Addr().String(), sni, false)
	_, err := c.Connect(context.Background())
	require.Error(t, err)
}

func TestSSHSessionPoolKeyedByCredentialEquality(t *testing.T) {
	t.Parallel()
	pool := NewSSHSessionPool()
	a := config.SSHCredentials{User: "alice", Host: "10.0.0.1", Port: 22, Password: "secret"}
	b := config.SSHCredentials{User: "alice", Host: "10.0.0.1", Port: 22, Password: "secret"}
	c := config.SSHCredentials{User: "bob", Host: "10.0.0.1", Port: 22, Password: "secret"}

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)

	// Both map to the same pool slot; dialing should be attempted once the
	// first caller populates it (exercised indirectly: no entry exists yet
	// for an unreachable host, so GetOrCreate must fail rather than hang).
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := pool.GetOrCreate(ctx, a)
	require.Error(t, err)
}

func TestSSHConnectorIdentity(t *testing.T) {
	t.Parallel()
	creds := config.SSHCredentials{User: "alice", Host: "10.0.0.1", Port: 22, Password: "secret"}
	connector := NewSSHConnector(NewSSHSessionPool(), creds, "10.0.0.2:80", true)
	require.Equal(t, "ssh:alice@10.0.0.1->10.0.0.2:80", connector.Identity())
	require.True(t, connector.Debug())
}
