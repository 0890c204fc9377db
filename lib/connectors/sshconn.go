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
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational-labs/meshproxy/lib/config"
)

// SSHSessionPool is the shared SSH-session pool keyed by credential
// equality (spec §4.6: "this equality keys the SSH-session pool"). Grounded
// on the teacher's TunnelAuthDialer (lib/reversetunnel/transport.go) for
// the ssh.ClientConfig + dial shape, generalized from "one fixed tunnel
// address" to "one client per distinct credential set".
type SSHSessionPool struct {
	mu       sync.Mutex
	sessions map[config.SSHCredentials]*ssh.Client
}

func NewSSHSessionPool() *SSHSessionPool {
	return &SSHSessionPool{sessions: make(map[config.SSHCredentials]*ssh.Client)}
}

// GetOrCreate returns the shared *ssh.Client for creds, dialing a new one
// if this is the first request for that exact credential set.
func (p *SSHSessionPool) GetOrCreate(ctx context.Context, creds config.SSHCredentials) (*ssh.Client, error) {
	p.mu.Lock()
	if client, ok := p.sessions[creds]; ok {
		p.mu.Unlock()
		return client, nil
	}
	p.mu.Unlock()

	auths, err := sshAuthMethods(creds)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	clientConfig := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	addr := net.JoinHostPort(creds.Host, fmt.Sprintf("%d", creds.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, trace.Wrap(err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	p.mu.Lock()
	if existing, ok := p.sessions[creds]; ok {
		p.mu.Unlock()
		_ = client.Close()
		return existing, nil
	}
	p.sessions[creds] = client
	p.mu.Unlock()

	return client, nil
}

// Drop closes and forgets a credential set's shared session, used when its
// client reports a broken connection.
func (p *SSHSessionPool) Drop(creds config.SSHCredentials) {
	p.mu.Lock()
	client, ok := p.sessions[creds]
	delete(p.sessions, creds)
	p.mu.Unlock()
	if ok {
		_ = client.Close()
	}
}

func sshAuthMethods(creds config.SSHCredentials) ([]ssh.AuthMethod, error) {
	if creds.UsesPassword() {
		return []ssh.AuthMethod{ssh.Password(creds.Password)}, nil
	}

	var signer ssh.Signer
	var err error
	if creds.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(creds.PrivateKey), []byte(creds.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey([]byte(creds.PrivateKey))
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

// SSHConnector opens a channel to (remote_host, remote_port) through a
// shared SSHSessionPool entry (spec §4.4 "OverSsh").
type SSHConnector struct {
	Pool       *SSHSessionPool
	Credentials config.SSHCredentials
	Endpoint   string
	debug      bool
}

func NewSSHConnector(pool *SSHSessionPool, creds config.SSHCredentials, endpoint string, debug bool) *SSHConnector {
	return &SSHConnector{Pool: pool, Credentials: creds, Endpoint: endpoint, debug: debug}
}

func (c *SSHConnector) Identity() string { return "ssh:" + c.Credentials.String() + "->" + c.Endpoint }
func (c *SSHConnector) Debug() bool      { return c.debug }

func (c *SSHConnector) Connect(ctx context.Context) (net.Conn, error) {
	client, err := c.Pool.GetOrCreate(ctx, c.Credentials)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	conn, err := client.Dial("tcp", c.Endpoint)
	if err != nil {
		c.Pool.Drop(c.Credentials)
		return nil, trace.Wrap(err)
	}
	return conn, nil
}
