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

// Package config holds the runtime configuration graph (C7): the atomically
// swappable in-memory model of listening ports, endpoints, locations, TLS
// material references and gateway peers described in spec §3.
package config

import "time"

// EndpointType is the protocol an HTTP listening port serves.
type EndpointType int

const (
	Http1 EndpointType = iota
	Http2
	Https1
	Https2
	Mcp
)

func (t EndpointType) String() string {
	switch t {
	case Http1:
		return "http1"
	case Http2:
		return "http2"
	case Https1:
		return "https1"
	case Https2:
		return "https2"
	case Mcp:
		return "mcp"
	default:
		return "unknown"
	}
}

// IsHTTPS reports whether this endpoint type requires a lazy TLS accept
// (spec §4.8).
func (t EndpointType) IsHTTPS() bool {
	return t == Https1 || t == Https2 || t == Mcp
}

// CompatibleWith reports whether two endpoint types may share one listening
// port. Per spec §9 design note "the spec adopts the symmetric intent":
// Https1/Https2/Mcp freely coexist; Http1 only with Http1; Http2 only with
// Http2.
func (t EndpointType) CompatibleWith(other EndpointType) bool {
	if t.IsHTTPS() && other.IsHTTPS() {
		return true
	}
	return t == other
}

// ListenConfig is the configuration bound to one listening port: either a
// set of HTTP virtual hosts or a single raw TCP forward.
type ListenConfig interface {
	isListenConfig()
}

// HTTPListenConfig is the Http variant of ListenConfig (spec §3).
type HTTPListenConfig struct {
	EndpointType EndpointType
	Endpoints    []*HTTPEndpoint
}

func (*HTTPListenConfig) isListenConfig() {}

// TCPListenConfig is the Tcp variant of ListenConfig (spec §3).
type TCPListenConfig struct {
	HostLabel    string
	Remote       RemoteTarget
	Debug        bool
	IPAllowListID string
}

func (*TCPListenConfig) isListenConfig() {}

// HTTPEndpoint is a per-virtual-host configuration bound to a listening
// port (spec §3).
type HTTPEndpoint struct {
	// HostMatch is either "<server_name>:<port>" or ":<port>" (match any).
	HostMatch          string
	Debug              bool
	GAuthID            string
	SSLCertID          string
	ClientCAID         string
	AllowedUserListID  string
	IPAllowListID      string
	Locations          []*Location
	ModifyHeaders      ModifyHeadersLayer
}

// ServerName returns the SNI/Host component of HostMatch, or "" if the
// endpoint matches any host on its port (":<port>").
func (e *HTTPEndpoint) ServerName() string {
	idx := indexByte(e.HostMatch, ':')
	if idx <= 0 {
		return ""
	}
	return e.HostMatch[:idx]
}

// MatchesAny reports whether this endpoint was declared as ":<port>",
// matching any SNI/Host on the port.
func (e *HTTPEndpoint) MatchesAny() bool {
	return e.ServerName() == ""
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// Location is a path-prefix rule inside an endpoint that selects an
// upstream (spec §3).
type Location struct {
	PathPrefix      string
	ID              int
	Compress        bool
	DomainName      string
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	ModifyHeaders   ModifyHeadersLayer
	IPAllowListID   string
	ProxyPassTo     ProxyPassTo
}

// ModifyHeadersLayer is one layer (global, endpoint or location) of header
// add/remove rules, applied in that order (spec §4.9 step 6).
type ModifyHeadersLayer struct {
	RequestRemove   []string
	RequestAdd      map[string]string
	ResponseRemove  []string
	ResponseAdd     map[string]string
}

// ProxyPassTo is the sealed sum type of upstream dispatch targets for a
// Location (spec §3).
type ProxyPassTo interface {
	isProxyPassTo()
}

// HTTP1ProxyPass dispatches over HTTP/1.1 to a RemoteTarget.
type HTTP1ProxyPass struct {
	Remote RemoteTarget
	IsMCP  bool
}

func (*HTTP1ProxyPass) isProxyPassTo() {}

// HTTP2ProxyPass dispatches over HTTP/2 to a RemoteTarget.
type HTTP2ProxyPass struct {
	Remote RemoteTarget
	IsMCP  bool
}

func (*HTTP2ProxyPass) isProxyPassTo() {}

// UnixHTTP1ProxyPass dispatches over HTTP/1.1 through a UNIX domain socket.
type UnixHTTP1ProxyPass struct {
	Remote RemoteTarget
}

func (*UnixHTTP1ProxyPass) isProxyPassTo() {}

// UnixHTTP2ProxyPass dispatches over HTTP/2 through a UNIX domain socket.
type UnixHTTP2ProxyPass struct {
	Remote RemoteTarget
}

func (*UnixHTTP2ProxyPass) isProxyPassTo() {}

// FilesPathProxyPass serves files relative to Remote's endpoint.
type FilesPathProxyPass struct {
	Remote      RemoteTarget
	DefaultFile string
}

func (*FilesPathProxyPass) isProxyPassTo() {}

// StaticProxyPass synthesizes a static response.
type StaticProxyPass struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

func (*StaticProxyPass) isProxyPassTo() {}

// RemoteTarget is the sealed sum type describing how to reach an upstream
// (spec §3).
type RemoteTarget interface {
	isRemoteTarget()
	// String renders the canonical textual form, used for pool identities
	// and log lines.
	String() string
}

// DirectTarget reaches the upstream over a plain/TLS/UNIX endpoint URL
// (scheme one of http, https, ws, wss, unix).
type DirectTarget struct {
	Endpoint string
}

func (DirectTarget) isRemoteTarget() {}
func (d DirectTarget) String() string { return d.Endpoint }

// OverSSHTarget reaches the upstream through an SSH-tunneled channel.
type OverSSHTarget struct {
	Credentials SSHCredentials
	Endpoint    string
}

func (OverSSHTarget) isRemoteTarget() {}
func (t OverSSHTarget) String() string {
	return "ssh:" + t.Credentials.String() + "->" + t.Endpoint
}

// GatewayTarget reaches the upstream through a named gateway peer.
type GatewayTarget struct {
	PeerID   string
	Endpoint string
}

func (GatewayTarget) isRemoteTarget() {}
func (t GatewayTarget) String() string {
	return "gateway:" + t.PeerID + "->" + t.Endpoint
}

// SSHCredentials carries the SSH auth material for an OverSSHTarget. Two
// credentials are equal iff every field is equal (spec §3); since all
// fields are comparable scalars, Go struct equality (and, transitively, use
// as a map key) already implements the spec's "equal iff serialized form
// equal" contract without a serialize-then-compare step.
type SSHCredentials struct {
	User       string
	Host       string
	Port       int
	Password   string
	PrivateKey string
	Passphrase string
}

func (c SSHCredentials) String() string {
	if c.Password != "" {
		return c.User + "@" + c.Host
	}
	return c.User + "@" + c.Host + "#key"
}

// UsesPassword reports whether this credential authenticates with a
// password rather than a private key.
func (c SSHCredentials) UsesPassword() bool {
	return c.Password != ""
}
