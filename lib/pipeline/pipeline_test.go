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

package pipeline

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational-labs/meshproxy/lib/config"
	"github.com/gravitational-labs/meshproxy/lib/gateway"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

func withLocalAddr(req *http.Request, addr string) *http.Request {
	ctx := context.WithValue(req.Context(), http.LocalAddrContextKey, fakeAddr(addr))
	return req.WithContext(ctx)
}

func newGraphWithStaticEndpoint(t *testing.T) *config.Graph {
	t.Helper()
	g := config.NewGraph()
	ep := &config.HTTPEndpoint{
		HostMatch: ":8443",
		Locations: []*config.Location{
			{
				PathPrefix: "/",
				ProxyPassTo: &config.StaticProxyPass{
					StatusCode:  http.StatusOK,
					ContentType: "text/plain",
					Body:        []byte("hello"),
				},
			},
		},
	}
	g.SetListenConfig(8443, &config.HTTPListenConfig{
		EndpointType: config.Https1,
		Endpoints:    []*config.HTTPEndpoint{ep},
	})
	return g
}

func newTestPipelineWithGraph(t *testing.T, g *config.Graph) *Pipeline {
	t.Helper()
	cipher, err := gateway.NewCipher("test-passphrase")
	require.NoError(t, err)
	return New(Config{
		Graph:        g,
		CookieCipher: cipher,
		Clock:        clockwork.NewFakeClock(),
	})
}

func TestServeHTTPDispatchesStaticLocation(t *testing.T) {
	t.Parallel()
	p := newTestPipelineWithGraph(t, newGraphWithStaticEndpoint(t))

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.RemoteAddr = "203.0.113.9:12345"
	req = withLocalAddr(req, "10.0.0.1:8443")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello", rec.Body.String())
}

func TestServeHTTPRendersNoConfigurationFound(t *testing.T) {
	t.Parallel()
	p := newTestPipelineWithGraph(t, config.NewGraph())

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.RemoteAddr = "203.0.113.9:12345"
	req = withLocalAddr(req, "10.0.0.1:9999")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTPEnforcesEndpointIPAllowList(t *testing.T) {
	t.Parallel()
	g := newGraphWithStaticEndpoint(t)
	lc, _ := g.ListenConfig(8443)
	httpLC := lc.(*config.HTTPListenConfig)
	httpLC.Endpoints[0].IPAllowListID = "office"
	g.SetIPAllowList("office", []netip.Prefix{netip.MustParsePrefix("192.168.0.0/16")})

	p := newTestPipelineWithGraph(t, g)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.RemoteAddr = "203.0.113.9:12345"
	req = withLocalAddr(req, "10.0.0.1:8443")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeHTTPAllowsWhitelistedIP(t *testing.T) {
	t.Parallel()
	g := newGraphWithStaticEndpoint(t)
	lc, _ := g.ListenConfig(8443)
	httpLC := lc.(*config.HTTPListenConfig)
	httpLC.Endpoints[0].IPAllowListID = "office"
	g.SetIPAllowList("office", []netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")})

	p := newTestPipelineWithGraph(t, g)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.RemoteAddr = "203.0.113.9:12345"
	req = withLocalAddr(req, "10.0.0.1:8443")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServeHTTPRendersNoLocationFound(t *testing.T) {
	t.Parallel()
	g := config.NewGraph()
	ep := &config.HTTPEndpoint{
		HostMatch: ":8443",
		Locations: []*config.Location{
			{PathPrefix: "/only/"},
		},
	}
	g.SetListenConfig(8443, &config.HTTPListenConfig{
		EndpointType: config.Https1,
		Endpoints:    []*config.HTTPEndpoint{ep},
	})
	p := newTestPipelineWithGraph(t, g)

	req := httptest.NewRequest(http.MethodGet, "/elsewhere", nil)
	req.RemoteAddr = "203.0.113.9:12345"
	req = withLocalAddr(req, "10.0.0.1:8443")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLocalPortParsesListenerAddress(t *testing.T) {
	t.Parallel()
	require.Equal(t, 8443, localPort(fakeAddr("10.0.0.1:8443")))
	require.Equal(t, 0, localPort(nil))
	require.Equal(t, 0, localPort(fakeAddr("not-an-addr")))
}

func TestPeerIPFromRequestParsesRemoteAddr(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:4242"
	addr, ok := peerIPFromRequest(req)
	require.True(t, ok)
	require.Equal(t, "198.51.100.7", addr.String())
}

func TestPeerIPFromRequestRejectsUnparseable(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "not-an-ip"
	_, ok := peerIPFromRequest(req)
	require.False(t, ok)
}

var _ net.Addr = fakeAddr("")
