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

	"github.com/gravitational-labs/meshproxy/lib/certs"
)

type identityContextKey struct{}

func withIdentity(ctx context.Context, identity certs.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext returns the client certificate identity captured
// during the lazy TLS handshake for this request, if the connection
// presented and verified one (spec §4.8 "Client certificate capture").
func IdentityFromContext(ctx context.Context) (certs.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(certs.Identity)
	return identity, ok
}

// connContext is installed as http.Server.ConnContext so the HTTP/1.1
// service path can recover the per-connection captured client identity the
// same way the HTTP/2 path does in Engine.serveH2C.
func connContext(ctx context.Context, c net.Conn) context.Context {
	ic, ok := c.(*identityConn)
	if !ok {
		return ctx
	}
	identity, ok := ic.Identity()
	if !ok {
		return ctx
	}
	return withIdentity(ctx, identity)
}
