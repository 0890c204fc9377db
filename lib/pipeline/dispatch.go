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
	"bytes"
	"context"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational-labs/meshproxy/lib/config"
	"github.com/gravitational-labs/meshproxy/lib/connectors"
	"github.com/gravitational-labs/meshproxy/lib/perr"
	"github.com/gravitational-labs/meshproxy/lib/pool"
)

// oldConnectionThreshold is the pooled-connection age past which a disposed
// client is evicted and retried immediately rather than after the short
// backoff (spec §4.9 step 11), grounded on
// http_proxy_pass.rs's OLD_CONNECTION_DELAY constant.
const oldConnectionThreshold = 10 * time.Second

// freshConnectionRetryDelay is the backoff before retrying a disposed
// client younger than oldConnectionThreshold, grounded on
// http_proxy_pass.rs's NEW_CONNECTION_NOT_READY_RETRY_DELAY constant.
const freshConnectionRetryDelay = 50 * time.Millisecond

// dispatchToLocation runs spec §4.9 steps 6-11 once a Location has been
// selected: header rewrite, body handling, upstream dispatch (with the
// disposed-connection retry rule), WebSocket upgrade, and response header
// rewrite.
func (p *Pipeline) dispatchToLocation(w http.ResponseWriter, r *http.Request, st *requestState) {
	resolve := p.requestResolver(r, st)
	rewriteRequestHeaders(r, resolve, p.cfg.Graph.GlobalHeaders(), st.endpoint.ModifyHeaders, st.location.ModifyHeaders)

	switch pass := st.location.ProxyPassTo.(type) {
	case *config.StaticProxyPass:
		p.serveStatic(w, pass)
	case *config.FilesPathProxyPass:
		p.serveFilesPath(w, r, pass)
	case *config.HTTP1ProxyPass:
		p.serveProxied(w, r, st, pass.Remote, false)
	case *config.HTTP2ProxyPass:
		p.serveProxied(w, r, st, pass.Remote, true)
	case *config.UnixHTTP1ProxyPass:
		p.serveProxied(w, r, st, pass.Remote, false)
	case *config.UnixHTTP2ProxyPass:
		p.serveProxied(w, r, st, pass.Remote, true)
	default:
		renderError(w, perr.Internal(errUnsupportedPass))
	}
}

func (p *Pipeline) serveStatic(w http.ResponseWriter, pass *config.StaticProxyPass) {
	if pass.ContentType != "" {
		w.Header().Set("Content-Type", pass.ContentType)
	}
	w.WriteHeader(pass.StatusCode)
	_, _ = w.Write(pass.Body)
}

// serveFilesPath serves a file relative to pass.Remote's directory, falling
// back to pass.DefaultFile for "/" (spec §3, grounded on
// local_path_content_source.rs's FileRequestExecutor: 200 with a
// content-type guessed from extension, or 404 on any read error). Remote
// may be a DirectTarget (local/NFS-mounted path), an OverSSHTarget (read
// over the shared SSH session pool, grounded on
// ssh_file_content_src.rs's download_remote_file), or a GatewayTarget
// (read via the peer's GetFileRequest/GetFileResponse round trip, spec
// §4.2).
func (p *Pipeline) serveFilesPath(w http.ResponseWriter, r *http.Request, pass *config.FilesPathProxyPass) {
	reqPath := r.URL.Path
	var relPath string
	if reqPath == "/" && pass.DefaultFile != "" {
		relPath = pass.DefaultFile
	} else {
		relPath = reqPath
	}

	switch remote := pass.Remote.(type) {
	case config.DirectTarget:
		p.serveFilesPathDirect(w, remote, relPath)
	case config.OverSSHTarget:
		p.serveFilesPathOverSSH(w, r, remote, relPath)
	case config.GatewayTarget:
		p.serveFilesPathOverGateway(w, r, remote, relPath)
	default:
		renderError(w, perr.Internal(errUnsupportedPass))
	}
}

func (p *Pipeline) serveFilesPathDirect(w http.ResponseWriter, remote config.DirectTarget, relPath string) {
	base := remote.Endpoint
	filePath := path.Join(base, relPath)
	// Reject any path that escapes base after cleaning, the one safety
	// check the original's tokio::fs::read doesn't need (Rust callers
	// already bound file_path to a trusted prefix at config-compile time).
	if !isWithinBase(filepath.Clean(base), filepath.Clean(filePath)) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	content, err := os.ReadFile(filePath)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	writeFileResponse(w, filePath, content)
}

// serveFilesPathOverSSH reads the file over the shared SSH session pool
// with a plain "cat", mirroring lib/reload/admin.go's SSHFetcher.
func (p *Pipeline) serveFilesPathOverSSH(w http.ResponseWriter, r *http.Request, remote config.OverSSHTarget, relPath string) {
	if p.cfg.ConnectorDeps.SSHPool == nil {
		renderError(w, perr.Internal(errUnsupportedPass))
		return
	}
	filePath := path.Join(remote.Endpoint, relPath)

	client, err := p.cfg.ConnectorDeps.SSHPool.GetOrCreate(r.Context(), remote.Credentials)
	if err != nil {
		renderError(w, perr.Internal(err))
		return
	}
	session, err := client.NewSession()
	if err != nil {
		renderError(w, perr.Internal(err))
		return
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	if err := session.Run("cat " + shellQuoteSSHPath(filePath)); err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	writeFileResponse(w, filePath, out.Bytes())
}

// serveFilesPathOverGateway dials (or reuses) the named peer's session and
// issues a GetFileRequest/GetFileResponse round trip (spec §4.2).
func (p *Pipeline) serveFilesPathOverGateway(w http.ResponseWriter, r *http.Request, remote config.GatewayTarget, relPath string) {
	deps := p.cfg.ConnectorDeps
	if deps.GatewayRegistry == nil || deps.GatewayPeer == nil {
		renderError(w, perr.Internal(errUnsupportedPass))
		return
	}
	peer, ok := deps.GatewayPeer(remote.PeerID)
	if !ok {
		renderError(w, perr.Internal(errUnsupportedPass))
		return
	}
	session, err := deps.GatewayRegistry.Get(r.Context(), peer)
	if err != nil {
		renderError(w, perr.Internal(err))
		return
	}

	filePath := path.Join(remote.Endpoint, relPath)
	content, err := session.RequestFile(r.Context(), filePath, deps.GatewayTimeout)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	writeFileResponse(w, filePath, content)
}

func writeFileResponse(w http.ResponseWriter, filePath string, content []byte) {
	if ct := mime.TypeByExtension(filepath.Ext(filePath)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func shellQuoteSSHPath(p string) string {
	return "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
}

func isWithinBase(base, target string) bool {
	if target == base {
		return true
	}
	return len(target) > len(base) && target[:len(base)] == base && target[len(base)] == filepath.Separator
}

// serveProxied dispatches to an HTTP1/HTTP2, direct-or-tunneled upstream
// through the C5 pool, applying the disposed-connection retry rule (spec
// §4.9 steps 8 and 11) and the WebSocket upgrade branch (step 9).
func (p *Pipeline) serveProxied(w http.ResponseWriter, r *http.Request, st *requestState, remote config.RemoteTarget, http2 bool) {
	body, err := maybeCompressBody(r, st.location.Compress)
	if err != nil {
		renderError(w, perr.Internal(err))
		return
	}

	connector, err := connectors.Build(remote, p.cfg.ConnectorDeps, st.endpoint.Debug)
	if err != nil {
		renderError(w, perr.Internal(err))
		return
	}
	identity := connector.Identity() + "|" + st.location.ConnectTimeout.String() + "|" + strconv.FormatBool(http2)

	resp, upstreamConn, err := p.dispatchWithRetry(r, st, connector, identity, body, http2)
	if err != nil {
		renderError(w, err)
		return
	}
	defer func() {
		if resp.Body != nil && upstreamConn == nil {
			resp.Body.Close()
		}
	}()

	resolve := p.requestResolver(r, st)

	if upstreamConn != nil && isWebSocketUpgrade(r, resp) {
		rewriteResponseHeaders(resp.Header, resolve, p.cfg.Graph.GlobalHeaders(), st.endpoint.ModifyHeaders, st.location.ModifyHeaders)
		if err := relayWebSocket(w, resp, upstreamConn); err != nil {
			p.cfg.Log.WithError(err).Debug("websocket relay ended")
		}
		return
	}

	rewriteResponseHeaders(resp.Header, resolve, p.cfg.Graph.GlobalHeaders(), st.endpoint.ModifyHeaders, st.location.ModifyHeaders)
	stripHopByHop(resp.Header)

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != nil {
		_, _ = io.Copy(w, resp.Body)
	}
}

// dispatchWithRetry performs the pooled upstream call, evicting and
// retrying once on a disposed connection: immediately if the connection
// was older than oldConnectionThreshold, after freshConnectionRetryDelay
// otherwise (spec §4.9 step 11).
func (p *Pipeline) dispatchWithRetry(r *http.Request, st *requestState, connector connectors.Connector, identity string, body []byte, useHTTP2 bool) (*http.Response, net.Conn, error) {
	resp, conn, err := p.doDispatch(r, st, connector, identity, body, useHTTP2)
	if err == nil {
		return resp, conn, nil
	}
	if !perr.IsDisposed(err) {
		return nil, nil, err
	}

	old := false
	var connectedAt time.Time
	var ok bool
	if useHTTP2 {
		connectedAt, ok = p.cfg.HTTP2Pool.ConnectedAt(identity)
	} else {
		connectedAt, ok = p.cfg.HTTP1Pool.ConnectedAt(identity)
	}
	if ok && p.cfg.Clock.Now().Sub(connectedAt) >= oldConnectionThreshold {
		old = true
	}

	if useHTTP2 {
		p.cfg.HTTP2Pool.Remove(identity)
	} else {
		p.cfg.HTTP1Pool.Remove(identity)
	}

	if !old {
		p.cfg.Clock.Sleep(freshConnectionRetryDelay)
	}

	return p.doDispatch(r, st, connector, identity, body, useHTTP2)
}

func (p *Pipeline) doDispatch(r *http.Request, st *requestState, connector connectors.Connector, identity string, body []byte, useHTTP2 bool) (*http.Response, net.Conn, error) {
	req := r.Clone(r.Context())
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.RequestURI = ""

	if useHTTP2 {
		client, err := p.cfg.HTTP2Pool.Get(r.Context(), identity, st.location.ConnectTimeout, func(ctx context.Context) (*pool.HTTP2Client, error) {
			return pool.DialHTTP2(ctx, connector)
		})
		if err != nil {
			return nil, nil, perr.Internal(err)
		}
		resp, err := client.DoRequest(req, st.location.RequestTimeout)
		if err != nil {
			return nil, nil, err
		}
		return resp, nil, nil
	}

	client, err := p.cfg.HTTP1Pool.Get(r.Context(), identity, st.location.ConnectTimeout, func(ctx context.Context) (*pool.HTTP1Client, error) {
		return pool.DialHTTP1(ctx, connector)
	})
	if err != nil {
		return nil, nil, perr.Internal(err)
	}
	resp, err := client.DoRequest(req, st.location.RequestTimeout)
	if err != nil {
		return nil, nil, err
	}

	if isWebSocketUpgrade(req, resp) {
		upstreamConn, err := client.UpgradeToWebSocket()
		if err != nil {
			return nil, nil, err
		}
		p.cfg.HTTP1Pool.Remove(identity)
		return resp, upstreamConn, nil
	}
	return resp, nil, nil
}
