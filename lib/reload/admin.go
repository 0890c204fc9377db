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

package reload

import (
	"bytes"
	"context"
	"io"
	"math/big"
	"net/http"
	"net/netip"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational-labs/meshproxy/lib/certs"
	"github.com/gravitational-labs/meshproxy/lib/config"
	"github.com/gravitational-labs/meshproxy/lib/connectors"
)

// Fetcher re-reads raw file bytes from wherever a cert or CA chain was
// originally sourced from. One is consulted per certs.Source tag so a
// refresh can re-pull material without the caller needing to know the
// mechanics of any one transport, grounded on
// original_source/src/scripts/{refresh_ssl_certs_from_sources,
// refresh_ca_from_sources}.rs's shared load_file abstraction.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// FileFetcher re-reads a local path.
type FileFetcher struct {
	ReadFile func(name string) ([]byte, error)
}

func (f FileFetcher) Fetch(_ context.Context, ref string) ([]byte, error) {
	b, err := f.ReadFile(ref)
	if err != nil {
		return nil, trace.Wrap(err, "reading %v", ref)
	}
	return b, nil
}

// HTTPFetcher re-fetches a URL with a plain GET.
type HTTPFetcher struct {
	Client *http.Client
}

func (f HTTPFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, trace.Wrap(err, "fetching %v", ref)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, trace.Errorf("fetching %v: unexpected status %v", ref, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return body, nil
}

// SSHFetcher re-reads a remote path by opening a session over an existing
// pooled SSH connection and running "cat". creds identifies which pooled
// connection to reuse; ref is the remote path.
type SSHFetcher struct {
	Pool  *connectors.SSHSessionPool
	Creds config.SSHCredentials
}

func (f SSHFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	client, err := f.Pool.GetOrCreate(ctx, f.Creds)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, trace.Wrap(err, "opening ssh session")
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	if err := session.Run("cat " + shellQuote(ref)); err != nil {
		return nil, trace.Wrap(err, "reading %v over ssh", ref)
	}
	return out.Bytes(), nil
}

func shellQuote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}

// Fetchers maps each certs.Source to the Fetcher that knows how to re-pull
// material tagged with it. SourceGenerated and SourceUnknown have no
// fetcher; refreshing them is always an error.
type Fetchers map[certs.Source]Fetcher

func (fs Fetchers) fetch(ctx context.Context, source certs.Source, ref string) ([]byte, error) {
	fetcher, ok := fs[source]
	if !ok {
		return nil, trace.BadParameter("no fetcher configured for source %v", source)
	}
	return fetcher.Fetch(ctx, ref)
}

// Admin implements the C12 admin operations named in spec §6:
// RefreshSslCertificate, RefreshCaCertificate, RefreshUsersList,
// RefreshIpList, and Current. The ReloadEndpoint/ReloadPort operations are
// served by Manager (MergeEndpoint, DeleteEndpoint, ReplacePort, RemovePort,
// SyncListenEndpoints) since they touch config.Graph and the accept engine
// rather than certs.
type Admin struct {
	Graph    *config.Graph
	Certs    *certs.Cache
	Fetchers Fetchers
}

// NewAdmin builds an Admin.
func NewAdmin(graph *config.Graph, cache *certs.Cache, fetchers Fetchers) *Admin {
	return &Admin{Graph: graph, Certs: cache, Fetchers: fetchers}
}

// RefreshSslCertificate re-fetches the private key and certificate chain
// identified by the existing entry's SourceRef/Source tag and installs the
// result under the same id, per spec §4.6's refresh semantics.
func (a *Admin) RefreshSslCertificate(ctx context.Context, id string) error {
	existing, ok := a.Certs.CertEntry(id)
	if !ok {
		return trace.NotFound("ssl cert %q not found", id)
	}
	if existing.Source == certs.SourceGenerated {
		return trace.BadParameter("ssl cert %q is self-signed and cannot be refreshed", id)
	}

	raw, err := a.Fetchers.fetch(ctx, existing.Source, existing.SourceRef)
	if err != nil {
		return trace.Wrap(err)
	}

	cert, err := certs.X509KeyPair(raw, raw)
	if err != nil {
		return trace.Wrap(err, "parsing refreshed cert %q", id)
	}

	a.Certs.PutCert(id, certs.CertEntry{
		Cert:      cert,
		SourceRef: existing.SourceRef,
		Source:    existing.Source,
	})
	return nil
}

// RefreshCaCertificate re-fetches the CA chain identified by id's existing
// SourceRef/Source and installs a fresh CAEntry, preserving the CRL state
// already accumulated by the live entry (spec §4.6: the CRL is refreshed
// independently by the TCP mTLS handshake path, not by this operation).
func (a *Admin) RefreshCaCertificate(ctx context.Context, id string) error {
	existing, ok := a.Certs.ClientCA(id)
	if !ok {
		return trace.NotFound("client ca %q not found", id)
	}
	if existing.Source == certs.SourceGenerated {
		return trace.BadParameter("client ca %q is self-signed and cannot be refreshed", id)
	}

	raw, err := a.Fetchers.fetch(ctx, existing.Source, existing.SourceRef)
	if err != nil {
		return trace.Wrap(err)
	}

	chain, err := certs.ParseCAChain(raw)
	if err != nil {
		return trace.Wrap(err, "parsing refreshed ca %q", id)
	}

	fresh := certs.NewCAEntry(chain)
	fresh.SourceRef = existing.SourceRef
	fresh.Source = existing.Source
	if serial, ok := existing.LastSeenSerial(); ok {
		fresh.SetCRL([]*big.Int{serial})
	}
	a.Certs.PutClientCA(id, fresh)
	return nil
}

// RefreshUsersList replaces listID's allowed-user membership wholesale.
func (a *Admin) RefreshUsersList(listID string, users []string) {
	a.Graph.SetAllowedUserList(listID, users)
}

// RefreshIpList replaces listID's allowed-prefix membership wholesale.
func (a *Admin) RefreshIpList(listID string, prefixes []netip.Prefix) {
	a.Graph.SetIPAllowList(listID, prefixes)
}

// Snapshot is the status payload spec §6's "Current" admin operation
// returns: enough to answer "what is this process currently serving".
type Snapshot struct {
	Ports       []int
	SslCertIDs  []string
	ClientCAIDs []string
}

// Current reports the live port set and cert/CA inventory.
func (a *Admin) Current() Snapshot {
	return Snapshot{
		Ports:       a.Graph.Ports(),
		SslCertIDs:  a.Certs.ListCertIDs(),
		ClientCAIDs: a.Certs.ListClientCAIDs(),
	}
}
