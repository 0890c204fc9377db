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

// Package certs is the live store of server key pairs, client-auth CAs and
// CRLs (spec §4.6). Every entry is tagged with the Source it was loaded
// from so a refresh knows how to re-fetch it without the caller having to
// remember.
package certs

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"

	"github.com/gravitational/trace"
)

// SelfSignedID is the special ssl_cert id that triggers on-the-fly
// certificate generation keyed by SNI instead of a lookup.
const SelfSignedID = "<self-signed>"

// Source records where an entry's material came from, so a refresh can
// re-fetch it the same way. Supplements the distilled spec with the
// source tagging original_source's certificates_cache.rs keeps.
type Source int

const (
	// SourceUnknown is the zero value; entries installed without a
	// recorded source cannot be refreshed, only replaced wholesale.
	SourceUnknown Source = iota
	SourceGenerated
	SourceFile
	SourceHTTP
	SourceSSH
)

func (s Source) String() string {
	switch s {
	case SourceGenerated:
		return "generated"
	case SourceFile:
		return "file"
	case SourceHTTP:
		return "http"
	case SourceSSH:
		return "ssh"
	default:
		return "unknown"
	}
}

// Generator produces a self-signed certificate for a given SNI value. Kept
// as an external collaborator interface: self-signed certificate generation
// is out of scope for this module (spec §1), so the cache only calls out to
// one when the SelfSignedID is requested.
type Generator interface {
	Generate(commonName string) (tls.Certificate, error)
}

// CertEntry is one server key pair available for TLS termination.
type CertEntry struct {
	Cert       tls.Certificate
	SourceRef  string
	Source     Source
}

// Identity is what a successfully verified client certificate yields.
type Identity struct {
	CommonName string
	Serial     *big.Int
}

// CAEntry is one client-auth CA plus its CRL. last-seen client serial is
// preserved across CRL copy-on-write replacements, per spec §4.6.
type CAEntry struct {
	mu sync.RWMutex

	Chain     []*x509.Certificate
	DNs       []pkix.Name
	crl       map[string]struct{} // revoked serial strings
	lastSerial *big.Int

	SourceRef string
	Source    Source
}

func NewCAEntry(chain []*x509.Certificate) *CAEntry {
	dns := make([]pkix.Name, 0, len(chain))
	for _, c := range chain {
		dns = append(dns, c.Subject)
	}
	return &CAEntry{
		Chain: chain,
		DNs:   dns,
		crl:   make(map[string]struct{}),
	}
}

// pool returns an x509.CertPool built from the CA chain, used as the root
// for peer certificate verification.
func (e *CAEntry) pool() *x509.CertPool {
	pool := x509.NewCertPool()
	for _, c := range e.Chain {
		pool.AddCert(c)
	}
	return pool
}

// VerifyCert checks peerCert against this CA chain. On success it records
// the serial as last-seen and returns the identity; otherwise it returns
// false.
func (e *CAEntry) VerifyCert(peerCert *x509.Certificate) (Identity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	opts := x509.VerifyOptions{
		Roots:     e.pool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if _, err := peerCert.Verify(opts); err != nil {
		return Identity{}, false
	}

	e.lastSerial = peerCert.SerialNumber
	return Identity{CommonName: peerCert.Subject.CommonName, Serial: peerCert.SerialNumber}, true
}

// IsRevoked answers from the CRL list.
func (e *CAEntry) IsRevoked(serial *big.Int) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, revoked := e.crl[serial.String()]
	return revoked
}

// SetCRL replaces the revoked-serial set as a copy-on-write swap, preserving
// the last-seen serial counter.
func (e *CAEntry) SetCRL(serials []*big.Int) {
	next := make(map[string]struct{}, len(serials))
	for _, s := range serials {
		next[s.String()] = struct{}{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.crl = next
}

// LastSeenSerial returns the most recently verified client serial, if any.
func (e *CAEntry) LastSeenSerial() (*big.Int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSerial, e.lastSerial != nil
}

// Cache is the single RW-locked store of CertEntry and CAEntry values
// (spec §4.6 C6).
type Cache struct {
	mu sync.RWMutex

	sslCerts map[string]CertEntry
	clientCA map[string]*CAEntry

	gen Generator
}

// NewCache returns an empty cache. gen may be nil if the configuration
// never references SelfSignedID.
func NewCache(gen Generator) *Cache {
	return &Cache{
		sslCerts: make(map[string]CertEntry),
		clientCA: make(map[string]*CAEntry),
		gen:      gen,
	}
}

// PutCert installs or replaces a server key pair under id.
func (c *Cache) PutCert(id string, entry CertEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sslCerts[id] = entry
}

// Cert looks up a server key pair by id. sni is used only for SelfSignedID,
// where the generator mints a certificate with CommonName == sni.
func (c *Cache) Cert(id, sni string) (tls.Certificate, error) {
	if id == SelfSignedID {
		if c.gen == nil {
			return tls.Certificate{}, trace.BadParameter("no self-signed generator configured")
		}
		return c.gen.Generate(sni)
	}

	c.mu.RLock()
	entry, ok := c.sslCerts[id]
	c.mu.RUnlock()
	if !ok {
		return tls.Certificate{}, trace.NotFound("ssl cert %q not found", id)
	}
	return entry.Cert, nil
}

// HasCert reports whether id is present (used by C10's "every ssl_cert_id
// referenced by a live endpoint must resolve" invariant).
func (c *Cache) HasCert(id string) bool {
	if id == SelfSignedID {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sslCerts[id]
	return ok
}

// PutClientCA installs or replaces a client-auth CA entry under id.
func (c *Cache) PutClientCA(id string, entry *CAEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientCA[id] = entry
}

// ClientCA looks up a client-auth CA entry by id.
func (c *Cache) ClientCA(id string) (*CAEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.clientCA[id]
	return e, ok
}

// RemoveCert deletes id, rejecting the removal if inUse reports it is still
// referenced by a live endpoint (C10 enforces this by passing the right
// predicate).
func (c *Cache) RemoveCert(id string, inUse func(string) bool) error {
	if inUse(id) {
		return trace.BadParameter("ssl cert %q is referenced by a live endpoint", id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sslCerts, id)
	return nil
}

// ListCertIDs returns the configured (non-self-signed) cert ids.
func (c *Cache) ListCertIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.sslCerts))
	for id := range c.sslCerts {
		out = append(out, id)
	}
	return out
}

// ListClientCAIDs returns the configured client CA ids.
func (c *Cache) ListClientCAIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.clientCA))
	for id := range c.clientCA {
		out = append(out, id)
	}
	return out
}

// CertEntry returns the stored entry for id, including its SourceRef and
// Source tag, so a refresh knows where to re-fetch material from (spec §4.6).
func (c *Cache) CertEntry(id string) (CertEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.sslCerts[id]
	return entry, ok
}
