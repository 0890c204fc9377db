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

package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func mustGenCA(t *testing.T) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func mustGenLeaf(t *testing.T, ca *x509.Certificate, caKey *ecdsa.PrivateKey, serial int64, cn string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestCAEntryVerifyAndRevoke(t *testing.T) {
	t.Parallel()
	ca, caKey := mustGenCA(t)
	entry := NewCAEntry([]*x509.Certificate{ca})

	alice := mustGenLeaf(t, ca, caKey, 42, "alice")
	id, ok := entry.VerifyCert(alice)
	require.True(t, ok)
	require.Equal(t, "alice", id.CommonName)
	require.Equal(t, big.NewInt(42), id.Serial)

	last, ok := entry.LastSeenSerial()
	require.True(t, ok)
	require.Equal(t, big.NewInt(42), last)

	require.False(t, entry.IsRevoked(big.NewInt(42)))
	entry.SetCRL([]*big.Int{big.NewInt(42)})
	require.True(t, entry.IsRevoked(big.NewInt(42)))

	// SetCRL is a copy-on-write replacement; the last-seen serial survives.
	last, ok = entry.LastSeenSerial()
	require.True(t, ok)
	require.Equal(t, big.NewInt(42), last)
}

func TestCAEntryRejectsUnknownIssuer(t *testing.T) {
	t.Parallel()
	ca, _ := mustGenCA(t)
	entry := NewCAEntry([]*x509.Certificate{ca})

	otherCA, otherKey := mustGenCA(t)
	mallory := mustGenLeaf(t, otherCA, otherKey, 7, "mallory")

	_, ok := entry.VerifyCert(mallory)
	require.False(t, ok)
}

type fakeGenerator struct{}

func (fakeGenerator) Generate(commonName string) (tls.Certificate, error) {
	cert, _ := generateLeafFixture(commonName)
	return cert, nil
}

func generateLeafFixture(cn string) (tls.Certificate, *ecdsa.PrivateKey) {
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, _ := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	leaf, _ := x509.ParseCertificate(der)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, key
}

func TestCacheSelfSignedGeneratesPerSNI(t *testing.T) {
	t.Parallel()
	cache := NewCache(fakeGenerator{})

	cert, err := cache.Cert(SelfSignedID, "a.example")
	require.NoError(t, err)
	require.Equal(t, "a.example", cert.Leaf.Subject.CommonName)

	require.True(t, cache.HasCert(SelfSignedID))
}

func TestCacheSelfSignedWithoutGeneratorFails(t *testing.T) {
	t.Parallel()
	cache := NewCache(nil)
	_, err := cache.Cert(SelfSignedID, "a.example")
	require.Error(t, err)
}

func TestCachePutAndRemoveCert(t *testing.T) {
	t.Parallel()
	cache := NewCache(nil)
	fixture, _ := generateLeafFixture("certA")
	cache.PutCert("certA", CertEntry{Cert: fixture, Source: SourceFile, SourceRef: "/etc/certA.pem"})

	require.True(t, cache.HasCert("certA"))
	got, err := cache.Cert("certA", "")
	require.NoError(t, err)
	require.Equal(t, "certA", got.Leaf.Subject.CommonName)

	err = cache.RemoveCert("certA", func(string) bool { return true })
	require.Error(t, err)
	require.True(t, cache.HasCert("certA"))

	err = cache.RemoveCert("certA", func(string) bool { return false })
	require.NoError(t, err)
	require.False(t, cache.HasCert("certA"))
}

func TestCacheCertNotFound(t *testing.T) {
	t.Parallel()
	cache := NewCache(nil)
	_, err := cache.Cert("missing", "")
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err))
}

func TestKeyParsePKCS8AndX509KeyPair(t *testing.T) {
	t.Parallel()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	tlsCert, err := X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	require.Equal(t, "leaf", tlsCert.Leaf.Subject.CommonName)

	signer, err := ParsePrivateKey(keyPEM)
	require.NoError(t, err)
	require.NotNil(t, signer)
}
