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
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"

	"github.com/gravitational/trace"
)

// Private key PEM block types this proxy can load, adapted from the
// teacher's api/utils/keys/parse.go parser table. Hardware-backed (YubiKey
// PIV) key types from the teacher package are dropped: no such key source
// appears in this spec's data model.
const (
	pkcs1PrivateKeyType = "RSA PRIVATE KEY"
	pkcs8PrivateKeyType = "PRIVATE KEY"
	ecPrivateKeyType    = "EC PRIVATE KEY"
)

// ParsePrivateKey parses a PEM-encoded PKCS1, PKCS8 or EC private key into a
// crypto.Signer.
func ParsePrivateKey(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, trace.BadParameter("expected PEM encoded private key")
	}

	switch block.Type {
	case pkcs1PrivateKeyType:
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return key, nil
	case pkcs8PrivateKeyType:
		priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		signer, ok := priv.(crypto.Signer)
		if !ok {
			return nil, trace.BadParameter("PKCS8 key of type %T is not a crypto.Signer", priv)
		}
		return signer, nil
	case ecPrivateKeyType:
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return key, nil
	default:
		return nil, trace.BadParameter("unexpected private key PEM type %q", block.Type)
	}
}

// X509KeyPair parses a tls.Certificate from PEM-encoded certificate and
// private key material, supporting the same key types as ParsePrivateKey.
func X509KeyPair(certPEM, keyPEM []byte) (tls.Certificate, error) {
	signer, err := ParsePrivateKey(keyPEM)
	if err != nil {
		return tls.Certificate{}, trace.Wrap(err)
	}

	var certDER [][]byte
	rest := certPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			certDER = append(certDER, block.Bytes)
		}
	}
	if len(certDER) == 0 {
		return tls.Certificate{}, trace.BadParameter("no certificates found in PEM block")
	}

	leaf, err := x509.ParseCertificate(certDER[0])
	if err != nil {
		return tls.Certificate{}, trace.Wrap(err)
	}

	return tls.Certificate{
		Certificate: certDER,
		PrivateKey:  signer,
		Leaf:        leaf,
	}, nil
}

// ParseCAChain parses a PEM bundle of one or more CA certificates.
func ParseCAChain(caPEM []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := caPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, trace.BadParameter("no CA certificates found in PEM block")
	}
	return chain, nil
}
