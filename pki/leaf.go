// Copyright 2024 The Proxy Magic Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"sync"
	"time"

	"go.step.sm/crypto/keyutil"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	leafLifetime = 365 * 24 * time.Hour
	leafKeyBits  = 2048
)

// CertError reports a failed leaf mint. It fails the TLS handshake for
// the requesting client; the proxy never falls back to plaintext.
type CertError struct {
	Hostname string
	Err      error
}

func (e *CertError) Error() string {
	return fmt.Sprintf("minting certificate for %s: %v", e.Hostname, e.Err)
}

func (e *CertError) Unwrap() error { return e.Err }

// Store mints and caches leaf certificates signed by the root CA.
// Leaves are minted lazily on the first CONNECT for a hostname, cached
// for the process lifetime, and share a single private key so repeat
// handshakes pay no keygen cost.
type Store struct {
	ca  *CA
	log *zap.Logger

	leafKey     crypto.Signer
	leafKeyOnce sync.Once
	leafKeyErr  error

	mu    sync.RWMutex
	cache map[string]*tls.Certificate

	group singleflight.Group
}

// NewStore returns a leaf store backed by ca.
func NewStore(ca *CA, log *zap.Logger) *Store {
	return &Store{
		ca:    ca,
		log:   log,
		cache: make(map[string]*tls.Certificate),
	}
}

// GetLeaf returns the cached leaf for hostname, minting one on first
// use. Concurrent callers for the same fresh hostname share a single
// minting operation.
func (s *Store) GetLeaf(hostname string) (*tls.Certificate, error) {
	s.mu.RLock()
	cert, ok := s.cache[hostname]
	s.mu.RUnlock()
	if ok {
		return cert, nil
	}

	v, err, _ := s.group.Do(hostname, func() (any, error) {
		// Another caller may have won the race before we joined.
		s.mu.RLock()
		cached, ok := s.cache[hostname]
		s.mu.RUnlock()
		if ok {
			return cached, nil
		}

		minted, err := s.mint(hostname)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[hostname] = minted
		s.mu.Unlock()
		return minted, nil
	})
	if err != nil {
		return nil, &CertError{Hostname: hostname, Err: err}
	}
	return v.(*tls.Certificate), nil
}

func (s *Store) mint(hostname string) (*tls.Certificate, error) {
	key, err := s.sharedLeafKey()
	if err != nil {
		return nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(leafLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	// Literal SAN for the requested name only; no wildcard expansion.
	if ip := net.ParseIP(hostname); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{hostname}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, s.ca.Root, key.Public(), s.ca.RootKey)
	if err != nil {
		return nil, fmt.Errorf("signing leaf: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	s.log.Debug("minted leaf certificate",
		zap.String("hostname", hostname),
		zap.Time("not_after", leaf.NotAfter))

	return &tls.Certificate{
		Certificate: [][]byte{der, s.ca.Root.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// sharedLeafKey generates the one private key reused across all leaf
// certs. Keygen happens at most once per process.
func (s *Store) sharedLeafKey() (crypto.Signer, error) {
	s.leafKeyOnce.Do(func() {
		s.leafKey, s.leafKeyErr = keyutil.GenerateSigner("RSA", "", leafKeyBits)
	})
	if s.leafKeyErr != nil {
		return nil, fmt.Errorf("generating leaf key: %w", s.leafKeyErr)
	}
	return s.leafKey, nil
}

// TLSConfigFor returns a server-side TLS config for an intercepted
// tunnel to connectHost. SNI from the ClientHello wins when present,
// since clients may tunnel to an IP and still send a hostname.
func (s *Store) TLSConfigFor(connectHost string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := connectHost
			if hello.ServerName != "" {
				host = hello.ServerName
			}
			return s.GetLeaf(host)
		},
	}
}
