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

// Package pki owns the interception trust material: the on-disk root
// CA and the per-hostname leaf certificates minted under it.
package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/smallstep/truststore"
	"go.step.sm/crypto/keyutil"
	"go.step.sm/crypto/pemutil"
	"go.uber.org/zap"
)

const (
	rootCommonName   = "Proxy Magic CA"
	rootOrganization = "Proxy Magic"
	rootLifetime     = 10 * 365 * 24 * time.Hour
	rootKeyBits      = 2048
)

// CA is the root certificate authority used to sign leaf certs. The
// private key never leaves its directory; the public certificate is
// what users install into their trust stores.
type CA struct {
	Root    *x509.Certificate
	RootKey crypto.Signer

	dir string
	log *zap.Logger
}

// CertPath returns where the public root certificate lives under dir.
func CertPath(dir string) string { return filepath.Join(dir, "certs", "ca.pem") }

// KeyPath returns where the root private key lives under dir.
func KeyPath(dir string) string { return filepath.Join(dir, "keys", "ca.key") }

// LoadOrGenerateCA loads the root CA pair from dir, generating and
// persisting a fresh one when the directory has none. Generation
// happens once per install; subsequent runs reuse the same root so
// the user's trust-store entry stays valid.
func LoadOrGenerateCA(dir string, log *zap.Logger) (*CA, error) {
	ca := &CA{dir: dir, log: log}

	certPath, keyPath := CertPath(dir), KeyPath(dir)
	if fileExists(certPath) && fileExists(keyPath) {
		if err := ca.load(certPath, keyPath); err != nil {
			return nil, fmt.Errorf("loading root CA from %s: %w", dir, err)
		}
		log.Debug("loaded root CA",
			zap.String("path", certPath),
			zap.Time("not_after", ca.Root.NotAfter))
		return ca, nil
	}

	if err := ca.generate(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("generating root CA in %s: %w", dir, err)
	}
	log.Info("generated new root CA; install it into your trust store to intercept HTTPS",
		zap.String("certificate", certPath))
	return ca, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (ca *CA) load(certPath, keyPath string) error {
	cert, err := pemutil.ReadCertificate(certPath)
	if err != nil {
		return fmt.Errorf("parsing root certificate: %w", err)
	}
	keyAny, err := pemutil.Read(keyPath)
	if err != nil {
		return fmt.Errorf("parsing root key: %w", err)
	}
	key, ok := keyAny.(crypto.Signer)
	if !ok {
		return fmt.Errorf("root key at %s is not a signing key", keyPath)
	}
	ca.Root, ca.RootKey = cert, key
	return nil
}

func (ca *CA) generate(certPath, keyPath string) error {
	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return err
	}

	signer, err := keyutil.GenerateSigner("RSA", "", rootKeyBits)
	if err != nil {
		return fmt.Errorf("generating root key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   rootCommonName,
			Organization: []string{rootOrganization},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(rootLifetime),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return fmt.Errorf("self-signing root: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}

	if _, err := pemutil.Serialize(cert, pemutil.ToFile(certPath, 0o644)); err != nil {
		return fmt.Errorf("writing root certificate: %w", err)
	}
	if _, err := pemutil.Serialize(signer, pemutil.ToFile(keyPath, 0o600)); err != nil {
		return fmt.Errorf("writing root key: %w", err)
	}

	ca.Root, ca.RootKey = cert, signer
	return nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}
	return serial, nil
}

// InstallRoot places the root certificate into the system trust store,
// plus Firefox and Java stores when present. May prompt for a password.
func (ca *CA) InstallRoot() error {
	ca.log.Warn("installing root certificate into trust stores (you might be prompted for a password)",
		zap.String("path", CertPath(ca.dir)))
	return truststore.Install(ca.Root,
		truststore.WithDebug(),
		truststore.WithFirefox(),
		truststore.WithJava(),
	)
}

// UninstallRoot removes the root certificate from the trust stores.
func (ca *CA) UninstallRoot() error {
	return truststore.Uninstall(ca.Root,
		truststore.WithDebug(),
		truststore.WithFirefox(),
		truststore.WithJava(),
	)
}
