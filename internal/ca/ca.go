// Copyright 2024 The acmeca Authors
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

// Package ca implements the internal certificate authority: leaf
// signing, CRL maintenance and revocation against a CA whose private
// key is Fernet-encrypted at rest.
package ca

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.step.sm/crypto/pemutil"
	"go.uber.org/zap"

	"github.com/acmeca/acmeca/internal/config"
	"github.com/acmeca/acmeca/internal/core"
)

// crlRebuildInterval keeps every CA's nextUpdate fresh regardless of
// revocation activity.
const crlRebuildInterval = 12 * time.Hour

// Storage is the persistence the CA needs.
type Storage interface {
	GetActiveCA(ctx context.Context) (*core.CA, bool, error)
	ListCAs(ctx context.Context) ([]core.CA, error)
	UpsertActiveCA(ctx context.Context, ca *core.CA) error
	UpdateCACRL(ctx context.Context, serial, crlPEM string) error
	ListRevocations(ctx context.Context) ([]core.Revocation, error)
	SetCertificateRevoked(ctx context.Context, serial string, at time.Time) error
}

// IssuedCert is the result of signing a CSR.
type IssuedCert struct {
	Cert *x509.Certificate
	// ChainPEM is the leaf followed by the CA certificate.
	ChainPEM string
}

// Signer is the certificate authority service.
type Signer struct {
	store        Storage
	clk          clock.Clock
	log          *zap.Logger
	metrics      *metrics
	key          *fernet.Key
	certLifetime time.Duration
	crlLifetime  time.Duration
	crlURL       func(caSerial string) string
}

// New builds the CA service. cfg must already be validated, so the
// encryption key is known to decode.
func New(store Storage, cfg config.CA, crlURL func(string) string, stats prometheus.Registerer, clk clock.Clock, log *zap.Logger) (*Signer, error) {
	key, err := fernet.DecodeKey(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decoding ca.encryption_key: %w", err)
	}
	return &Signer{
		store:        store,
		clk:          clk,
		log:          log.Named("ca"),
		metrics:      newMetrics(stats),
		key:          key,
		certLifetime: cfg.CertLifetime,
		crlLifetime:  cfg.CRLLifetime,
		crlURL:       crlURL,
	}, nil
}

// Init imports a CA from importDir if ca.pem and ca.key are present;
// otherwise it verifies that an active CA already exists. Called once
// at startup; an error here is fatal.
func (s *Signer) Init(ctx context.Context, importDir string) error {
	certPath := filepath.Join(importDir, "ca.pem")
	keyPath := filepath.Join(importDir, "ca.key")
	if fileExists(certPath) && fileExists(keyPath) {
		if err := s.importCA(ctx, certPath, keyPath); err != nil {
			return fmt.Errorf("importing CA from %s: %w", importDir, err)
		}
		s.log.Info("successfully imported CA", zap.String("dir", importDir))
		return nil
	}

	_, ok, err := s.store.GetActiveCA(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("internal CA is enabled but no CA certificate is registered and active; import one first")
	}
	return nil
}

func (s *Signer) importCA(ctx context.Context, certPath, keyPath string) error {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return err
	}
	caCert, err := pemutil.ParseCertificate(certPEM)
	if err != nil {
		return fmt.Errorf("parsing ca.pem: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return err
	}
	// Parse once to reject malformed keys before they are encrypted
	// and persisted.
	caKey, err := parseSigner(keyPEM)
	if err != nil {
		return fmt.Errorf("parsing ca.key: %w", err)
	}

	keyEnc, err := fernet.EncryptAndSign(keyPEM, s.key)
	if err != nil {
		return fmt.Errorf("encrypting CA key: %w", err)
	}

	revocations, err := s.store.ListRevocations(ctx)
	if err != nil {
		return err
	}
	crlPEM, err := s.buildCRL(caCert, caKey, revocations)
	if err != nil {
		return err
	}

	return s.store.UpsertActiveCA(ctx, &core.CA{
		SerialNumber: core.SerialToHex(caCert.SerialNumber),
		CertPEM:      string(certPEM),
		KeyPEMEnc:    keyEnc,
		Active:       true,
		CRLPEM:       crlPEM,
	})
}

// SignCSR issues a leaf certificate for an already validated order.
// The CA key is decrypted for the duration of the operation only.
func (s *Signer) SignCSR(ctx context.Context, csr *x509.CertificateRequest, subjectDomain string, sanDomains []string) (*IssuedCert, error) {
	caCert, caKey, caRow, err := s.loadActiveCA(ctx)
	if err != nil {
		return nil, err
	}

	serial, err := core.NewSerial()
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: subjectDomain},
		NotBefore:             now,
		NotAfter:              now.Add(s.certLifetime),
		BasicConstraintsValid: true,
		IsCA:                  false,
		DNSNames:              sanDomains,
		CRLDistributionPoints: []string{s.crlURL(caRow.SerialNumber)},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		SignatureAlgorithm:    sha512AlgorithmFor(caKey),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, csr.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("signing leaf certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("reparsing leaf certificate: %w", err)
	}

	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caCert.Raw})

	s.metrics.certsIssued.Inc()
	return &IssuedCert{Cert: leaf, ChainPEM: string(leafPEM) + string(caPEM)}, nil
}

// Revoke rebuilds the active CA's CRL over the given revocation set
// (which must already include the new entry) and sets the certificate
// row's revoked_at.
func (s *Signer) Revoke(ctx context.Context, serial string, revokedAt time.Time, revocations []core.Revocation) error {
	caCert, caKey, caRow, err := s.loadActiveCA(ctx)
	if err != nil {
		return err
	}
	crlPEM, err := s.buildCRL(caCert, caKey, revocations)
	if err != nil {
		return err
	}
	if err := s.store.UpdateCACRL(ctx, caRow.SerialNumber, crlPEM); err != nil {
		return err
	}
	if err := s.store.SetCertificateRevoked(ctx, serial, revokedAt); err != nil {
		return err
	}
	s.metrics.certsRevoked.Inc()
	return nil
}

// CRLLoop rebuilds the CRL of every stored CA each interval, so
// nextUpdate stays fresh even without revocations.
func (s *Signer) CRLLoop(ctx context.Context) {
	ticker := time.NewTicker(crlRebuildInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.rebuildCRLs(ctx); err != nil {
				s.log.Error("could not rebuild CRLs", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Signer) rebuildCRLs(ctx context.Context) error {
	cas, err := s.store.ListCAs(ctx)
	if err != nil {
		return err
	}
	revocations, err := s.store.ListRevocations(ctx)
	if err != nil {
		return err
	}
	for i := range cas {
		row := &cas[i]
		caCert, caKey, err := s.decryptCA(row)
		if err != nil {
			return fmt.Errorf("loading CA %s: %w", row.SerialNumber, err)
		}
		crlPEM, err := s.buildCRL(caCert, caKey, revocations)
		if err != nil {
			return fmt.Errorf("building CRL for CA %s: %w", row.SerialNumber, err)
		}
		if err := s.store.UpdateCACRL(ctx, row.SerialNumber, crlPEM); err != nil {
			return err
		}
	}
	return nil
}

// buildCRL signs a CRL over the revocation set, valid for crlLifetime.
func (s *Signer) buildCRL(caCert *x509.Certificate, caKey crypto.Signer, revocations []core.Revocation) (string, error) {
	now := s.clk.Now()
	entries := make([]x509.RevocationListEntry, 0, len(revocations))
	for _, rev := range revocations {
		serial, err := core.SerialFromHex(rev.SerialNumber)
		if err != nil {
			return "", err
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: rev.RevokedAt,
		})
	}
	template := &x509.RevocationList{
		SignatureAlgorithm:        sha512AlgorithmFor(caKey),
		RevokedCertificateEntries: entries,
		Number:                    big.NewInt(now.Unix()),
		ThisUpdate:                now,
		NextUpdate:                now.Add(s.crlLifetime),
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, caCert, caKey)
	if err != nil {
		return "", fmt.Errorf("signing CRL: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})), nil
}

// loadActiveCA fetches and decrypts the active CA. The plaintext key
// lives only for the duration of the calling operation.
func (s *Signer) loadActiveCA(ctx context.Context) (*x509.Certificate, crypto.Signer, *core.CA, error) {
	row, ok, err := s.store.GetActiveCA(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	if !ok {
		return nil, nil, nil, fmt.Errorf("no active CA configured")
	}
	cert, key, err := s.decryptCA(row)
	if err != nil {
		return nil, nil, nil, err
	}
	return cert, key, row, nil
}

func (s *Signer) decryptCA(row *core.CA) (*x509.Certificate, crypto.Signer, error) {
	cert, err := pemutil.ParseCertificate([]byte(row.CertPEM))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing stored CA certificate: %w", err)
	}
	keyPEM := fernet.VerifyAndDecrypt(row.KeyPEMEnc, 0, []*fernet.Key{s.key})
	if keyPEM == nil {
		return nil, nil, fmt.Errorf("decrypting stored CA key failed (wrong ca.encryption_key?)")
	}
	key, err := parseSigner(keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing stored CA key: %w", err)
	}
	return cert, key, nil
}

// parseSigner parses a PEM private key of any supported type.
func parseSigner(keyPEM []byte) (crypto.Signer, error) {
	key, err := pemutil.Parse(keyPEM)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key of type %T cannot sign", key)
	}
	return signer, nil
}

// sha512AlgorithmFor picks the SHA-512 signature algorithm matching
// the CA key type.
func sha512AlgorithmFor(key crypto.Signer) x509.SignatureAlgorithm {
	switch key.Public().(type) {
	case *rsa.PublicKey:
		return x509.SHA512WithRSA
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA512
	case ed25519.PublicKey:
		return x509.PureEd25519
	default:
		return x509.UnknownSignatureAlgorithm
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
