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

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/letsencrypt/borp"

	"github.com/acmeca/acmeca/internal/core"
)

const caColumns = `serial_number, cert_pem, key_pem_enc, active, crl_pem`

// GetActiveCA returns the single active CA row, if one exists.
func (s *Store) GetActiveCA(ctx context.Context) (*core.CA, bool, error) {
	var m caModel
	err := s.dbMap.SelectOne(ctx, &m,
		`SELECT `+caColumns+` FROM cas WHERE active = 1`)
	if noRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("selecting active CA: %w", err)
	}
	return m.toCore(), true, nil
}

// ListCAs returns all CA rows, active or not. The CRL rebuild loop
// refreshes every CA's CRL, not only the active one.
func (s *Store) ListCAs(ctx context.Context) ([]core.CA, error) {
	var models []caModel
	_, err := s.dbMap.Select(ctx, &models, `SELECT `+caColumns+` FROM cas`)
	if err != nil {
		return nil, fmt.Errorf("listing CAs: %w", err)
	}
	cas := make([]core.CA, 0, len(models))
	for i := range models {
		cas = append(cas, *models[i].toCore())
	}
	return cas, nil
}

// UpsertActiveCA installs the imported CA as the single active row,
// demoting every other CA, in one transaction.
func (s *Store) UpsertActiveCA(ctx context.Context, ca *core.CA) error {
	return s.withTx(ctx, func(tx *borp.Transaction) error {
		if _, err := tx.ExecContext(ctx, `UPDATE cas SET active = 0`); err != nil {
			return fmt.Errorf("demoting existing CAs: %w", err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO cas (serial_number, cert_pem, key_pem_enc, active, crl_pem)
			 VALUES (?, ?, ?, 1, ?)
			 ON DUPLICATE KEY UPDATE active = 1, crl_pem = VALUES(crl_pem)`,
			ca.SerialNumber, ca.CertPEM, ca.KeyPEMEnc, ca.CRLPEM)
		if err != nil {
			return fmt.Errorf("upserting CA: %w", err)
		}
		return nil
	})
}

// UpdateCACRL replaces the stored CRL of one CA.
func (s *Store) UpdateCACRL(ctx context.Context, serial, crlPEM string) error {
	_, err := s.dbMap.ExecContext(ctx,
		`UPDATE cas SET crl_pem = ? WHERE serial_number = ?`, crlPEM, serial)
	if err != nil {
		return fmt.Errorf("updating CA CRL: %w", err)
	}
	return nil
}

// GetCACRL returns the stored CRL PEM for a CA serial.
func (s *Store) GetCACRL(ctx context.Context, serial string) (string, bool, error) {
	var crl string
	err := s.dbMap.SelectOne(ctx, &crl,
		`SELECT crl_pem FROM cas WHERE serial_number = ?`, serial)
	if noRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("selecting CA CRL: %w", err)
	}
	return crl, true, nil
}

// ListRevocations returns every revoked (serial, time) pair.
func (s *Store) ListRevocations(ctx context.Context) ([]core.Revocation, error) {
	type row struct {
		SerialNumber string    `db:"serial_number"`
		RevokedAt    time.Time `db:"revoked_at"`
	}
	var rows []row
	_, err := s.dbMap.Select(ctx, &rows,
		`SELECT serial_number, revoked_at FROM certificates WHERE revoked_at IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("listing revocations: %w", err)
	}
	revs := make([]core.Revocation, 0, len(rows))
	for _, r := range rows {
		revs = append(revs, core.Revocation{SerialNumber: r.SerialNumber, RevokedAt: r.RevokedAt})
	}
	return revs, nil
}

// CertIsRevocable checks that the certificate exists, is not yet
// revoked, and is reachable by the requester: either the owning
// account (by id, which must still be valid) or the bare account key.
// A deactivated account may still revoke with its key.
func (s *Store) CertIsRevocable(ctx context.Context, serial, accountID, jwkThumbprint string) (bool, error) {
	var one int
	var err error
	if accountID != "" {
		err = s.dbMap.SelectOne(ctx, &one,
			`SELECT 1 FROM certificates c
			 JOIN orders o ON o.id = c.order_id
			 JOIN accounts a ON a.id = o.account_id
			 WHERE c.serial_number = ? AND c.revoked_at IS NULL
			   AND a.id = ? AND a.status = 'valid' AND a.jwk_thumbprint = ?`,
			serial, accountID, jwkThumbprint)
	} else {
		err = s.dbMap.SelectOne(ctx, &one,
			`SELECT 1 FROM certificates c
			 JOIN orders o ON o.id = c.order_id
			 JOIN accounts a ON a.id = o.account_id
			 WHERE c.serial_number = ? AND c.revoked_at IS NULL AND a.jwk_thumbprint = ?`,
			serial, jwkThumbprint)
	}
	if noRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking revocability: %w", err)
	}
	return one == 1, nil
}

// SetCertificateRevoked sets revoked_at once; later calls are no-ops.
func (s *Store) SetCertificateRevoked(ctx context.Context, serial string, at time.Time) error {
	_, err := s.dbMap.ExecContext(ctx,
		`UPDATE certificates SET revoked_at = ? WHERE serial_number = ? AND revoked_at IS NULL`,
		at, serial)
	if err != nil {
		return fmt.Errorf("marking certificate revoked: %w", err)
	}
	return nil
}
