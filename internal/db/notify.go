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
)

// ExpiryCandidate is one (domain, certificate, account) row the expiry
// notifier considers. The owning order and account are valid and the
// certificate is not revoked.
type ExpiryCandidate struct {
	Mail          string    `db:"mail"`
	SerialNumber  string    `db:"serial_number"`
	NotValidAfter time.Time `db:"not_valid_after"`
	Domain        string    `db:"domain"`
}

// ListExpiryCandidates returns rows whose certificate either expires
// within warnBefore (and the will-expire flag is unset) or already
// expired (and the has-expired flag is unset). warnBefore <= 0
// disables the first arm.
func (s *Store) ListExpiryCandidates(ctx context.Context, warnBefore time.Duration) ([]ExpiryCandidate, error) {
	now := s.clk.Now()
	var rows []ExpiryCandidate
	_, err := s.dbMap.Select(ctx, &rows,
		`SELECT acc.mail AS mail, cert.serial_number AS serial_number,
		        cert.not_valid_after AS not_valid_after, authz.domain AS domain
		 FROM certificates cert
		 JOIN orders ord ON cert.order_id = ord.id
		 JOIN accounts acc ON ord.account_id = acc.id
		 JOIN authorizations authz ON authz.order_id = ord.id
		 WHERE acc.status = 'valid' AND ord.status = 'valid' AND cert.revoked_at IS NULL
		   AND acc.mail <> ''
		   AND ((? AND cert.not_valid_after > ? AND cert.not_valid_after < ?
		         AND NOT cert.user_informed_cert_will_expire)
		        OR
		        (cert.not_valid_after < ? AND NOT cert.user_informed_cert_has_expired))
		 ORDER BY authz.domain`,
		warnBefore > 0, now, now.Add(warnBefore), now)
	if err != nil {
		return nil, fmt.Errorf("listing expiry candidates: %w", err)
	}
	return rows, nil
}

// NewestExpiryByDomain returns, per domain, the newest not_valid_after
// over all certificates covering the domain. The notifier uses it to
// skip reminders for superseded certificates.
func (s *Store) NewestExpiryByDomain(ctx context.Context) (map[string]time.Time, error) {
	type row struct {
		Domain        string    `db:"domain"`
		NotValidAfter time.Time `db:"not_valid_after"`
	}
	var rows []row
	_, err := s.dbMap.Select(ctx, &rows,
		`SELECT authz.domain AS domain, MAX(cert.not_valid_after) AS not_valid_after
		 FROM orders ord
		 JOIN authorizations authz ON authz.order_id = ord.id
		 JOIN certificates cert ON cert.order_id = ord.id
		 GROUP BY authz.domain`)
	if err != nil {
		return nil, fmt.Errorf("selecting newest expiry per domain: %w", err)
	}
	newest := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		newest[r.Domain] = r.NotValidAfter
	}
	return newest, nil
}

// SetCertInformedFlag records that a notification mail went out, so
// the reminder fires at most once per transition.
func (s *Store) SetCertInformedFlag(ctx context.Context, serial string, expired bool) error {
	column := "user_informed_cert_will_expire"
	if expired {
		column = "user_informed_cert_has_expired"
	}
	_, err := s.dbMap.ExecContext(ctx,
		`UPDATE certificates SET `+column+` = 1 WHERE serial_number = ?`, serial)
	if err != nil {
		return fmt.Errorf("setting %s: %w", column, err)
	}
	return nil
}
