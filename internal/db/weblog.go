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
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// CertLogEntry is one row of the public certificate log.
type CertLogEntry struct {
	SerialNumber   string
	NotValidBefore time.Time
	NotValidAfter  time.Time
	RevokedAt      *time.Time
	IsValid        bool
	Domains        []string
}

// ListCertificateLog returns all issued certificates with their
// domains, newest expiry first.
func (s *Store) ListCertificateLog(ctx context.Context) ([]CertLogEntry, error) {
	type row struct {
		SerialNumber   string       `db:"serial_number"`
		NotValidBefore time.Time    `db:"not_valid_before"`
		NotValidAfter  time.Time    `db:"not_valid_after"`
		RevokedAt      sql.NullTime `db:"revoked_at"`
		Domain         string       `db:"domain"`
	}
	var rows []row
	_, err := s.dbMap.Select(ctx, &rows,
		`SELECT cert.serial_number AS serial_number, cert.not_valid_before AS not_valid_before,
		        cert.not_valid_after AS not_valid_after, cert.revoked_at AS revoked_at,
		        authz.domain AS domain
		 FROM certificates cert
		 JOIN authorizations authz ON authz.order_id = cert.order_id
		 ORDER BY cert.not_valid_after DESC, authz.domain`)
	if err != nil {
		return nil, fmt.Errorf("listing certificate log: %w", err)
	}

	now := s.clk.Now()
	var entries []CertLogEntry
	index := map[string]int{}
	for _, r := range rows {
		i, seen := index[r.SerialNumber]
		if !seen {
			entry := CertLogEntry{
				SerialNumber:   r.SerialNumber,
				NotValidBefore: r.NotValidBefore,
				NotValidAfter:  r.NotValidAfter,
				IsValid:        r.NotValidAfter.After(now) && !r.RevokedAt.Valid,
			}
			if r.RevokedAt.Valid {
				t := r.RevokedAt.Time
				entry.RevokedAt = &t
			}
			entries = append(entries, entry)
			i = len(entries) - 1
			index[r.SerialNumber] = i
		}
		entries[i].Domains = append(entries[i].Domains, r.Domain)
	}
	return entries, nil
}

// GetCertChainPublic returns a chain by serial without ownership
// checks, for the public certificate log download.
func (s *Store) GetCertChainPublic(ctx context.Context, serial string) (string, bool, error) {
	var chain string
	err := s.dbMap.SelectOne(ctx, &chain,
		`SELECT chain_pem FROM certificates WHERE serial_number = ?`, serial)
	if noRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("selecting public chain: %w", err)
	}
	return chain, true, nil
}

// DomainLogEntry is one row of the public domain log.
type DomainLogEntry struct {
	Domain           string
	FirstRequestedAt time.Time
	ExpiresAt        time.Time
	IsValid          bool
}

// ListDomainLog aggregates certificate history per domain. filter is a
// substring match ('*' acts as a wildcard); status is all, valid or
// invalid.
func (s *Store) ListDomainLog(ctx context.Context, filter, status string) ([]DomainLogEntry, error) {
	type row struct {
		Domain           string       `db:"domain"`
		FirstRequestedAt time.Time    `db:"first_requested_at"`
		ExpiresAt        time.Time    `db:"expires_at"`
		NewestUnrevoked  sql.NullTime `db:"newest_unrevoked"`
	}
	like := "%" + strings.ReplaceAll(filter, "*", "%") + "%"
	var rows []row
	_, err := s.dbMap.Select(ctx, &rows,
		`SELECT authz.domain AS domain,
		        MIN(cert.not_valid_before) AS first_requested_at,
		        MAX(cert.not_valid_after) AS expires_at,
		        MAX(CASE WHEN cert.revoked_at IS NULL THEN cert.not_valid_after END) AS newest_unrevoked
		 FROM orders ord
		 JOIN authorizations authz ON authz.order_id = ord.id
		 JOIN certificates cert ON cert.order_id = ord.id
		 WHERE (? = '%%' OR authz.domain LIKE ?)
		 GROUP BY authz.domain
		 ORDER BY authz.domain`, like, like)
	if err != nil {
		return nil, fmt.Errorf("listing domain log: %w", err)
	}

	now := s.clk.Now()
	var entries []DomainLogEntry
	for _, r := range rows {
		valid := r.NewestUnrevoked.Valid && r.NewestUnrevoked.Time.After(now)
		if status == "valid" && !valid || status == "invalid" && valid {
			continue
		}
		entries = append(entries, DomainLogEntry{
			Domain:           r.Domain,
			FirstRequestedAt: r.FirstRequestedAt,
			ExpiresAt:        r.ExpiresAt,
			IsValid:          valid,
		})
	}
	return entries, nil
}
