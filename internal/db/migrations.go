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
	"strings"

	"go.uber.org/zap"
)

// migrations are applied in order; the singleton row in the migrations
// table records the current level. Each entry may contain several
// statements separated by semicolons.
var migrations = []string{
	// 001: initial schema
	`
	CREATE TABLE nonces (
		id VARCHAR(64) NOT NULL,
		expires_at DATETIME(6) NOT NULL,
		PRIMARY KEY (id)
	) ENGINE=InnoDB;

	CREATE TABLE accounts (
		id VARCHAR(32) NOT NULL,
		jwk TEXT NOT NULL,
		jwk_thumbprint VARCHAR(64) NOT NULL,
		mail VARCHAR(255) NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL DEFAULT 'valid',
		created_at DATETIME(6) NOT NULL,
		PRIMARY KEY (id),
		UNIQUE KEY accounts_jwk_thumbprint_key (jwk_thumbprint)
	) ENGINE=InnoDB;

	CREATE TABLE orders (
		id VARCHAR(32) NOT NULL,
		account_id VARCHAR(32) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'pending',
		expires_at DATETIME(6) NOT NULL,
		error TEXT NULL,
		created_at DATETIME(6) NOT NULL,
		PRIMARY KEY (id),
		KEY orders_account_id_idx (account_id),
		CONSTRAINT orders_account_id_fk FOREIGN KEY (account_id) REFERENCES accounts (id)
	) ENGINE=InnoDB;

	CREATE TABLE authorizations (
		id VARCHAR(32) NOT NULL,
		order_id VARCHAR(32) NOT NULL,
		domain VARCHAR(255) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'pending',
		pos INT NOT NULL DEFAULT 0,
		PRIMARY KEY (id),
		KEY authorizations_order_id_idx (order_id),
		KEY authorizations_domain_idx (domain),
		CONSTRAINT authorizations_order_id_fk FOREIGN KEY (order_id) REFERENCES orders (id)
	) ENGINE=InnoDB;

	CREATE TABLE challenges (
		id VARCHAR(32) NOT NULL,
		authz_id VARCHAR(32) NOT NULL,
		token VARCHAR(64) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'pending',
		validated_at DATETIME(6) NULL,
		error TEXT NULL,
		PRIMARY KEY (id),
		KEY challenges_authz_id_idx (authz_id),
		CONSTRAINT challenges_authz_id_fk FOREIGN KEY (authz_id) REFERENCES authorizations (id)
	) ENGINE=InnoDB;

	CREATE TABLE certificates (
		serial_number VARCHAR(64) NOT NULL,
		order_id VARCHAR(32) NOT NULL,
		csr_pem MEDIUMTEXT NOT NULL,
		chain_pem MEDIUMTEXT NOT NULL,
		not_valid_before DATETIME(6) NOT NULL,
		not_valid_after DATETIME(6) NOT NULL,
		revoked_at DATETIME(6) NULL,
		user_informed_cert_will_expire TINYINT(1) NOT NULL DEFAULT 0,
		user_informed_cert_has_expired TINYINT(1) NOT NULL DEFAULT 0,
		PRIMARY KEY (serial_number),
		KEY certificates_order_id_idx (order_id),
		KEY certificates_not_valid_after_idx (not_valid_after),
		CONSTRAINT certificates_order_id_fk FOREIGN KEY (order_id) REFERENCES orders (id)
	) ENGINE=InnoDB;

	CREATE TABLE cas (
		serial_number VARCHAR(64) NOT NULL,
		cert_pem MEDIUMTEXT NOT NULL,
		key_pem_enc BLOB NOT NULL,
		active TINYINT(1) NOT NULL DEFAULT 0,
		crl_pem MEDIUMTEXT NOT NULL,
		PRIMARY KEY (serial_number)
	) ENGINE=InnoDB;
	`,
}

// migrate creates the singleton migrations table and applies any
// pending migration levels.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.dbMap.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			dummy_id INT NOT NULL DEFAULT 1,
			migration INT NOT NULL DEFAULT 0,
			migrated_at DATETIME(6) NOT NULL,
			PRIMARY KEY (dummy_id),
			CONSTRAINT migrations_singleton CHECK (dummy_id = 1)
		) ENGINE=InnoDB`)
	if err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}
	_, err = s.dbMap.ExecContext(ctx,
		`INSERT IGNORE INTO migrations (dummy_id, migration, migrated_at) VALUES (1, 0, ?)`,
		s.clk.Now())
	if err != nil {
		return fmt.Errorf("seeding migrations table: %w", err)
	}

	var level int
	err = s.dbMap.SelectOne(ctx, &level, `SELECT migration FROM migrations`)
	if err != nil {
		return fmt.Errorf("reading migration level: %w", err)
	}

	for next := level; next < len(migrations); next++ {
		s.log.Info("running migration", zap.Int("level", next+1))
		for _, stmt := range splitStatements(migrations[next]) {
			if _, err := s.dbMap.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %d: %w", next+1, err)
			}
		}
		_, err = s.dbMap.ExecContext(ctx,
			`UPDATE migrations SET migration = ?, migrated_at = ?`, next+1, s.clk.Now())
		if err != nil {
			return fmt.Errorf("recording migration %d: %w", next+1, err)
		}
	}
	if level == len(migrations) {
		s.log.Info("database migrations are up to date", zap.Int("level", level))
	}
	return nil
}

// splitStatements breaks a migration blob into individual statements;
// the MySQL driver executes one statement per call.
func splitStatements(blob string) []string {
	var out []string
	for _, stmt := range strings.Split(blob, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
