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

	"github.com/letsencrypt/borp"

	"github.com/acmeca/acmeca/internal/core"
)

// AddAccount persists a new account.
func (s *Store) AddAccount(ctx context.Context, acct *core.Account) error {
	_, err := s.dbMap.ExecContext(ctx,
		`INSERT INTO accounts (id, jwk, jwk_thumbprint, mail, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.JWK, acct.JWKThumbprint, acct.Mail, string(acct.Status), s.clk.Now())
	if err != nil {
		return fmt.Errorf("inserting account: %w", err)
	}
	return nil
}

// GetAccount fetches an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*core.Account, bool, error) {
	var m accountModel
	err := s.dbMap.SelectOne(ctx, &m,
		`SELECT id, jwk, jwk_thumbprint, mail, status, created_at FROM accounts WHERE id = ?`, id)
	if noRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("selecting account: %w", err)
	}
	return m.toCore(), true, nil
}

// GetAccountByKey fetches an account by the RFC 7638 thumbprint of its
// JWK. The thumbprint column is unique, so at most one row matches.
func (s *Store) GetAccountByKey(ctx context.Context, thumbprint string) (*core.Account, bool, error) {
	var m accountModel
	err := s.dbMap.SelectOne(ctx, &m,
		`SELECT id, jwk, jwk_thumbprint, mail, status, created_at FROM accounts WHERE jwk_thumbprint = ?`,
		thumbprint)
	if noRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("selecting account by key: %w", err)
	}
	return m.toCore(), true, nil
}

// UpdateAccountContact replaces the contact mail address. Only valid
// accounts can be updated; the return value reports whether a row
// changed.
func (s *Store) UpdateAccountContact(ctx context.Context, id, mail string) (bool, error) {
	res, err := s.dbMap.ExecContext(ctx,
		`UPDATE accounts SET mail = ? WHERE id = ? AND status = 'valid'`, mail, id)
	if err != nil {
		return false, fmt.Errorf("updating account contact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("updating account contact: %w", err)
	}
	return n == 1, nil
}

// DeactivateAccount marks the account deactivated and invalidates all
// its non-invalid orders in the same transaction.
func (s *Store) DeactivateAccount(ctx context.Context, id string) error {
	errJSON, err := marshalOrderError(&core.OrderError{Type: "unauthorized", Detail: "account deactivated"})
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *borp.Transaction) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET status = 'deactivated' WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deactivating account: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = 'invalid', error = ?
			 WHERE account_id = ? AND status <> 'invalid'`, errJSON, id); err != nil {
			return fmt.Errorf("invalidating account orders: %w", err)
		}
		return nil
	})
}
