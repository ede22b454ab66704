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

// AddOrder inserts the order together with its pre-generated
// authorizations and challenges in one transaction. authzs and chals
// must be parallel slices in identifier order.
func (s *Store) AddOrder(ctx context.Context, order *core.Order, authzs []core.Authorization, chals []core.Challenge) error {
	if len(authzs) != len(chals) {
		return fmt.Errorf("authorization and challenge counts differ: %d vs %d", len(authzs), len(chals))
	}
	return s.withTx(ctx, func(tx *borp.Transaction) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO orders (id, account_id, status, expires_at, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			order.ID, order.AccountID, string(order.Status), order.ExpiresAt, s.clk.Now())
		if err != nil {
			return fmt.Errorf("inserting order: %w", err)
		}
		for i, authz := range authzs {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO authorizations (id, order_id, domain, status, pos)
				 VALUES (?, ?, ?, ?, ?)`,
				authz.ID, order.ID, authz.Domain, string(authz.Status), i)
			if err != nil {
				return fmt.Errorf("inserting authorization: %w", err)
			}
			chal := chals[i]
			_, err = tx.ExecContext(ctx,
				`INSERT INTO challenges (id, authz_id, token, status)
				 VALUES (?, ?, ?, ?)`,
				chal.ID, authz.ID, chal.Token, string(chal.Status))
			if err != nil {
				return fmt.Errorf("inserting challenge: %w", err)
			}
		}
		return nil
	})
}

// GetOrder fetches an order owned by the given account.
func (s *Store) GetOrder(ctx context.Context, orderID, accountID string) (*core.Order, bool, error) {
	var m orderModel
	err := s.dbMap.SelectOne(ctx, &m,
		`SELECT id, account_id, status, expires_at, error, created_at
		 FROM orders WHERE id = ? AND account_id = ?`, orderID, accountID)
	if noRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("selecting order: %w", err)
	}
	order, err := m.toCore()
	if err != nil {
		return nil, false, err
	}
	return order, true, nil
}

// GetOrderAuthzs returns the order's authorizations in identifier
// order.
func (s *Store) GetOrderAuthzs(ctx context.Context, orderID string) ([]core.Authorization, error) {
	var models []authzModel
	_, err := s.dbMap.Select(ctx, &models,
		`SELECT id, order_id, domain, status, pos
		 FROM authorizations WHERE order_id = ? ORDER BY pos`, orderID)
	if err != nil {
		return nil, fmt.Errorf("selecting authorizations: %w", err)
	}
	authzs := make([]core.Authorization, 0, len(models))
	for i := range models {
		authzs = append(authzs, models[i].toCore())
	}
	return authzs, nil
}

// ListAccountOrderIDs returns ids of the account's non-invalid orders.
func (s *Store) ListAccountOrderIDs(ctx context.Context, accountID string) ([]string, error) {
	var ids []string
	_, err := s.dbMap.Select(ctx, &ids,
		`SELECT id FROM orders WHERE account_id = ? AND status <> 'invalid' ORDER BY created_at`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("listing account orders: %w", err)
	}
	return ids, nil
}

// SetOrderProcessing advances a ready order to processing. Reports
// false when the order was not in the ready state (a racing finalize
// already moved it).
func (s *Store) SetOrderProcessing(ctx context.Context, orderID string) (bool, error) {
	res, err := s.dbMap.ExecContext(ctx,
		`UPDATE orders SET status = 'processing' WHERE id = ? AND status = 'ready'`, orderID)
	if err != nil {
		return false, fmt.Errorf("setting order processing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("setting order processing: %w", err)
	}
	return n == 1, nil
}

// FailOrder marks the order invalid with the given error tuple.
func (s *Store) FailOrder(ctx context.Context, orderID string, oerr core.OrderError) error {
	errJSON, err := marshalOrderError(&oerr)
	if err != nil {
		return err
	}
	_, err = s.dbMap.ExecContext(ctx,
		`UPDATE orders SET status = 'invalid', error = ? WHERE id = ?`, errJSON, orderID)
	if err != nil {
		return fmt.Errorf("failing order: %w", err)
	}
	return nil
}

// InvalidateExpiredOrder invalidates an order whose expiry passed and
// expires its authorizations, in one transaction.
func (s *Store) InvalidateExpiredOrder(ctx context.Context, orderID string) error {
	errJSON, err := marshalOrderError(&core.OrderError{Type: "unauthorized", Detail: "order expired"})
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *borp.Transaction) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = 'invalid', error = ?
			 WHERE id = ? AND status <> 'invalid'`, errJSON, orderID); err != nil {
			return fmt.Errorf("invalidating expired order: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE authorizations SET status = 'expired' WHERE order_id = ?`, orderID); err != nil {
			return fmt.Errorf("expiring authorizations: %w", err)
		}
		return nil
	})
}

// ListValidOrderAuthzs returns the validated authorizations of an
// order, in identifier order.
func (s *Store) ListValidOrderAuthzs(ctx context.Context, orderID string) ([]core.Authorization, error) {
	var models []authzModel
	_, err := s.dbMap.Select(ctx, &models,
		`SELECT id, order_id, domain, status, pos
		 FROM authorizations WHERE order_id = ? AND status = 'valid' ORDER BY pos`, orderID)
	if err != nil {
		return nil, fmt.Errorf("selecting valid authorizations: %w", err)
	}
	authzs := make([]core.Authorization, 0, len(models))
	for i := range models {
		authzs = append(authzs, models[i].toCore())
	}
	return authzs, nil
}

// AddCertificate stores an issued certificate and promotes its
// processing order to valid in the same transaction. Returns the
// resulting order status.
func (s *Store) AddCertificate(ctx context.Context, cert *core.Certificate) (core.Status, error) {
	var status string
	err := s.withTx(ctx, func(tx *borp.Transaction) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO certificates
			 (serial_number, order_id, csr_pem, chain_pem, not_valid_before, not_valid_after)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			cert.SerialNumber, cert.OrderID, cert.CSRPEM, cert.ChainPEM,
			cert.NotValidBefore, cert.NotValidAfter)
		if err != nil {
			return fmt.Errorf("inserting certificate: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = 'valid' WHERE id = ? AND status = 'processing'`,
			cert.OrderID); err != nil {
			return fmt.Errorf("promoting order: %w", err)
		}
		return tx.SelectOne(ctx, &status, `SELECT status FROM orders WHERE id = ?`, cert.OrderID)
	})
	if err != nil {
		return "", err
	}
	return core.Status(status), nil
}

// GetCertificateByOrder returns the certificate issued for an order,
// if any.
func (s *Store) GetCertificateByOrder(ctx context.Context, orderID string) (*core.Certificate, bool, error) {
	var m certificateModel
	err := s.dbMap.SelectOne(ctx, &m,
		`SELECT serial_number, order_id, csr_pem, chain_pem, not_valid_before, not_valid_after,
		        revoked_at, user_informed_cert_will_expire, user_informed_cert_has_expired
		 FROM certificates WHERE order_id = ?`, orderID)
	if noRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("selecting certificate by order: %w", err)
	}
	return m.toCore(), true, nil
}

// GetCertificateChain returns the PEM chain of a certificate owned by
// the given account.
func (s *Store) GetCertificateChain(ctx context.Context, serial, accountID string) (string, bool, error) {
	var chain string
	err := s.dbMap.SelectOne(ctx, &chain,
		`SELECT cert.chain_pem FROM certificates cert
		 JOIN orders ord ON cert.order_id = ord.id
		 WHERE cert.serial_number = ? AND ord.account_id = ?`, serial, accountID)
	if noRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("selecting certificate chain: %w", err)
	}
	return chain, true, nil
}
