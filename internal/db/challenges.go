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
	"time"

	"github.com/letsencrypt/borp"

	"github.com/acmeca/acmeca/internal/core"
)

// AuthzView is the joined (authorization, order, challenge) row used
// by the authorization handler.
type AuthzView struct {
	AuthzStatus    core.Status
	OrderID        string
	OrderStatus    core.Status
	OrderExpiresAt time.Time
	Domain         string
	Challenge      core.Challenge
}

type authzViewModel struct {
	AuthzStatus     string         `db:"authz_status"`
	OrderID         string         `db:"order_id"`
	OrderStatus     string         `db:"order_status"`
	OrderExpiresAt  time.Time      `db:"order_expires_at"`
	Domain          string         `db:"domain"`
	ChalID          string         `db:"chal_id"`
	ChalToken       string         `db:"chal_token"`
	ChalStatus      string         `db:"chal_status"`
	ChalValidatedAt sql.NullTime   `db:"chal_validated_at"`
	ChalError       sql.NullString `db:"chal_error"`
}

// GetAuthzView loads the joined authorization view for an account.
func (s *Store) GetAuthzView(ctx context.Context, authzID, accountID string) (*AuthzView, bool, error) {
	var m authzViewModel
	err := s.dbMap.SelectOne(ctx, &m,
		`SELECT authz.status AS authz_status, ord.id AS order_id, ord.status AS order_status,
		        ord.expires_at AS order_expires_at, authz.domain AS domain,
		        chal.id AS chal_id, chal.token AS chal_token, chal.status AS chal_status,
		        chal.validated_at AS chal_validated_at, chal.error AS chal_error
		 FROM authorizations authz
		 JOIN challenges chal ON chal.authz_id = authz.id
		 JOIN orders ord ON authz.order_id = ord.id
		 WHERE authz.id = ? AND ord.account_id = ?`, authzID, accountID)
	if noRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("selecting authorization view: %w", err)
	}
	cerr, err := unmarshalOrderError(m.ChalError)
	if err != nil {
		return nil, false, err
	}
	view := &AuthzView{
		AuthzStatus:    core.Status(m.AuthzStatus),
		OrderID:        m.OrderID,
		OrderStatus:    core.Status(m.OrderStatus),
		OrderExpiresAt: m.OrderExpiresAt,
		Domain:         m.Domain,
		Challenge: core.Challenge{
			ID:      m.ChalID,
			AuthzID: authzID,
			Token:   m.ChalToken,
			Status:  core.Status(m.ChalStatus),
			Error:   cerr,
		},
	}
	if m.ChalValidatedAt.Valid {
		t := m.ChalValidatedAt.Time
		view.Challenge.ValidatedAt = &t
	}
	return view, true, nil
}

// DeactivateAuthz deactivates the authorization and invalidates its
// enclosing order in one transaction. Only a pending or valid
// authorization on a still actionable (pending or ready) order may be
// deactivated; ok reports whether the transition happened. Returns the
// new authorization status.
func (s *Store) DeactivateAuthz(ctx context.Context, authzID string) (core.Status, bool, error) {
	errJSON, err := marshalOrderError(&core.OrderError{Type: "unauthorized", Detail: "authorization deactivated"})
	if err != nil {
		return "", false, err
	}
	var deactivated bool
	err = s.withTx(ctx, func(tx *borp.Transaction) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE authorizations authz
			 JOIN orders ord ON authz.order_id = ord.id
			 SET authz.status = 'deactivated'
			 WHERE authz.id = ? AND authz.status IN ('pending', 'valid')
			   AND ord.status IN ('pending', 'ready')`, authzID)
		if err != nil {
			return fmt.Errorf("deactivating authorization: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("deactivating authorization: %w", err)
		}
		if n == 0 {
			return nil
		}
		deactivated = true
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = 'invalid', error = ?
			 WHERE id = (SELECT order_id FROM authorizations WHERE id = ?)
			   AND status IN ('pending', 'ready')`,
			errJSON, authzID); err != nil {
			return fmt.Errorf("invalidating order of deactivated authorization: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if !deactivated {
		return "", false, nil
	}
	return core.StatusDeactivated, true, nil
}

// ChallengeBundle is the joined row the challenge handler works with.
type ChallengeBundle struct {
	Challenge   core.Challenge
	AuthzID     string
	AuthzStatus core.Status
	Domain      string
	OrderID     string
	OrderStatus core.Status
}

type challengeBundleModel struct {
	ChalID          string         `db:"chal_id"`
	ChalToken       string         `db:"chal_token"`
	ChalStatus      string         `db:"chal_status"`
	ChalValidatedAt sql.NullTime   `db:"chal_validated_at"`
	ChalError       sql.NullString `db:"chal_error"`
	AuthzID         string         `db:"authz_id"`
	AuthzStatus     string         `db:"authz_status"`
	Domain          string         `db:"domain"`
	OrderID         string         `db:"order_id"`
	OrderStatus     string         `db:"order_status"`
}

func (m *challengeBundleModel) toBundle() (*ChallengeBundle, error) {
	cerr, err := unmarshalOrderError(m.ChalError)
	if err != nil {
		return nil, err
	}
	b := &ChallengeBundle{
		Challenge: core.Challenge{
			ID:      m.ChalID,
			AuthzID: m.AuthzID,
			Token:   m.ChalToken,
			Status:  core.Status(m.ChalStatus),
			Error:   cerr,
		},
		AuthzID:     m.AuthzID,
		AuthzStatus: core.Status(m.AuthzStatus),
		Domain:      m.Domain,
		OrderID:     m.OrderID,
		OrderStatus: core.Status(m.OrderStatus),
	}
	if m.ChalValidatedAt.Valid {
		t := m.ChalValidatedAt.Time
		b.Challenge.ValidatedAt = &t
	}
	return b, nil
}

// BeginChallenge loads the joined (challenge, authorization, order)
// state for an unexpired order and performs the admission transitions
// in a single transaction:
//
//   - an invalid order cascades to authorization and challenge;
//   - a pending challenge on a pending order either advances to
//     processing (mustSolve=true) or is failed when its authorization
//     is no longer pending.
//
// The returned bundle reflects the state after the transitions.
func (s *Store) BeginChallenge(ctx context.Context, chalID, accountID string) (*ChallengeBundle, bool, bool, error) {
	var bundle *ChallengeBundle
	var mustSolve, found bool

	failedJSON, err := marshalOrderError(&core.OrderError{Type: "unauthorized", Detail: "order failed"})
	if err != nil {
		return nil, false, false, err
	}
	authzFailedJSON, err := marshalOrderError(&core.OrderError{Type: "unauthorized", Detail: "authorization failed"})
	if err != nil {
		return nil, false, false, err
	}

	err = s.withTx(ctx, func(tx *borp.Transaction) error {
		var m challengeBundleModel
		err := tx.SelectOne(ctx, &m,
			`SELECT chal.id AS chal_id, chal.token AS chal_token, chal.status AS chal_status,
			        chal.validated_at AS chal_validated_at, chal.error AS chal_error,
			        authz.id AS authz_id, authz.status AS authz_status, authz.domain AS domain,
			        ord.id AS order_id, ord.status AS order_status
			 FROM challenges chal
			 JOIN authorizations authz ON authz.id = chal.authz_id
			 JOIN orders ord ON authz.order_id = ord.id
			 WHERE chal.id = ? AND ord.account_id = ? AND ord.expires_at > ?`,
			chalID, accountID, s.clk.Now())
		if noRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("selecting challenge: %w", err)
		}
		found = true
		bundle, err = m.toBundle()
		if err != nil {
			return err
		}

		if bundle.OrderStatus == core.StatusInvalid {
			if _, err := tx.ExecContext(ctx,
				`UPDATE authorizations SET status = 'invalid' WHERE id = ?`, bundle.AuthzID); err != nil {
				return fmt.Errorf("cascading invalid order to authorization: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE challenges SET status = 'invalid', error = ?
				 WHERE id = ? AND status <> 'invalid'`, failedJSON, chalID); err != nil {
				return fmt.Errorf("cascading invalid order to challenge: %w", err)
			}
			bundle.AuthzStatus = core.StatusInvalid
			bundle.Challenge.Status = core.StatusInvalid
			return nil
		}

		if bundle.Challenge.Status == core.StatusPending && bundle.OrderStatus == core.StatusPending {
			if bundle.AuthzStatus == core.StatusPending {
				if _, err := tx.ExecContext(ctx,
					`UPDATE challenges SET status = 'processing' WHERE id = ? AND status = 'pending'`,
					chalID); err != nil {
					return fmt.Errorf("advancing challenge to processing: %w", err)
				}
				bundle.Challenge.Status = core.StatusProcessing
				mustSolve = true
			} else {
				if _, err := tx.ExecContext(ctx,
					`UPDATE challenges SET status = 'invalid', error = ?
					 WHERE id = ? AND status <> 'invalid'`, authzFailedJSON, chalID); err != nil {
					return fmt.Errorf("failing challenge with dead authorization: %w", err)
				}
				bundle.Challenge.Status = core.StatusInvalid
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, false, err
	}
	return bundle, mustSolve, found, nil
}

// CompleteChallenge records a successful probe: challenge valid with
// validation time, authorization valid, and the order promoted to
// ready once every authorization is valid. Returns the challenge
// status and validation time after the transaction.
func (s *Store) CompleteChallenge(ctx context.Context, chalID, authzID, orderID string) (core.Status, *time.Time, error) {
	now := s.clk.Now()
	err := s.withTx(ctx, func(tx *borp.Transaction) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE challenges SET status = 'valid', validated_at = ?
			 WHERE id = ? AND status = 'processing'`, now, chalID); err != nil {
			return fmt.Errorf("validating challenge: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE authorizations SET status = 'valid' WHERE id = ? AND status = 'pending'`,
			authzID); err != nil {
			return fmt.Errorf("validating authorization: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = 'ready'
			 WHERE id = ? AND status = 'pending' AND
			       (SELECT COUNT(id) FROM authorizations WHERE order_id = ? AND status <> 'valid') = 0`,
			orderID, orderID); err != nil {
			return fmt.Errorf("promoting order to ready: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return core.StatusValid, &now, nil
}

// FailChallenge records a failed probe: challenge and authorization
// invalid, order invalid with a challenge-failed error.
func (s *Store) FailChallenge(ctx context.Context, chalID, authzID, orderID string, oerr core.OrderError) (core.Status, error) {
	chalErrJSON, err := marshalOrderError(&oerr)
	if err != nil {
		return "", err
	}
	orderErrJSON, err := marshalOrderError(&core.OrderError{Type: "unauthorized", Detail: "challenge failed"})
	if err != nil {
		return "", err
	}
	err = s.withTx(ctx, func(tx *borp.Transaction) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE challenges SET status = 'invalid', error = ? WHERE id = ?`,
			chalErrJSON, chalID); err != nil {
			return fmt.Errorf("failing challenge: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE authorizations SET status = 'invalid' WHERE id = ?`, authzID); err != nil {
			return fmt.Errorf("failing authorization: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = 'invalid', error = ? WHERE id = ?`,
			orderErrJSON, orderID); err != nil {
			return fmt.Errorf("failing order: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return core.StatusInvalid, nil
}
