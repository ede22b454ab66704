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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/acmeca/acmeca/internal/core"
)

// Row models mirror table columns one to one; mapping to core types
// happens in the accessor methods.

type accountModel struct {
	ID            string    `db:"id"`
	JWK           string    `db:"jwk"`
	JWKThumbprint string    `db:"jwk_thumbprint"`
	Mail          string    `db:"mail"`
	Status        string    `db:"status"`
	CreatedAt     time.Time `db:"created_at"`
}

func (m *accountModel) toCore() *core.Account {
	return &core.Account{
		ID:            m.ID,
		JWK:           m.JWK,
		JWKThumbprint: m.JWKThumbprint,
		Mail:          m.Mail,
		Status:        core.Status(m.Status),
		CreatedAt:     m.CreatedAt,
	}
}

type orderModel struct {
	ID        string         `db:"id"`
	AccountID string         `db:"account_id"`
	Status    string         `db:"status"`
	ExpiresAt time.Time      `db:"expires_at"`
	Error     sql.NullString `db:"error"`
	CreatedAt time.Time      `db:"created_at"`
}

func (m *orderModel) toCore() (*core.Order, error) {
	oerr, err := unmarshalOrderError(m.Error)
	if err != nil {
		return nil, err
	}
	return &core.Order{
		ID:        m.ID,
		AccountID: m.AccountID,
		Status:    core.Status(m.Status),
		ExpiresAt: m.ExpiresAt,
		Error:     oerr,
		CreatedAt: m.CreatedAt,
	}, nil
}

type authzModel struct {
	ID      string `db:"id"`
	OrderID string `db:"order_id"`
	Domain  string `db:"domain"`
	Status  string `db:"status"`
	Pos     int    `db:"pos"`
}

func (m *authzModel) toCore() core.Authorization {
	return core.Authorization{
		ID:      m.ID,
		OrderID: m.OrderID,
		Domain:  m.Domain,
		Status:  core.Status(m.Status),
	}
}

type challengeModel struct {
	ID          string         `db:"id"`
	AuthzID     string         `db:"authz_id"`
	Token       string         `db:"token"`
	Status      string         `db:"status"`
	ValidatedAt sql.NullTime   `db:"validated_at"`
	Error       sql.NullString `db:"error"`
}

func (m *challengeModel) toCore() (*core.Challenge, error) {
	cerr, err := unmarshalOrderError(m.Error)
	if err != nil {
		return nil, err
	}
	chal := &core.Challenge{
		ID:      m.ID,
		AuthzID: m.AuthzID,
		Token:   m.Token,
		Status:  core.Status(m.Status),
		Error:   cerr,
	}
	if m.ValidatedAt.Valid {
		t := m.ValidatedAt.Time
		chal.ValidatedAt = &t
	}
	return chal, nil
}

type certificateModel struct {
	SerialNumber       string       `db:"serial_number"`
	OrderID            string       `db:"order_id"`
	CSRPEM             string       `db:"csr_pem"`
	ChainPEM           string       `db:"chain_pem"`
	NotValidBefore     time.Time    `db:"not_valid_before"`
	NotValidAfter      time.Time    `db:"not_valid_after"`
	RevokedAt          sql.NullTime `db:"revoked_at"`
	InformedWillExpire bool         `db:"user_informed_cert_will_expire"`
	InformedExpired    bool         `db:"user_informed_cert_has_expired"`
}

func (m *certificateModel) toCore() *core.Certificate {
	cert := &core.Certificate{
		SerialNumber:       m.SerialNumber,
		OrderID:            m.OrderID,
		CSRPEM:             m.CSRPEM,
		ChainPEM:           m.ChainPEM,
		NotValidBefore:     m.NotValidBefore,
		NotValidAfter:      m.NotValidAfter,
		InformedWillExpire: m.InformedWillExpire,
		InformedExpired:    m.InformedExpired,
	}
	if m.RevokedAt.Valid {
		t := m.RevokedAt.Time
		cert.RevokedAt = &t
	}
	return cert
}

type caModel struct {
	SerialNumber string `db:"serial_number"`
	CertPEM      string `db:"cert_pem"`
	KeyPEMEnc    []byte `db:"key_pem_enc"`
	Active       bool   `db:"active"`
	CRLPEM       string `db:"crl_pem"`
}

func (m *caModel) toCore() *core.CA {
	return &core.CA{
		SerialNumber: m.SerialNumber,
		CertPEM:      m.CertPEM,
		KeyPEMEnc:    m.KeyPEMEnc,
		Active:       m.Active,
		CRLPEM:       m.CRLPEM,
	}
}

// marshalOrderError renders the error tuple for its TEXT column.
func marshalOrderError(oerr *core.OrderError) (any, error) {
	if oerr == nil {
		return nil, nil
	}
	b, err := json.Marshal(oerr)
	if err != nil {
		return nil, fmt.Errorf("marshaling order error: %w", err)
	}
	return string(b), nil
}

func unmarshalOrderError(col sql.NullString) (*core.OrderError, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var oerr core.OrderError
	if err := json.Unmarshal([]byte(col.String), &oerr); err != nil {
		return nil, fmt.Errorf("unmarshaling order error: %w", err)
	}
	return &oerr, nil
}
