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

// Package core holds the resource types shared by the ACME front end,
// the storage layer, the validation loop and the certificate authority.
package core

import (
	"time"
)

// Status is the lifecycle state of an ACME resource. The same value set
// is shared by accounts, orders, authorizations and challenges; each
// resource only ever uses the subset RFC 8555 defines for it.
type Status string

const (
	StatusPending     = Status("pending")
	StatusReady       = Status("ready")
	StatusProcessing  = Status("processing")
	StatusValid       = Status("valid")
	StatusInvalid     = Status("invalid")
	StatusDeactivated = Status("deactivated")
	StatusExpired     = Status("expired")
	StatusRevoked     = Status("revoked")
)

// IdentifierType defines the available identifier mechanisms. Only DNS
// identifiers are supported.
type IdentifierType string

// IdentifierDNS is the only identifier type this server issues for.
const IdentifierDNS = IdentifierType("dns")

// Identifier is an ACME identifier as it appears in order payloads.
type Identifier struct {
	Type  IdentifierType `json:"type"`
	Value string         `json:"value"`
}

// ChallengeTypeHTTP01 is the only challenge type this server offers.
const ChallengeTypeHTTP01 = "http-01"

// Account is an ACME account bound to one JWK.
type Account struct {
	ID string
	// JWK is the canonical JSON serialization of the account public key.
	JWK string
	// JWKThumbprint is the base64url RFC 7638 SHA-256 thumbprint of JWK.
	// It is the unique handle for key-to-account lookups.
	JWKThumbprint string
	// Contact mail address, empty if none was provided.
	Mail      string
	Status    Status
	CreatedAt time.Time
}

// Order tracks one certificate request from creation to issuance.
type Order struct {
	ID        string
	AccountID string
	Status    Status
	ExpiresAt time.Time
	// Error is set when the order became invalid, nil otherwise.
	Error     *OrderError
	CreatedAt time.Time
}

// OrderError is the error tuple persisted on failed orders and
// challenges. Type is a bare ACME error kind (e.g. "unauthorized"),
// not the full urn.
type OrderError struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// Authorization is the proof-of-control record for a single DNS
// identifier of an order.
type Authorization struct {
	ID      string
	OrderID string
	Domain  string
	Status  Status
}

// Challenge is the single http-01 challenge of an authorization.
type Challenge struct {
	ID          string
	AuthzID     string
	Token       string
	Status      Status
	ValidatedAt *time.Time
	Error       *OrderError
}

// Certificate is an issued certificate row. Immutable after issuance
// except for RevokedAt and the two notification flags.
type Certificate struct {
	SerialNumber   string
	OrderID        string
	CSRPEM         string
	ChainPEM       string
	NotValidBefore time.Time
	NotValidAfter  time.Time
	RevokedAt      *time.Time
	// InformedWillExpire and InformedExpired record that the expiry
	// notifier already mailed the account holder for the respective
	// transition, so each reminder fires at most once.
	InformedWillExpire bool
	InformedExpired    bool
}

// CA is a certificate authority row. At most one row is active; only
// the active CA signs and maintains a CRL for new revocations.
type CA struct {
	SerialNumber string
	CertPEM      string
	// KeyPEMEnc is the Fernet-encrypted PEM private key.
	KeyPEMEnc []byte
	Active    bool
	CRLPEM    string
}

// Revocation is one (serial, time) CRL entry.
type Revocation struct {
	SerialNumber string
	RevokedAt    time.Time
}
