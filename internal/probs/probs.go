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

// Package probs defines the RFC 8555 problem documents returned to ACME
// clients. The set of error kinds is closed (RFC 8555 §6.7).
package probs

import (
	"fmt"
	"net/http"
)

// ErrorNS is the namespace prefixed to every problem type.
const ErrorNS = "urn:ietf:params:acme:error:"

// ProblemKind is a bare ACME error kind, without the urn namespace.
type ProblemKind string

// The closed set of error kinds from RFC 8555 §6.7.
const (
	AccountDoesNotExist     = ProblemKind("accountDoesNotExist")
	AlreadyRevoked          = ProblemKind("alreadyRevoked")
	BadCSR                  = ProblemKind("badCSR")
	BadNonce                = ProblemKind("badNonce")
	BadPublicKey            = ProblemKind("badPublicKey")
	BadRevocationReason     = ProblemKind("badRevocationReason")
	BadSignatureAlgorithm   = ProblemKind("badSignatureAlgorithm")
	CAA                     = ProblemKind("caa")
	Compound                = ProblemKind("compound")
	Connection              = ProblemKind("connection")
	DNS                     = ProblemKind("dns")
	ExternalAccountRequired = ProblemKind("externalAccountRequired")
	IncorrectResponse       = ProblemKind("incorrectResponse")
	InvalidContact          = ProblemKind("invalidContact")
	Malformed               = ProblemKind("malformed")
	OrderNotReady           = ProblemKind("orderNotReady")
	RateLimited             = ProblemKind("rateLimited")
	RejectedIdentifier      = ProblemKind("rejectedIdentifier")
	ServerInternal          = ProblemKind("serverInternal")
	TLS                     = ProblemKind("tls")
	Unauthorized            = ProblemKind("unauthorized")
	UnsupportedContact      = ProblemKind("unsupportedContact")
	UnsupportedIdentifier   = ProblemKind("unsupportedIdentifier")
	UserActionRequired      = ProblemKind("userActionRequired")
)

// ProblemDetails is the application/problem+json document sent on every
// ACME error response.
type ProblemDetails struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`

	// HTTPStatus is the status code the response should carry. Not
	// serialized into the body.
	HTTPStatus int `json:"-"`

	// NewNonce is the replacement nonce minted before the error was
	// raised, if any. The response writer mints one lazily when the
	// failure happened before nonce consumption.
	NewNonce string `json:"-"`
}

func (pd *ProblemDetails) Error() string {
	return fmt.Sprintf("%s :: %s", pd.Type, pd.Detail)
}

// Kind returns the bare error kind without the urn namespace.
func (pd *ProblemDetails) Kind() ProblemKind {
	if len(pd.Type) > len(ErrorNS) {
		return ProblemKind(pd.Type[len(ErrorNS):])
	}
	return ProblemKind(pd.Type)
}

// WithNonce attaches an already minted replacement nonce.
func (pd *ProblemDetails) WithNonce(nonce string) *ProblemDetails {
	pd.NewNonce = nonce
	return pd
}

// New builds a problem document for an arbitrary kind and status code.
func New(kind ProblemKind, status int, detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       ErrorNS + string(kind),
		Detail:     detail,
		HTTPStatus: status,
	}
}

// MalformedProblem is a 400 malformed request problem.
func MalformedProblem(detail string) *ProblemDetails {
	return New(Malformed, http.StatusBadRequest, detail)
}

// NotFoundProblem is a 404 problem; RFC 8555 uses the malformed kind
// for unknown resources.
func NotFoundProblem(detail string) *ProblemDetails {
	return New(Malformed, http.StatusNotFound, detail)
}

// UnauthorizedProblem is a 403 unauthorized problem.
func UnauthorizedProblem(detail string) *ProblemDetails {
	return New(Unauthorized, http.StatusForbidden, detail)
}

// BadNonceProblem is returned when the request nonce was unknown,
// already used or expired.
func BadNonceProblem(detail string) *ProblemDetails {
	return New(BadNonce, http.StatusBadRequest, detail)
}

// BadCSRProblem is returned for CSRs failing validation.
func BadCSRProblem(detail string) *ProblemDetails {
	return New(BadCSR, http.StatusBadRequest, detail)
}

// BadPublicKeyProblem is returned for unsupported account keys.
func BadPublicKeyProblem(detail string) *ProblemDetails {
	return New(BadPublicKey, http.StatusBadRequest, detail)
}

// BadSignatureAlgorithmProblem is returned for JWS algorithms outside
// the allowed set.
func BadSignatureAlgorithmProblem(detail string) *ProblemDetails {
	return New(BadSignatureAlgorithm, http.StatusBadRequest, detail)
}

// AccountDoesNotExistProblem is returned for unknown, deactivated or
// revoked accounts.
func AccountDoesNotExistProblem(detail string) *ProblemDetails {
	return New(AccountDoesNotExist, http.StatusBadRequest, detail)
}

// OrderNotReadyProblem is returned when finalize is requested in the
// wrong order state.
func OrderNotReadyProblem(detail string) *ProblemDetails {
	return New(OrderNotReady, http.StatusForbidden, detail)
}

// AlreadyRevokedProblem is returned when a revocation target is gone or
// inaccessible.
func AlreadyRevokedProblem(detail string) *ProblemDetails {
	return New(AlreadyRevoked, http.StatusBadRequest, detail)
}

// ServerInternalProblem is the coercion target for unexpected errors on
// /acme/* routes.
func ServerInternalProblem(detail string) *ProblemDetails {
	return New(ServerInternal, http.StatusInternalServerError, detail)
}
