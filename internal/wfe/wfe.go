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

// Package wfe implements the RFC 8555 web front end: the directory,
// nonce, account, order, authorization, challenge, certificate and
// revocation endpoints under /acme.
package wfe

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/acmeca/acmeca/internal/ca"
	"github.com/acmeca/acmeca/internal/config"
	"github.com/acmeca/acmeca/internal/core"
	"github.com/acmeca/acmeca/internal/db"
	"github.com/acmeca/acmeca/internal/probs"
)

// orderLifetime is how long a fresh order stays actionable.
const orderLifetime = 24 * time.Hour

// Storage is the persistence surface the front end needs.
type Storage interface {
	AddAccount(ctx context.Context, acct *core.Account) error
	GetAccount(ctx context.Context, id string) (*core.Account, bool, error)
	GetAccountByKey(ctx context.Context, thumbprint string) (*core.Account, bool, error)
	UpdateAccountContact(ctx context.Context, id, mail string) (bool, error)
	DeactivateAccount(ctx context.Context, id string) error

	AddOrder(ctx context.Context, order *core.Order, authzs []core.Authorization, chals []core.Challenge) error
	GetOrder(ctx context.Context, orderID, accountID string) (*core.Order, bool, error)
	GetOrderAuthzs(ctx context.Context, orderID string) ([]core.Authorization, error)
	ListAccountOrderIDs(ctx context.Context, accountID string) ([]string, error)
	SetOrderProcessing(ctx context.Context, orderID string) (bool, error)
	FailOrder(ctx context.Context, orderID string, oerr core.OrderError) error
	InvalidateExpiredOrder(ctx context.Context, orderID string) error
	ListValidOrderAuthzs(ctx context.Context, orderID string) ([]core.Authorization, error)

	GetAuthzView(ctx context.Context, authzID, accountID string) (*db.AuthzView, bool, error)
	DeactivateAuthz(ctx context.Context, authzID string) (core.Status, bool, error)
	BeginChallenge(ctx context.Context, chalID, accountID string) (*db.ChallengeBundle, bool, bool, error)
	CompleteChallenge(ctx context.Context, chalID, authzID, orderID string) (core.Status, *time.Time, error)
	FailChallenge(ctx context.Context, chalID, authzID, orderID string, oerr core.OrderError) (core.Status, error)

	AddCertificate(ctx context.Context, cert *core.Certificate) (core.Status, error)
	GetCertificateByOrder(ctx context.Context, orderID string) (*core.Certificate, bool, error)
	GetCertificateChain(ctx context.Context, serial, accountID string) (string, bool, error)
	GetCertChainPublic(ctx context.Context, serial string) (string, bool, error)
	CertIsRevocable(ctx context.Context, serial, accountID, jwkThumbprint string) (bool, error)
	ListRevocations(ctx context.Context) ([]core.Revocation, error)
}

// NonceService mints and refreshes replay nonces.
type NonceService interface {
	Mint(ctx context.Context) (string, error)
	Refresh(ctx context.Context, old string) (string, bool, error)
}

// Validator probes http-01 challenges.
type Validator interface {
	ValidateHTTP01(ctx context.Context, domain, token, keyAuthz string) *probs.ProblemDetails
}

// CertificateAuthority signs CSRs and maintains the CRL.
type CertificateAuthority interface {
	SignCSR(ctx context.Context, csr *x509.CertificateRequest, subjectDomain string, sanDomains []string) (*ca.IssuedCert, error)
	Revoke(ctx context.Context, serial string, revokedAt time.Time, revocations []core.Revocation) error
}

// AccountNotifier sends the informational mail on account creation.
type AccountNotifier interface {
	SendNewAccountInfo(ctx context.Context, to string)
}

// Clock is the subset of jmhodges/clock the front end uses.
type Clock interface {
	Now() time.Time
}

// WFE is the ACME web front end.
type WFE struct {
	settings *config.Settings
	store    Storage
	nonces   NonceService
	va       Validator
	ca       CertificateAuthority
	mailer   AccountNotifier
	clk      Clock
	log      *zap.Logger
	stats    *stats
}

// New builds the front end. mailer may be nil when mail is disabled.
func New(settings *config.Settings, store Storage, nonces NonceService, va Validator, issuer CertificateAuthority, mailer AccountNotifier, statsRegistry prometheus.Registerer, clk Clock, log *zap.Logger) *WFE {
	return &WFE{
		settings: settings,
		store:    store,
		nonces:   nonces,
		va:       va,
		ca:       issuer,
		mailer:   mailer,
		clk:      clk,
		log:      log.Named("wfe"),
		stats:    newStats(statsRegistry),
	}
}

// Register mounts the /acme route tree plus the top level /directory
// alias on the given router.
func (h *WFE) Register(r chi.Router) {
	r.Get("/directory", h.Directory)
	r.Route("/acme", func(r chi.Router) {
		r.Get("/directory", h.Directory)
		r.Head("/new-nonce", h.NewNonce)
		r.Get("/new-nonce", h.NewNonce)
		r.Post("/new-account", h.NewAccount)
		r.Post("/new-order", h.NewOrder)
		r.Post("/new-authz", h.NewAuthz)
		r.Post("/key-change", h.KeyChange)
		r.Post("/accounts/{id}", h.Account)
		r.Post("/accounts/{id}/orders", h.AccountOrders)
		r.Post("/orders/{id}", h.Order)
		r.Post("/orders/{id}/finalize", h.FinalizeOrder)
		r.Post("/authorizations/{id}", h.Authorization)
		r.Post("/challenges/{id}", h.Challenge)
		r.Post("/certificates/{serial}", h.Certificate)
		r.Post("/revoke-cert", h.RevokeCert)
	})
}

// directoryResponse is the RFC 8555 §7.1.1 document.
type directoryResponse struct {
	NewNonce   string         `json:"newNonce"`
	NewAccount string         `json:"newAccount"`
	NewOrder   string         `json:"newOrder"`
	RevokeCert string         `json:"revokeCert"`
	KeyChange  string         `json:"keyChange"`
	Meta       *directoryMeta `json:"meta,omitempty"`
}

type directoryMeta struct {
	TermsOfService string `json:"termsOfService,omitempty"`
	Website        string `json:"website,omitempty"`
}

// Directory serves the endpoint index. The meta object always names
// the server website; the terms of service only when configured.
func (h *WFE) Directory(w http.ResponseWriter, r *http.Request) {
	base := h.settings.ExternalURL + "acme/"
	dir := directoryResponse{
		NewNonce:   base + "new-nonce",
		NewAccount: base + "new-account",
		NewOrder:   base + "new-order",
		RevokeCert: base + "revoke-cert",
		KeyChange:  base + "key-change",
		Meta: &directoryMeta{
			TermsOfService: h.settings.ACME.TermsOfServiceURL,
			Website:        h.settings.ExternalURL,
		},
	}
	h.respondJSON(w, r, http.StatusOK, dir, "")
}

// NewNonce serves HEAD (200) and GET (204) nonce requests.
func (h *WFE) NewNonce(w http.ResponseWriter, r *http.Request) {
	nonce, err := h.nonces.Mint(r.Context())
	if err != nil {
		h.sendError(w, r, probs.ServerInternalProblem("could not generate nonce"))
		return
	}
	h.commonHeaders(w, nonce)
	w.Header().Set("Cache-Control", "no-store")
	if r.Method == http.MethodGet {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// commonHeaders sets the headers every ACME response carries. Link is
// appended, not set: the challenge handler adds a rel="up" link first.
func (h *WFE) commonHeaders(w http.ResponseWriter, nonce string) {
	if nonce != "" {
		w.Header().Set("Replay-Nonce", nonce)
	}
	w.Header().Add("Link", `<`+h.settings.DirectoryURL()+`>;rel="index"`)
}

// respondJSON writes an application/json response with the common ACME
// headers. nonce may be empty for unauthenticated endpoints.
func (h *WFE) respondJSON(w http.ResponseWriter, r *http.Request, status int, body any, nonce string) {
	if nonce == "" && r.Method == http.MethodPost {
		// Should not happen; POST handlers thread the refreshed nonce.
		nonce, _ = h.nonces.Mint(r.Context())
	}
	h.commonHeaders(w, nonce)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
	h.stats.observe(r, status)
}

// sendError writes an application/problem+json response. A replacement
// nonce is minted lazily when the failure happened before the request
// nonce was consumed.
func (h *WFE) sendError(w http.ResponseWriter, r *http.Request, prob *probs.ProblemDetails) {
	nonce := prob.NewNonce
	if nonce == "" {
		nonce, _ = h.nonces.Mint(r.Context())
	}
	h.commonHeaders(w, nonce)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(prob.HTTPStatus)
	_ = json.NewEncoder(w).Encode(prob)
	h.stats.observeProblem(r, prob)
}

// internalError coerces an unexpected error into a serverInternal
// problem, preserving an already refreshed nonce.
func (h *WFE) internalError(err error, nonce string, log *zap.Logger) *probs.ProblemDetails {
	log.Error("unexpected error handling ACME request", zap.Error(err))
	return probs.ServerInternalProblem("internal error").WithNonce(nonce)
}
