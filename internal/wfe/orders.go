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

package wfe

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/acmeca/acmeca/internal/ca"
	"github.com/acmeca/acmeca/internal/core"
	"github.com/acmeca/acmeca/internal/probs"
)

// problemObject is the embedded error of failed orders and challenges.
type problemObject struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

func orderErrorObject(oerr *core.OrderError) *problemObject {
	if oerr == nil {
		return nil
	}
	return &problemObject{Type: probs.ErrorNS + oerr.Type, Detail: oerr.Detail}
}

// orderResponse is the RFC 8555 §7.1.3 order object.
type orderResponse struct {
	Status         core.Status       `json:"status"`
	Expires        time.Time         `json:"expires"`
	Identifiers    []core.Identifier `json:"identifiers"`
	Authorizations []string          `json:"authorizations"`
	Finalize       string            `json:"finalize"`
	Certificate    string            `json:"certificate,omitempty"`
	NotBefore      *time.Time        `json:"notBefore,omitempty"`
	NotAfter       *time.Time        `json:"notAfter,omitempty"`
	Error          *problemObject    `json:"error,omitempty"`
}

func (h *WFE) orderResponse(ctx context.Context, order *core.Order) (*orderResponse, error) {
	authzs, err := h.store.GetOrderAuthzs(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	resp := &orderResponse{
		Status:   order.Status,
		Expires:  order.ExpiresAt,
		Finalize: h.settings.OrderURL(order.ID) + "/finalize",
		Error:    orderErrorObject(order.Error),
	}
	for _, authz := range authzs {
		resp.Identifiers = append(resp.Identifiers, core.Identifier{Type: core.IdentifierDNS, Value: authz.Domain})
		resp.Authorizations = append(resp.Authorizations, h.settings.AuthzURL(authz.ID))
	}
	if order.Status == core.StatusValid {
		cert, found, err := h.store.GetCertificateByOrder(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if found {
			resp.Certificate = h.settings.CertificateURL(cert.SerialNumber)
			notBefore, notAfter := cert.NotValidBefore, cert.NotValidAfter
			resp.NotBefore = &notBefore
			resp.NotAfter = &notAfter
		}
	}
	return resp, nil
}

type newOrderPayload struct {
	Identifiers []core.Identifier `json:"identifiers"`
	NotBefore   string            `json:"notBefore"`
	NotAfter    string            `json:"notAfter"`
}

// NewOrder creates an order with one authorization and one http-01
// challenge per requested domain.
func (h *WFE) NewOrder(w http.ResponseWriter, r *http.Request) {
	req, prob := h.verifyPOST(r, verifyOpts{})
	if prob != nil {
		h.sendError(w, r, prob)
		return
	}
	ctx := r.Context()

	var payload newOrderPayload
	if err := json.Unmarshal(req.payload, &payload); err != nil {
		h.sendError(w, r, probs.MalformedProblem("could not parse newOrder payload").WithNonce(req.newNonce))
		return
	}
	if payload.NotBefore != "" || payload.NotAfter != "" {
		h.sendError(w, r, probs.MalformedProblem("notBefore and notAfter are not supported").WithNonce(req.newNonce))
		return
	}
	if len(payload.Identifiers) == 0 {
		h.sendError(w, r, probs.MalformedProblem("order must request at least one identifier").WithNonce(req.newNonce))
		return
	}

	// Deduplicate while keeping the client's order; the CSR check and
	// the subject fallback depend on it.
	var domains []string
	seen := map[string]bool{}
	for _, ident := range payload.Identifiers {
		if ident.Type != core.IdentifierDNS {
			h.sendError(w, r, probs.New(probs.UnsupportedIdentifier, http.StatusBadRequest,
				"only dns identifiers are supported").WithNonce(req.newNonce))
			return
		}
		re := h.settings.ACME.TargetDomainRegex
		if m := re.FindString(ident.Value); m != ident.Value || ident.Value == "" {
			h.sendError(w, r, probs.New(probs.RejectedIdentifier, http.StatusBadRequest,
				"domain "+ident.Value+" is not allowed on this server").WithNonce(req.newNonce))
			return
		}
		if !seen[ident.Value] {
			seen[ident.Value] = true
			domains = append(domains, ident.Value)
		}
	}

	orderID, err := core.NewID()
	if err != nil {
		h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
		return
	}
	order := &core.Order{
		ID:        orderID,
		AccountID: req.account.ID,
		Status:    core.StatusPending,
		ExpiresAt: h.clk.Now().Add(orderLifetime),
	}
	authzs := make([]core.Authorization, 0, len(domains))
	chals := make([]core.Challenge, 0, len(domains))
	for _, domain := range domains {
		authzID, err := core.NewID()
		if err != nil {
			h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
			return
		}
		chalID, err := core.NewID()
		if err != nil {
			h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
			return
		}
		token, err := core.NewToken(32)
		if err != nil {
			h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
			return
		}
		authzs = append(authzs, core.Authorization{
			ID: authzID, OrderID: orderID, Domain: domain, Status: core.StatusPending,
		})
		chals = append(chals, core.Challenge{
			ID: chalID, AuthzID: authzID, Token: token, Status: core.StatusPending,
		})
	}
	if err := h.store.AddOrder(ctx, order, authzs, chals); err != nil {
		h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
		return
	}
	h.log.Info("created new order",
		zap.String("account", req.account.ID),
		zap.String("order", orderID),
		zap.Strings("domains", domains))

	resp, err := h.orderResponse(ctx, order)
	if err != nil {
		h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
		return
	}
	w.Header().Set("Location", h.settings.OrderURL(orderID))
	h.respondJSON(w, r, http.StatusCreated, resp, req.newNonce)
}

// Order serves a POST-as-GET order view.
func (h *WFE) Order(w http.ResponseWriter, r *http.Request) {
	req, prob := h.verifyPOST(r, verifyOpts{})
	if prob != nil {
		h.sendError(w, r, prob)
		return
	}
	ctx := r.Context()

	order, found, err := h.store.GetOrder(ctx, chi.URLParam(r, "id"), req.account.ID)
	if err != nil {
		h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
		return
	}
	if !found {
		h.sendError(w, r, probs.NotFoundProblem("order not found").WithNonce(req.newNonce))
		return
	}

	resp, err := h.orderResponse(ctx, order)
	if err != nil {
		h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
		return
	}
	w.Header().Set("Location", h.settings.OrderURL(order.ID))
	h.respondJSON(w, r, http.StatusOK, resp, req.newNonce)
}

type finalizePayload struct {
	CSR string `json:"csr"`
}

// FinalizeOrder validates the CSR of a ready order and issues the
// certificate synchronously.
func (h *WFE) FinalizeOrder(w http.ResponseWriter, r *http.Request) {
	req, prob := h.verifyPOST(r, verifyOpts{})
	if prob != nil {
		h.sendError(w, r, prob)
		return
	}
	ctx := r.Context()
	orderID := chi.URLParam(r, "id")

	order, found, err := h.store.GetOrder(ctx, orderID, req.account.ID)
	if err != nil {
		h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
		return
	}
	if !found {
		h.sendError(w, r, probs.NotFoundProblem("order not found").WithNonce(req.newNonce))
		return
	}
	if order.Status != core.StatusReady {
		h.sendError(w, r, probs.OrderNotReadyProblem("order is "+string(order.Status)+", not ready").WithNonce(req.newNonce))
		return
	}
	if order.ExpiresAt.Before(h.clk.Now()) {
		if err := h.store.InvalidateExpiredOrder(ctx, orderID); err != nil {
			h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
			return
		}
		h.sendError(w, r, probs.OrderNotReadyProblem("order has expired").WithNonce(req.newNonce))
		return
	}
	// The conditional update loses the race against a concurrent
	// finalize; only one request may drive issuance.
	advanced, err := h.store.SetOrderProcessing(ctx, orderID)
	if err != nil {
		h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
		return
	}
	if !advanced {
		h.sendError(w, r, probs.OrderNotReadyProblem("order is already being finalized").WithNonce(req.newNonce))
		return
	}

	var payload finalizePayload
	if err := json.Unmarshal(req.payload, &payload); err != nil || payload.CSR == "" {
		h.failOrderWithProblem(ctx, orderID,
			probs.BadCSRProblem("could not parse finalize payload").WithNonce(req.newNonce), w, r)
		return
	}
	der, err := base64.RawURLEncoding.DecodeString(payload.CSR)
	if err != nil {
		h.failOrderWithProblem(ctx, orderID,
			probs.BadCSRProblem("csr is not valid base64url").WithNonce(req.newNonce), w, r)
		return
	}

	validAuthzs, err := h.store.ListValidOrderAuthzs(ctx, orderID)
	if err != nil {
		h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
		return
	}
	domains := make([]string, 0, len(validAuthzs))
	for _, authz := range validAuthzs {
		domains = append(domains, authz.Domain)
	}

	checked, prob := ca.CheckCSR(der, domains)
	if prob != nil {
		h.failOrderWithProblem(ctx, orderID, prob.WithNonce(req.newNonce), w, r)
		return
	}

	issued, err := h.ca.SignCSR(ctx, checked.CSR, checked.SubjectDomain, checked.SANDomains)
	if err != nil {
		h.log.Error("issuance failed", zap.String("order", orderID), zap.Error(err))
		h.failOrderWithProblem(ctx, orderID,
			probs.ServerInternalProblem("certificate issuance failed").WithNonce(req.newNonce), w, r)
		return
	}
	status, err := h.store.AddCertificate(ctx, &core.Certificate{
		SerialNumber:   core.SerialToHex(issued.Cert.SerialNumber),
		OrderID:        orderID,
		CSRPEM:         checked.PEM,
		ChainPEM:       issued.ChainPEM,
		NotValidBefore: issued.Cert.NotBefore,
		NotValidAfter:  issued.Cert.NotAfter,
	})
	if err != nil {
		h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
		return
	}
	h.log.Info("issued certificate",
		zap.String("order", orderID),
		zap.String("serial", core.SerialToHex(issued.Cert.SerialNumber)),
		zap.Strings("domains", domains))

	order.Status = status
	resp, err := h.orderResponse(ctx, order)
	if err != nil {
		h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
		return
	}
	w.Header().Set("Location", h.settings.OrderURL(orderID))
	h.respondJSON(w, r, http.StatusOK, resp, req.newNonce)
}

// failOrderWithProblem marks the order invalid with the problem's kind
// and detail, then sends the problem.
func (h *WFE) failOrderWithProblem(ctx context.Context, orderID string, prob *probs.ProblemDetails, w http.ResponseWriter, r *http.Request) {
	if err := h.store.FailOrder(ctx, orderID, core.OrderError{
		Type:   string(prob.Kind()),
		Detail: prob.Detail,
	}); err != nil {
		h.log.Error("could not mark order invalid", zap.String("order", orderID), zap.Error(err))
	}
	h.sendError(w, r, prob)
}
