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
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/acmeca/acmeca/internal/core"
	"github.com/acmeca/acmeca/internal/probs"
)

// accountResponse is the RFC 8555 §7.1.2 account object.
type accountResponse struct {
	Status  core.Status `json:"status"`
	Contact []string    `json:"contact,omitempty"`
	Orders  string      `json:"orders"`
}

func (h *WFE) accountResponse(acct *core.Account) accountResponse {
	resp := accountResponse{
		Status: acct.Status,
		Orders: h.settings.AccountURL(acct.ID) + "/orders",
	}
	if acct.Mail != "" {
		resp.Contact = []string{"mailto:" + acct.Mail}
	}
	return resp
}

type newAccountPayload struct {
	Contact              []string `json:"contact"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
	OnlyReturnExisting   bool     `json:"onlyReturnExisting"`
}

// NewAccount handles newAccount requests: it returns the existing
// account bound to the JWS key, or registers a fresh one.
func (h *WFE) NewAccount(w http.ResponseWriter, r *http.Request) {
	req, prob := h.verifyPOST(r, verifyOpts{allowJWK: true})
	if prob != nil {
		h.sendError(w, r, prob)
		return
	}
	ctx := r.Context()

	thumbprint, err := thumbprintOf(req.key)
	if err != nil {
		h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
		return
	}

	var payload newAccountPayload
	if len(req.payload) > 0 {
		if err := json.Unmarshal(req.payload, &payload); err != nil {
			h.sendError(w, r, probs.MalformedProblem("could not parse newAccount payload").WithNonce(req.newNonce))
			return
		}
	}

	existing, found, err := h.store.GetAccountByKey(ctx, thumbprint)
	if err != nil {
		h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
		return
	}
	if found {
		w.Header().Set("Location", h.settings.AccountURL(existing.ID))
		h.respondJSON(w, r, http.StatusOK, h.accountResponse(existing), req.newNonce)
		return
	}
	if payload.OnlyReturnExisting {
		h.sendError(w, r, probs.AccountDoesNotExistProblem("no account found for this key").WithNonce(req.newNonce))
		return
	}

	if h.settings.ACME.TermsOfServiceURL != "" && !payload.TermsOfServiceAgreed {
		h.sendError(w, r, probs.MalformedProblem("terms of service were not accepted").WithNonce(req.newNonce))
		return
	}
	mail, prob := h.contactMail(payload.Contact)
	if prob != nil {
		h.sendError(w, r, prob.WithNonce(req.newNonce))
		return
	}

	id, err := core.NewID()
	if err != nil {
		h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
		return
	}
	jwkJSON, err := json.Marshal(req.key)
	if err != nil {
		h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
		return
	}
	acct := &core.Account{
		ID:            id,
		JWK:           string(jwkJSON),
		JWKThumbprint: thumbprint,
		Mail:          mail,
		Status:        core.StatusValid,
	}
	if err := h.store.AddAccount(ctx, acct); err != nil {
		h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
		return
	}
	h.log.Info("registered new account", zap.String("account", id))
	if h.mailer != nil && h.settings.Mail.NotifyOnAccountCreation {
		h.mailer.SendNewAccountInfo(context.WithoutCancel(ctx), mail)
	}

	w.Header().Set("Location", h.settings.AccountURL(id))
	h.respondJSON(w, r, http.StatusCreated, h.accountResponse(acct), req.newNonce)
}

// contactMail extracts and validates the single supported mailto
// contact. An empty contact list is allowed unless mail is required.
func (h *WFE) contactMail(contact []string) (string, *probs.ProblemDetails) {
	if len(contact) == 0 {
		if h.settings.ACME.MailRequired {
			return "", probs.New(probs.InvalidContact, http.StatusBadRequest, "a contact mail address is required")
		}
		return "", nil
	}
	if len(contact) > 1 {
		return "", probs.New(probs.UnsupportedContact, http.StatusBadRequest, "only a single contact address is supported")
	}
	raw := contact[0]
	if !strings.HasPrefix(raw, "mailto:") {
		return "", probs.New(probs.UnsupportedContact, http.StatusBadRequest, "only mailto contacts are supported")
	}
	mail := strings.TrimPrefix(raw, "mailto:")
	re := h.settings.ACME.MailTargetRegex
	if m := re.FindString(mail); m != mail || mail == "" {
		return "", probs.New(probs.InvalidContact, http.StatusBadRequest, "contact mail address is not acceptable")
	}
	return mail, nil
}

type accountUpdatePayload struct {
	Status  string   `json:"status"`
	Contact []string `json:"contact"`
}

// Account serves account view, contact update and deactivation.
func (h *WFE) Account(w http.ResponseWriter, r *http.Request) {
	req, prob := h.verifyPOST(r, verifyOpts{})
	if prob != nil {
		h.sendError(w, r, prob)
		return
	}
	ctx := r.Context()

	if req.account.ID != chi.URLParam(r, "id") {
		h.sendError(w, r, probs.UnauthorizedProblem("account can only access itself").WithNonce(req.newNonce))
		return
	}

	if len(req.payload) == 0 {
		h.respondAccount(w, r, req.account, req.newNonce)
		return
	}

	var payload accountUpdatePayload
	if err := json.Unmarshal(req.payload, &payload); err != nil {
		h.sendError(w, r, probs.MalformedProblem("could not parse account update payload").WithNonce(req.newNonce))
		return
	}

	switch {
	case payload.Status == string(core.StatusDeactivated):
		if err := h.store.DeactivateAccount(ctx, req.account.ID); err != nil {
			h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
			return
		}
		h.log.Info("deactivated account", zap.String("account", req.account.ID))
		req.account.Status = core.StatusDeactivated
		h.respondAccount(w, r, req.account, req.newNonce)

	case payload.Contact != nil:
		mail, prob := h.contactMail(payload.Contact)
		if prob != nil {
			h.sendError(w, r, prob.WithNonce(req.newNonce))
			return
		}
		updated, err := h.store.UpdateAccountContact(ctx, req.account.ID, mail)
		if err != nil {
			h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
			return
		}
		if !updated {
			h.sendError(w, r, probs.UnauthorizedProblem("account cannot be updated").WithNonce(req.newNonce))
			return
		}
		req.account.Mail = mail
		if h.mailer != nil && h.settings.Mail.NotifyOnAccountCreation && mail != "" {
			h.mailer.SendNewAccountInfo(context.WithoutCancel(ctx), mail)
		}
		h.respondAccount(w, r, req.account, req.newNonce)

	default:
		h.sendError(w, r, probs.MalformedProblem("unsupported account update").WithNonce(req.newNonce))
	}
}

func (h *WFE) respondAccount(w http.ResponseWriter, r *http.Request, acct *core.Account, nonce string) {
	w.Header().Set("Location", h.settings.AccountURL(acct.ID))
	h.respondJSON(w, r, http.StatusOK, h.accountResponse(acct), nonce)
}

// AccountOrders lists the account's non-invalid order URLs.
func (h *WFE) AccountOrders(w http.ResponseWriter, r *http.Request) {
	req, prob := h.verifyPOST(r, verifyOpts{})
	if prob != nil {
		h.sendError(w, r, prob)
		return
	}
	if req.account.ID != chi.URLParam(r, "id") {
		h.sendError(w, r, probs.UnauthorizedProblem("account can only access itself").WithNonce(req.newNonce))
		return
	}
	ids, err := h.store.ListAccountOrderIDs(r.Context(), req.account.ID)
	if err != nil {
		h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
		return
	}
	urls := make([]string, 0, len(ids))
	for _, id := range ids {
		urls = append(urls, h.settings.OrderURL(id))
	}
	h.respondJSON(w, r, http.StatusOK, map[string][]string{"orders": urls}, req.newNonce)
}

// NewAuthz rejects pre-authorization, which this server does not offer.
func (h *WFE) NewAuthz(w http.ResponseWriter, r *http.Request) {
	req, prob := h.verifyPOST(r, verifyOpts{})
	if prob != nil {
		h.sendError(w, r, prob)
		return
	}
	h.sendError(w, r, probs.UnauthorizedProblem("pre-authorization is not supported").WithNonce(req.newNonce))
}

// KeyChange is not implemented.
func (h *WFE) KeyChange(w http.ResponseWriter, r *http.Request) {
	req, prob := h.verifyPOST(r, verifyOpts{})
	if prob != nil {
		h.sendError(w, r, prob)
		return
	}
	h.sendError(w, r, probs.ServerInternalProblem("account key change is not implemented").WithNonce(req.newNonce))
}
