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
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/acmeca/acmeca/internal/core"
	"github.com/acmeca/acmeca/internal/probs"
	"github.com/acmeca/acmeca/internal/va"
)

// challengeResponse is the RFC 8555 §8.3 http-01 challenge object.
type challengeResponse struct {
	Type      string         `json:"type"`
	URL       string         `json:"url"`
	Status    core.Status    `json:"status"`
	Token     string         `json:"token"`
	Validated *time.Time     `json:"validated,omitempty"`
	Error     *problemObject `json:"error,omitempty"`
}

func (h *WFE) challengeResponse(chal *core.Challenge) challengeResponse {
	return challengeResponse{
		Type:      core.ChallengeTypeHTTP01,
		URL:       h.settings.ChallengeURL(chal.ID),
		Status:    chal.Status,
		Token:     chal.Token,
		Validated: chal.ValidatedAt,
		Error:     orderErrorObject(chal.Error),
	}
}

// authzResponse is the RFC 8555 §7.1.4 authorization object.
type authzResponse struct {
	Status     core.Status         `json:"status"`
	Expires    time.Time           `json:"expires"`
	Identifier core.Identifier     `json:"identifier"`
	Challenges []challengeResponse `json:"challenges"`
}

// Authorization serves authorization views and deactivation.
func (h *WFE) Authorization(w http.ResponseWriter, r *http.Request) {
	req, prob := h.verifyPOST(r, verifyOpts{})
	if prob != nil {
		h.sendError(w, r, prob)
		return
	}
	ctx := r.Context()
	authzID := chi.URLParam(r, "id")

	view, found, err := h.store.GetAuthzView(ctx, authzID, req.account.ID)
	if err != nil {
		h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
		return
	}
	if !found {
		h.sendError(w, r, probs.NotFoundProblem("authorization not found").WithNonce(req.newNonce))
		return
	}

	// A pending authorization on an expired order is dead; reflect that
	// in storage before responding.
	if view.OrderExpiresAt.Before(h.clk.Now()) && view.AuthzStatus == core.StatusPending {
		if err := h.store.InvalidateExpiredOrder(ctx, view.OrderID); err != nil {
			h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
			return
		}
		view.AuthzStatus = core.StatusExpired
	}

	if len(req.payload) > 0 {
		var payload struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(req.payload, &payload); err != nil || payload.Status != string(core.StatusDeactivated) {
			h.sendError(w, r, probs.MalformedProblem("only deactivation is supported on authorizations").WithNonce(req.newNonce))
			return
		}
		status, ok, err := h.store.DeactivateAuthz(ctx, authzID)
		if err != nil {
			h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
			return
		}
		if !ok {
			h.sendError(w, r, probs.MalformedProblem("authorization cannot be deactivated in its current state").WithNonce(req.newNonce))
			return
		}
		h.log.Info("deactivated authorization", zap.String("authz", authzID))
		view.AuthzStatus = status
	}

	resp := authzResponse{
		Status:     view.AuthzStatus,
		Expires:    view.OrderExpiresAt,
		Identifier: core.Identifier{Type: core.IdentifierDNS, Value: view.Domain},
		Challenges: []challengeResponse{h.challengeResponse(&view.Challenge)},
	}
	h.respondJSON(w, r, http.StatusOK, resp, req.newNonce)
}

// Challenge triggers http-01 validation of a pending challenge, or
// reports the state of an already decided one.
func (h *WFE) Challenge(w http.ResponseWriter, r *http.Request) {
	req, prob := h.verifyPOST(r, verifyOpts{})
	if prob != nil {
		h.sendError(w, r, prob)
		return
	}
	ctx := r.Context()
	chalID := chi.URLParam(r, "id")

	bundle, mustSolve, found, err := h.store.BeginChallenge(ctx, chalID, req.account.ID)
	if err != nil {
		h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
		return
	}
	if !found {
		h.sendError(w, r, probs.NotFoundProblem("challenge not found").WithNonce(req.newNonce))
		return
	}

	if mustSolve {
		keyAuthz, err := va.KeyAuthorization(bundle.Challenge.Token, req.key)
		if err != nil {
			h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
			return
		}
		if vaProb := h.va.ValidateHTTP01(ctx, bundle.Domain, bundle.Challenge.Token, keyAuthz); vaProb != nil {
			oerr := core.OrderError{Type: string(vaProb.Kind()), Detail: vaProb.Detail}
			status, err := h.store.FailChallenge(ctx, chalID, bundle.AuthzID, bundle.OrderID, oerr)
			if err != nil {
				h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
				return
			}
			bundle.Challenge.Status = status
			bundle.Challenge.Error = &oerr
		} else {
			status, validatedAt, err := h.store.CompleteChallenge(ctx, chalID, bundle.AuthzID, bundle.OrderID)
			if err != nil {
				h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
				return
			}
			bundle.Challenge.Status = status
			bundle.Challenge.ValidatedAt = validatedAt
		}
	}

	w.Header().Add("Link", `<`+h.settings.AuthzURL(bundle.AuthzID)+`>;rel="up"`)
	h.respondJSON(w, r, http.StatusOK, h.challengeResponse(&bundle.Challenge), req.newNonce)
}
