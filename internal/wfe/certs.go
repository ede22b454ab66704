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
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/acmeca/acmeca/internal/core"
	"github.com/acmeca/acmeca/internal/probs"
)

// pemChainType is the only media type certificates are served as.
const pemChainType = "application/pem-certificate-chain"

// Certificate serves a POST-as-GET certificate chain download.
func (h *WFE) Certificate(w http.ResponseWriter, r *http.Request) {
	req, prob := h.verifyPOST(r, verifyOpts{})
	if prob != nil {
		h.sendError(w, r, prob)
		return
	}

	if accept := r.Header.Get("Accept"); accept != "" &&
		!strings.Contains(accept, pemChainType) && !strings.Contains(accept, "*/*") {
		h.sendError(w, r, probs.New(probs.Malformed, http.StatusNotAcceptable,
			"certificates are only available as "+pemChainType).WithNonce(req.newNonce))
		return
	}

	chain, found, err := h.store.GetCertificateChain(r.Context(), chi.URLParam(r, "serial"), req.account.ID)
	if err != nil {
		h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
		return
	}
	if !found {
		h.sendError(w, r, probs.NotFoundProblem("certificate not found").WithNonce(req.newNonce))
		return
	}

	h.commonHeaders(w, req.newNonce)
	w.Header().Set("Content-Type", pemChainType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(chain))
	h.stats.observe(r, http.StatusOK)
}

type revokePayload struct {
	Certificate string `json:"certificate"`
	Reason      int    `json:"reason"`
}

// RevokeCert revokes a certificate. The request may be signed with the
// account key (kid, also for deactivated accounts) or with the
// certificate key itself (jwk).
func (h *WFE) RevokeCert(w http.ResponseWriter, r *http.Request) {
	req, prob := h.verifyPOST(r, verifyOpts{allowJWK: true, allowBlockedAccount: true})
	if prob != nil {
		h.sendError(w, r, prob)
		return
	}
	ctx := r.Context()

	var payload revokePayload
	if err := json.Unmarshal(req.payload, &payload); err != nil || payload.Certificate == "" {
		h.sendError(w, r, probs.MalformedProblem("could not parse revocation payload").WithNonce(req.newNonce))
		return
	}
	der, err := base64.RawURLEncoding.DecodeString(payload.Certificate)
	if err != nil {
		h.sendError(w, r, probs.MalformedProblem("certificate is not valid base64url").WithNonce(req.newNonce))
		return
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		h.sendError(w, r, probs.MalformedProblem("could not parse certificate").WithNonce(req.newNonce))
		return
	}
	serial := core.SerialToHex(cert.SerialNumber)

	allowed, prob := h.revocationAllowed(r, req, serial)
	if prob != nil {
		h.sendError(w, r, prob.WithNonce(req.newNonce))
		return
	}
	if !allowed {
		h.sendError(w, r, probs.AlreadyRevokedProblem(
			"certificate is unknown, already revoked or not owned by this key").WithNonce(req.newNonce))
		return
	}

	revokedAt := h.clk.Now()
	revocations, err := h.store.ListRevocations(ctx)
	if err != nil {
		h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
		return
	}
	revocations = append(revocations, core.Revocation{SerialNumber: serial, RevokedAt: revokedAt})
	if err := h.ca.Revoke(ctx, serial, revokedAt, revocations); err != nil {
		h.sendError(w, r, h.internalError(err, req.newNonce, h.log))
		return
	}
	h.log.Info("revoked certificate", zap.String("serial", serial))

	h.respondJSON(w, r, http.StatusOK, struct{}{}, req.newNonce)
}

// revocationAllowed decides whether the verified JWS key may revoke the
// certificate with the given serial.
func (h *WFE) revocationAllowed(r *http.Request, req *requestData, serial string) (bool, *probs.ProblemDetails) {
	ctx := r.Context()

	if req.account != nil {
		ok, err := h.store.CertIsRevocable(ctx, serial, req.account.ID, req.account.JWKThumbprint)
		if err != nil {
			return false, h.internalError(err, "", h.log)
		}
		return ok, nil
	}

	// jwk mode: the embedded key may be the account key of the issuing
	// account, even a deactivated one.
	thumbprint, err := thumbprintOf(req.key)
	if err != nil {
		return false, h.internalError(err, "", h.log)
	}
	ok, err := h.store.CertIsRevocable(ctx, serial, "", thumbprint)
	if err != nil {
		return false, h.internalError(err, "", h.log)
	}
	if ok {
		return true, nil
	}

	// Or the certificate key itself: the stored chain's leaf must carry
	// the same public key, and the certificate must not be revoked yet.
	chain, found, err := h.store.GetCertChainPublic(ctx, serial)
	if err != nil {
		return false, h.internalError(err, "", h.log)
	}
	if !found {
		return false, nil
	}
	block, _ := pem.Decode([]byte(chain))
	if block == nil {
		return false, nil
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false, nil
	}
	leafSPKI, err := x509.MarshalPKIXPublicKey(leaf.PublicKey)
	if err != nil {
		return false, nil
	}
	jwsSPKI, err := x509.MarshalPKIXPublicKey(req.key.Key)
	if err != nil {
		return false, nil
	}
	if !bytes.Equal(leafSPKI, jwsSPKI) {
		return false, nil
	}
	revocations, err := h.store.ListRevocations(ctx)
	if err != nil {
		return false, h.internalError(err, "", h.log)
	}
	for _, rev := range revocations {
		if rev.SerialNumber == serial {
			return false, nil
		}
	}
	return true, nil
}
