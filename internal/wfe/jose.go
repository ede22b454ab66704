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
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-jose/go-jose/v4"

	"github.com/acmeca/acmeca/internal/core"
	"github.com/acmeca/acmeca/internal/probs"
)

// supportedAlgs is the closed set of JWS algorithms accepted on /acme
// requests. "none" and MAC algorithms are rejected by omission.
var supportedAlgs = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
}

// maxRequestSize bounds the JWS envelope size.
const maxRequestSize = 1 << 17

// jwsContentType is the only content type accepted on signed requests.
const jwsContentType = "application/jose+json"

// requestData is the authenticated result of verifying a signed ACME
// request.
type requestData struct {
	// payload is the decoded JWS payload; empty for POST-as-GET.
	payload []byte
	// key is the verified signing key: the account key in kid mode, the
	// embedded key in jwk mode.
	key *jose.JSONWebKey
	// account is the resolved account; nil in jwk mode.
	account *core.Account
	// newNonce is the replacement for the consumed request nonce; every
	// response to this request must carry it.
	newNonce string
}

// verifyOpts selects the per-endpoint JWS policy.
type verifyOpts struct {
	// allowJWK permits an embedded jwk header instead of a kid. Only
	// newAccount and revokeCert set this.
	allowJWK bool
	// allowBlockedAccount skips the account status check, so a
	// deactivated account can still revoke with its key.
	allowBlockedAccount bool
}

// verifyPOST parses and verifies the JWS envelope of a signed request,
// consumes its nonce and resolves the signing account. On failure the
// returned problem carries the replacement nonce when one was already
// minted.
func (h *WFE) verifyPOST(r *http.Request, opts verifyOpts) (*requestData, *probs.ProblemDetails) {
	ctx := r.Context()

	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, jwsContentType) {
		return nil, probs.New(probs.Malformed, http.StatusUnsupportedMediaType,
			"content type must be "+jwsContentType)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		return nil, probs.MalformedProblem("could not read request body")
	}

	jws, err := jose.ParseSigned(string(body), supportedAlgs)
	if err != nil {
		if strings.Contains(err.Error(), "unexpected signature algorithm") {
			return nil, probs.BadSignatureAlgorithmProblem("JWS signature algorithm is not supported")
		}
		return nil, probs.MalformedProblem("could not parse JWS")
	}
	if len(jws.Signatures) != 1 {
		return nil, probs.MalformedProblem("JWS must carry exactly one signature")
	}
	header := jws.Signatures[0].Header

	embedded := header.JSONWebKey
	kid := header.KeyID
	if (embedded != nil) == (kid != "") {
		return nil, probs.MalformedProblem("JWS header must have either jwk or kid")
	}

	var key *jose.JSONWebKey
	var account *core.Account
	switch {
	case embedded != nil:
		if !opts.allowJWK {
			return nil, probs.MalformedProblem("request must identify the account with a kid header")
		}
		if prob := checkAccountKey(embedded); prob != nil {
			return nil, prob
		}
		key = embedded

	default:
		prefix := h.settings.AccountURL("")
		if !strings.HasPrefix(kid, prefix) {
			return nil, probs.MalformedProblem("kid is not an account URL of this server")
		}
		accountID := strings.TrimPrefix(kid, prefix)
		acct, found, err := h.store.GetAccount(ctx, accountID)
		if err != nil {
			return nil, probs.ServerInternalProblem("could not load account")
		}
		if !found {
			return nil, probs.AccountDoesNotExistProblem("account does not exist")
		}
		if acct.Status != core.StatusValid && !opts.allowBlockedAccount {
			return nil, probs.UnauthorizedProblem("account is " + string(acct.Status))
		}
		var acctKey jose.JSONWebKey
		if err := json.Unmarshal([]byte(acct.JWK), &acctKey); err != nil {
			return nil, probs.ServerInternalProblem("stored account key is unreadable")
		}
		key = &acctKey
		account = acct
	}

	// The url header must match the requested URL; the scheme is
	// ignored so TLS-terminating proxies in front of the server work.
	headerURL, _ := header.ExtraHeaders[jose.HeaderKey("url")].(string)
	requestURL := h.settings.ExternalURL + strings.TrimPrefix(r.URL.Path, "/")
	if headerURL == "" || schemeless(headerURL) != schemeless(requestURL) {
		return nil, probs.UnauthorizedProblem("JWS url header does not match the request URL")
	}

	payload, err := jws.Verify(key)
	if err != nil {
		return nil, probs.UnauthorizedProblem("JWS verification failed")
	}

	if header.Nonce == "" {
		return nil, probs.BadNonceProblem("JWS has no anti-replay nonce")
	}
	newNonce, consumed, err := h.nonces.Refresh(ctx, header.Nonce)
	if err != nil {
		return nil, probs.ServerInternalProblem("could not refresh nonce")
	}
	if !consumed {
		return nil, probs.BadNonceProblem("JWS has an invalid anti-replay nonce").WithNonce(newNonce)
	}

	return &requestData{
		payload:  payload,
		key:      key,
		account:  account,
		newNonce: newNonce,
	}, nil
}

// checkAccountKey enforces the accepted account key types: RSA with at
// least 2048 bits, or ECDSA on the NIST curves matching the allowed
// signature algorithms.
func checkAccountKey(key *jose.JSONWebKey) *probs.ProblemDetails {
	switch k := key.Key.(type) {
	case *rsa.PublicKey:
		if k.N.BitLen() < 2048 {
			return probs.BadPublicKeyProblem("RSA account keys must have at least 2048 bits")
		}
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256(), elliptic.P384(), elliptic.P521():
		default:
			return probs.BadPublicKeyProblem("ECDSA account keys must use curve P-256, P-384 or P-521")
		}
	default:
		return probs.BadPublicKeyProblem("account keys must be RSA or ECDSA")
	}
	return nil
}

// schemeless strips the URL scheme for comparison.
func schemeless(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		return u[i+3:]
	}
	return u
}

// thumbprintHash is the digest RFC 7638 prescribes for thumbprints.
const thumbprintHash = crypto.SHA256

// thumbprintOf computes the base64url RFC 7638 SHA-256 thumbprint.
func thumbprintOf(key *jose.JSONWebKey) (string, error) {
	tp, err := key.Thumbprint(thumbprintHash)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}
