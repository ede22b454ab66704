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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acmeca/acmeca/internal/core"
	"github.com/acmeca/acmeca/internal/probs"
)

// firstAuthzPath returns the server-relative path of the order's first
// authorization.
func firstAuthzPath(t *testing.T, body map[string]any) string {
	t.Helper()
	authzs := body["authorizations"].([]any)
	require.NotEmpty(t, authzs)
	return strings.TrimPrefix(authzs[0].(string), strings.TrimSuffix(testExternalURL, "/"))
}

// firstChallengePath fetches the authorization and returns the path of
// its http-01 challenge.
func (w *testWFE) firstChallengePath(t *testing.T, client *testClient, authzPath string) string {
	t.Helper()
	rec := w.post(t, client, authzPath, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	authz := decodeJSON(t, rec)
	chal := authz["challenges"].([]any)[0].(map[string]any)
	return strings.TrimPrefix(chal["url"].(string), strings.TrimSuffix(testExternalURL, "/"))
}

func TestAuthorizationView(t *testing.T) {
	w := newTestWFE(t)
	client := newTestClient(t)
	w.createAccount(t, client, "")
	body, _ := w.createOrder(t, client, "a.example.org")

	rec := w.post(t, client, firstAuthzPath(t, body), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	authz := decodeJSON(t, rec)
	assert.Equal(t, "pending", authz["status"])
	ident := authz["identifier"].(map[string]any)
	assert.Equal(t, "dns", ident["type"])
	assert.Equal(t, "a.example.org", ident["value"])

	chals := authz["challenges"].([]any)
	require.Len(t, chals, 1)
	chal := chals[0].(map[string]any)
	assert.Equal(t, "http-01", chal["type"])
	assert.Equal(t, "pending", chal["status"])
	// 32 random bytes make a 43 character token.
	assert.Len(t, chal["token"].(string), 43)
	assert.NotContains(t, chal, "validated")
}

func TestAuthorizationNotFoundForOtherAccount(t *testing.T) {
	w := newTestWFE(t)
	client := newTestClient(t)
	w.createAccount(t, client, "")
	body, _ := w.createOrder(t, client, "a.example.org")

	other := newTestClient(t)
	w.createAccount(t, other, "")
	rec := w.post(t, other, firstAuthzPath(t, body), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthorizationDeactivation(t *testing.T) {
	w := newTestWFE(t)
	client := newTestClient(t)
	w.createAccount(t, client, "")
	body, orderID := w.createOrder(t, client, "a.example.org")
	authzPath := firstAuthzPath(t, body)

	rec := w.post(t, client, authzPath, `{"status": "deactivated"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	authz := decodeJSON(t, rec)
	assert.Equal(t, "deactivated", authz["status"])

	// Deactivating the authorization kills the order.
	assert.Equal(t, core.StatusInvalid, w.store.orders[orderID].Status)
}

// A finalized order is settled: its authorizations can no longer be
// deactivated, and the certificate stays downloadable.
func TestAuthorizationDeactivationAfterFinalize(t *testing.T) {
	w := newTestWFE(t)
	client := newTestClient(t)
	w.createAccount(t, client, "")
	body, orderID := w.createOrder(t, client, "a.example.org")
	authzPath := firstAuthzPath(t, body)
	w.solveOrder(t, client, body)

	payload := finalizePayloadFor(t, newLeafKey(t), "a.example.org", []string{"a.example.org"})
	rec := w.post(t, client, "/acme/orders/"+orderID+"/finalize", payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = w.post(t, client, authzPath, `{"status": "deactivated"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed", problemKind(t, rec))

	assert.Equal(t, core.StatusValid, w.store.orders[orderID].Status)
}

// Deactivating the same authorization twice fails the second time: the
// first request already invalidated the order.
func TestAuthorizationDeactivationTwice(t *testing.T) {
	w := newTestWFE(t)
	client := newTestClient(t)
	w.createAccount(t, client, "")
	body, _ := w.createOrder(t, client, "a.example.org")
	authzPath := firstAuthzPath(t, body)

	rec := w.post(t, client, authzPath, `{"status": "deactivated"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = w.post(t, client, authzPath, `{"status": "deactivated"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed", problemKind(t, rec))
}

func TestAuthorizationRejectsOtherUpdates(t *testing.T) {
	w := newTestWFE(t)
	client := newTestClient(t)
	w.createAccount(t, client, "")
	body, _ := w.createOrder(t, client, "a.example.org")

	rec := w.post(t, client, firstAuthzPath(t, body), `{"status": "valid"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed", problemKind(t, rec))
}

func TestAuthorizationOnExpiredOrder(t *testing.T) {
	w := newTestWFE(t)
	client := newTestClient(t)
	w.createAccount(t, client, "")
	body, orderID := w.createOrder(t, client, "a.example.org")
	authzPath := firstAuthzPath(t, body)

	w.clk.Add(orderLifetime + time.Hour)

	rec := w.post(t, client, authzPath, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	authz := decodeJSON(t, rec)
	assert.Equal(t, "expired", authz["status"])
	assert.Equal(t, core.StatusInvalid, w.store.orders[orderID].Status)
}

func TestChallengeSuccess(t *testing.T) {
	w := newTestWFE(t)
	client := newTestClient(t)
	w.createAccount(t, client, "")
	body, orderID := w.createOrder(t, client, "a.example.org")
	authzPath := firstAuthzPath(t, body)
	chalPath := w.firstChallengePath(t, client, authzPath)

	rec := w.post(t, client, chalPath, "{}")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	chal := decodeJSON(t, rec)
	assert.Equal(t, "valid", chal["status"])
	assert.NotEmpty(t, chal["validated"])

	// The prober was pointed at the order's domain.
	assert.Equal(t, []string{"a.example.org"}, w.va.probed)

	// The up link names the parent authorization.
	var up string
	for _, link := range rec.Header().Values("Link") {
		if strings.Contains(link, `rel="up"`) {
			up = link
		}
	}
	assert.Contains(t, up, authzPath)

	// Challenge and authorization are valid, the order is ready.
	assert.Equal(t, core.StatusReady, w.store.orders[orderID].Status)
}

func TestChallengeFailure(t *testing.T) {
	w := newTestWFE(t)
	client := newTestClient(t)
	w.createAccount(t, client, "")
	body, orderID := w.createOrder(t, client, "a.example.org")
	chalPath := w.firstChallengePath(t, client, firstAuthzPath(t, body))

	w.va.prob = probs.New(probs.IncorrectResponse, http.StatusForbidden,
		"challenge response did not match expected key authorization")

	rec := w.post(t, client, chalPath, "{}")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	chal := decodeJSON(t, rec)
	assert.Equal(t, "invalid", chal["status"])
	cerr := chal["error"].(map[string]any)
	assert.Equal(t, "urn:ietf:params:acme:error:incorrectResponse", cerr["type"])

	// The failure cascades to the order.
	order := w.store.orders[orderID]
	assert.Equal(t, core.StatusInvalid, order.Status)
	require.NotNil(t, order.Error)
}

func TestChallengeOnlyValidatesOnce(t *testing.T) {
	w := newTestWFE(t)
	client := newTestClient(t)
	w.createAccount(t, client, "")
	body, _ := w.createOrder(t, client, "a.example.org")
	chalPath := w.firstChallengePath(t, client, firstAuthzPath(t, body))

	rec := w.post(t, client, chalPath, "{}")
	require.Equal(t, http.StatusOK, rec.Code)

	// The second POST reports the decided state without re-probing.
	rec = w.post(t, client, chalPath, "{}")
	require.Equal(t, http.StatusOK, rec.Code)
	chal := decodeJSON(t, rec)
	assert.Equal(t, "valid", chal["status"])
	assert.Len(t, w.va.probed, 1)
}

func TestChallengeNotFound(t *testing.T) {
	w := newTestWFE(t)
	client := newTestClient(t)
	w.createAccount(t, client, "")

	rec := w.post(t, client, "/acme/challenges/doesnotexist", "{}")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// Multi-domain orders only become ready once every authorization has
// been validated.
func TestOrderReadyAfterAllChallenges(t *testing.T) {
	w := newTestWFE(t)
	client := newTestClient(t)
	w.createAccount(t, client, "")
	body, orderID := w.createOrder(t, client, "a.example.org", "b.example.org")

	authzs := body["authorizations"].([]any)
	first := strings.TrimPrefix(authzs[0].(string), strings.TrimSuffix(testExternalURL, "/"))
	second := strings.TrimPrefix(authzs[1].(string), strings.TrimSuffix(testExternalURL, "/"))

	rec := w.post(t, client, w.firstChallengePath(t, client, first), "{}")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.StatusPending, w.store.orders[orderID].Status)

	rec = w.post(t, client, w.firstChallengePath(t, client, second), "{}")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.StatusReady, w.store.orders[orderID].Status)
}

func TestChallengeRouteNeedsPOST(t *testing.T) {
	w := newTestWFE(t)
	req := httptest.NewRequest(http.MethodGet, "/acme/challenges/abc", nil)
	rec := httptest.NewRecorder()
	w.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
