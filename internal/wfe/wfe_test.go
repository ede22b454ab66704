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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v4"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/acmeca/acmeca/internal/ca"
	"github.com/acmeca/acmeca/internal/config"
	"github.com/acmeca/acmeca/internal/core"
	"github.com/acmeca/acmeca/internal/db"
	"github.com/acmeca/acmeca/internal/probs"
)

const testExternalURL = "https://acme.example.org/"

// memStore is an in-memory Storage with the same transition semantics
// as the SQL implementation.
type memStore struct {
	clk clock.Clock

	accounts    map[string]*core.Account
	orders      map[string]*core.Order
	orderAuthzs map[string][]string
	authzs      map[string]*core.Authorization
	chals       map[string]*core.Challenge
	chalByAuthz map[string]string
	certs       map[string]*core.Certificate
}

func newMemStore(clk clock.Clock) *memStore {
	return &memStore{
		clk:         clk,
		accounts:    map[string]*core.Account{},
		orders:      map[string]*core.Order{},
		orderAuthzs: map[string][]string{},
		authzs:      map[string]*core.Authorization{},
		chals:       map[string]*core.Challenge{},
		chalByAuthz: map[string]string{},
		certs:       map[string]*core.Certificate{},
	}
}

func (m *memStore) AddAccount(_ context.Context, acct *core.Account) error {
	cp := *acct
	cp.CreatedAt = m.clk.Now()
	m.accounts[acct.ID] = &cp
	return nil
}

func (m *memStore) GetAccount(_ context.Context, id string) (*core.Account, bool, error) {
	acct, ok := m.accounts[id]
	if !ok {
		return nil, false, nil
	}
	cp := *acct
	return &cp, true, nil
}

func (m *memStore) GetAccountByKey(_ context.Context, thumbprint string) (*core.Account, bool, error) {
	for _, acct := range m.accounts {
		if acct.JWKThumbprint == thumbprint {
			cp := *acct
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (m *memStore) UpdateAccountContact(_ context.Context, id, mail string) (bool, error) {
	acct, ok := m.accounts[id]
	if !ok || acct.Status != core.StatusValid {
		return false, nil
	}
	acct.Mail = mail
	return true, nil
}

func (m *memStore) DeactivateAccount(_ context.Context, id string) error {
	if acct, ok := m.accounts[id]; ok {
		acct.Status = core.StatusDeactivated
	}
	for _, order := range m.orders {
		if order.AccountID == id && order.Status != core.StatusInvalid {
			order.Status = core.StatusInvalid
			order.Error = &core.OrderError{Type: "unauthorized", Detail: "account deactivated"}
		}
	}
	return nil
}

func (m *memStore) AddOrder(_ context.Context, order *core.Order, authzs []core.Authorization, chals []core.Challenge) error {
	cp := *order
	cp.CreatedAt = m.clk.Now()
	m.orders[order.ID] = &cp
	for i := range authzs {
		authz := authzs[i]
		chal := chals[i]
		m.authzs[authz.ID] = &authz
		m.chals[chal.ID] = &chal
		m.chalByAuthz[authz.ID] = chal.ID
		m.orderAuthzs[order.ID] = append(m.orderAuthzs[order.ID], authz.ID)
	}
	return nil
}

func (m *memStore) GetOrder(_ context.Context, orderID, accountID string) (*core.Order, bool, error) {
	order, ok := m.orders[orderID]
	if !ok || order.AccountID != accountID {
		return nil, false, nil
	}
	cp := *order
	return &cp, true, nil
}

func (m *memStore) GetOrderAuthzs(_ context.Context, orderID string) ([]core.Authorization, error) {
	var out []core.Authorization
	for _, id := range m.orderAuthzs[orderID] {
		out = append(out, *m.authzs[id])
	}
	return out, nil
}

func (m *memStore) ListAccountOrderIDs(_ context.Context, accountID string) ([]string, error) {
	var ids []string
	for id, order := range m.orders {
		if order.AccountID == accountID && order.Status != core.StatusInvalid {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) SetOrderProcessing(_ context.Context, orderID string) (bool, error) {
	order, ok := m.orders[orderID]
	if !ok || order.Status != core.StatusReady {
		return false, nil
	}
	order.Status = core.StatusProcessing
	return true, nil
}

func (m *memStore) FailOrder(_ context.Context, orderID string, oerr core.OrderError) error {
	if order, ok := m.orders[orderID]; ok {
		order.Status = core.StatusInvalid
		order.Error = &oerr
	}
	return nil
}

func (m *memStore) InvalidateExpiredOrder(_ context.Context, orderID string) error {
	if order, ok := m.orders[orderID]; ok && order.Status != core.StatusInvalid {
		order.Status = core.StatusInvalid
		order.Error = &core.OrderError{Type: "unauthorized", Detail: "order expired"}
	}
	for _, id := range m.orderAuthzs[orderID] {
		m.authzs[id].Status = core.StatusExpired
	}
	return nil
}

func (m *memStore) ListValidOrderAuthzs(_ context.Context, orderID string) ([]core.Authorization, error) {
	var out []core.Authorization
	for _, id := range m.orderAuthzs[orderID] {
		if m.authzs[id].Status == core.StatusValid {
			out = append(out, *m.authzs[id])
		}
	}
	return out, nil
}

func (m *memStore) GetAuthzView(_ context.Context, authzID, accountID string) (*db.AuthzView, bool, error) {
	authz, ok := m.authzs[authzID]
	if !ok {
		return nil, false, nil
	}
	order := m.orders[authz.OrderID]
	if order.AccountID != accountID {
		return nil, false, nil
	}
	chal := m.chals[m.chalByAuthz[authzID]]
	return &db.AuthzView{
		AuthzStatus:    authz.Status,
		OrderID:        order.ID,
		OrderStatus:    order.Status,
		OrderExpiresAt: order.ExpiresAt,
		Domain:         authz.Domain,
		Challenge:      *chal,
	}, true, nil
}

func (m *memStore) DeactivateAuthz(_ context.Context, authzID string) (core.Status, bool, error) {
	authz := m.authzs[authzID]
	order := m.orders[authz.OrderID]
	authzLive := authz.Status == core.StatusPending || authz.Status == core.StatusValid
	orderLive := order.Status == core.StatusPending || order.Status == core.StatusReady
	if !authzLive || !orderLive {
		return "", false, nil
	}
	order.Status = core.StatusInvalid
	order.Error = &core.OrderError{Type: "unauthorized", Detail: "authorization deactivated"}
	authz.Status = core.StatusDeactivated
	return core.StatusDeactivated, true, nil
}

func (m *memStore) BeginChallenge(_ context.Context, chalID, accountID string) (*db.ChallengeBundle, bool, bool, error) {
	chal, ok := m.chals[chalID]
	if !ok {
		return nil, false, false, nil
	}
	authz := m.authzs[chal.AuthzID]
	order := m.orders[authz.OrderID]
	if order.AccountID != accountID || !order.ExpiresAt.After(m.clk.Now()) {
		return nil, false, false, nil
	}

	var mustSolve bool
	if order.Status == core.StatusInvalid {
		authz.Status = core.StatusInvalid
		if chal.Status != core.StatusInvalid {
			chal.Status = core.StatusInvalid
			chal.Error = &core.OrderError{Type: "unauthorized", Detail: "order failed"}
		}
	} else if chal.Status == core.StatusPending && order.Status == core.StatusPending {
		if authz.Status == core.StatusPending {
			chal.Status = core.StatusProcessing
			mustSolve = true
		} else {
			chal.Status = core.StatusInvalid
			chal.Error = &core.OrderError{Type: "unauthorized", Detail: "authorization failed"}
		}
	}
	return &db.ChallengeBundle{
		Challenge:   *chal,
		AuthzID:     authz.ID,
		AuthzStatus: authz.Status,
		Domain:      authz.Domain,
		OrderID:     order.ID,
		OrderStatus: order.Status,
	}, mustSolve, true, nil
}

func (m *memStore) CompleteChallenge(_ context.Context, chalID, authzID, orderID string) (core.Status, *time.Time, error) {
	now := m.clk.Now()
	chal := m.chals[chalID]
	if chal.Status == core.StatusProcessing {
		chal.Status = core.StatusValid
		chal.ValidatedAt = &now
	}
	authz := m.authzs[authzID]
	if authz.Status == core.StatusPending {
		authz.Status = core.StatusValid
	}
	order := m.orders[orderID]
	if order.Status == core.StatusPending {
		allValid := true
		for _, id := range m.orderAuthzs[orderID] {
			if m.authzs[id].Status != core.StatusValid {
				allValid = false
			}
		}
		if allValid {
			order.Status = core.StatusReady
		}
	}
	return core.StatusValid, &now, nil
}

func (m *memStore) FailChallenge(_ context.Context, chalID, authzID, orderID string, oerr core.OrderError) (core.Status, error) {
	chal := m.chals[chalID]
	chal.Status = core.StatusInvalid
	chal.Error = &oerr
	m.authzs[authzID].Status = core.StatusInvalid
	order := m.orders[orderID]
	order.Status = core.StatusInvalid
	order.Error = &core.OrderError{Type: "unauthorized", Detail: "challenge failed"}
	return core.StatusInvalid, nil
}

func (m *memStore) AddCertificate(_ context.Context, cert *core.Certificate) (core.Status, error) {
	cp := *cert
	m.certs[cert.SerialNumber] = &cp
	order := m.orders[cert.OrderID]
	if order.Status == core.StatusProcessing {
		order.Status = core.StatusValid
	}
	return order.Status, nil
}

func (m *memStore) GetCertificateByOrder(_ context.Context, orderID string) (*core.Certificate, bool, error) {
	for _, cert := range m.certs {
		if cert.OrderID == orderID {
			cp := *cert
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (m *memStore) GetCertificateChain(_ context.Context, serial, accountID string) (string, bool, error) {
	cert, ok := m.certs[serial]
	if !ok {
		return "", false, nil
	}
	if m.orders[cert.OrderID].AccountID != accountID {
		return "", false, nil
	}
	return cert.ChainPEM, true, nil
}

func (m *memStore) GetCertChainPublic(_ context.Context, serial string) (string, bool, error) {
	cert, ok := m.certs[serial]
	if !ok {
		return "", false, nil
	}
	return cert.ChainPEM, true, nil
}

func (m *memStore) CertIsRevocable(_ context.Context, serial, accountID, jwkThumbprint string) (bool, error) {
	cert, ok := m.certs[serial]
	if !ok || cert.RevokedAt != nil {
		return false, nil
	}
	acct := m.accounts[m.orders[cert.OrderID].AccountID]
	if acct.JWKThumbprint != jwkThumbprint {
		return false, nil
	}
	if accountID != "" && (acct.ID != accountID || acct.Status != core.StatusValid) {
		return false, nil
	}
	return true, nil
}

func (m *memStore) ListRevocations(_ context.Context) ([]core.Revocation, error) {
	var revs []core.Revocation
	for _, cert := range m.certs {
		if cert.RevokedAt != nil {
			revs = append(revs, core.Revocation{SerialNumber: cert.SerialNumber, RevokedAt: *cert.RevokedAt})
		}
	}
	return revs, nil
}

func (m *memStore) SetCertificateRevoked(_ context.Context, serial string, at time.Time) error {
	if cert, ok := m.certs[serial]; ok && cert.RevokedAt == nil {
		cert.RevokedAt = &at
	}
	return nil
}

// fakeNonces hands out sequential nonces and tracks which are
// consumable.
type fakeNonces struct {
	next  int
	valid map[string]bool
}

func newFakeNonces() *fakeNonces {
	return &fakeNonces{valid: map[string]bool{}}
}

func (f *fakeNonces) Mint(context.Context) (string, error) {
	f.next++
	id := fmt.Sprintf("nonce-%04d", f.next)
	f.valid[id] = true
	return id, nil
}

func (f *fakeNonces) Refresh(ctx context.Context, old string) (string, bool, error) {
	ok := f.valid[old]
	delete(f.valid, old)
	fresh, _ := f.Mint(ctx)
	return fresh, ok, nil
}

// Nonce lets the fake double as a go-jose nonce source for signing.
func (f *fakeNonces) Nonce() (string, error) {
	return f.Mint(context.Background())
}

// fakeVA returns a canned validation result.
type fakeVA struct {
	prob   *probs.ProblemDetails
	probed []string
}

func (f *fakeVA) ValidateHTTP01(_ context.Context, domain, _, _ string) *probs.ProblemDetails {
	f.probed = append(f.probed, domain)
	return f.prob
}

// fakeCA issues self signed leaves and mirrors the revocation side
// effect of the real signer.
type fakeCA struct {
	store    *memStore
	key      *ecdsa.PrivateKey
	lifetime time.Duration
	clk      clock.Clock
	signErr  error
	revoked  []string
}

func newFakeCA(t *testing.T, store *memStore, clk clock.Clock) *fakeCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &fakeCA{store: store, key: key, lifetime: 60 * 24 * time.Hour, clk: clk}
}

func (f *fakeCA) SignCSR(_ context.Context, csr *x509.CertificateRequest, subjectDomain string, sanDomains []string) (*ca.IssuedCert, error) {
	if f.signErr != nil {
		return nil, f.signErr
	}
	serial, err := core.NewSerial()
	if err != nil {
		return nil, err
	}
	now := f.clk.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: subjectDomain},
		NotBefore:    now,
		NotAfter:     now.Add(f.lifetime),
		DNSNames:     sanDomains,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, csr.PublicKey, f.key)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	chain := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	return &ca.IssuedCert{Cert: leaf, ChainPEM: chain}, nil
}

func (f *fakeCA) Revoke(ctx context.Context, serial string, revokedAt time.Time, _ []core.Revocation) error {
	f.revoked = append(f.revoked, serial)
	return f.store.SetCertificateRevoked(ctx, serial, revokedAt)
}

// fakeMailer records new account notifications.
type fakeMailer struct {
	notified []string
}

func (f *fakeMailer) SendNewAccountInfo(_ context.Context, to string) {
	f.notified = append(f.notified, to)
}

// testWFE bundles the front end under test with its fakes.
type testWFE struct {
	t        *testing.T
	settings *config.Settings
	store    *memStore
	nonces   *fakeNonces
	va       *fakeVA
	ca       *fakeCA
	mailer   *fakeMailer
	clk      clock.FakeClock
	handler  http.Handler
}

func newTestWFE(t *testing.T) *testWFE {
	t.Helper()
	clk := clock.NewFake()
	clk.Set(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC))

	settings := &config.Settings{
		ExternalURL: testExternalURL,
		ACME: config.ACME{
			MailTargetRegex:   regexp.MustCompile(`[^@]+@[^@]+\.[^@]+`),
			TargetDomainRegex: regexp.MustCompile(`[^\*]+\.[^\.]+`),
			HTTP01Port:        80,
		},
		Mail: config.Mail{NotifyOnAccountCreation: true},
	}

	store := newMemStore(clk)
	nonces := newFakeNonces()
	validator := &fakeVA{}
	issuer := newFakeCA(t, store, clk)
	mail := &fakeMailer{}

	front := New(settings, store, nonces, validator, issuer, mail,
		prometheus.NewRegistry(), clk, zaptest.NewLogger(t))
	r := chi.NewRouter()
	front.Register(r)

	return &testWFE{
		t:        t,
		settings: settings,
		store:    store,
		nonces:   nonces,
		va:       validator,
		ca:       issuer,
		mailer:   mail,
		clk:      clk,
		handler:  r,
	}
}

// testClient signs requests like an ACME client would.
type testClient struct {
	key *ecdsa.PrivateKey
	kid string // account URL; empty means embed the JWK
}

func newTestClient(t *testing.T) *testClient {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &testClient{key: key}
}

// sign produces the flattened JWS serialization of payload for url.
func (c *testClient) sign(t *testing.T, nonces *fakeNonces, url string, payload string) string {
	t.Helper()
	opts := (&jose.SignerOptions{NonceSource: nonces}).WithHeader(jose.HeaderKey("url"), url)
	signingKey := jose.SigningKey{Algorithm: jose.ES256, Key: c.key}
	if c.kid == "" {
		opts.EmbedJWK = true
	} else {
		signingKey.Key = jose.JSONWebKey{Key: c.key, KeyID: c.kid}
	}
	signer, err := jose.NewSigner(signingKey, opts)
	require.NoError(t, err)
	obj, err := signer.Sign([]byte(payload))
	require.NoError(t, err)
	return obj.FullSerialize()
}

// post signs payload for the path and performs the request.
func (w *testWFE) post(t *testing.T, client *testClient, path, payload string) *httptest.ResponseRecorder {
	t.Helper()
	body := client.sign(t, w.nonces, testExternalURL+strings.TrimPrefix(path, "/"), payload)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", jwsContentType)
	rec := httptest.NewRecorder()
	w.handler.ServeHTTP(rec, req)
	return rec
}

// createAccount registers the client and sets its kid.
func (w *testWFE) createAccount(t *testing.T, client *testClient, contact string) string {
	t.Helper()
	payload := `{"termsOfServiceAgreed": true}`
	if contact != "" {
		payload = fmt.Sprintf(`{"termsOfServiceAgreed": true, "contact": ["mailto:%s"]}`, contact)
	}
	rec := w.post(t, client, "/acme/new-account", payload)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	client.kid = rec.Header().Get("Location")
	require.NotEmpty(t, client.kid)
	return client.kid
}

// createOrder places an order and returns its parsed body and id.
func (w *testWFE) createOrder(t *testing.T, client *testClient, domains ...string) (map[string]any, string) {
	t.Helper()
	idents := make([]string, 0, len(domains))
	for _, domain := range domains {
		idents = append(idents, fmt.Sprintf(`{"type": "dns", "value": "%s"}`, domain))
	}
	payload := fmt.Sprintf(`{"identifiers": [%s]}`, strings.Join(idents, ", "))
	rec := w.post(t, client, "/acme/new-order", payload)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeJSON(t, rec)
	location := rec.Header().Get("Location")
	return body, strings.TrimPrefix(location, testExternalURL+"acme/orders/")
}

// solveOrder drives every challenge of the order to valid.
func (w *testWFE) solveOrder(t *testing.T, client *testClient, body map[string]any) {
	t.Helper()
	for _, authzURL := range body["authorizations"].([]any) {
		path := strings.TrimPrefix(authzURL.(string), strings.TrimSuffix(testExternalURL, "/"))
		rec := w.post(t, client, path, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		authz := decodeJSON(t, rec)
		chalURL := authz["challenges"].([]any)[0].(map[string]any)["url"].(string)
		chalPath := strings.TrimPrefix(chalURL, strings.TrimSuffix(testExternalURL, "/"))
		rec = w.post(t, client, chalPath, "{}")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// problemKind extracts the bare error kind of a problem response.
func problemKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeJSON(t, rec)
	typ, _ := body["type"].(string)
	return strings.TrimPrefix(typ, probs.ErrorNS)
}
