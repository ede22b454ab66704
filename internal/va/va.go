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

// Package va performs HTTP-01 challenge validation by fetching the key
// authorization from the domain under validation.
package va

import (
	"context"
	"crypto"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"github.com/acmeca/acmeca/internal/probs"
)

const (
	// wellKnownPath is where the challenged server must expose the key
	// authorization.
	wellKnownPath = "/.well-known/acme-challenge/"

	// maxResponseSize bounds how much of the remote response is read.
	maxResponseSize = 1 << 14

	attempts       = 3
	retryInterval  = 3 * time.Second
	requestTimeout = 10 * time.Second
)

// Validator probes domains for HTTP-01 challenge responses.
type Validator struct {
	httpPort int
	client   *http.Client
	log      *zap.Logger
}

// New returns a validator that probes on httpPort (80 in production).
func New(httpPort int, log *zap.Logger) *Validator {
	// Challenge responders are plain HTTP/1.x servers. No proxies, no
	// TLS upgrade, no HTTP/2 and no redirect following.
	transport := &http.Transport{
		Proxy:             nil,
		DisableKeepAlives: true,
		ForceAttemptHTTP2: false,
		DialContext: (&net.Dialer{
			Timeout: requestTimeout,
		}).DialContext,
	}
	return &Validator{
		httpPort: httpPort,
		client: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log.Named("va"),
	}
}

// KeyAuthorization computes token.thumbprint for an account key, the
// exact body the challenged server must serve.
func KeyAuthorization(token string, key *jose.JSONWebKey) (string, error) {
	thumbprint, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("computing key thumbprint: %w", err)
	}
	return token + "." + base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// ValidateHTTP01 fetches http://{domain}:{port}/.well-known/acme-challenge/{token}
// and compares the body against the expected key authorization. It
// retries up to three times with a constant pause, and returns a
// problem describing the final failure, or nil on success.
func (v *Validator) ValidateHTTP01(ctx context.Context, domain, token, keyAuthz string) *probs.ProblemDetails {
	challengeURL := fmt.Sprintf("http://%s%s%s", v.addr(domain), wellKnownPath, token)

	var prob *probs.ProblemDetails
	operation := func() error {
		prob = v.probe(ctx, challengeURL, keyAuthz)
		if prob != nil {
			return errors.New(prob.Detail)
		}
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), attempts-1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		v.log.Info("http-01 validation failed",
			zap.String("domain", domain),
			zap.String("url", challengeURL),
			zap.String("problem", string(prob.Kind())),
			zap.String("detail", prob.Detail))
		return prob
	}

	v.log.Info("http-01 validation succeeded",
		zap.String("domain", domain),
		zap.String("url", challengeURL))
	return nil
}

// probe performs a single fetch and classifies the outcome.
func (v *Validator) probe(ctx context.Context, challengeURL, keyAuthz string) *probs.ProblemDetails {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, challengeURL, nil)
	if err != nil {
		return probs.ServerInternalProblem(err.Error())
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return classifyFetchError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return probs.ServerInternalProblem("reading challenge response failed")
	}
	if resp.StatusCode != http.StatusOK {
		return probs.New(probs.IncorrectResponse, http.StatusForbidden,
			fmt.Sprintf("challenge response had status %d", resp.StatusCode))
	}
	// Trailing whitespace is tolerated; many static servers append a
	// newline.
	if strings.TrimRight(string(body), " \t\r\n") != keyAuthz {
		return probs.New(probs.IncorrectResponse, http.StatusForbidden,
			"challenge response did not match expected key authorization")
	}
	return nil
}

// classifyFetchError maps transport failures onto ACME problem types.
func classifyFetchError(err error) *probs.ProblemDetails {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return probs.New(probs.Connection, http.StatusForbidden, "timeout")
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return probs.New(probs.DNS, http.StatusForbidden, "could not resolve address")
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, os.ErrDeadlineExceeded) {
			return probs.New(probs.Connection, http.StatusForbidden, "timeout")
		}
		// Refused and unreachable addresses report the same way as
		// names that do not resolve.
		return probs.New(probs.DNS, http.StatusForbidden, "could not resolve address")
	}
	return probs.ServerInternalProblem(err.Error())
}

func (v *Validator) addr(domain string) string {
	if v.httpPort == 80 {
		return domain
	}
	return fmt.Sprintf("%s:%d", domain, v.httpPort)
}
