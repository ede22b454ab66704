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

package probs

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProblemShape(t *testing.T) {
	prob := BadNonceProblem("nonce is stale")
	assert.Equal(t, "urn:ietf:params:acme:error:badNonce", prob.Type)
	assert.Equal(t, http.StatusBadRequest, prob.HTTPStatus)
	assert.Equal(t, BadNonce, prob.Kind())

	// Only type and detail reach the wire.
	raw, err := json.Marshal(prob.WithNonce("abc"))
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, map[string]any{
		"type":   "urn:ietf:params:acme:error:badNonce",
		"detail": "nonce is stale",
	}, body)
}

func TestProblemStatusCodes(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, NotFoundProblem("x").HTTPStatus)
	assert.Equal(t, Malformed, NotFoundProblem("x").Kind())
	assert.Equal(t, http.StatusForbidden, UnauthorizedProblem("x").HTTPStatus)
	assert.Equal(t, http.StatusForbidden, OrderNotReadyProblem("x").HTTPStatus)
	assert.Equal(t, http.StatusInternalServerError, ServerInternalProblem("x").HTTPStatus)
	assert.Equal(t, http.StatusBadRequest, AlreadyRevokedProblem("x").HTTPStatus)
}

func TestProblemError(t *testing.T) {
	prob := MalformedProblem("broken")
	assert.EqualError(t, prob, "urn:ietf:params:acme:error:malformed :: broken")
}
