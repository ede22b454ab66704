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

package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acmeca/acmeca/internal/probs"
)

func makeCSR(t *testing.T, cn string, sans []string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: cn},
		DNSNames: sans,
	}, key)
	require.NoError(t, err)
	return der
}

func TestCheckCSR(t *testing.T) {
	domains := []string{"a.example.org", "b.example.org"}

	t.Run("valid with CN", func(t *testing.T) {
		der := makeCSR(t, "a.example.org", domains)
		checked, prob := CheckCSR(der, domains)
		require.Nil(t, prob)
		assert.Equal(t, "a.example.org", checked.SubjectDomain)
		assert.Equal(t, domains, checked.SANDomains)
		assert.Contains(t, checked.PEM, "CERTIFICATE REQUEST")
	})

	t.Run("valid without CN falls back to first SAN", func(t *testing.T) {
		der := makeCSR(t, "", domains)
		checked, prob := CheckCSR(der, domains)
		require.Nil(t, prob)
		assert.Equal(t, "a.example.org", checked.SubjectDomain)
	})

	t.Run("CN only in CSR still matches the set", func(t *testing.T) {
		der := makeCSR(t, "a.example.org", []string{"b.example.org"})
		checked, prob := CheckCSR(der, domains)
		require.Nil(t, prob)
		assert.Equal(t, "a.example.org", checked.SubjectDomain)
	})

	t.Run("missing domain", func(t *testing.T) {
		der := makeCSR(t, "a.example.org", []string{"a.example.org"})
		_, prob := CheckCSR(der, domains)
		require.NotNil(t, prob)
		assert.Equal(t, probs.BadCSR, prob.Kind())
	})

	t.Run("extra domain", func(t *testing.T) {
		der := makeCSR(t, "a.example.org", append(domains, "c.example.org"))
		_, prob := CheckCSR(der, domains)
		require.NotNil(t, prob)
		assert.Equal(t, probs.BadCSR, prob.Kind())
	})

	t.Run("garbage DER", func(t *testing.T) {
		_, prob := CheckCSR([]byte("not a csr"), domains)
		require.NotNil(t, prob)
		assert.Equal(t, probs.BadCSR, prob.Kind())
	})
}
