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
	"crypto/x509"
	"encoding/pem"

	"github.com/acmeca/acmeca/internal/probs"
)

// CheckedCSR is a CSR that passed validation against its order.
type CheckedCSR struct {
	CSR *x509.CertificateRequest
	PEM string
	// SubjectDomain is the CN when set, otherwise the first SAN.
	SubjectDomain string
	// SANDomains are the order's domains in authorization order.
	SANDomains []string
}

// CheckCSR parses and validates a finalize CSR. The CSR signature must
// verify and the set of requested names (CN plus SANs) must equal the
// set of ordered domains exactly. orderedDomains must be non-empty and
// in authorization order.
func CheckCSR(der []byte, orderedDomains []string) (*CheckedCSR, *probs.ProblemDetails) {
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, probs.BadCSRProblem("could not parse CSR")
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, probs.BadCSRProblem("signature check failed")
	}

	requested := make(map[string]bool, len(csr.DNSNames)+1)
	if csr.Subject.CommonName != "" {
		requested[csr.Subject.CommonName] = true
	}
	for _, san := range csr.DNSNames {
		requested[san] = true
	}
	ordered := make(map[string]bool, len(orderedDomains))
	for _, domain := range orderedDomains {
		ordered[domain] = true
	}
	if len(requested) != len(ordered) {
		return nil, probs.BadCSRProblem("domains in CSR does not match validated domains in order")
	}
	for domain := range requested {
		if !ordered[domain] {
			return nil, probs.BadCSRProblem("domains in CSR does not match validated domains in order")
		}
	}

	subject := csr.Subject.CommonName
	if subject == "" {
		subject = csr.DNSNames[0]
	}

	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
	return &CheckedCSR{
		CSR:           csr,
		PEM:           string(csrPEM),
		SubjectDomain: subject,
		SANDomains:    orderedDomains,
	}, nil
}
