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
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	certsIssued  prometheus.Counter
	certsRevoked prometheus.Counter
}

func newMetrics(stats prometheus.Registerer) *metrics {
	m := &metrics{
		certsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acmeca_certificates_issued_total",
			Help: "Leaf certificates issued by the internal CA.",
		}),
		certsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acmeca_certificates_revoked_total",
			Help: "Certificates revoked through the ACME revokeCert operation.",
		}),
	}
	stats.MustRegister(m.certsIssued, m.certsRevoked)
	return m
}
