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
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acmeca/acmeca/internal/probs"
)

type stats struct {
	responses *prometheus.CounterVec
	problems  *prometheus.CounterVec
}

func newStats(registry prometheus.Registerer) *stats {
	s := &stats{
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acmeca_wfe_responses_total",
			Help: "ACME responses by route pattern and status code.",
		}, []string{"endpoint", "code"}),
		problems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acmeca_wfe_problems_total",
			Help: "ACME problem responses by error kind.",
		}, []string{"kind"}),
	}
	registry.MustRegister(s.responses, s.problems)
	return s
}

func (s *stats) observe(r *http.Request, status int) {
	s.responses.WithLabelValues(routePattern(r), strconv.Itoa(status)).Inc()
}

func (s *stats) observeProblem(r *http.Request, prob *probs.ProblemDetails) {
	s.observe(r, prob.HTTPStatus)
	s.problems.WithLabelValues(string(prob.Kind())).Inc()
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
