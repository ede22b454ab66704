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

// Package web serves the public pages: the landing page, the optional
// certificate and domain logs, the CRL download and the metrics
// endpoint.
package web

import (
	"context"
	"embed"
	"html/template"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/acmeca/acmeca/internal/config"
	"github.com/acmeca/acmeca/internal/db"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Storage is the persistence the public pages need.
type Storage interface {
	ListCertificateLog(ctx context.Context) ([]db.CertLogEntry, error)
	ListDomainLog(ctx context.Context, filter, status string) ([]db.DomainLogEntry, error)
	GetCertChainPublic(ctx context.Context, serial string) (string, bool, error)
	GetCACRL(ctx context.Context, serial string) (string, bool, error)
}

// Server renders the web pages.
type Server struct {
	settings *config.Settings
	store    Storage
	gatherer prometheus.Gatherer
	log      *zap.Logger
}

// New builds the web server.
func New(settings *config.Settings, store Storage, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	return &Server{
		settings: settings,
		store:    store,
		gatherer: gatherer,
		log:      log.Named("web"),
	}
}

// Register mounts the public routes on the given router. The CRL and
// metrics routes are always mounted; the dashboard routes only when
// web.enabled.
func (s *Server) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(s.securityHeaders)
		r.Get("/ca/{serial}/crl", s.CRL)
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		if s.settings.Web.Enabled {
			r.Get("/", s.Index)
			r.Get("/certificates", s.CertificateLog)
			r.Get("/certificates/{serial}", s.CertificateDownload)
			r.Get("/domains", s.DomainLog)
		}
	})
}

// securityHeaders sets the standard browser hardening headers on every
// page. HSTS only makes sense when the server is reached over HTTPS.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	hsts := strings.HasPrefix(s.settings.ExternalURL, "https://")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'self'; style-src 'unsafe-inline'")
		if hsts {
			h.Set("Strict-Transport-Security", "max-age=63072000")
		}
		next.ServeHTTP(w, r)
	})
}

type pageData struct {
	AppTitle       string
	AppDescription string
	DirectoryURL   string
	PublicLog      bool
	Entries        any
	Filter         string
	Status         string
}

func (s *Server) page() pageData {
	return pageData{
		AppTitle:       s.settings.Web.AppTitle,
		AppDescription: s.settings.Web.AppDescription,
		DirectoryURL:   s.settings.DirectoryURL(),
		PublicLog:      s.settings.Web.EnablePublicLog,
	}
}

func (s *Server) render(w http.ResponseWriter, name string, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		s.log.Error("could not render page", zap.String("template", name), zap.Error(err))
	}
}

// Index serves the landing page.
func (s *Server) Index(w http.ResponseWriter, r *http.Request) {
	s.render(w, "index.html", s.page())
}

// CertificateLog lists all issued certificates when the public log is
// enabled.
func (s *Server) CertificateLog(w http.ResponseWriter, r *http.Request) {
	if !s.settings.Web.EnablePublicLog {
		http.Error(w, "the public log is disabled", http.StatusForbidden)
		return
	}
	entries, err := s.store.ListCertificateLog(r.Context())
	if err != nil {
		s.log.Error("could not load certificate log", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	data := s.page()
	data.Entries = entries
	s.render(w, "certificates.html", data)
}

// CertificateDownload serves a PEM chain from the public log.
func (s *Server) CertificateDownload(w http.ResponseWriter, r *http.Request) {
	if !s.settings.Web.EnablePublicLog {
		http.Error(w, "the public log is disabled", http.StatusForbidden)
		return
	}
	chain, found, err := s.store.GetCertChainPublic(r.Context(), chi.URLParam(r, "serial"))
	if err != nil {
		s.log.Error("could not load certificate", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/pem-certificate-chain")
	_, _ = w.Write([]byte(chain))
}

// DomainLog lists the certificate history per domain when the public
// log is enabled.
func (s *Server) DomainLog(w http.ResponseWriter, r *http.Request) {
	if !s.settings.Web.EnablePublicLog {
		http.Error(w, "the public log is disabled", http.StatusForbidden)
		return
	}
	filter := r.URL.Query().Get("filter")
	status := r.URL.Query().Get("status")
	switch status {
	case "valid", "invalid":
	default:
		status = "all"
	}
	entries, err := s.store.ListDomainLog(r.Context(), filter, status)
	if err != nil {
		s.log.Error("could not load domain log", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	data := s.page()
	data.Entries = entries
	data.Filter = filter
	data.Status = status
	s.render(w, "domains.html", data)
}

// CRL serves the stored CRL of a CA in DER-in-PEM form. Revocation
// checkers fetch this URL from the CRL distribution point of issued
// certificates.
func (s *Server) CRL(w http.ResponseWriter, r *http.Request) {
	crl, found, err := s.store.GetCACRL(r.Context(), chi.URLParam(r, "serial"))
	if err != nil {
		s.log.Error("could not load CRL", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found || crl == "" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/pkix-crl")
	_, _ = w.Write([]byte(crl))
}
