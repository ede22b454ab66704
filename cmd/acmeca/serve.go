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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/acmeca/acmeca/internal/ca"
	"github.com/acmeca/acmeca/internal/config"
	"github.com/acmeca/acmeca/internal/db"
	"github.com/acmeca/acmeca/internal/mailer"
	"github.com/acmeca/acmeca/internal/nonce"
	"github.com/acmeca/acmeca/internal/va"
	"github.com/acmeca/acmeca/internal/web"
	"github.com/acmeca/acmeca/internal/wfe"
)

// shutdownGrace is how long in-flight requests get on shutdown.
const shutdownGrace = 10 * time.Second

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ACME CA server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	settings, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if !settings.CA.Enabled {
		return errors.New("ca.enabled=false is not supported; the internal CA must be active")
	}
	if strings.HasPrefix(settings.ExternalURL, "http://") {
		log.Warn("external_url is not HTTPS; most ACME clients refuse plain HTTP directories",
			zap.String("external_url", settings.ExternalURL))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.New()
	store, err := db.Open(ctx, settings.DBDSN, clk, log)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	signer, err := ca.New(store, settings.CA, settings.CRLURL, registry, clk, log)
	if err != nil {
		return err
	}
	if err := signer.Init(ctx, settings.CA.ImportDir); err != nil {
		return err
	}

	nonces := nonce.NewService(store, clk, log)
	validator := va.New(settings.ACME.HTTP01Port, log)

	smtp, err := mailer.New(settings.Mail, settings.Web, log)
	if err != nil {
		return fmt.Errorf("configuring mail: %w", err)
	}

	front := wfe.New(settings, store, nonces, validator, signer, smtp, registry, clk, log)
	pages := web.New(settings, store, registry, log)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	front.Register(r)
	pages.Register(r)

	go nonces.PurgeLoop(ctx)
	go signer.CRLLoop(ctx)
	if smtp != nil {
		notifier := mailer.NewNotifier(store, smtp, mailer.NotifierConfig{
			WarnBefore:      settings.Mail.WarnBeforeCertExpires,
			NotifyOnExpired: settings.Mail.NotifyWhenCertExpired,
		}, clk, log)
		go notifier.Run(ctx)
	}

	srv := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("addr", settings.ListenAddr),
			zap.String("directory", settings.DirectoryURL()))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
