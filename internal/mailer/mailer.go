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

// Package mailer sends account and certificate lifecycle notifications
// over SMTP.
package mailer

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/acmeca/acmeca/internal/config"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Mailer wraps an SMTP client with the notification templates.
type Mailer struct {
	client   *mail.Client
	sender   string
	appTitle string
	appDesc  string
	log      *zap.Logger
}

// New builds a mailer from validated mail settings. Returns nil when
// mail is disabled; every method on a nil Mailer is a no-op.
func New(cfg config.Mail, web config.Web, log *zap.Logger) (*Mailer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	opts := []mail.Option{mail.WithPort(cfg.Port)}
	switch cfg.Encryption {
	case "tls":
		opts = append(opts, mail.WithSSL())
	case "starttls":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	case "plain":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password))
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("building SMTP client: %w", err)
	}
	return &Mailer{
		client:   client,
		sender:   cfg.Sender,
		appTitle: web.AppTitle,
		appDesc:  web.AppDescription,
		log:      log.Named("mailer"),
	}, nil
}

func (m *Mailer) send(ctx context.Context, to, subject, templateName string, data any) error {
	var body bytes.Buffer
	if err := templates.ExecuteTemplate(&body, templateName, data); err != nil {
		return fmt.Errorf("rendering %s: %w", templateName, err)
	}
	msg := mail.NewMsg()
	if err := msg.From(m.sender); err != nil {
		return fmt.Errorf("invalid sender address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextHTML, body.String())
	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending mail to %s: %w", to, err)
	}
	return nil
}

// SendNewAccountInfo tells a fresh account's contact address that an
// account was registered. Failures are logged, not surfaced; account
// creation must not fail because SMTP is down.
func (m *Mailer) SendNewAccountInfo(ctx context.Context, to string) {
	if m == nil || to == "" {
		return
	}
	err := m.send(ctx, to, "Account created: "+m.appTitle, "new-account-info.html", map[string]any{
		"AppTitle":       m.appTitle,
		"AppDescription": m.appDesc,
	})
	if err != nil {
		m.log.Error("could not send new account mail", zap.String("to", to), zap.Error(err))
		return
	}
	m.log.Info("sent new account mail", zap.String("to", to))
}

// SendCertExpiresWarning warns that a certificate expires soon.
func (m *Mailer) SendCertExpiresWarning(ctx context.Context, to, serial string, domains []string, notValidAfter time.Time, expiresInDays int) error {
	if m == nil {
		return nil
	}
	subject := fmt.Sprintf("Certificate expires in %d days", expiresInDays)
	return m.send(ctx, to, subject, "cert-expires-warning.html", map[string]any{
		"AppTitle":      m.appTitle,
		"SerialNumber":  serial,
		"Domains":       domains,
		"NotValidAfter": notValidAfter,
		"ExpiresInDays": expiresInDays,
	})
}

// SendCertExpiredInfo reports that a certificate expired without a
// renewal covering its domains.
func (m *Mailer) SendCertExpiredInfo(ctx context.Context, to, serial string, domains []string, notValidAfter time.Time) error {
	if m == nil {
		return nil
	}
	return m.send(ctx, to, "Certificate has expired", "cert-expired-info.html", map[string]any{
		"AppTitle":      m.appTitle,
		"SerialNumber":  serial,
		"Domains":       domains,
		"NotValidAfter": notValidAfter,
	})
}
