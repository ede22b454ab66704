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

// Package config loads the environment-driven server settings.
// Every key maps to an env var by uppercasing and replacing dots with
// underscores, e.g. ca.encryption_key -> CA_ENCRYPTION_KEY.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/spf13/viper"
)

// Defaults that mirror the documented deployment behavior.
const (
	DefaultCertLifetime = 60 * 24 * time.Hour
	DefaultCRLLifetime  = 7 * 24 * time.Hour
	DefaultWarnBefore   = 20 * 24 * time.Hour

	defaultMailRegex = `[^@]+@[^@]+\.[^@]+`
	// Wildcards are disallowed: the value must not contain '*' and
	// must have at least one dot.
	defaultDomainRegex = `[^\*]+\.[^\.]+`
)

// ACME groups the protocol-facing settings.
type ACME struct {
	TermsOfServiceURL string
	MailTargetRegex   *regexp.Regexp
	TargetDomainRegex *regexp.Regexp
	// MailRequired makes the contact address mandatory on newAccount.
	MailRequired bool
	// HTTP01Port is the port the http-01 prober connects to. 80 in any
	// real deployment; configurable so tests can point the prober at a
	// local listener.
	HTTP01Port int
}

// CA groups the internal certificate authority settings.
type CA struct {
	Enabled      bool
	CertLifetime time.Duration
	CRLLifetime  time.Duration
	// EncryptionKey is the Fernet key used to encrypt CA private keys
	// at rest.
	EncryptionKey string
	ImportDir     string
}

// Mail groups the SMTP settings of the expiry notifier.
type Mail struct {
	Enabled    bool
	Host       string
	Port       int
	Username   string
	Password   string
	Encryption string // tls | starttls | plain
	Sender     string

	NotifyOnAccountCreation bool
	// WarnBeforeCertExpires is zero when the warning mail is disabled.
	WarnBeforeCertExpires time.Duration
	NotifyWhenCertExpired bool
}

// Web groups the dashboard settings.
type Web struct {
	Enabled         bool
	EnablePublicLog bool
	AppTitle        string
	AppDescription  string
}

// Settings is the full server configuration.
type Settings struct {
	// ExternalURL is the public base URL of this server, always ending
	// in a slash.
	ExternalURL string
	DBDSN       string
	ListenAddr  string

	ACME ACME
	CA   CA
	Mail Mail
	Web  Web
}

// Load reads the settings from the environment and validates them.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("external_url", "")
	v.SetDefault("db_dsn", "")
	v.SetDefault("listen_addr", ":8080")

	v.SetDefault("acme.terms_of_service_url", "")
	v.SetDefault("acme.mail_target_regex", defaultMailRegex)
	v.SetDefault("acme.target_domain_regex", defaultDomainRegex)
	v.SetDefault("acme.mail_required", false)
	v.SetDefault("acme.http01_port", 80)

	v.SetDefault("ca.enabled", true)
	v.SetDefault("ca.cert_lifetime", DefaultCertLifetime)
	v.SetDefault("ca.crl_lifetime", DefaultCRLLifetime)
	v.SetDefault("ca.encryption_key", "")
	v.SetDefault("ca.import_dir", "/import")

	v.SetDefault("mail.enabled", false)
	v.SetDefault("mail.host", "")
	v.SetDefault("mail.port", 0)
	v.SetDefault("mail.username", "")
	v.SetDefault("mail.password", "")
	v.SetDefault("mail.encryption", "tls")
	v.SetDefault("mail.sender", "")
	v.SetDefault("mail.notify_on_account_creation", true)
	v.SetDefault("mail.warn_before_cert_expires", DefaultWarnBefore)
	v.SetDefault("mail.notify_when_cert_expired", true)

	v.SetDefault("web.enabled", true)
	v.SetDefault("web.enable_public_log", false)
	v.SetDefault("web.app_title", "ACME CA Server")
	v.SetDefault("web.app_description", "Self hosted ACME CA Server")

	s := &Settings{
		ExternalURL: v.GetString("external_url"),
		DBDSN:       v.GetString("db_dsn"),
		ListenAddr:  v.GetString("listen_addr"),
		ACME: ACME{
			TermsOfServiceURL: v.GetString("acme.terms_of_service_url"),
			MailRequired:      v.GetBool("acme.mail_required"),
			HTTP01Port:        v.GetInt("acme.http01_port"),
		},
		CA: CA{
			Enabled:       v.GetBool("ca.enabled"),
			CertLifetime:  v.GetDuration("ca.cert_lifetime"),
			CRLLifetime:   v.GetDuration("ca.crl_lifetime"),
			EncryptionKey: v.GetString("ca.encryption_key"),
			ImportDir:     v.GetString("ca.import_dir"),
		},
		Mail: Mail{
			Enabled:                 v.GetBool("mail.enabled"),
			Host:                    v.GetString("mail.host"),
			Port:                    v.GetInt("mail.port"),
			Username:                v.GetString("mail.username"),
			Password:                v.GetString("mail.password"),
			Encryption:              v.GetString("mail.encryption"),
			Sender:                  v.GetString("mail.sender"),
			NotifyOnAccountCreation: v.GetBool("mail.notify_on_account_creation"),
			WarnBeforeCertExpires:   warnBefore(v.GetString("mail.warn_before_cert_expires")),
			NotifyWhenCertExpired:   v.GetBool("mail.notify_when_cert_expired"),
		},
		Web: Web{
			Enabled:         v.GetBool("web.enabled"),
			EnablePublicLog: v.GetBool("web.enable_public_log"),
			AppTitle:        v.GetString("web.app_title"),
			AppDescription:  v.GetString("web.app_description"),
		},
	}

	var err error
	s.ACME.MailTargetRegex, err = regexp.Compile(v.GetString("acme.mail_target_regex"))
	if err != nil {
		return nil, fmt.Errorf("invalid acme.mail_target_regex: %w", err)
	}
	s.ACME.TargetDomainRegex, err = regexp.Compile(v.GetString("acme.target_domain_regex"))
	if err != nil {
		return nil, fmt.Errorf("invalid acme.target_domain_regex: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// warnBefore interprets the warn_before_cert_expires value; "false",
// "0" and "-1" disable the warning mail entirely.
func warnBefore(raw string) time.Duration {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "false", "0", "-1":
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		// Day shorthand like "20d" for operator convenience.
		if n, serr := parseDays(raw); serr == nil {
			return n
		}
		return DefaultWarnBefore
	}
	return d
}

func parseDays(raw string) (time.Duration, error) {
	var days int
	if _, err := fmt.Sscanf(strings.TrimSpace(raw), "%dd", &days); err != nil {
		return 0, err
	}
	return time.Duration(days) * 24 * time.Hour, nil
}

// Validate enforces the cross-field constraints. Violations here are
// fatal at startup.
func (s *Settings) Validate() error {
	if s.ExternalURL == "" {
		return fmt.Errorf("external_url must be set")
	}
	if !strings.HasPrefix(s.ExternalURL, "http://") && !strings.HasPrefix(s.ExternalURL, "https://") {
		return fmt.Errorf("external_url must be an absolute http(s) URL, got %q", s.ExternalURL)
	}
	if !strings.HasSuffix(s.ExternalURL, "/") {
		s.ExternalURL += "/"
	}
	if s.DBDSN == "" {
		return fmt.Errorf("db_dsn must be set")
	}

	if s.CA.Enabled {
		if s.CA.EncryptionKey == "" {
			var key fernet.Key
			if err := key.Generate(); err != nil {
				return fmt.Errorf("ca.encryption_key is missing and key generation failed: %w", err)
			}
			return fmt.Errorf("ca.encryption_key is missing, use this freshly generated key: %s", key.Encode())
		}
		if _, err := fernet.DecodeKey(s.CA.EncryptionKey); err != nil {
			return fmt.Errorf("ca.encryption_key is not a valid Fernet key: %w", err)
		}
		if s.CA.CertLifetime < 24*time.Hour {
			return fmt.Errorf("cert lifetime for internal CA must be at least one day, not %s", s.CA.CertLifetime)
		}
		if s.CA.CRLLifetime < 24*time.Hour {
			return fmt.Errorf("CRL lifetime for internal CA must be at least one day, not %s", s.CA.CRLLifetime)
		}
	}

	switch s.Mail.Encryption {
	case "tls", "starttls", "plain":
	default:
		return fmt.Errorf("mail.encryption must be one of tls, starttls, plain; got %q", s.Mail.Encryption)
	}
	if s.Mail.Enabled && (s.Mail.Host == "" || s.Mail.Sender == "") {
		return fmt.Errorf("mail parameters (mail.host, mail.sender) are missing as SMTP is enabled")
	}
	if (s.Mail.Username == "") != (s.Mail.Password == "") {
		return fmt.Errorf("either no mail auth must be specified or username and password must be provided")
	}
	if s.Mail.Enabled && s.Mail.Port == 0 {
		s.Mail.Port = map[string]int{"tls": 465, "starttls": 587, "plain": 25}[s.Mail.Encryption]
	}

	if s.Mail.Enabled && s.CA.Enabled && s.Mail.WarnBeforeCertExpires > 0 &&
		s.Mail.WarnBeforeCertExpires >= s.CA.CertLifetime {
		return fmt.Errorf("mail.warn_before_cert_expires cannot be greater than ca.cert_lifetime")
	}

	return nil
}

// DirectoryURL returns the absolute URL of the ACME directory.
func (s *Settings) DirectoryURL() string {
	return s.ExternalURL + "acme/directory"
}

// AccountURL returns the absolute URL of an account resource.
func (s *Settings) AccountURL(accountID string) string {
	return s.ExternalURL + "acme/accounts/" + accountID
}

// OrderURL returns the absolute URL of an order resource.
func (s *Settings) OrderURL(orderID string) string {
	return s.ExternalURL + "acme/orders/" + orderID
}

// AuthzURL returns the absolute URL of an authorization resource.
func (s *Settings) AuthzURL(authzID string) string {
	return s.ExternalURL + "acme/authorizations/" + authzID
}

// ChallengeURL returns the absolute URL of a challenge resource.
func (s *Settings) ChallengeURL(chalID string) string {
	return s.ExternalURL + "acme/challenges/" + chalID
}

// CertificateURL returns the absolute URL of a certificate resource.
func (s *Settings) CertificateURL(serial string) string {
	return s.ExternalURL + "acme/certificates/" + serial
}

// CRLURL returns the public CRL download URL for a CA serial.
func (s *Settings) CRLURL(caSerial string) string {
	return strings.TrimSuffix(s.ExternalURL, "/") + "/ca/" + caSerial + "/crl"
}
