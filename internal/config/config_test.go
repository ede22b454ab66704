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

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) string {
	t.Helper()
	var key fernet.Key
	require.NoError(t, key.Generate())
	return key.Encode()
}

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("EXTERNAL_URL", "https://acme.example.org/")
	t.Setenv("DB_DSN", "acme:secret@tcp(db:3306)/acme")
	t.Setenv("CA_ENCRYPTION_KEY", testKey(t))
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)
	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", s.ListenAddr)
	assert.True(t, s.CA.Enabled)
	assert.Equal(t, DefaultCertLifetime, s.CA.CertLifetime)
	assert.Equal(t, DefaultCRLLifetime, s.CA.CRLLifetime)
	assert.Equal(t, 80, s.ACME.HTTP01Port)
	assert.False(t, s.Mail.Enabled)
	assert.True(t, s.Web.Enabled)
	assert.False(t, s.Web.EnablePublicLog)
}

func TestLoadAppendsSlash(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("EXTERNAL_URL", "https://acme.example.org")
	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://acme.example.org/", s.ExternalURL)
}

func TestLoadRejectsBadExternalURL(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("EXTERNAL_URL", "acme.example.org")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "external_url")
}

func TestLoadMissingEncryptionKeySuggestsOne(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CA_ENCRYPTION_KEY", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "freshly generated key")

	// The suggested key must itself be usable.
	suggested := err.Error()[strings.LastIndex(err.Error(), " ")+1:]
	_, derr := fernet.DecodeKey(suggested)
	assert.NoError(t, derr)
}

func TestLoadRejectsShortLifetimes(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CA_CERT_LIFETIME", "2h")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one day")
}

func TestMailValidation(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MAIL_ENABLED", "true")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mail.host")

	t.Setenv("MAIL_HOST", "smtp.example.org")
	t.Setenv("MAIL_SENDER", "ca@example.org")
	s, err := Load()
	require.NoError(t, err)
	// Default port follows the encryption mode.
	assert.Equal(t, 465, s.Mail.Port)

	t.Setenv("MAIL_ENCRYPTION", "starttls")
	s, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 587, s.Mail.Port)

	t.Setenv("MAIL_USERNAME", "user")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "username and password")
}

func TestWarnBefore(t *testing.T) {
	assert.Equal(t, time.Duration(0), warnBefore("false"))
	assert.Equal(t, time.Duration(0), warnBefore("0"))
	assert.Equal(t, time.Duration(0), warnBefore("-1"))
	assert.Equal(t, 72*time.Hour, warnBefore("72h"))
	assert.Equal(t, 20*24*time.Hour, warnBefore("20d"))
	assert.Equal(t, DefaultWarnBefore, warnBefore("garbage"))
}

func TestWarnBeforeMustBeShorterThanLifetime(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MAIL_ENABLED", "true")
	t.Setenv("MAIL_HOST", "smtp.example.org")
	t.Setenv("MAIL_SENDER", "ca@example.org")
	t.Setenv("CA_CERT_LIFETIME", "48h")
	t.Setenv("MAIL_WARN_BEFORE_CERT_EXPIRES", "96h")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warn_before_cert_expires")
}

func TestURLHelpers(t *testing.T) {
	s := &Settings{ExternalURL: "https://acme.example.org/"}
	assert.Equal(t, "https://acme.example.org/acme/directory", s.DirectoryURL())
	assert.Equal(t, "https://acme.example.org/acme/accounts/a1", s.AccountURL("a1"))
	assert.Equal(t, "https://acme.example.org/acme/orders/o1", s.OrderURL("o1"))
	assert.Equal(t, "https://acme.example.org/acme/authorizations/z1", s.AuthzURL("z1"))
	assert.Equal(t, "https://acme.example.org/acme/challenges/c1", s.ChallengeURL("c1"))
	assert.Equal(t, "https://acme.example.org/acme/certificates/AB12", s.CertificateURL("AB12"))
	assert.Equal(t, "https://acme.example.org/ca/FF01/crl", s.CRLURL("FF01"))
}

func TestDomainRegexDefaults(t *testing.T) {
	setBaseEnv(t)
	s, err := Load()
	require.NoError(t, err)

	match := func(re interface{ FindString(string) string }, v string) bool {
		return re.FindString(v) == v
	}
	assert.True(t, match(s.ACME.TargetDomainRegex, "host.example.org"))
	assert.False(t, match(s.ACME.TargetDomainRegex, "*.example.org"))
	assert.True(t, match(s.ACME.MailTargetRegex, "ops@example.org"))
	assert.False(t, match(s.ACME.MailTargetRegex, "not-a-mail"))
}
