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

package mailer

import (
	"context"
	"math"
	"time"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"

	"github.com/acmeca/acmeca/internal/db"
)

// notifyInterval is how often the expiry notifier scans for
// certificates needing a reminder.
const notifyInterval = time.Hour

// Storage is the persistence the notifier needs.
type Storage interface {
	ListExpiryCandidates(ctx context.Context, warnBefore time.Duration) ([]db.ExpiryCandidate, error)
	NewestExpiryByDomain(ctx context.Context) (map[string]time.Time, error)
	SetCertInformedFlag(ctx context.Context, serial string, expired bool) error
}

// Sender is the mail surface the notifier needs.
type Sender interface {
	SendCertExpiresWarning(ctx context.Context, to, serial string, domains []string, notValidAfter time.Time, expiresInDays int) error
	SendCertExpiredInfo(ctx context.Context, to, serial string, domains []string, notValidAfter time.Time) error
}

// Notifier periodically mails account holders about certificates that
// are about to expire or already expired.
type Notifier struct {
	store      Storage
	sender     Sender
	clk        clock.Clock
	log        *zap.Logger
	warnBefore time.Duration
	sendOnExp  bool
}

// NotifierConfig tunes the expiry notifier.
type NotifierConfig struct {
	// WarnBefore is how long before expiry the warning mail goes out;
	// zero disables the warning entirely.
	WarnBefore time.Duration
	// NotifyOnExpired enables the mail sent after expiry.
	NotifyOnExpired bool
}

// NewNotifier builds the expiry notifier.
func NewNotifier(store Storage, sender Sender, cfg NotifierConfig, clk clock.Clock, log *zap.Logger) *Notifier {
	return &Notifier{
		store:      store,
		sender:     sender,
		clk:        clk,
		log:        log.Named("notifier"),
		warnBefore: cfg.WarnBefore,
		sendOnExp:  cfg.NotifyOnExpired,
	}
}

// Run scans immediately and then every notifyInterval until ctx is
// canceled.
func (n *Notifier) Run(ctx context.Context) {
	ticker := time.NewTicker(notifyInterval)
	defer ticker.Stop()
	for {
		if err := n.Scan(ctx); err != nil {
			n.log.Error("expiry notification scan failed", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// certGroup is one certificate with all its domains.
type certGroup struct {
	mail          string
	serial        string
	notValidAfter time.Time
	domains       []string
}

// Scan performs one notification pass. Per-certificate send failures
// are logged and do not abort the pass.
func (n *Notifier) Scan(ctx context.Context) error {
	candidates, err := n.store.ListExpiryCandidates(ctx, n.warnBefore)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}
	newest, err := n.store.NewestExpiryByDomain(ctx)
	if err != nil {
		return err
	}

	var groups []certGroup
	index := map[string]int{}
	for _, cand := range candidates {
		i, seen := index[cand.SerialNumber]
		if !seen {
			groups = append(groups, certGroup{
				mail:          cand.Mail,
				serial:        cand.SerialNumber,
				notValidAfter: cand.NotValidAfter,
			})
			i = len(groups) - 1
			index[cand.SerialNumber] = i
		}
		groups[i].domains = append(groups[i].domains, cand.Domain)
	}

	now := n.clk.Now()
	for _, group := range groups {
		expired := group.notValidAfter.Before(now)
		if expired && !n.sendOnExp {
			continue
		}

		// Domains already covered by a newer certificate need no
		// reminder for this one.
		var relevant []string
		for _, domain := range group.domains {
			if newest[domain].Equal(group.notValidAfter) {
				relevant = append(relevant, domain)
			}
		}

		if len(relevant) > 0 {
			var sendErr error
			if expired {
				sendErr = n.sender.SendCertExpiredInfo(ctx, group.mail, group.serial, relevant, group.notValidAfter)
			} else {
				days := int(math.Ceil(group.notValidAfter.Sub(now).Hours() / 24))
				sendErr = n.sender.SendCertExpiresWarning(ctx, group.mail, group.serial, relevant, group.notValidAfter, days)
			}
			if sendErr != nil {
				n.log.Error("could not send expiry mail",
					zap.String("serial", group.serial),
					zap.String("to", group.mail),
					zap.Error(sendErr))
				continue
			}
			n.log.Info("sent expiry mail",
				zap.String("serial", group.serial),
				zap.String("to", group.mail),
				zap.Bool("expired", expired),
				zap.Strings("domains", relevant))
		}

		if err := n.store.SetCertInformedFlag(ctx, group.serial, expired); err != nil {
			n.log.Error("could not mark certificate as informed",
				zap.String("serial", group.serial), zap.Error(err))
		}
	}
	return nil
}
