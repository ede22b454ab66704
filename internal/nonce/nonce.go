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

// Package nonce mints and consumes the single-use anti-replay tokens
// required on every signed ACME request.
package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"

	"github.com/acmeca/acmeca/internal/core"
)

const (
	// TTL is how long a minted nonce stays consumable.
	TTL = 30 * time.Minute
	// purgeInterval is how often expired rows are deleted. Expired but
	// unpurged nonces are already rejected at consume time.
	purgeInterval = time.Hour
	// tokenBytes gives 256-bit nonces (43 base64url characters).
	tokenBytes = 32
)

// Storage is the persistence the service needs.
type Storage interface {
	AddNonce(ctx context.Context, id string, expiresAt time.Time) error
	ConsumeNonce(ctx context.Context, id string) (bool, error)
	PurgeExpiredNonces(ctx context.Context) (int64, error)
}

// Service mints and consumes nonces against persistent storage, so
// any instance behind a load balancer can consume a nonce minted by
// another.
type Service struct {
	store Storage
	clk   clock.Clock
	log   *zap.Logger
}

// NewService returns a nonce service.
func NewService(store Storage, clk clock.Clock, log *zap.Logger) *Service {
	return &Service{store: store, clk: clk, log: log.Named("nonce")}
}

// Mint generates and persists a fresh nonce.
func (s *Service) Mint(ctx context.Context) (string, error) {
	token, err := core.NewToken(tokenBytes)
	if err != nil {
		return "", err
	}
	if err := s.store.AddNonce(ctx, token, s.clk.Now().Add(TTL)); err != nil {
		return "", fmt.Errorf("minting nonce: %w", err)
	}
	return token, nil
}

// Refresh consumes the supplied nonce and mints its replacement. The
// replacement is returned even when consumption failed, so an error
// response can still carry a usable Replay-Nonce; ok reports whether
// the old nonce was actually consumed.
func (s *Service) Refresh(ctx context.Context, old string) (newNonce string, ok bool, err error) {
	ok, err = s.store.ConsumeNonce(ctx, old)
	if err != nil {
		return "", false, err
	}
	newNonce, err = s.Mint(ctx)
	if err != nil {
		return "", false, err
	}
	return newNonce, ok, nil
}

// PurgeLoop deletes expired nonces every purgeInterval until ctx is
// canceled.
func (s *Service) PurgeLoop(ctx context.Context) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := s.store.PurgeExpiredNonces(ctx)
			if err != nil {
				s.log.Error("could not purge old nonces", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Debug("purged expired nonces", zap.Int64("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
