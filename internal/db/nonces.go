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

package db

import (
	"context"
	"fmt"
	"time"
)

// AddNonce inserts a freshly minted nonce.
func (s *Store) AddNonce(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := s.dbMap.ExecContext(ctx,
		`INSERT INTO nonces (id, expires_at) VALUES (?, ?)`, id, expiresAt)
	if err != nil {
		return fmt.Errorf("inserting nonce: %w", err)
	}
	return nil
}

// ConsumeNonce atomically deletes the nonce and reports whether it was
// present and unexpired. Expired-but-unpurged nonces do not count: the
// expiry check happens at consume time, not only in the purge loop.
func (s *Store) ConsumeNonce(ctx context.Context, id string) (bool, error) {
	res, err := s.dbMap.ExecContext(ctx,
		`DELETE FROM nonces WHERE id = ? AND expires_at > ?`, id, s.clk.Now())
	if err != nil {
		return false, fmt.Errorf("consuming nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consuming nonce: %w", err)
	}
	return n == 1, nil
}

// PurgeExpiredNonces removes nonces past their expiry.
func (s *Store) PurgeExpiredNonces(ctx context.Context) (int64, error) {
	res, err := s.dbMap.ExecContext(ctx,
		`DELETE FROM nonces WHERE expires_at < ?`, s.clk.Now())
	if err != nil {
		return 0, fmt.Errorf("purging nonces: %w", err)
	}
	return res.RowsAffected()
}
