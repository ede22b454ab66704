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

// Package db implements the storage layer on MySQL. All state machine
// transitions are conditional UPDATEs so racing requests cannot both
// advance the same row.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jmhodges/clock"
	"github.com/letsencrypt/borp"
	"go.uber.org/zap"
)

// maxOpenConns bounds the connection pool.
const maxOpenConns = 20

// Store provides persistence for all server components. It satisfies
// the storage interfaces declared by the wfe, ca, mailer and web
// packages.
type Store struct {
	dbMap *borp.DbMap
	clk   clock.Clock
	log   *zap.Logger
}

// dsnConfig parses the configured DSN and forces the connection flags
// the store depends on: parseTime so DATETIME columns scan into
// time.Time, and clientFoundRows so affected-row counts report matched
// rows. The conditional UPDATE guards check those counts, and MySQL
// otherwise reports changed rows only.
func dsnConfig(dsn string) (*mysql.Config, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing db_dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	return cfg, nil
}

// Open connects to the database behind dsn and runs pending
// migrations.
func Open(ctx context.Context, dsn string, clk clock.Clock, log *zap.Logger) (*Store, error) {
	cfg, err := dsnConfig(dsn)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	conn.SetMaxOpenConns(maxOpenConns)

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{
		dbMap: &borp.DbMap{Db: conn, Dialect: borp.MySQLDialect{Engine: "InnoDB", Encoding: "UTF8"}},
		clk:   clk,
		log:   log.Named("db"),
	}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.dbMap.Db.Close()
}

// withTx runs f inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, f func(tx *borp.Transaction) error) error {
	tx, err := s.dbMap.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Error("transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit()
}

// noRows reports whether err is the empty-result sentinel.
func noRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
