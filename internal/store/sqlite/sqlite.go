// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package sqlite is a durable batchfetch.Store backed by a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/batchfetch/batchfetch/pkg/batchfetch"
)

// Store keeps every table in one records table keyed by (tbl, key).
type Store struct {
	db  *sql.DB
	log *log.Logger
}

// Open opens or creates a SQLite database at the given path and ensures schema.
func Open(path string, logger *log.Logger) (*Store, error) {
	// Pragmas: busy timeout and WAL for better concurrency.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer at a time; readers share the same connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Store{db: db, log: logger.WithPrefix("sqlite")}, nil
}

func initSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS records (
    tbl TEXT NOT NULL,
    key TEXT NOT NULL,
    value BLOB NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (tbl, key)
);
CREATE INDEX IF NOT EXISTS idx_records_updated_at ON records(updated_at);
`
	_, err := db.Exec(ddl)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, table, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM records WHERE tbl = ? AND key = ?`, table, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, batchfetch.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

const upsert = `INSERT INTO records (tbl, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(tbl, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

func (s *Store) Put(ctx context.Context, table, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, upsert, table, key, value)
	return err
}

// PutAll writes records in transactions of at most batchSize rows.
func (s *Store) PutAll(ctx context.Context, table string, records []batchfetch.Record, batchSize int) error {
	if batchSize <= 0 {
		batchSize = len(records)
	}
	for start := 0; start < len(records); start += batchSize {
		end := min(start+batchSize, len(records))
		if err := s.putChunk(ctx, table, records[start:end]); err != nil {
			return err
		}
		s.log.Debug("bulk put", "table", table, "rows", end-start)
	}
	return nil
}

func (s *Store) putChunk(ctx context.Context, table string, records []batchfetch.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsert)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		value := r.Value
		if value == nil {
			value = []byte{}
		}
		if _, err := stmt.ExecContext(ctx, table, r.Key, value); err != nil {
			return fmt.Errorf("put %s/%s: %w", table, r.Key, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Delete(ctx context.Context, table, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE tbl = ? AND key = ?`, table, key)
	return err
}

// List returns the table's records sorted by key.
func (s *Store) List(ctx context.Context, table string) ([]batchfetch.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM records WHERE tbl = ? ORDER BY key`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []batchfetch.Record
	for rows.Next() {
		var r batchfetch.Record
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
