package kv

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLite stores documents in the kv table created by the migrations.
type SQLite struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{DB: db, Now: time.Now}
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO kv(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, string(value), now().UTC().Format(time.RFC3339))
	return err
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM kv WHERE key=?`, key)
	return err
}

func (s *SQLite) Close() error {
	return s.DB.Close()
}
