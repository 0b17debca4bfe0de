package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS capitals (
		venue TEXT PRIMARY KEY,
		amount REAL NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		return err
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS records (key TEXT PRIMARY KEY, payload BLOB NOT NULL)`)
	return err
}

func (s *Store) Capital(ctx context.Context, venueName string) (float64, bool, error) {
	var amount float64
	err := s.db.QueryRowContext(ctx, `SELECT amount FROM capitals WHERE venue = ?`, venueName).Scan(&amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return amount, true, nil
}

func (s *Store) UpdateCapital(ctx context.Context, venueName string, amount float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capitals (venue, amount, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(venue) DO UPDATE SET amount = excluded.amount, updated_at = excluded.updated_at`,
		venueName, amount, time.Now().Unix())
	return err
}

func (s *Store) Capitals(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT venue, amount FROM capitals`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]float64)
	for rows.Next() {
		var venueName string
		var amount float64
		if err := rows.Scan(&venueName, &amount); err != nil {
			return nil, err
		}
		out[venueName] = amount
	}
	return out, rows.Err()
}

func (s *Store) PutRecord(ctx context.Context, key string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (key, payload) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET payload = excluded.payload`,
		key, payload)
	return err
}

func (s *Store) GetRecord(ctx context.Context, key string) ([]byte, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM records WHERE key = ?`, key).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
