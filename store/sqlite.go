package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLite is a Store backed by a single SQLite file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: sqlite path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Serialises writers; the watermark check-and-set relies on it.
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	schema := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS signed_watermarks (
            channel_id TEXT NOT NULL PRIMARY KEY,
            nonce TEXT NOT NULL,
            signed_amount TEXT NOT NULL,
            updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS discovery_cursors (
            name TEXT PRIMARY KEY,
            last_block INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS discovered_channels (
            name TEXT NOT NULL,
            position INTEGER NOT NULL,
            channel_id TEXT NOT NULL,
            PRIMARY KEY(name, position)
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Watermark implements Store.
func (s *SQLite) Watermark(ctx context.Context, channelID *big.Int) (Watermark, bool, error) {
	const query = `SELECT nonce, signed_amount FROM signed_watermarks WHERE channel_id = ?`
	var nonce, amount string
	err := s.db.QueryRowContext(ctx, query, channelID.String()).Scan(&nonce, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return Watermark{}, false, nil
	}
	if err != nil {
		return Watermark{}, false, err
	}
	w := Watermark{ChannelID: new(big.Int).Set(channelID)}
	if w.Nonce, err = parseBig(nonce); err != nil {
		return Watermark{}, false, err
	}
	if w.SignedAmount, err = parseBig(amount); err != nil {
		return Watermark{}, false, err
	}
	return w, true, nil
}

// AdvanceWatermark implements Store.
func (s *SQLite) AdvanceWatermark(ctx context.Context, w Watermark) error {
	if err := validWatermark(w); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var nonce, amount string
	err = tx.QueryRowContext(ctx, `SELECT nonce, signed_amount FROM signed_watermarks WHERE channel_id = ?`, w.ChannelID.String()).Scan(&nonce, &amount)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		stored := Watermark{ChannelID: w.ChannelID}
		if stored.Nonce, err = parseBig(nonce); err != nil {
			return err
		}
		if stored.SignedAmount, err = parseBig(amount); err != nil {
			return err
		}
		if err := checkAdvance(stored, w); err != nil {
			return err
		}
	}

	const stmt = `INSERT INTO signed_watermarks(channel_id, nonce, signed_amount, updated_at) VALUES(?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(channel_id) DO UPDATE SET nonce = excluded.nonce, signed_amount = excluded.signed_amount, updated_at = excluded.updated_at`
	if _, err := tx.ExecContext(ctx, stmt, w.ChannelID.String(), w.Nonce.String(), w.SignedAmount.String()); err != nil {
		return err
	}
	return tx.Commit()
}

// Discovery implements Store.
func (s *SQLite) Discovery(ctx context.Context, key string) (Discovery, error) {
	var d Discovery
	err := s.db.QueryRowContext(ctx, `SELECT last_block FROM discovery_cursors WHERE name = ?`, key).Scan(&d.LastBlock)
	if errors.Is(err, sql.ErrNoRows) {
		return Discovery{}, nil
	}
	if err != nil {
		return Discovery{}, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id FROM discovered_channels WHERE name = ? ORDER BY position`, key)
	if err != nil {
		return Discovery{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return Discovery{}, err
		}
		id, err := parseBig(raw)
		if err != nil {
			return Discovery{}, err
		}
		d.ChannelIDs = append(d.ChannelIDs, id)
	}
	return d, rows.Err()
}

// SaveDiscovery implements Store.
func (s *SQLite) SaveDiscovery(ctx context.Context, key string, d Discovery) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM discovered_channels WHERE name = ?`, key); err != nil {
		return err
	}
	for i, id := range d.ChannelIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO discovered_channels(name, position, channel_id) VALUES(?, ?, ?)`, key, i, id.String()); err != nil {
			return err
		}
	}
	const stmt = `INSERT INTO discovery_cursors(name, last_block) VALUES(?, ?) ON CONFLICT(name) DO UPDATE SET last_block = excluded.last_block`
	if _, err := tx.ExecContext(ctx, stmt, key, d.LastBlock); err != nil {
		return err
	}
	return tx.Commit()
}

func parseBig(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("store: corrupt integer %q", raw)
	}
	return v, nil
}
