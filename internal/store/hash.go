package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func (db *DB) HSet(ctx context.Context, key, field, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO hashes (key, field, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key, field) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, field, value, time.Now().UnixMilli())
	if err != nil {
		return unavailable("hset", err)
	}
	return nil
}

func (db *DB) HGet(ctx context.Context, key, field string) (string, bool, error) {
	var v string
	err := db.QueryRowContext(ctx, `SELECT value FROM hashes WHERE key = ? AND field = ?`, key, field).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("hget", err)
	}
	return v, true, nil
}

func (db *DB) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT field, value FROM hashes WHERE key = ?`, key)
	if err != nil {
		return nil, unavailable("hgetall", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, unavailable("hgetall", err)
		}
		out[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("hgetall", err)
	}
	return out, nil
}

func (db *DB) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, f := range fields {
			if _, err := tx.ExecContext(ctx, `DELETE FROM hashes WHERE key = ? AND field = ?`, key, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("hdel", err)
	}
	return nil
}
