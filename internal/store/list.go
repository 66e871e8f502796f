package store

import (
	"context"
	"database/sql"
	"time"
)

// window converts Redis-style inclusive start/stop indexes over a list of
// length n into an offset and count. count is 0 when the range is empty.
func window(n, start, stop int64) (offset, count int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0
	}
	return start, stop - start + 1
}

func listLen(ctx context.Context, tx *sql.Tx, key string) (int64, error) {
	var n int64
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM lists WHERE key = ?`, key).Scan(&n)
	return n, err
}

func (db *DB) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, v := range values {
			if _, err := tx.ExecContext(ctx, `INSERT INTO lists (key, value, created_at) VALUES (?, ?, ?)`, key, v, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("rpush", err)
	}
	return nil
}

// LPush inserts each value at the head in turn, so the last value ends up
// first. Head ids are taken below the table's smallest id.
func (db *DB) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var head int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MIN(id), 0) FROM lists`).Scan(&head); err != nil {
			return err
		}
		for _, v := range values {
			head--
			if _, err := tx.ExecContext(ctx, `INSERT INTO lists (id, key, value, created_at) VALUES (?, ?, ?, ?)`, head, key, v, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("lpush", err)
	}
	return nil
}

func (db *DB) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		n, err := listLen(ctx, tx, key)
		if err != nil {
			return err
		}
		offset, count := window(n, start, stop)
		if count == 0 {
			return nil
		}
		out, err = selectValues(ctx, tx, key, offset, count)
		return err
	})
	if err != nil {
		return nil, unavailable("lrange", err)
	}
	return out, nil
}

func (db *DB) LTrim(ctx context.Context, key string, start, stop int64) error {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		n, err := listLen(ctx, tx, key)
		if err != nil {
			return err
		}
		offset, count := window(n, start, stop)
		if count == 0 {
			_, err = tx.ExecContext(ctx, `DELETE FROM lists WHERE key = ?`, key)
			return err
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM lists
			WHERE key = ? AND id NOT IN (
				SELECT id FROM lists WHERE key = ? ORDER BY id ASC LIMIT ? OFFSET ?
			)`, key, key, count, offset)
		return err
	})
	if err != nil {
		return unavailable("ltrim", err)
	}
	return nil
}

func (db *DB) LPopAll(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = selectValues(ctx, tx, key, 0, -1)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM lists WHERE key = ?`, key)
		return err
	})
	if err != nil {
		return nil, unavailable("lpopall", err)
	}
	return out, nil
}

// selectValues returns list values in insertion order. count < 0 means all.
func selectValues(ctx context.Context, tx *sql.Tx, key string, offset, count int64) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT value FROM lists WHERE key = ?
		ORDER BY id ASC LIMIT ? OFFSET ?`, key, count, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
