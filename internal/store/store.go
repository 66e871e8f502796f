// Package store is the durable hash and list storage shared by relay
// instances. Redis backs multi-instance deployments; SQLite backs a single
// instance that owns its data directory.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable wraps every backend failure. Callers treat it as transient.
var ErrUnavailable = errors.New("store unavailable")

// Store is the subset of hash and list operations the relay needs.
// List indexes follow Redis semantics: negative values count from the end
// and stop is inclusive.
type Store interface {
	HSet(ctx context.Context, key, field, value string) error
	// HGet returns ok=false when the field does not exist.
	HGet(ctx context.Context, key, field string) (value string, ok bool, err error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	RPush(ctx context.Context, key string, values ...string) error
	// LPush inserts each value at the head in turn, like Redis LPUSH.
	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	// LPopAll returns every element of the list and deletes it atomically.
	LPopAll(ctx context.Context, key string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
