package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Limits on keys and values.
const (
	MaxKeySize   = 1024
	MaxValueSize = 4 * 1024 * 1024
)

// Record is one row of sync_data.
type Record struct {
	Key       []byte
	Value     []byte
	Timestamp int64
	Flag      int64
	Deleted   bool
}

func hashKey(key []byte) []byte {
	sum := sha256.Sum256(key)
	return sum[:]
}

func checkKey(key []byte) error {
	if len(key) == 0 || len(key) > MaxKeySize {
		return fmt.Errorf("%w: key length %d", ErrInvalidArgs, len(key))
	}
	return nil
}

// Put stores value under key. On a schema store the value is checked against the
// schema first and stored with any missing defaults filled in.
func (s *Store) Put(ctx context.Context, key, value []byte) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if err := checkKey(key); err != nil {
		return err
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("%w: value length %d", ErrInvalidArgs, len(value))
	}

	if s.schema.IsValid() {
		amended, _, err := s.schema.CheckValue(value)
		if err != nil {
			return fmt.Errorf("put %q: %w", key, err)
		}
		value = amended
	}

	now := time.Now().UnixNano()
	_, err := s.exec(ctx, `INSERT OR REPLACE INTO sync_data
    (key, value, timestamp, w_timestamp, flag, device, ori_device, hash_key)
    VALUES (?, ?, ?, ?, 0, ?, ?, ?);`,
		key, value, now, now, []byte{}, []byte{}, hashKey(key))
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	rec, err := s.GetRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, ErrNotFound
	}
	return rec.Value, nil
}

// GetRecord returns the full row stored under key, including deleted rows.
func (s *Store) GetRecord(ctx context.Context, key []byte) (*Record, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	rec := &Record{}
	err := s.runner().QueryRowContext(ctx,
		"SELECT key, value, timestamp, flag FROM sync_data WHERE hash_key = ?;", hashKey(key)).
		Scan(&rec.Key, &rec.Value, &rec.Timestamp, &rec.Flag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	rec.Deleted = rec.Flag&flagDeleted != 0
	return rec, nil
}

// Delete marks the record under key as deleted and drops its value.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if err := checkKey(key); err != nil {
		return err
	}
	now := time.Now().UnixNano()
	result, err := s.exec(ctx,
		"UPDATE sync_data SET value = NULL, flag = flag | ?, timestamp = ?, w_timestamp = ? WHERE hash_key = ? AND (flag & ?) = 0;",
		flagDeleted, now, now, hashKey(key), flagDeleted)
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of live records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.runner().QueryRowContext(ctx,
		"SELECT count(*) FROM sync_data WHERE (flag & ?) = 0;", flagDeleted).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}
