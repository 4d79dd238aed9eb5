// Package postgres provides a PostgreSQL-backed implementation of the
// versioned record store.
package postgres

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfold/strata/errs"
	"github.com/quantfold/strata/internal/store"
)

const (
	recordInsertSQL = `
INSERT INTO records (key, version, data, updated_at)
VALUES (@key, 1, @data::jsonb, NOW())
ON CONFLICT (key) DO NOTHING;
`

	recordSwapSQL = `
UPDATE records
SET version = version + 1,
    data = @data::jsonb,
    updated_at = NOW()
WHERE key = @key AND version = @prev_version
RETURNING version, updated_at;
`

	recordSelectSQL = `
SELECT key, version, data, updated_at
FROM records
WHERE key = @key;
`

	recordListSQL = `
SELECT key, version, data, updated_at
FROM records
WHERE key LIKE @pattern
ORDER BY key;
`
)

// RecordStore persists versioned records in a single table.
type RecordStore struct {
	pool *pgxpool.Pool
}

// NewRecordStore constructs a RecordStore backed by the provided pool.
func NewRecordStore(pool *pgxpool.Pool) *RecordStore {
	return &RecordStore{pool: pool}
}

func (s *RecordStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, errs.New("store", errs.CodeUnavailable, errs.WithMessage("record store: nil pool"))
	}
	return s.pool, nil
}

// Get fetches the record stored under key.
func (s *RecordStore) Get(ctx context.Context, key string) (store.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return store.Record{}, err
	}
	row := pool.QueryRow(ctx, recordSelectSQL, pgx.NamedArgs{"key": key})
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Record{}, errs.New("store", errs.CodeNotFound,
				errs.WithMessage("record store: key not found"),
				errs.WithField("key", key))
		}
		return store.Record{}, errs.New("store", errs.CodeUnavailable,
			errs.WithMessage("record store: select record"),
			errs.WithCause(err))
	}
	return record, nil
}

// Put creates the record if absent and returns the stored row. A concurrent
// creator winning the insert surfaces as a conflict so the caller re-reads.
func (s *RecordStore) Put(ctx context.Context, record store.Record) (store.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return store.Record{}, err
	}
	if err := record.Validate(); err != nil {
		return store.Record{}, err
	}
	tag, err := pool.Exec(ctx, recordInsertSQL, pgx.NamedArgs{
		"key":  record.Key,
		"data": record.Data,
	})
	if err != nil {
		return store.Record{}, errs.New("store", errs.CodeUnavailable,
			errs.WithMessage("record store: insert record"),
			errs.WithCause(err))
	}
	if tag.RowsAffected() == 0 {
		return store.Record{}, errs.New("store", errs.CodeConflict,
			errs.WithMessage("record store: key already exists"),
			errs.WithField("key", record.Key))
	}
	return s.Get(ctx, record.Key)
}

// CompareAndSwap replaces the record only when prevVersion still matches.
func (s *RecordStore) CompareAndSwap(ctx context.Context, prevVersion uint64, record store.Record) (store.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return store.Record{}, err
	}
	if err := record.Validate(); err != nil {
		return store.Record{}, err
	}
	row := pool.QueryRow(ctx, recordSwapSQL, pgx.NamedArgs{
		"key":          record.Key,
		"prev_version": int64(prevVersion),
		"data":         record.Data,
	})
	var version int64
	var updatedAt time.Time
	if err := row.Scan(&version, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Record{}, s.classifySwapMiss(ctx, record.Key, prevVersion)
		}
		return store.Record{}, errs.New("store", errs.CodeUnavailable,
			errs.WithMessage("record store: swap record"),
			errs.WithCause(err))
	}
	saved := record.Clone()
	saved.Version = uint64(version)
	saved.UpdatedAt = updatedAt
	return saved, nil
}

// ListPrefix returns all records whose key starts with prefix, ordered by key.
func (s *RecordStore) ListPrefix(ctx context.Context, prefix string) ([]store.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, recordListSQL, pgx.NamedArgs{"pattern": escapeLike(prefix) + "%"})
	if err != nil {
		return nil, errs.New("store", errs.CodeUnavailable,
			errs.WithMessage("record store: list records"),
			errs.WithCause(err))
	}
	defer rows.Close()

	var records []store.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, errs.New("store", errs.CodeUnavailable,
				errs.WithMessage("record store: scan record"),
				errs.WithCause(err))
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New("store", errs.CodeUnavailable,
			errs.WithMessage("record store: iterate records"),
			errs.WithCause(err))
	}
	return records, nil
}

// classifySwapMiss distinguishes a missing key from a stale version after a
// zero-row swap.
func (s *RecordStore) classifySwapMiss(ctx context.Context, key string, prevVersion uint64) error {
	if _, err := s.Get(ctx, key); err != nil {
		return err
	}
	return errs.New("store", errs.CodeConflict,
		errs.WithMessage("record store: version mismatch"),
		errs.WithField("key", key),
		errs.WithField("prev_version", strconv.FormatUint(prevVersion, 10)))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (store.Record, error) {
	var record store.Record
	var version int64
	if err := row.Scan(&record.Key, &version, &record.Data, &record.UpdatedAt); err != nil {
		return store.Record{}, err
	}
	record.Version = uint64(version)
	return record, nil
}

func escapeLike(prefix string) string {
	out := make([]byte, 0, len(prefix))
	for i := 0; i < len(prefix); i++ {
		switch prefix[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, prefix[i])
	}
	return string(out)
}
