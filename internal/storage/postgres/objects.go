package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/pricecompare/internal/cache"
)

var _ cache.Backend = (*ObjectBackend)(nil)

// ObjectBackend stores object tier records in the cache_objects table.
type ObjectBackend struct {
	pool *pgxpool.Pool
	// closePool is set when the backend owns the pool.
	closePool bool
}

// NewObjectBackend returns a backend over pool. Close does not close pool.
func NewObjectBackend(pool *pgxpool.Pool) *ObjectBackend {
	return &ObjectBackend{pool: pool}
}

// OpenObjectBackend connects, applies the schema and returns a backend that
// closes its pool on Close.
func OpenObjectBackend(ctx context.Context, databaseURL string) (*ObjectBackend, error) {
	pool, err := NewPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &ObjectBackend{pool: pool, closePool: true}, nil
}

// Get returns the record stored under key, or cache.ErrNotFound.
func (b *ObjectBackend) Get(ctx context.Context, key string) (cache.Record, error) {
	rec := cache.Record{Key: key}
	var ttl int64
	err := b.pool.QueryRow(ctx,
		`SELECT type, data, stored_at, ttl_ms, last_accessed FROM cache_objects WHERE key = $1`,
		key,
	).Scan(&rec.Type, &rec.Data, &rec.StoredAt, &ttl, &rec.LastAccessed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cache.Record{}, cache.ErrNotFound
		}
		return cache.Record{}, errors.Wrapf(err, "get %q", key)
	}
	rec.TTL = time.Duration(ttl) * time.Millisecond
	return rec, nil
}

// Put inserts or replaces the record in a single statement.
func (b *ObjectBackend) Put(ctx context.Context, rec cache.Record) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO cache_objects (key, type, data, stored_at, ttl_ms, last_accessed)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			type = EXCLUDED.type,
			data = EXCLUDED.data,
			stored_at = EXCLUDED.stored_at,
			ttl_ms = EXCLUDED.ttl_ms,
			last_accessed = EXCLUDED.last_accessed`,
		rec.Key, rec.Type, rec.Data, rec.StoredAt, rec.TTL.Milliseconds(), rec.LastAccessed,
	)
	if err != nil {
		return errors.Wrapf(err, "put %q", rec.Key)
	}
	return nil
}

// Touch updates the access time of key.
func (b *ObjectBackend) Touch(ctx context.Context, key string, at time.Time) error {
	tag, err := b.pool.Exec(ctx, `UPDATE cache_objects SET last_accessed = $2 WHERE key = $1`, key, at)
	if err != nil {
		return errors.Wrapf(err, "touch %q", key)
	}
	if tag.RowsAffected() == 0 {
		return cache.ErrNotFound
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (b *ObjectBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM cache_objects WHERE key = $1`, key); err != nil {
		return errors.Wrapf(err, "delete %q", key)
	}
	return nil
}

// List returns the metadata of every record.
func (b *ObjectBackend) List(ctx context.Context) ([]cache.Record, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT key, type, stored_at, ttl_ms, last_accessed FROM cache_objects ORDER BY key`)
	if err != nil {
		return nil, errors.Wrap(err, "list")
	}
	defer rows.Close()

	var out []cache.Record
	for rows.Next() {
		var (
			rec cache.Record
			ttl int64
		)
		if err := rows.Scan(&rec.Key, &rec.Type, &rec.StoredAt, &ttl, &rec.LastAccessed); err != nil {
			return nil, errors.Wrap(err, "scan")
		}
		rec.TTL = time.Duration(ttl) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list rows")
	}
	return out, nil
}

// Clear removes every record.
func (b *ObjectBackend) Clear(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM cache_objects`); err != nil {
		return errors.Wrap(err, "clear")
	}
	return nil
}

// Close releases the pool when the backend owns it.
func (b *ObjectBackend) Close() error {
	if b.closePool {
		b.pool.Close()
	}
	return nil
}
