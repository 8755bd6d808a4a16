package distance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courierflow/dispatch/pkg/database"
)

// Entry is one persisted distance_cache row.
type Entry struct {
	Key       string    `db:"cache_key"`
	DistanceM float64   `db:"distance_m"`
	DurationS float64   `db:"duration_s"`
	Geometry  *string   `db:"geometry"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

// Repository handles database operations for the persistent distance
// cache. All statements run through the transient-failure retry
// helpers: a flapping connection should not cost a cache fill.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new distance cache repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func scanEntry(row pgx.Row) (*Entry, error) {
	entry := &Entry{}
	err := row.Scan(
		&entry.Key,
		&entry.DistanceM,
		&entry.DurationS,
		&entry.Geometry,
		&entry.CreatedAt,
		&entry.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Get retrieves a live cache entry by key. Misses and expired entries return
// (nil, nil); only infrastructure failures return an error.
func (r *Repository) Get(ctx context.Context, key string) (*Entry, error) {
	query := `
		SELECT cache_key, distance_m, duration_s, geometry, created_at, expires_at
		FROM distance_cache
		WHERE cache_key = $1 AND expires_at > NOW()
	`

	entry, err := database.RetryableQueryRow(ctx, r.db, query, []interface{}{key}, scanEntry)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get distance cache entry: %w", err)
	}

	return entry, nil
}

// GetBatch retrieves all live entries for the given keys in one round trip.
func (r *Repository) GetBatch(ctx context.Context, keys []string) (map[string]*Entry, error) {
	if len(keys) == 0 {
		return make(map[string]*Entry), nil
	}

	query := `
		SELECT cache_key, distance_m, duration_s, geometry, created_at, expires_at
		FROM distance_cache
		WHERE cache_key = ANY($1) AND expires_at > NOW()
	`

	entries, err := database.RetryableQuery(ctx, r.db, query, []interface{}{keys},
		func(rows pgx.Rows) (map[string]*Entry, error) {
			entries := make(map[string]*Entry, len(keys))
			for rows.Next() {
				entry, err := scanEntry(rows)
				if err != nil {
					return nil, fmt.Errorf("failed to scan distance cache entry: %w", err)
				}
				entries[entry.Key] = entry
			}
			return entries, rows.Err()
		})
	if err != nil {
		return nil, fmt.Errorf("failed to batch-get distance cache entries: %w", err)
	}

	return entries, nil
}

// Put upserts a cache entry. Concurrent fills of the same key are expected;
// the last write wins.
func (r *Repository) Put(ctx context.Context, entry *Entry) error {
	query := `
		INSERT INTO distance_cache (cache_key, distance_m, duration_s, geometry, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (cache_key)
		DO UPDATE SET distance_m = $2, duration_s = $3, geometry = $4, created_at = $5, expires_at = $6
	`

	_, err := database.RetryableExec(ctx, r.db, query,
		entry.Key,
		entry.DistanceM,
		entry.DurationS,
		entry.Geometry,
		entry.CreatedAt,
		entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put distance cache entry: %w", err)
	}

	return nil
}

// DeleteExpired removes entries past their expiry and returns the count.
func (r *Repository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := database.RetryableExec(ctx, r.db, `DELETE FROM distance_cache WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired distance cache entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
