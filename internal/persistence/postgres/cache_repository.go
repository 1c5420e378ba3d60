package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iamavinashmourya/DevOrbit/internal/domain"
)

// CacheRepository stores classification results: a shared key→category table
// plus owner-scoped override rows.
type CacheRepository struct {
	pool *pgxpool.Pool
}

// NewCacheRepository constructs a CacheRepository.
func NewCacheRepository(pool *pgxpool.Pool) *CacheRepository {
	return &CacheRepository{pool: pool}
}

func (r *CacheRepository) Get(ctx context.Context, key string) (domain.Category, bool, error) {
	var category domain.Category
	err := r.pool.QueryRow(ctx,
		`SELECT category FROM classification_cache WHERE owner_id IS NULL AND cache_key=$1`,
		key,
	).Scan(&category)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return category, true, nil
}

// Put inserts a shared cache row; the first writer wins.
func (r *CacheRepository) Put(ctx context.Context, key string, category domain.Category) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO classification_cache (cache_key, category) VALUES ($1, $2)
         ON CONFLICT DO NOTHING`,
		key, category,
	)
	return err
}

func (r *CacheRepository) GetOverride(ctx context.Context, ownerID, contextHint string) (domain.Category, bool, error) {
	var category domain.Category
	err := r.pool.QueryRow(ctx,
		`SELECT category FROM classification_cache WHERE owner_id=$1 AND cache_key=$2`,
		ownerID, overrideKey(contextHint),
	).Scan(&category)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return category, true, nil
}

// PutOverride upserts an owner-scoped override; the latest write wins.
func (r *CacheRepository) PutOverride(ctx context.Context, ownerID, contextHint string, category domain.Category) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO classification_cache (owner_id, cache_key, category) VALUES ($1, $2, $3)
         ON CONFLICT (owner_id, cache_key) WHERE owner_id IS NOT NULL
         DO UPDATE SET category=EXCLUDED.category, updated_at=now()`,
		ownerID, overrideKey(contextHint), category,
	)
	return err
}

// overrideKey namespaces owner overrides away from shared (title|context)
// keys so a trained context can never collide with an oracle-cached pair.
func overrideKey(contextHint string) string {
	return "ctx|" + contextHint
}
