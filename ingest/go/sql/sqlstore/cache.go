package sqlstore

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"go.scholarhound.org/scholarhound/go/skerr"
	"go.scholarhound.org/scholarhound/ingest/go/store"
	"go.scholarhound.org/scholarhound/ingest/go/types"
)

// CacheStoreImpl implements store.CacheStore.
type CacheStoreImpl struct {
	db *pgxpool.Pool
}

// GetFeed implements store.CacheStore.
func (s *CacheStoreImpl) GetFeed(ctx context.Context, service, key string) (*types.CachedFeed, error) {
	var out types.CachedFeed
	var payload []byte
	err := s.db.QueryRow(ctx, `
		SELECT service, query_key, payload, expires_at, cached_at
		FROM CachedFeeds WHERE service = $1 AND query_key = $2`, service, key).Scan(
		&out.Service, &out.QueryKey, &payload, &out.ExpiresAt, &out.CachedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, skerr.Wrapf(err, "getting cached %s feed", service)
	}
	out.Payload = json.RawMessage(payload)
	return &out, nil
}

// UpsertFeed implements store.CacheStore.
func (s *CacheStoreImpl) UpsertFeed(ctx context.Context, feed *types.CachedFeed) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO CachedFeeds (service, query_key, payload, expires_at, cached_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (service, query_key) DO UPDATE SET
			payload = excluded.payload,
			expires_at = excluded.expires_at,
			cached_at = excluded.cached_at`,
		feed.Service, feed.QueryKey, []byte(feed.Payload), feed.ExpiresAt, feed.CachedAt)
	return skerr.Wrapf(err, "caching %s feed", feed.Service)
}

// DeleteFeed implements store.CacheStore.
func (s *CacheStoreImpl) DeleteFeed(ctx context.Context, service, key string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM CachedFeeds WHERE service = $1 AND query_key = $2`, service, key)
	return skerr.Wrapf(err, "deleting cached %s feed", service)
}

// PruneToMax implements store.CacheStore. The newest max rows survive.
func (s *CacheStoreImpl) PruneToMax(ctx context.Context, service string, max int) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM CachedFeeds WHERE service = $1 AND query_key IN (
			SELECT query_key FROM CachedFeeds WHERE service = $1
			ORDER BY cached_at DESC OFFSET $2)`, service, max)
	return skerr.Wrapf(err, "pruning %s feed cache", service)
}

var _ store.CacheStore = (*CacheStoreImpl)(nil)
