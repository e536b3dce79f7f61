// Package sqlstore implements every repository interface in the store
// package on top of CockroachDB (or Postgres) via pgx. Writes that span
// multiple statements go through crdbpgx.ExecuteTx so they are retried on
// serialization conflicts.
package sqlstore

import (
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4/pgxpool"

	"go.scholarhound.org/scholarhound/ingest/go/store"
)

// New returns the aggregate store backed by the given connection pool.
func New(db *pgxpool.Pool) store.Stores {
	return store.Stores{
		Users:        &UserStoreImpl{db: db},
		Scholars:     &ScholarStoreImpl{db: db},
		Publications: &PublicationStoreImpl{db: db},
		Runs:         &RunStoreImpl{db: db},
		Queue:        &QueueStoreImpl{db: db},
		Cache:        &CacheStoreImpl{db: db},
		RuntimeState: &RuntimeStateStoreImpl{db: db},
		Locker:       &UserLockerImpl{db: db},
	}
}

// uniqueViolationConstraint returns the name of the violated unique
// constraint or index, or "" if err is not a unique violation.
func uniqueViolationConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName
	}
	return ""
}
