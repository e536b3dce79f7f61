package sqlstore

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"

	"go.scholarhound.org/scholarhound/go/skerr"
	"go.scholarhound.org/scholarhound/go/sklog"
	"go.scholarhound.org/scholarhound/ingest/go/store"
)

// runLockNamespace is the advisory-lock classid for run locks, so they
// cannot collide with advisory locks taken by other tooling on the same
// database.
const runLockNamespace = 8217

// UserLockerImpl implements store.UserLocker with a transactional advisory
// lock. The transaction does no reads or writes; it only pins the lock to a
// session for the duration of the run.
type UserLockerImpl struct {
	db *pgxpool.Pool
}

// AcquireRunLock implements store.UserLocker.
func (l *UserLockerImpl) AcquireRunLock(ctx context.Context, userID int64) (func(), bool, error) {
	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return nil, false, skerr.Wrap(err)
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		conn.Release()
		return nil, false, skerr.Wrap(err)
	}
	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1, $2)`, runLockNamespace, int32(userID)).Scan(&locked); err != nil {
		_ = tx.Rollback(ctx)
		conn.Release()
		return nil, false, skerr.Wrapf(err, "acquiring run lock for user %d", userID)
	}
	if !locked {
		_ = tx.Rollback(ctx)
		conn.Release()
		return nil, false, nil
	}
	release := func() {
		// The run's context may already be canceled; the lock must still be
		// dropped.
		if err := tx.Rollback(context.Background()); err != nil {
			sklog.Warningf("Releasing run lock for user %d: %s", userID, err)
		}
		conn.Release()
	}
	return release, true, nil
}

var _ store.UserLocker = (*UserLockerImpl)(nil)
