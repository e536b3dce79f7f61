package sqlstore

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"go.scholarhound.org/scholarhound/go/skerr"
	"go.scholarhound.org/scholarhound/ingest/go/store"
	"go.scholarhound.org/scholarhound/ingest/go/types"
)

// RuntimeStateStoreImpl implements store.RuntimeStateStore.
type RuntimeStateStoreImpl struct {
	db *pgxpool.Pool
}

// GetState implements store.RuntimeStateStore.
func (s *RuntimeStateStoreImpl) GetState(ctx context.Context, key string) (*types.RuntimeState, error) {
	var out types.RuntimeState
	err := s.db.QueryRow(ctx, `
		SELECT state_key, next_allowed_at, cooldown_until, consecutive_blocked
		FROM RuntimeState WHERE state_key = $1`, key).Scan(
		&out.StateKey, &out.NextAllowedAt, &out.CooldownUntil, &out.ConsecutiveBlocked)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, skerr.Wrapf(err, "getting runtime state %q", key)
	}
	return &out, nil
}

// UpsertState implements store.RuntimeStateStore.
func (s *RuntimeStateStoreImpl) UpsertState(ctx context.Context, st *types.RuntimeState) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO RuntimeState (state_key, next_allowed_at, cooldown_until, consecutive_blocked)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (state_key) DO UPDATE SET
			next_allowed_at = excluded.next_allowed_at,
			cooldown_until = excluded.cooldown_until,
			consecutive_blocked = excluded.consecutive_blocked`,
		st.StateKey, st.NextAllowedAt, st.CooldownUntil, st.ConsecutiveBlocked)
	return skerr.Wrapf(err, "upserting runtime state %q", st.StateKey)
}

var _ store.RuntimeStateStore = (*RuntimeStateStoreImpl)(nil)
