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

// UserStoreImpl implements store.UserStore.
type UserStoreImpl struct {
	db *pgxpool.Pool
}

// GetUser implements store.UserStore.
func (s *UserStoreImpl) GetUser(ctx context.Context, userID int64) (*types.User, error) {
	row := s.db.QueryRow(ctx, `
		SELECT user_id, email, password_hash, is_active, is_admin
		FROM Users WHERE user_id = $1`, userID)
	var u types.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsActive, &u.IsAdmin); err != nil {
		if err == pgx.ErrNoRows {
			return nil, skerr.Wrapf(store.ErrNotFound, "user %d", userID)
		}
		return nil, skerr.Wrapf(err, "getting user %d", userID)
	}
	return &u, nil
}

const settingsColumns = `user_id, auto_run_enabled, run_interval_minutes, request_delay_seconds,
	nav_visible_pages, scrape_safety_state, scrape_cooldown_until, scrape_cooldown_reason,
	openalex_api_key, crossref_mailto`

func scanSettings(row pgx.Row) (*types.UserSettings, error) {
	var out types.UserSettings
	var nav, safety []byte
	if err := row.Scan(&out.UserID, &out.AutoRunEnabled, &out.RunIntervalMinutes,
		&out.RequestDelaySeconds, &nav, &safety, &out.ScrapeCooldownUntil,
		&out.ScrapeCooldownReason, &out.OpenAlexAPIKey, &out.CrossrefMailto); err != nil {
		return nil, err
	}
	if len(nav) > 0 {
		out.NavVisiblePages = json.RawMessage(nav)
	}
	if len(safety) > 0 {
		if err := json.Unmarshal(safety, &out.SafetyState); err != nil {
			return nil, skerr.Wrapf(err, "parsing scrape_safety_state for user %d", out.UserID)
		}
	}
	return &out, nil
}

// GetOrCreateSettings implements store.UserStore.
func (s *UserStoreImpl) GetOrCreateSettings(ctx context.Context, userID int64) (*types.UserSettings, error) {
	if _, err := s.db.Exec(ctx, `
		INSERT INTO UserSettings (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return nil, skerr.Wrapf(err, "creating default settings for user %d", userID)
	}
	out, err := scanSettings(s.db.QueryRow(ctx, `
		SELECT `+settingsColumns+` FROM UserSettings WHERE user_id = $1`, userID))
	if err != nil {
		return nil, skerr.Wrapf(err, "getting settings for user %d", userID)
	}
	return out, nil
}

// UpdateSettings implements store.UserStore.
func (s *UserStoreImpl) UpdateSettings(ctx context.Context, set *types.UserSettings) error {
	safety, err := json.Marshal(set.SafetyState)
	if err != nil {
		return skerr.Wrap(err)
	}
	var nav []byte
	if set.NavVisiblePages != nil {
		nav = []byte(set.NavVisiblePages)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO UserSettings (`+settingsColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO UPDATE SET
			auto_run_enabled = excluded.auto_run_enabled,
			run_interval_minutes = excluded.run_interval_minutes,
			request_delay_seconds = excluded.request_delay_seconds,
			nav_visible_pages = excluded.nav_visible_pages,
			scrape_safety_state = excluded.scrape_safety_state,
			scrape_cooldown_until = excluded.scrape_cooldown_until,
			scrape_cooldown_reason = excluded.scrape_cooldown_reason,
			openalex_api_key = excluded.openalex_api_key,
			crossref_mailto = excluded.crossref_mailto`,
		set.UserID, set.AutoRunEnabled, set.RunIntervalMinutes, set.RequestDelaySeconds,
		nav, safety, set.ScrapeCooldownUntil, set.ScrapeCooldownReason,
		set.OpenAlexAPIKey, set.CrossrefMailto)
	return skerr.Wrapf(err, "updating settings for user %d", set.UserID)
}

// ListAutoRunEnabled implements store.UserStore.
func (s *UserStoreImpl) ListAutoRunEnabled(ctx context.Context) ([]types.UserSettings, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+settingsColumns+` FROM UserSettings
		WHERE auto_run_enabled ORDER BY user_id`)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	var out []types.UserSettings
	for rows.Next() {
		set, err := scanSettings(rows)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		out = append(out, *set)
	}
	return out, skerr.Wrap(rows.Err())
}

var _ store.UserStore = (*UserStoreImpl)(nil)
