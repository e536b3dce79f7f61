package sqlstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"go.scholarhound.org/scholarhound/go/skerr"
	"go.scholarhound.org/scholarhound/ingest/go/store"
	"go.scholarhound.org/scholarhound/ingest/go/types"
)

// ScholarStoreImpl implements store.ScholarStore.
type ScholarStoreImpl struct {
	db *pgxpool.Pool
}

const scholarColumns = `scholar_profile_id, user_id, scholar_id, display_name, profile_image_url,
	profile_image_override_url, profile_image_upload_path, is_enabled, baseline_completed,
	last_run_dt, last_run_status, last_initial_page_fingerprint, last_initial_page_checked_at,
	created_at`

func scanScholar(row pgx.Row) (*types.ScholarProfile, error) {
	var out types.ScholarProfile
	var status string
	if err := row.Scan(&out.ID, &out.UserID, &out.ScholarID, &out.DisplayName,
		&out.ProfileImageURL, &out.ProfileImageOverrideURL, &out.ProfileImageUploadPath,
		&out.IsEnabled, &out.BaselineCompleted, &out.LastRunDT, &status,
		&out.LastInitialPageFingerprint, &out.LastInitialPageCheckedAt, &out.CreatedAt); err != nil {
		return nil, err
	}
	out.LastRunStatus = types.ScholarOutcome(status)
	return &out, nil
}

// GetScholar implements store.ScholarStore.
func (s *ScholarStoreImpl) GetScholar(ctx context.Context, id int64) (*types.ScholarProfile, error) {
	out, err := scanScholar(s.db.QueryRow(ctx, `
		SELECT `+scholarColumns+` FROM ScholarProfiles WHERE scholar_profile_id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, skerr.Wrapf(store.ErrNotFound, "scholar %d", id)
		}
		return nil, skerr.Wrapf(err, "getting scholar %d", id)
	}
	return out, nil
}

// ListEnabled implements store.ScholarStore.
func (s *ScholarStoreImpl) ListEnabled(ctx context.Context, userID int64) ([]types.ScholarProfile, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+scholarColumns+` FROM ScholarProfiles
		WHERE user_id = $1 AND is_enabled
		ORDER BY created_at, scholar_profile_id`, userID)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	var out []types.ScholarProfile
	for rows.Next() {
		sp, err := scanScholar(rows)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		out = append(out, *sp)
	}
	return out, skerr.Wrap(rows.Err())
}

// UpdateRunState implements store.ScholarStore.
func (s *ScholarStoreImpl) UpdateRunState(ctx context.Context, id int64, status types.ScholarOutcome, runDT time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE ScholarProfiles SET last_run_status = $2, last_run_dt = $3
		WHERE scholar_profile_id = $1`, id, string(status), runDT)
	if err != nil {
		return skerr.Wrapf(err, "updating run state of scholar %d", id)
	}
	if tag.RowsAffected() == 0 {
		return skerr.Wrapf(store.ErrNotFound, "scholar %d", id)
	}
	return nil
}

// SetInitialPageFingerprint implements store.ScholarStore.
func (s *ScholarStoreImpl) SetInitialPageFingerprint(ctx context.Context, id int64, fingerprint string, checkedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE ScholarProfiles SET
			last_initial_page_fingerprint = $2,
			last_initial_page_checked_at = $3,
			baseline_completed = TRUE
		WHERE scholar_profile_id = $1`, id, fingerprint, checkedAt)
	if err != nil {
		return skerr.Wrapf(err, "setting fingerprint of scholar %d", id)
	}
	if tag.RowsAffected() == 0 {
		return skerr.Wrapf(store.ErrNotFound, "scholar %d", id)
	}
	return nil
}

// UpdateProfileMeta implements store.ScholarStore. Empty arguments leave the
// corresponding column as-is.
func (s *ScholarStoreImpl) UpdateProfileMeta(ctx context.Context, id int64, displayName, profileImageURL string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE ScholarProfiles SET
			display_name = COALESCE(NULLIF($2, ''), display_name),
			profile_image_url = COALESCE(NULLIF($3, ''), profile_image_url)
		WHERE scholar_profile_id = $1`, id, displayName, profileImageURL)
	if err != nil {
		return skerr.Wrapf(err, "updating profile meta of scholar %d", id)
	}
	if tag.RowsAffected() == 0 {
		return skerr.Wrapf(store.ErrNotFound, "scholar %d", id)
	}
	return nil
}

var _ store.ScholarStore = (*ScholarStoreImpl)(nil)
