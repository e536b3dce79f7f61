package sqlstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"go.scholarhound.org/scholarhound/go/skerr"
	"go.scholarhound.org/scholarhound/ingest/go/store"
	"go.scholarhound.org/scholarhound/ingest/go/types"
)

// RunStoreImpl implements store.RunStore.
type RunStoreImpl struct {
	db *pgxpool.Pool
}

const runColumns = `crawl_run_id, user_id, trigger_type, status, start_dt, end_dt,
	scholar_count, new_pub_count, idempotency_key, error_log`

func scanRun(row pgx.Row) (*types.CrawlRun, error) {
	var out types.CrawlRun
	var trigger, status string
	var log []byte
	if err := row.Scan(&out.ID, &out.UserID, &trigger, &status, &out.StartDT, &out.EndDT,
		&out.ScholarCount, &out.NewPubCount, &out.IdempotencyKey, &log); err != nil {
		return nil, err
	}
	out.TriggerType = types.TriggerType(trigger)
	out.Status = types.RunStatus(status)
	if len(log) > 0 {
		if err := json.Unmarshal(log, &out.Log); err != nil {
			return nil, skerr.Wrapf(err, "parsing error_log of run %d", out.ID)
		}
	}
	return &out, nil
}

// CreateRun implements store.RunStore. The partial unique indexes turn
// concurrent-run and idempotency-key races into typed errors.
func (s *RunStoreImpl) CreateRun(ctx context.Context, run *types.CrawlRun) error {
	log, err := json.Marshal(run.Log)
	if err != nil {
		return skerr.Wrap(err)
	}
	err = s.db.QueryRow(ctx, `
		INSERT INTO CrawlRuns (user_id, trigger_type, status, start_dt, scholar_count,
			new_pub_count, idempotency_key, error_log)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING crawl_run_id`,
		run.UserID, string(run.TriggerType), string(run.Status), run.StartDT,
		run.ScholarCount, run.NewPubCount, run.IdempotencyKey, log).Scan(&run.ID)
	switch uniqueViolationConstraint(err) {
	case "crawlruns_one_active_per_user":
		return skerr.Wrap(store.ErrActiveRunExists)
	case "crawlruns_idempotency":
		return skerr.Wrap(store.ErrIdempotencyConflict)
	}
	return skerr.Wrapf(err, "creating run for user %d", run.UserID)
}

// GetRun implements store.RunStore.
func (s *RunStoreImpl) GetRun(ctx context.Context, runID int64) (*types.CrawlRun, error) {
	out, err := scanRun(s.db.QueryRow(ctx, `
		SELECT `+runColumns+` FROM CrawlRuns WHERE crawl_run_id = $1`, runID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, skerr.Wrapf(store.ErrNotFound, "run %d", runID)
		}
		return nil, skerr.Wrapf(err, "getting run %d", runID)
	}
	return out, nil
}

// GetRunStatus implements store.RunStore.
func (s *RunStoreImpl) GetRunStatus(ctx context.Context, runID int64) (types.RunStatus, error) {
	var status string
	err := s.db.QueryRow(ctx, `
		SELECT status FROM CrawlRuns WHERE crawl_run_id = $1`, runID).Scan(&status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", skerr.Wrapf(store.ErrNotFound, "run %d", runID)
		}
		return "", skerr.Wrapf(err, "getting status of run %d", runID)
	}
	return types.RunStatus(status), nil
}

// GetByIdempotencyKey implements store.RunStore.
func (s *RunStoreImpl) GetByIdempotencyKey(ctx context.Context, userID int64, key string) (*types.CrawlRun, error) {
	out, err := scanRun(s.db.QueryRow(ctx, `
		SELECT `+runColumns+` FROM CrawlRuns
		WHERE user_id = $1 AND trigger_type = 'manual' AND idempotency_key = $2`, userID, key))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, skerr.Wrap(err)
	}
	return out, nil
}

// IncNewPubCount implements store.RunStore.
func (s *RunStoreImpl) IncNewPubCount(ctx context.Context, runID int64, delta int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE CrawlRuns SET new_pub_count = new_pub_count + $2 WHERE crawl_run_id = $1`,
		runID, delta)
	if err != nil {
		return skerr.Wrapf(err, "incrementing pub count of run %d", runID)
	}
	if tag.RowsAffected() == 0 {
		return skerr.Wrapf(store.ErrNotFound, "run %d", runID)
	}
	return nil
}

// FinalizeRun implements store.RunStore. A concurrent cancellation wins; the
// returned status is whatever the row holds after the update.
func (s *RunStoreImpl) FinalizeRun(ctx context.Context, runID int64, endDT time.Time, scholarCount int, log types.RunLog, status types.RunStatus) (types.RunStatus, error) {
	encoded, err := json.Marshal(log)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	var actual string
	err = s.db.QueryRow(ctx, `
		UPDATE CrawlRuns SET
			end_dt = $2,
			scholar_count = $3,
			error_log = $4,
			status = CASE WHEN status = 'canceled' THEN status ELSE $5 END
		WHERE crawl_run_id = $1
		RETURNING status`,
		runID, endDT, scholarCount, encoded, string(status)).Scan(&actual)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", skerr.Wrapf(store.ErrNotFound, "run %d", runID)
		}
		return "", skerr.Wrapf(err, "finalizing run %d", runID)
	}
	return types.RunStatus(actual), nil
}

// FinishResolving implements store.RunStore.
func (s *RunStoreImpl) FinishResolving(ctx context.Context, runID int64, terminal types.RunStatus) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE CrawlRuns SET status = $2
		WHERE crawl_run_id = $1 AND status = 'resolving'`, runID, string(terminal))
	if err != nil {
		return skerr.Wrapf(err, "finishing resolution of run %d", runID)
	}
	if tag.RowsAffected() == 0 {
		// Either the run was canceled while resolving, which is fine, or it
		// does not exist at all.
		var exists int
		err := s.db.QueryRow(ctx, `
			SELECT 1 FROM CrawlRuns WHERE crawl_run_id = $1`, runID).Scan(&exists)
		if err == pgx.ErrNoRows {
			return skerr.Wrapf(store.ErrNotFound, "run %d", runID)
		}
		return skerr.Wrap(err)
	}
	return nil
}

// CancelRun implements store.RunStore.
func (s *RunStoreImpl) CancelRun(ctx context.Context, runID int64, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE CrawlRuns SET status = 'canceled', end_dt = $2
		WHERE crawl_run_id = $1 AND status IN ('running', 'resolving')`, runID, at)
	if err != nil {
		return skerr.Wrapf(err, "canceling run %d", runID)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRunStatus(ctx, runID); err != nil {
			return skerr.Wrap(err)
		}
		return skerr.Wrap(store.ErrNotCancelable)
	}
	return nil
}

// LastRunStart implements store.RunStore.
func (s *RunStoreImpl) LastRunStart(ctx context.Context, userID int64) (*time.Time, error) {
	var start time.Time
	err := s.db.QueryRow(ctx, `
		SELECT start_dt FROM CrawlRuns WHERE user_id = $1
		ORDER BY start_dt DESC LIMIT 1`, userID).Scan(&start)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, skerr.Wrap(err)
	}
	return &start, nil
}

var _ store.RunStore = (*RunStoreImpl)(nil)
