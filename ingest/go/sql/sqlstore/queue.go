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

// QueueStoreImpl implements store.QueueStore.
type QueueStoreImpl struct {
	db *pgxpool.Pool
}

const queueColumns = `ingestion_queue_id, user_id, scholar_profile_id, resume_cstart, reason,
	status, attempt_count, next_attempt_dt, last_run_id, last_error, dropped_reason, dropped_at`

func scanQueueItem(row pgx.Row) (*types.QueueItem, error) {
	var out types.QueueItem
	var status string
	if err := row.Scan(&out.ID, &out.UserID, &out.ScholarProfileID, &out.ResumeCstart,
		&out.Reason, &status, &out.AttemptCount, &out.NextAttemptDT, &out.LastRunID,
		&out.LastError, &out.DroppedReason, &out.DroppedAt); err != nil {
		return nil, err
	}
	out.Status = types.QueueStatus(status)
	return &out, nil
}

// UpsertJob implements store.QueueStore. A scholar has at most one
// continuation job at a time. On conflict the attempt count of a live job
// is kept, so re-queuing after a failed dispatch does not restart the
// max-attempt countdown; a dropped job being resurrected starts over.
func (s *QueueStoreImpl) UpsertJob(ctx context.Context, job *types.QueueItem) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO IngestionQueue (user_id, scholar_profile_id, resume_cstart, reason,
			status, attempt_count, next_attempt_dt, last_run_id, last_error,
			dropped_reason, dropped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, scholar_profile_id) DO UPDATE SET
			resume_cstart = excluded.resume_cstart,
			reason = excluded.reason,
			status = excluded.status,
			attempt_count = CASE
				WHEN IngestionQueue.status = 'dropped' THEN excluded.attempt_count
				ELSE IngestionQueue.attempt_count
			END,
			next_attempt_dt = excluded.next_attempt_dt,
			last_run_id = excluded.last_run_id,
			last_error = excluded.last_error,
			dropped_reason = excluded.dropped_reason,
			dropped_at = excluded.dropped_at
		RETURNING ingestion_queue_id, attempt_count`,
		job.UserID, job.ScholarProfileID, job.ResumeCstart, job.Reason,
		string(job.Status), job.AttemptCount, job.NextAttemptDT, job.LastRunID,
		job.LastError, job.DroppedReason, job.DroppedAt).Scan(&job.ID, &job.AttemptCount)
	return skerr.Wrapf(err, "upserting queue job for scholar %d", job.ScholarProfileID)
}

// GetJob implements store.QueueStore.
func (s *QueueStoreImpl) GetJob(ctx context.Context, id int64) (*types.QueueItem, error) {
	out, err := scanQueueItem(s.db.QueryRow(ctx, `
		SELECT `+queueColumns+` FROM IngestionQueue WHERE ingestion_queue_id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, skerr.Wrapf(store.ErrNotFound, "queue item %d", id)
		}
		return nil, skerr.Wrapf(err, "getting queue item %d", id)
	}
	return out, nil
}

// ClearForScholar implements store.QueueStore.
func (s *QueueStoreImpl) ClearForScholar(ctx context.Context, userID, scholarProfileID int64) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM IngestionQueue WHERE user_id = $1 AND scholar_profile_id = $2`,
		userID, scholarProfileID)
	return skerr.Wrapf(err, "clearing queue for scholar %d", scholarProfileID)
}

// DeleteJob implements store.QueueStore.
func (s *QueueStoreImpl) DeleteJob(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM IngestionQueue WHERE ingestion_queue_id = $1`, id)
	return skerr.Wrapf(err, "deleting queue item %d", id)
}

// ListDue implements store.QueueStore.
func (s *QueueStoreImpl) ListDue(ctx context.Context, now time.Time, limit int) ([]types.QueueItem, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+queueColumns+` FROM IngestionQueue
		WHERE status IN ('queued', 'retrying') AND next_attempt_dt <= $1
		ORDER BY next_attempt_dt, ingestion_queue_id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	var out []types.QueueItem
	for rows.Next() {
		q, err := scanQueueItem(rows)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		out = append(out, *q)
	}
	return out, skerr.Wrap(rows.Err())
}

// ListJobsForUser implements store.QueueStore.
func (s *QueueStoreImpl) ListJobsForUser(ctx context.Context, userID int64) ([]types.QueueItem, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+queueColumns+` FROM IngestionQueue
		WHERE user_id = $1 ORDER BY ingestion_queue_id`, userID)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	var out []types.QueueItem
	for rows.Next() {
		q, err := scanQueueItem(rows)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		out = append(out, *q)
	}
	return out, skerr.Wrap(rows.Err())
}

// IncrementAttempt implements store.QueueStore.
func (s *QueueStoreImpl) IncrementAttempt(ctx context.Context, id int64) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		UPDATE IngestionQueue SET attempt_count = attempt_count + 1
		WHERE ingestion_queue_id = $1
		RETURNING attempt_count`, id).Scan(&count)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, skerr.Wrapf(store.ErrNotFound, "queue item %d", id)
		}
		return 0, skerr.Wrapf(err, "incrementing attempts of queue item %d", id)
	}
	return count, nil
}

// ResetAttempts implements store.QueueStore.
func (s *QueueStoreImpl) ResetAttempts(ctx context.Context, id int64) error {
	return s.exec(ctx, id, `
		UPDATE IngestionQueue SET attempt_count = 0 WHERE ingestion_queue_id = $1`, id)
}

// MarkRetrying implements store.QueueStore.
func (s *QueueStoreImpl) MarkRetrying(ctx context.Context, id int64) error {
	return s.exec(ctx, id, `
		UPDATE IngestionQueue SET status = 'retrying' WHERE ingestion_queue_id = $1`, id)
}

// MarkDropped implements store.QueueStore.
func (s *QueueStoreImpl) MarkDropped(ctx context.Context, id int64, reason, lastError string, at time.Time) error {
	return s.exec(ctx, id, `
		UPDATE IngestionQueue SET status = 'dropped', dropped_reason = $2, last_error = $3,
			dropped_at = $4
		WHERE ingestion_queue_id = $1`, id, reason, lastError, at)
}

// MarkQueuedNow implements store.QueueStore.
func (s *QueueStoreImpl) MarkQueuedNow(ctx context.Context, id int64, reason string, resetAttempts bool, now time.Time) error {
	return s.exec(ctx, id, `
		UPDATE IngestionQueue SET status = 'queued', reason = $2, next_attempt_dt = $3,
			dropped_reason = '', dropped_at = NULL,
			attempt_count = CASE WHEN $4 THEN 0 ELSE attempt_count END
		WHERE ingestion_queue_id = $1`, id, reason, now, resetAttempts)
}

// RescheduleJob implements store.QueueStore.
func (s *QueueStoreImpl) RescheduleJob(ctx context.Context, id int64, nextAttempt time.Time, reason, lastError string) error {
	return s.exec(ctx, id, `
		UPDATE IngestionQueue SET status = 'queued', next_attempt_dt = $2, reason = $3,
			last_error = $4
		WHERE ingestion_queue_id = $1`, id, nextAttempt, reason, lastError)
}

// CountActive implements store.QueueStore.
func (s *QueueStoreImpl) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM IngestionQueue WHERE status IN ('queued', 'retrying')`).Scan(&n)
	return n, skerr.Wrap(err)
}

// exec runs a single-row update, mapping zero rows affected to ErrNotFound.
func (s *QueueStoreImpl) exec(ctx context.Context, id int64, sql string, args ...interface{}) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return skerr.Wrapf(err, "updating queue item %d", id)
	}
	if tag.RowsAffected() == 0 {
		return skerr.Wrapf(store.ErrNotFound, "queue item %d", id)
	}
	return nil
}

var _ store.QueueStore = (*QueueStoreImpl)(nil)
