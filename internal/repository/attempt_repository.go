package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/oem-proctor/internal/model"
)

const attemptColumns = `id, exam_id, student_id, student_name, status, started_at,
	duration_seconds, violation_count, submitted_at, submit_trigger, created_at`

// AttemptRepository handles exam attempt data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

func scanAttempt(row pgx.Row) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := row.Scan(&a.ID, &a.ExamID, &a.StudentID, &a.StudentName, &a.Status, &a.StartedAt,
		&a.DurationSeconds, &a.ViolationCount, &a.SubmittedAt, &a.SubmitTrigger, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetByID returns pgx.ErrNoRows when the attempt does not exist.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts WHERE id = $1`, id))
}

// MarkStarted moves a pending or in-progress attempt to in_progress, keeping the first started_at.
// Closed attempts are left untouched and yield pgx.ErrNoRows.
func (r *AttemptRepository) MarkStarted(ctx context.Context, id uuid.UUID, now time.Time) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`UPDATE exam_attempts
		 SET started_at = COALESCE(started_at, $2), status = 'in_progress'
		 WHERE id = $1 AND status IN ('pending', 'in_progress') AND submitted_at IS NULL
		 RETURNING `+attemptColumns, id, now))
}

// MarkSubmitted closes an in-progress attempt. changed is false when another call got there first,
// in which case the stored row is returned as-is.
func (r *AttemptRepository) MarkSubmitted(ctx context.Context, id uuid.UUID, trigger model.SubmitTrigger, now time.Time) (*model.Attempt, bool, error) {
	a, err := scanAttempt(r.pool.QueryRow(ctx,
		`UPDATE exam_attempts
		 SET status = 'submitted', submitted_at = $3, submit_trigger = $2
		 WHERE id = $1 AND status = 'in_progress'
		 RETURNING `+attemptColumns, id, trigger, now))
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	a, err = r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return a, false, nil
}

// RaiseViolationCount stores GREATEST(current, reported) on an in-progress attempt.
// ok is false when the attempt is no longer in progress.
func (r *AttemptRepository) RaiseViolationCount(ctx context.Context, id uuid.UUID, reported int) (count int, ok bool, err error) {
	err = r.pool.QueryRow(ctx,
		`UPDATE exam_attempts
		 SET violation_count = GREATEST(violation_count, $2)
		 WHERE id = $1 AND status = 'in_progress'
		 RETURNING violation_count`, id, reported,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return count, true, nil
}

// ListInProgressByExam is used to rebuild the active-submission list when the Redis hash is empty.
func (r *AttemptRepository) ListInProgressByExam(ctx context.Context, examID uuid.UUID) ([]model.Attempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts
		 WHERE exam_id = $1 AND status = 'in_progress'
		 ORDER BY started_at ASC`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}
