package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/oem-proctor/internal/model"
)

// ViolationRepository stores violation events. Inserts are idempotent on the event ID.
type ViolationRepository struct {
	pool *pgxpool.Pool
}

func NewViolationRepository(pool *pgxpool.Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

const insertViolationSQL = `INSERT INTO violation_events
	 (id, attempt_id, exam_id, event_type, severity, detected_at, violation_count, late, details, received_at)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)
	 ON CONFLICT (id) DO NOTHING`

func violationArgs(v model.StoredViolation) []interface{} {
	details := string(v.Details)
	if details == "" {
		details = "{}"
	}
	return []interface{}{
		v.ID, v.AttemptID, v.ExamID, v.Type, v.Severity, v.DetectedAt,
		v.ViolationCount, v.Late, details, v.ReceivedAt,
	}
}

// Insert stores one event.
func (r *ViolationRepository) Insert(ctx context.Context, v model.StoredViolation) error {
	_, err := r.pool.Exec(ctx, insertViolationSQL, violationArgs(v)...)
	return err
}

// InsertBatch stores events in one round trip. Any failing statement fails the batch.
func (r *ViolationRepository) InsertBatch(ctx context.Context, vs []model.StoredViolation) error {
	batch := &pgx.Batch{}
	for _, v := range vs {
		batch.Queue(insertViolationSQL, violationArgs(v)...)
	}
	return r.pool.SendBatch(ctx, batch).Close()
}

// ListRecentByExam returns the exam's events detected at or after since, oldest first.
func (r *ViolationRepository) ListRecentByExam(ctx context.Context, examID uuid.UUID, since time.Time) ([]model.StoredViolation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT v.id, v.attempt_id, v.exam_id, a.student_id, a.student_name, v.event_type, v.severity,
		        v.detected_at, v.violation_count, v.late, v.details, v.received_at
		 FROM violation_events v
		 JOIN exam_attempts a ON a.id = v.attempt_id
		 WHERE v.exam_id = $1 AND v.detected_at >= $2
		 ORDER BY v.detected_at ASC`, examID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vs := make([]model.StoredViolation, 0)
	for rows.Next() {
		var v model.StoredViolation
		var details []byte
		if err := rows.Scan(&v.ID, &v.AttemptID, &v.ExamID, &v.StudentID, &v.StudentName, &v.Type, &v.Severity,
			&v.DetectedAt, &v.ViolationCount, &v.Late, &details, &v.ReceivedAt); err != nil {
			return nil, err
		}
		v.Details = details
		vs = append(vs, v)
	}
	return vs, rows.Err()
}
