package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/oem-proctor/internal/model"
)

// ExamRepository reads the exam fields the proctoring core needs.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetByID retrieves an exam by UUID.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, instructor_id, starts_at, ends_at, duration_minutes, question_count, created_at
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.InstructorID, &e.StartsAt, &e.EndsAt, &e.DurationMinutes, &e.QuestionCount, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListByInstructor returns the IDs and titles of exams owned by instructorID.
func (r *ExamRepository) ListByInstructor(ctx context.Context, instructorID int) ([]model.ExamSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title FROM exams WHERE instructor_id = $1 ORDER BY created_at DESC`, instructorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exams := make([]model.ExamSummary, 0)
	for rows.Next() {
		var e model.ExamSummary
		if err := rows.Scan(&e.ID, &e.Title); err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}
