package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AnswerRecord is one saved answer waiting to be persisted.
type AnswerRecord struct {
	AttemptID  uuid.UUID
	QuestionID uuid.UUID
	Answer     string
}

// AnswerRepository persists attempt answers.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

const upsertAnswerSQL = `INSERT INTO attempt_answers (attempt_id, question_id, answer)
	 VALUES ($1, $2, $3)
	 ON CONFLICT (attempt_id, question_id) DO UPDATE
	 SET answer = EXCLUDED.answer, updated_at = NOW()`

// Upsert creates or replaces one answer.
func (r *AnswerRepository) Upsert(ctx context.Context, rec AnswerRecord) error {
	_, err := r.pool.Exec(ctx, upsertAnswerSQL, rec.AttemptID, rec.QuestionID, rec.Answer)
	return err
}

// UpsertBatch sends all upserts in one round trip.
func (r *AnswerRepository) UpsertBatch(ctx context.Context, recs []AnswerRecord) error {
	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(upsertAnswerSQL, rec.AttemptID, rec.QuestionID, rec.Answer)
	}
	return r.pool.SendBatch(ctx, batch).Close()
}

// ListQuestionIDs returns the IDs of questions that have a persisted answer.
func (r *AnswerRepository) ListQuestionIDs(ctx context.Context, attemptID uuid.UUID) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id FROM attempt_answers WHERE attempt_id = $1 AND answer <> ''`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id.String())
	}
	return ids, rows.Err()
}
