package worker

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/config"
	"github.com/stemsi/oem-proctor/internal/model"
	"github.com/stemsi/oem-proctor/internal/repository"
)

// AnswerWriter is implemented by repository.AnswerRepository.
type AnswerWriter interface {
	UpsertBatch(ctx context.Context, recs []repository.AnswerRecord) error
	Upsert(ctx context.Context, rec repository.AnswerRecord) error
}

// AutosaveWorker consumes persist_answers_queue and UPSERTs answers to PostgreSQL.
type AutosaveWorker struct {
	c *consumer[model.AnswerJob]
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(store AnswerWriter, rdb *redis.Client, opts Options, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{c: &consumer[model.AnswerJob]{
		rdb:   rdb,
		queue: config.WorkerKey.PersistAnswersQueue,
		opts:  opts.withDefaults(),
		log:   log.With().Str("component", "autosave_worker").Logger(),
		bulk: func(ctx context.Context, batch []model.AnswerJob) error {
			return store.UpsertBatch(ctx, latestAnswers(batch))
		},
		single: func(ctx context.Context, job model.AnswerJob) error {
			return store.Upsert(ctx, record(job))
		},
		key: func(job model.AnswerJob) string { return job.AttemptID.String() + "/" + job.QuestionID.String() },
	}}
}

// Start begins the worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.c.run(ctx)
}

func record(job model.AnswerJob) repository.AnswerRecord {
	return repository.AnswerRecord{AttemptID: job.AttemptID, QuestionID: job.QuestionID, Answer: job.Answer}
}

// latestAnswers keeps the last job per attempt and question, in first-seen order.
func latestAnswers(batch []model.AnswerJob) []repository.AnswerRecord {
	type key struct{ attempt, question [16]byte }
	idx := make(map[key]int, len(batch))
	out := make([]repository.AnswerRecord, 0, len(batch))
	for _, job := range batch {
		k := key{job.AttemptID, job.QuestionID}
		if i, ok := idx[k]; ok {
			out[i].Answer = job.Answer
			continue
		}
		idx[k] = len(out)
		out = append(out, record(job))
	}
	return out
}
