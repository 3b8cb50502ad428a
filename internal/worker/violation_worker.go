package worker

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/config"
	"github.com/stemsi/oem-proctor/internal/model"
)

// ViolationWriter is implemented by repository.ViolationRepository.
type ViolationWriter interface {
	InsertBatch(ctx context.Context, vs []model.StoredViolation) error
	Insert(ctx context.Context, v model.StoredViolation) error
}

// ViolationWorker consumes persist_violations_queue. Inserts are idempotent on the event ID,
// so a requeued batch that partly landed is safe to replay.
type ViolationWorker struct {
	c *consumer[model.StoredViolation]
}

func NewViolationWorker(store ViolationWriter, rdb *redis.Client, opts Options, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{c: &consumer[model.StoredViolation]{
		rdb:    rdb,
		queue:  config.WorkerKey.PersistViolationsQueue,
		opts:   opts.withDefaults(),
		log:    log.With().Str("component", "violation_worker").Logger(),
		bulk:   store.InsertBatch,
		single: store.Insert,
		key:    func(v model.StoredViolation) string { return v.ID.String() },
	}}
}

// Start runs until ctx is canceled, then flushes what it holds. Call in a goroutine.
func (w *ViolationWorker) Start(ctx context.Context) {
	w.c.run(ctx)
}
