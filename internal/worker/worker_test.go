package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/config"
	"github.com/stemsi/oem-proctor/internal/model"
	"github.com/stemsi/oem-proctor/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastOpts = Options{BatchSize: 10, BatchTimeout: 10 * time.Millisecond, RequeueDelay: -1}

type fakeViolations struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]model.StoredViolation
	bulkErr  error
	failOnce map[uuid.UUID]bool
	bulks    int
}

func newFakeViolations() *fakeViolations {
	return &fakeViolations{rows: make(map[uuid.UUID]model.StoredViolation), failOnce: make(map[uuid.UUID]bool)}
}

func (f *fakeViolations) InsertBatch(_ context.Context, vs []model.StoredViolation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulks++
	if f.bulkErr != nil {
		return f.bulkErr
	}
	for _, v := range vs {
		f.rows[v.ID] = v
	}
	return nil
}

func (f *fakeViolations) Insert(_ context.Context, v model.StoredViolation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOnce[v.ID] {
		delete(f.failOnce, v.ID)
		return errors.New("connection reset")
	}
	f.rows[v.ID] = v
	return nil
}

func (f *fakeViolations) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeAnswers struct {
	mu      sync.Mutex
	batches [][]repository.AnswerRecord
}

func (f *fakeAnswers) UpsertBatch(_ context.Context, recs []repository.AnswerRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, recs)
	return nil
}

func (f *fakeAnswers) Upsert(_ context.Context, rec repository.AnswerRecord) error {
	return f.UpsertBatch(context.Background(), []repository.AnswerRecord{rec})
}

func (f *fakeAnswers) all() []repository.AnswerRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.AnswerRecord
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func push(t *testing.T, rdb *redis.Client, queue string, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, rdb.RPush(context.Background(), queue, raw).Err())
}

// start runs fn until the returned stop is called, and waits for it to return.
func start(fn func(context.Context)) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func violation() model.StoredViolation {
	return model.StoredViolation{
		ID: uuid.New(), AttemptID: uuid.New(), ExamID: uuid.New(),
		Type: model.EventTabSwitch, Severity: model.SeverityMedium,
		DetectedAt: time.Now().UTC(), Details: json.RawMessage(`{}`),
	}
}

func TestViolationWorkerPersistsQueue(t *testing.T) {
	_, rdb := newRedis(t)
	store := newFakeViolations()
	for i := 0; i < 3; i++ {
		push(t, rdb, config.WorkerKey.PersistViolationsQueue, violation())
	}

	stop := start(NewViolationWorker(store, rdb, fastOpts, zerolog.Nop()).Start)
	defer stop()

	require.Eventually(t, func() bool { return store.count() == 3 }, 3*time.Second, 10*time.Millisecond)
}

func TestViolationWorkerFallsBackAndRequeues(t *testing.T) {
	_, rdb := newRedis(t)
	store := newFakeViolations()
	store.bulkErr = errors.New("copy failed")

	flaky := violation()
	store.failOnce[flaky.ID] = true
	push(t, rdb, config.WorkerKey.PersistViolationsQueue, violation())
	push(t, rdb, config.WorkerKey.PersistViolationsQueue, flaky)

	stop := start(NewViolationWorker(store, rdb, fastOpts, zerolog.Nop()).Start)
	defer stop()

	// The flaky row fails once on the single-row path, is requeued, and lands on the retry.
	require.Eventually(t, func() bool { return store.count() == 2 }, 5*time.Second, 10*time.Millisecond)
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Contains(t, store.rows, flaky.ID)
	assert.GreaterOrEqual(t, store.bulks, 2)
}

func TestViolationWorkerDiscardsMalformedJobs(t *testing.T) {
	_, rdb := newRedis(t)
	store := newFakeViolations()
	require.NoError(t, rdb.RPush(context.Background(), config.WorkerKey.PersistViolationsQueue, "{not json").Err())
	push(t, rdb, config.WorkerKey.PersistViolationsQueue, violation())

	stop := start(NewViolationWorker(store, rdb, fastOpts, zerolog.Nop()).Start)
	defer stop()

	require.Eventually(t, func() bool { return store.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	n, err := rdb.LLen(context.Background(), config.WorkerKey.PersistViolationsQueue).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestViolationWorkerFlushesOnShutdown(t *testing.T) {
	_, rdb := newRedis(t)
	store := newFakeViolations()
	// A batch that never fills and a timeout that never fires leave the item buffered until stop.
	opts := Options{BatchSize: 100, BatchTimeout: time.Hour, RequeueDelay: -1}
	push(t, rdb, config.WorkerKey.PersistViolationsQueue, violation())

	stop := start(NewViolationWorker(store, rdb, opts, zerolog.Nop()).Start)
	require.Eventually(t, func() bool {
		n, _ := rdb.LLen(context.Background(), config.WorkerKey.PersistViolationsQueue).Result()
		return n == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, store.count())

	stop()
	assert.Equal(t, 1, store.count())
}

func TestAutosaveWorkerKeepsLatestAnswer(t *testing.T) {
	_, rdb := newRedis(t)
	store := &fakeAnswers{}
	attemptID, q1, q2 := uuid.New(), uuid.New(), uuid.New()
	jobs := []model.AnswerJob{
		{AttemptID: attemptID, QuestionID: q1, Answer: "A"},
		{AttemptID: attemptID, QuestionID: q2, Answer: "C"},
		{AttemptID: attemptID, QuestionID: q1, Answer: "B"},
	}
	for _, j := range jobs {
		push(t, rdb, config.WorkerKey.PersistAnswersQueue, j)
	}

	opts := Options{BatchSize: len(jobs), BatchTimeout: time.Hour, RequeueDelay: -1}
	stop := start(NewAutosaveWorker(store, rdb, opts, zerolog.Nop()).Start)
	defer stop()

	require.Eventually(t, func() bool { return len(store.all()) > 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []repository.AnswerRecord{
		{AttemptID: attemptID, QuestionID: q1, Answer: "B"},
		{AttemptID: attemptID, QuestionID: q2, Answer: "C"},
	}, store.all())
}

func TestLatestAnswers(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	q := uuid.New()
	got := latestAnswers([]model.AnswerJob{
		{AttemptID: a, QuestionID: q, Answer: "1"},
		{AttemptID: b, QuestionID: q, Answer: "2"},
		{AttemptID: a, QuestionID: q, Answer: "3"},
	})
	assert.Equal(t, []repository.AnswerRecord{
		{AttemptID: a, QuestionID: q, Answer: "3"},
		{AttemptID: b, QuestionID: q, Answer: "2"},
	}, got)
}
