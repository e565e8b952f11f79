package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mlsec-arena/evalengine/internal/database"
	"github.com/mlsec-arena/evalengine/internal/models"
	"github.com/mlsec-arena/evalengine/internal/queue"
	"github.com/mlsec-arena/evalengine/internal/repository"
	"github.com/mlsec-arena/evalengine/pkg/classifier"
	"github.com/mlsec-arena/evalengine/pkg/objectstore"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func setupServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), database.GormConfig())
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

type memQueue struct {
	mu     sync.Mutex
	tasks  []queue.Task
	acked  []string
	nacked []string
	failOn bool
	// failNext fails that many upcoming enqueues, then recovers.
	failNext int
}

func (q *memQueue) Enqueue(_ context.Context, task queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failOn {
		return errors.New("queue unavailable")
	}
	if q.failNext > 0 {
		q.failNext--
		return errors.New("transient queue error")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *memQueue) Dequeue(context.Context) (*queue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, queue.ErrQueueEmpty
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return &queue.Delivery{Task: task}, nil
}

func (q *memQueue) Ack(_ context.Context, d *queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, d.Task.ID)
	return nil
}

func (q *memQueue) Nack(_ context.Context, d *queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacked = append(q.nacked, d.Task.ID)
	d.Task.Redelivered++
	q.tasks = append(q.tasks, d.Task)
	return nil
}

func (q *memQueue) Close() error { return nil }

func (q *memQueue) pending() []queue.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Task(nil), q.tasks...)
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, objectstore.ErrObjectNotFound
	}
	return data, nil
}

func (s *memStore) Put(_ context.Context, key string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *memStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

type verdictFunc func(sample []byte) (classifier.Verdict, error)

// stubEnvironment answers classification calls with a fixed function and counts them.
type stubEnvironment struct {
	verdict  verdictFunc
	openErr  error
	delay    time.Duration
	opened   int32
	closed   int32
	classify int32
	inFlight int32
	peak     int32
}

func (e *stubEnvironment) Open(context.Context, models.Submission) (ExecutionSession, error) {
	if e.openErr != nil {
		return nil, e.openErr
	}
	atomic.AddInt32(&e.opened, 1)
	return &stubSession{env: e}, nil
}

func (e *stubEnvironment) calls() int {
	return int(atomic.LoadInt32(&e.classify))
}

type stubSession struct {
	env *stubEnvironment
}

func (s *stubSession) Classify(_ context.Context, sample []byte) (classifier.Verdict, error) {
	atomic.AddInt32(&s.env.classify, 1)
	current := atomic.AddInt32(&s.env.inFlight, 1)
	defer atomic.AddInt32(&s.env.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&s.env.peak)
		if current <= peak || atomic.CompareAndSwapInt32(&s.env.peak, peak, current) {
			break
		}
	}
	if s.env.delay > 0 {
		time.Sleep(s.env.delay)
	}
	return s.env.verdict(sample)
}

func (s *stubSession) Close(context.Context) error {
	atomic.AddInt32(&s.env.closed, 1)
	return nil
}

// verdictsByContent scores a sample by its content; unknown contents fail.
func verdictsByContent(scores map[string]float64) verdictFunc {
	return func(sample []byte) (classifier.Verdict, error) {
		score, ok := scores[string(sample)]
		if !ok {
			return classifier.Verdict{}, errors.New("defense returned 500")
		}
		label := 0
		if score >= 0.5 {
			label = 1
		}
		return classifier.Verdict{Label: label, Score: score}, nil
	}
}

// failFirst fails the first classification of every sample in flaky, then defers to next.
func failFirst(next verdictFunc, flaky ...string) verdictFunc {
	var mu sync.Mutex
	seen := map[string]bool{}
	for _, content := range flaky {
		seen[content] = false
	}
	return func(sample []byte) (classifier.Verdict, error) {
		mu.Lock()
		failed, tracked := seen[string(sample)]
		if tracked && !failed {
			seen[string(sample)] = true
			mu.Unlock()
			return classifier.Verdict{}, errors.New("defense connection reset")
		}
		mu.Unlock()
		return next(sample)
	}
}

type harness struct {
	db          *gorm.DB
	queue       *memQueue
	store       *memStore
	env         *stubEnvironment
	submissions repository.SubmissionRepository
	files       repository.AttackFileRepository
	runs        repository.EvaluationRunRepository
	results     repository.EvaluationResultRepository
	scores      repository.PairScoreRepository
	jobs        repository.JobRepository
	coordinator RunCoordinator
	dispatcher  FileDispatcher
	aggregator  ScoreAggregator
	registry    SubmissionRegistry
	worker      *EvaluationWorker
}

func newHarness(t *testing.T, env *stubEnvironment) *harness {
	t.Helper()
	db := setupServiceDB(t)
	h := &harness{
		db:          db,
		queue:       &memQueue{},
		store:       newMemStore(),
		env:         env,
		submissions: repository.NewSubmissionRepository(db),
		files:       repository.NewAttackFileRepository(db),
		runs:        repository.NewEvaluationRunRepository(db),
		results:     repository.NewEvaluationResultRepository(db),
		scores:      repository.NewPairScoreRepository(db),
		jobs:        repository.NewJobRepository(db),
	}

	h.coordinator = NewRunCoordinator(h.runs, h.submissions, h.jobs, h.queue, nil, RunCoordinatorConfig{
		WorkerID:    "test-worker",
		RunDeadline: time.Minute,
		MaxAttempts: 2,
		NewEnqueueBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
		},
	}, testLogger())
	h.dispatcher = NewFileDispatcher(h.files, h.results, h.store, DispatchConfig{
		MaxInFlight: 4,
		FileTimeout: time.Second,
		MaxAttempts: 2,
		NewBackOff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}, testLogger())
	h.aggregator = NewScoreAggregator(h.files, h.results)
	h.registry = NewSubmissionRegistry(h.submissions, h.scores, NewPairResolver(h.submissions, h.runs), h.coordinator, testLogger())

	lineage := NewLineageLinker(h.files)
	h.worker = NewEvaluationWorker(WorkerDependencies{
		Queue:       h.queue,
		Jobs:        h.jobs,
		Submissions: h.submissions,
		Coordinator: h.coordinator,
		Dispatcher:  h.dispatcher,
		Aggregator:  h.aggregator,
		Environment: env,
		Ingest:      NewAttackIngestService(h.submissions, h.files, lineage, h.store, IngestConfig{}, testLogger()),
		Functional:  NewFunctionalCheckService(h.submissions, env, time.Second, testLogger()),
	}, WorkerConfig{
		Concurrency:   1,
		NewRunBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}, testLogger())
	return h
}

func (h *harness) submission(t *testing.T, userID, submissionType string) models.Submission {
	t.Helper()
	submission := models.Submission{
		UserID:         userID,
		SubmissionType: submissionType,
		Version:        "v1",
		ArtifactRef:    "registry.example.com/" + userID + ":v1",
	}
	require.NoError(t, h.submissions.Create(context.Background(), &submission))
	return submission
}

// attackFiles stores one sample per content string and returns the rows in filename order.
func (h *harness) attackFiles(t *testing.T, attackID string, contents ...string) []models.AttackFile {
	t.Helper()
	ctx := context.Background()
	rows := make([]models.AttackFile, 0, len(contents))
	for i, content := range contents {
		key := "samples/" + attackID + "/" + content
		require.NoError(t, h.store.Put(ctx, key, []byte(content), "application/octet-stream"))
		rows = append(rows, models.AttackFile{
			AttackSubmissionID: attackID,
			ObjectKey:          key,
			Filename:           string(rune('a'+i)) + "_" + content,
			ByteSize:           int64(len(content)),
			SHA256:             uuid.NewString(),
			Source:             repository.SourceZip,
			BehaviorStatus:     models.BehaviorStatusUnknown,
		})
	}
	_, err := h.files.CreateBatch(ctx, rows)
	require.NoError(t, err)

	files, err := h.files.ListBySubmission(ctx, attackID)
	require.NoError(t, err)
	return files
}

// drain handles every queued delivery, including ones queued while draining.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		delivery, err := h.queue.Dequeue(ctx)
		if errors.Is(err, queue.ErrQueueEmpty) {
			return
		}
		require.NoError(t, err)
		h.worker.Handle(ctx, delivery)
	}
	t.Fatal("queue did not drain")
}
