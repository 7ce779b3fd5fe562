package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvforge/cvforge/internal/adapter/queue/redisq"
	"github.com/cvforge/cvforge/internal/config"
	"github.com/cvforge/cvforge/internal/domain"
)

// memJobs is an in-memory JobRepository with the same transition rules as
// the Postgres implementation.
type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job

	failCreate bool
}

func newMemJobs() *memJobs { return &memJobs{jobs: make(map[string]*domain.Job)} }

func (m *memJobs) get(id string) (*domain.Job, bool) {
	j, ok := m.jobs[id]
	return j, ok
}

func (m *memJobs) Create(_ domain.Context, j domain.Job) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate {
		return domain.Job{}, domain.E(domain.CodeDBError, "create failed")
	}
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	cp := j
	m.jobs[j.ID] = &cp
	return j, nil
}

func (m *memJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.get(id)
	if !ok {
		return domain.Job{}, domain.E(domain.CodeJobNotFound, "job %s", id)
	}
	return *j, nil
}

func (m *memJobs) GetOwned(ctx domain.Context, id, userID string) (domain.Job, error) {
	j, err := m.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if j.UserID != userID {
		return domain.Job{}, domain.E(domain.CodeJobNotFound, "job %s", id)
	}
	return j, nil
}

func (m *memJobs) List(domain.Context, string, domain.JobFilter, domain.Page) ([]domain.Job, int64, error) {
	return nil, 0, nil
}

func (m *memJobs) MarkProcessing(_ domain.Context, id, workerID string, at time.Time) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.get(id)
	if !ok {
		return domain.Job{}, domain.E(domain.CodeJobNotFound, "job %s", id)
	}
	if j.Status != domain.JobPending && j.Status != domain.JobProcessing {
		return domain.Job{}, domain.E(domain.CodeJobAlreadyTerminal, "job is %s", j.Status)
	}
	j.Status = domain.JobProcessing
	j.StartedAt = &at
	j.Progress = 0
	j.Attempts = append(j.Attempts, domain.JobAttempt{
		Number: len(j.Attempts) + 1, StartedAt: at, WorkerID: workerID,
	})
	return *j, nil
}

func (m *memJobs) ReportProgress(_ domain.Context, id string, progress int, step string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.get(id)
	if !ok {
		return false, domain.E(domain.CodeJobNotFound, "job %s", id)
	}
	j.Progress = progress
	j.CurrentStep = step
	return j.CancelRequested, nil
}

func (m *memJobs) SetTotalSteps(_ domain.Context, id string, totalSteps int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.get(id); ok {
		j.TotalSteps = totalSteps
	}
	return nil
}

func (m *memJobs) Complete(_ domain.Context, id string, result json.RawMessage, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.get(id)
	if !ok {
		return domain.E(domain.CodeJobNotFound, "job %s", id)
	}
	if j.Status != domain.JobProcessing {
		return domain.E(domain.CodeJobAlreadyTerminal, "job is %s", j.Status)
	}
	j.Status = domain.JobCompleted
	j.Result = result
	j.Progress = 100
	j.CompletedAt = &at
	return nil
}

func (m *memJobs) Fail(_ domain.Context, id string, jerr domain.JobError, status domain.JobStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.get(id)
	if !ok {
		return domain.E(domain.CodeJobNotFound, "job %s", id)
	}
	if j.Status.Terminal() {
		return domain.E(domain.CodeJobAlreadyTerminal, "job is %s", j.Status)
	}
	j.Status = status
	j.Error = &jerr
	j.CompletedAt = &at
	return nil
}

func (m *memJobs) Reschedule(_ domain.Context, id string, attemptErr domain.JobError, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.get(id)
	if !ok {
		return domain.E(domain.CodeJobNotFound, "job %s", id)
	}
	if j.Status != domain.JobProcessing {
		return domain.E(domain.CodeJobAlreadyTerminal, "job is %s", j.Status)
	}
	j.Status = domain.JobPending
	j.RetryCount++
	if n := len(j.Attempts); n > 0 {
		j.Attempts[n-1].FinishedAt = at
		j.Attempts[n-1].Error = attemptErr.Message
		j.Attempts[n-1].ErrorCode = attemptErr.Code
	}
	return nil
}

func (m *memJobs) RequestCancel(_ domain.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.get(id); ok {
		j.CancelRequested = true
	}
	return nil
}

func (m *memJobs) Cancel(_ domain.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.get(id)
	if !ok {
		return domain.E(domain.CodeJobNotFound, "job %s", id)
	}
	if j.Status.Terminal() {
		return domain.E(domain.CodeJobAlreadyTerminal, "job is %s", j.Status)
	}
	j.Status = domain.JobCancelled
	j.CompletedAt = &at
	return nil
}

func (m *memJobs) CountByStatus(domain.Context) (map[domain.JobStatus]int64, error) {
	return nil, nil
}

func (m *memJobs) ListStuck(_ domain.Context, queue string, cutoff time.Time, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, j := range m.jobs {
		if j.Type.Queue() == queue && j.Status == domain.JobProcessing &&
			j.StartedAt != nil && j.StartedAt.Before(cutoff) {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memJobs) DeleteTerminalBefore(domain.Context, []domain.JobStatus, []domain.JobType, time.Time) (int64, error) {
	return 0, nil
}

type sinkRec struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *sinkRec) Emit(_ domain.Context, e domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *sinkRec) all() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

type funcProcessor struct {
	kind domain.JobType
	fn   func(ctx context.Context, jc *JobContext) error
}

func (p funcProcessor) Kind() domain.JobType { return p.kind }
func (p funcProcessor) Run(ctx context.Context, jc *JobContext) error {
	return p.fn(ctx, jc)
}

func testConfig() config.Config {
	t := config.QueueTuning{Concurrency: 1, Priority: 5, JobTimeout: time.Minute}
	return config.Config{
		QueueParsing: t, QueueOptimization: t, QueueGeneration: t,
		QueueATS: t, QueueWebhook: t,
		LeaseTTL: time.Minute, PollInterval: time.Millisecond,
		PollIdleInterval: time.Millisecond, ReaperInterval: time.Second,
		RetryMaxRetries: 3, RetryInitialDelay: 10 * time.Millisecond,
		RetryMaxDelay: 40 * time.Millisecond, RetryMultiplier: 2, RetryJitter: false,
	}
}

func newTestEngine(t *testing.T) (*Engine, *memJobs, *redisq.Broker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	broker := redisq.New(rdb, 0)
	jobs := newMemJobs()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(jobs, broker, testConfig(), log), jobs, broker
}

func newTestWorker(e *Engine, sink domain.EventSink) *Worker {
	return NewWorker(e, nil, sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func leaseOne(t *testing.T, b *redisq.Broker, queue string) domain.Lease {
	t.Helper()
	lease, ok, err := b.Lease(context.Background(), queue, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	return lease
}

func TestEngine_Create_PersistsAndEnqueues(t *testing.T) {
	e, jobs, broker := newTestEngine(t)
	ctx := context.Background()

	job, err := e.Create(ctx, domain.JobTypeParsing, map[string]string{"cvId": "cv-1"}, CreateOptions{UserID: "u-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Equal(t, 5, job.Priority)
	assert.Equal(t, 3, job.MaxRetries)

	stored, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cvId":"cv-1"}`, string(stored.Data))

	lease := leaseOne(t, broker, "parsing")
	assert.Equal(t, job.ID, lease.JobID)
}

func TestEngine_Create_PriorityBounds(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	for _, p := range []int{0, 10} {
		p := p
		_, err := e.Create(ctx, domain.JobTypeParsing, nil, CreateOptions{UserID: "u", Priority: &p})
		require.NoError(t, err, "priority %d must be accepted", p)
	}
	for _, p := range []int{-1, 11} {
		p := p
		_, err := e.Create(ctx, domain.JobTypeParsing, nil, CreateOptions{UserID: "u", Priority: &p})
		require.Error(t, err, "priority %d must be rejected", p)
		assert.Equal(t, domain.CodeJobPriorityInvalid, domain.AsAppError(err).Code)
	}
}

func TestEngine_Create_RejectsUnknownType(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Create(context.Background(), domain.JobType("bogus"), nil, CreateOptions{UserID: "u"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestEngine_Create_DedupSuppressionFailsSecondJob(t *testing.T) {
	e, jobs, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := e.Create(ctx, domain.JobTypeParsing, nil, CreateOptions{UserID: "u", DedupKey: "cv-1"})
	require.NoError(t, err)

	_, err = e.Create(ctx, domain.JobTypeParsing, nil, CreateOptions{UserID: "u", DedupKey: "cv-1"})
	require.Error(t, err)

	stored, err := jobs.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, stored.Status, "first job is unaffected")
}

func TestWorker_HandleCompletesJob(t *testing.T) {
	e, jobs, broker := newTestEngine(t)
	ctx := context.Background()
	sink := &sinkRec{}
	w := newTestWorker(e, sink)
	w.Register(funcProcessor{kind: domain.JobTypeParsing, fn: func(ctx context.Context, jc *JobContext) error {
		if err := jc.DeclareSteps(ctx, 2); err != nil {
			return err
		}
		if err := jc.StepDone(ctx, "first"); err != nil {
			return err
		}
		if err := jc.StepDone(ctx, "second"); err != nil {
			return err
		}
		jc.SetEvent(domain.Event{CVID: "cv-1"})
		return jc.SetResult(map[string]any{"ok": true})
	}})

	job, err := e.Create(ctx, domain.JobTypeParsing, nil, CreateOptions{UserID: "u-1"})
	require.NoError(t, err)
	w.handle(ctx, leaseOne(t, broker, "parsing"))

	stored, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	assert.JSONEq(t, `{"ok":true}`, string(stored.Result))

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventParseCompleted, events[0].Type)
	assert.Equal(t, job.ID, events[0].JobID)
	assert.Equal(t, "cv-1", events[0].CVID)

	// The queue entry is gone.
	_, ok, err := broker.Lease(ctx, "parsing", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorker_ProcessorWithoutResultCompletesEmpty(t *testing.T) {
	e, jobs, broker := newTestEngine(t)
	ctx := context.Background()
	w := newTestWorker(e, nil)
	w.Register(funcProcessor{kind: domain.JobTypeATS, fn: func(ctx context.Context, jc *JobContext) error {
		return jc.ReportProgress(ctx, 50, "halfway")
	}})

	job, err := e.Create(ctx, domain.JobTypeATS, nil, CreateOptions{UserID: "u-1"})
	require.NoError(t, err)
	w.handle(ctx, leaseOne(t, broker, "ats"))

	stored, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, stored.Status)
	assert.JSONEq(t, `{}`, string(stored.Result))
}

func TestWorker_RetryableFailureReschedulesWithBackoff(t *testing.T) {
	e, jobs, broker := newTestEngine(t)
	ctx := context.Background()
	w := newTestWorker(e, nil)
	w.Register(funcProcessor{kind: domain.JobTypeOptimization, fn: func(context.Context, *JobContext) error {
		return domain.E(domain.CodeAITimeout, "model deadline exceeded")
	}})

	job, err := e.Create(ctx, domain.JobTypeOptimization, nil, CreateOptions{UserID: "u-1"})
	require.NoError(t, err)
	w.handle(ctx, leaseOne(t, broker, "optimization"))

	stored, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	require.Len(t, stored.Attempts, 1)
	assert.Equal(t, string(domain.CodeAITimeout), stored.Attempts[0].ErrorCode)

	// Re-enqueued as a delayed entry, not immediately leasable.
	stats, err := broker.Stats(ctx, "optimization")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)
}

func TestWorker_RetryExhaustionSurfacesMaxRetries(t *testing.T) {
	e, jobs, broker := newTestEngine(t)
	ctx := context.Background()
	sink := &sinkRec{}
	w := newTestWorker(e, sink)
	w.Register(funcProcessor{kind: domain.JobTypeATS, fn: func(context.Context, *JobContext) error {
		return domain.E(domain.CodeAIQuotaExceeded, "provider rate limit")
	}})

	zero := 0
	job, err := e.Create(ctx, domain.JobTypeATS, nil, CreateOptions{UserID: "u-1", MaxRetries: &zero})
	require.NoError(t, err)
	w.handle(ctx, leaseOne(t, broker, "ats"))

	stored, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, string(domain.CodeJobMaxRetries), stored.Error.Code)
	assert.Equal(t, string(domain.CodeAIQuotaExceeded), stored.Error.Details["lastCode"])

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventATSFailed, events[0].Type)
}

func TestWorker_NonRetryableFailsImmediately(t *testing.T) {
	e, jobs, broker := newTestEngine(t)
	ctx := context.Background()
	w := newTestWorker(e, nil)
	w.Register(funcProcessor{kind: domain.JobTypeParsing, fn: func(context.Context, *JobContext) error {
		return domain.E(domain.CodeParsingFailed, "no name found")
	}})

	job, err := e.Create(ctx, domain.JobTypeParsing, nil, CreateOptions{UserID: "u-1"})
	require.NoError(t, err)
	w.handle(ctx, leaseOne(t, broker, "parsing"))

	stored, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, string(domain.CodeParsingFailed), stored.Error.Code,
		"JOB_MAX_RETRIES_EXCEEDED is suppressed for non-retryable errors")
	assert.Equal(t, 0, stored.RetryCount)
}

func TestWorker_UnknownErrorRetriedOnce(t *testing.T) {
	e, jobs, broker := newTestEngine(t)
	ctx := context.Background()
	w := newTestWorker(e, nil)
	var calls int
	w.Register(funcProcessor{kind: domain.JobTypeGeneration, fn: func(context.Context, *JobContext) error {
		calls++
		return errors.New("something unexpected")
	}})

	job, err := e.Create(ctx, domain.JobTypeGeneration, nil, CreateOptions{UserID: "u-1"})
	require.NoError(t, err)

	w.handle(ctx, leaseOne(t, broker, "generation"))
	stored, _ := jobs.Get(ctx, job.ID)
	require.Equal(t, domain.JobPending, stored.Status, "first unknown failure is retried")

	// Wait out the backoff; the pop script promotes the due entry.
	w.handle(ctx, leaseEventually(t, broker, "generation"))

	stored, _ = jobs.Get(ctx, job.ID)
	assert.Equal(t, domain.JobFailed, stored.Status, "second unknown failure is final")
	assert.Equal(t, 2, calls)
}

func TestWorker_PanicBecomesUnknownError(t *testing.T) {
	e, jobs, broker := newTestEngine(t)
	ctx := context.Background()
	w := newTestWorker(e, nil)
	w.Register(funcProcessor{kind: domain.JobTypeParsing, fn: func(context.Context, *JobContext) error {
		panic("boom")
	}})

	job, err := e.Create(ctx, domain.JobTypeParsing, nil, CreateOptions{UserID: "u-1"})
	require.NoError(t, err)
	w.handle(ctx, leaseOne(t, broker, "parsing"))

	stored, _ := jobs.Get(ctx, job.ID)
	assert.Equal(t, domain.JobPending, stored.Status, "panic takes the unknown-error retry path")
	require.Len(t, stored.Attempts, 1)
	assert.Equal(t, string(domain.CodeUnknownError), stored.Attempts[0].ErrorCode)
}

func TestWorker_CancellationObservedAtCheckpoint(t *testing.T) {
	e, jobs, broker := newTestEngine(t)
	ctx := context.Background()
	sink := &sinkRec{}
	w := newTestWorker(e, sink)
	w.Register(funcProcessor{kind: domain.JobTypeOptimization, fn: func(ctx context.Context, jc *JobContext) error {
		// Cancellation lands while the job is mid-flight.
		require.NoError(t, jobs.RequestCancel(ctx, jc.Job.ID))
		return jc.ReportProgress(ctx, 10, "llm-optimize")
	}})

	job, err := e.Create(ctx, domain.JobTypeOptimization, nil, CreateOptions{UserID: "u-1"})
	require.NoError(t, err)
	w.handle(ctx, leaseOne(t, broker, "optimization"))

	stored, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, stored.Status)
	assert.Empty(t, sink.all(), "cancelled jobs emit no events")
}

func TestEngine_CancelPendingRemovesQueueEntry(t *testing.T) {
	e, jobs, broker := newTestEngine(t)
	ctx := context.Background()

	job, err := e.Create(ctx, domain.JobTypeParsing, nil, CreateOptions{UserID: "u-1"})
	require.NoError(t, err)

	got, err := e.Cancel(ctx, job.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, got.Status)

	_, ok, err := broker.Lease(ctx, "parsing", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_ = jobs
}

func TestEngine_CancelEnforcesOwnership(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	job, err := e.Create(ctx, domain.JobTypeParsing, nil, CreateOptions{UserID: "u-1"})
	require.NoError(t, err)

	_, err = e.Cancel(ctx, job.ID, "u-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound, "foreign jobs look like missing jobs")
}

func TestEngine_CancelTerminalRejected(t *testing.T) {
	e, jobs, broker := newTestEngine(t)
	ctx := context.Background()
	w := newTestWorker(e, nil)
	w.Register(funcProcessor{kind: domain.JobTypeParsing, fn: func(context.Context, *JobContext) error {
		return nil
	}})

	job, err := e.Create(ctx, domain.JobTypeParsing, nil, CreateOptions{UserID: "u-1"})
	require.NoError(t, err)
	w.handle(ctx, leaseOne(t, broker, "parsing"))

	_, err = e.Cancel(ctx, job.ID, "u-1")
	require.Error(t, err)
	assert.Equal(t, domain.CodeJobAlreadyTerminal, domain.AsAppError(err).Code)
	_ = jobs
}

func TestEngine_RetryClonesFailedJob(t *testing.T) {
	e, jobs, broker := newTestEngine(t)
	ctx := context.Background()
	w := newTestWorker(e, nil)
	w.Register(funcProcessor{kind: domain.JobTypeParsing, fn: func(context.Context, *JobContext) error {
		return domain.E(domain.CodeParsingFailed, "rejected")
	}})

	job, err := e.Create(ctx, domain.JobTypeParsing, map[string]string{"cvId": "cv-9"}, CreateOptions{UserID: "u-1"})
	require.NoError(t, err)
	w.handle(ctx, leaseOne(t, broker, "parsing"))

	clone, err := e.Retry(ctx, job.ID, "u-1")
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, clone.ID)
	assert.Equal(t, job.ID, clone.RetryOf)
	assert.Equal(t, domain.JobPending, clone.Status)
	assert.JSONEq(t, `{"cvId":"cv-9"}`, string(clone.Data))

	original, _ := jobs.Get(ctx, job.ID)
	assert.Equal(t, domain.JobFailed, original.Status, "the original stays terminal")
}

func TestEngine_RetryCompletedRejected(t *testing.T) {
	e, _, broker := newTestEngine(t)
	ctx := context.Background()
	w := newTestWorker(e, nil)
	w.Register(funcProcessor{kind: domain.JobTypeParsing, fn: func(context.Context, *JobContext) error {
		return nil
	}})

	job, err := e.Create(ctx, domain.JobTypeParsing, nil, CreateOptions{UserID: "u-1"})
	require.NoError(t, err)
	w.handle(ctx, leaseOne(t, broker, "parsing"))

	_, err = e.Retry(ctx, job.ID, "u-1")
	require.Error(t, err)
	assert.Equal(t, domain.CodeJobNotRetryable, domain.AsAppError(err).Code)
}

func TestWorker_StaleRedeliveryOfTerminalJobIsDropped(t *testing.T) {
	e, jobs, broker := newTestEngine(t)
	ctx := context.Background()
	w := newTestWorker(e, nil)
	w.Register(funcProcessor{kind: domain.JobTypeParsing, fn: func(context.Context, *JobContext) error {
		return nil
	}})

	job, err := e.Create(ctx, domain.JobTypeParsing, nil, CreateOptions{UserID: "u-1"})
	require.NoError(t, err)
	lease := leaseOne(t, broker, "parsing")
	w.handle(ctx, lease)

	// Simulate a duplicate enqueue surviving past completion.
	require.NoError(t, broker.Enqueue(ctx, "parsing", job.ID, 5, 0, ""))
	w.handle(ctx, leaseOne(t, broker, "parsing"))

	stored, _ := jobs.Get(ctx, job.ID)
	assert.Equal(t, domain.JobCompleted, stored.Status)
	stats, err := broker.Stats(ctx, "parsing")
	require.NoError(t, err)
	assert.Zero(t, stats.Waiting+stats.Leased+stats.Delayed)
}

// leaseEventually polls Lease until a delayed entry comes due; the pop
// script promotes due entries on its own.
func leaseEventually(t *testing.T, b *redisq.Broker, queue string) domain.Lease {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		lease, ok, err := b.Lease(ctx, queue, time.Minute)
		require.NoError(t, err)
		if ok {
			return lease
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no lease became available on %s", queue)
	return domain.Lease{}
}
