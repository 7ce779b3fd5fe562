package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cvforge/cvforge/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
// Status transitions are guarded by row locks so concurrent workers and
// the cancellation path never race each other into an invalid edge.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, type, user_id, status, priority, progress, current_step, total_steps,
	attempts, data, result, error, queued_at, started_at, completed_at,
	max_retries, retry_count, retry_of, cancel_requested, dedup_key`

func scanJob(row interface{ Scan(dest ...any) error }) (domain.Job, error) {
	var (
		j        domain.Job
		attempts []byte
		data     []byte
		result   []byte
		jobErr   []byte
	)
	err := row.Scan(&j.ID, &j.Type, &j.UserID, &j.Status, &j.Priority, &j.Progress, &j.CurrentStep, &j.TotalSteps,
		&attempts, &data, &result, &jobErr, &j.QueuedAt, &j.StartedAt, &j.CompletedAt,
		&j.MaxRetries, &j.RetryCount, &j.RetryOf, &j.CancelRequested, &j.DedupKey)
	if err != nil {
		return domain.Job{}, err
	}
	if err := fromJSONB(attempts, &j.Attempts); err != nil {
		return domain.Job{}, err
	}
	if len(data) > 0 {
		j.Data = json.RawMessage(data)
	}
	if len(result) > 0 {
		j.Result = json.RawMessage(result)
	}
	if len(jobErr) > 0 {
		var e domain.JobError
		if err := fromJSONB(jobErr, &e); err != nil {
			return domain.Job{}, err
		}
		j.Error = &e
	}
	return j, nil
}

// marshalAttempts keeps the attempts column a JSON array even when the
// slice is nil.
func marshalAttempts(a []domain.JobAttempt) ([]byte, error) {
	if a == nil {
		a = []domain.JobAttempt{}
	}
	return toJSONB(a)
}

// rawOrNil maps an empty raw message to SQL NULL so nullable JSONB
// columns never receive invalid empty input.
func rawOrNil(m json.RawMessage) []byte {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}

// finishAttempt stamps the last open attempt with its outcome.
func finishAttempt(attempts []domain.JobAttempt, at time.Time, errMsg, code string, retryable bool) []domain.JobAttempt {
	if len(attempts) == 0 {
		return attempts
	}
	last := &attempts[len(attempts)-1]
	if last.FinishedAt.IsZero() {
		last.FinishedAt = at
		last.Error = errMsg
		last.ErrorCode = code
		last.Retryable = retryable
	}
	return attempts
}

// companionFail marks the job's companion row failed within the caller's
// transaction; parsing jobs also push the owning CV to parsing_status
// 'failed'. Job types without a companion table are a no-op.
func companionFail(ctx context.Context, tx pgx.Tx, jobType domain.JobType, jobID, msg string, at time.Time) error {
	var table string
	switch jobType {
	case domain.JobTypeGeneration:
		table = "generations"
	case domain.JobTypeATS:
		table = "ats_analyses"
	case domain.JobTypeParsing:
		table = "cv_parsing_jobs"
	default:
		return nil
	}
	q := fmt.Sprintf(`UPDATE %s SET status='failed', error=$2, completed_at=$3, updated_at=$3
		WHERE job_id=$1 AND status IN ('pending','processing')`, table)
	if _, err := tx.Exec(ctx, q, jobID, msg, at); err != nil {
		return err
	}
	if jobType == domain.JobTypeParsing {
		// The CV mirrors the parse pipeline state; without this the CV
		// would stay on parsing_status='processing' after a terminal
		// failure.
		q := `UPDATE cvs SET parsing_status='failed', last_parsed_at=$2, updated_at=$2
			FROM cv_parsing_jobs p
			WHERE p.job_id=$1 AND cvs.id=p.cv_id AND cvs.parsing_status='processing'`
		if _, err := tx.Exec(ctx, q, jobID, at); err != nil {
			return err
		}
	}
	return nil
}

// transitionError maps a rejected status edge onto the job error taxonomy.
func transitionError(current, next domain.JobStatus) error {
	if current.Terminal() {
		return domain.E(domain.CodeJobAlreadyTerminal, "job is already %s", current)
	}
	return domain.E(domain.CodeJobInvalidState, "cannot move job from %s to %s", current, next)
}

// Create inserts a new job and returns it with generated fields filled in.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "jobs"),
		attribute.String("job.type", string(j.Type)),
	)
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	if j.QueuedAt.IsZero() {
		j.QueuedAt = time.Now().UTC()
	}
	attempts, err := marshalAttempts(j.Attempts)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.create: %w", err)
	}
	var errJSON []byte
	if j.Error != nil {
		if errJSON, err = toJSONB(j.Error); err != nil {
			return domain.Job{}, fmt.Errorf("op=job.create: %w", err)
		}
	}
	q := `INSERT INTO jobs (id, type, user_id, status, priority, progress, current_step, total_steps,
		attempts, data, result, error, queued_at, started_at, completed_at,
		max_retries, retry_count, retry_of, cancel_requested, dedup_key, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`
	_, err = r.Pool.Exec(ctx, q, j.ID, j.Type, j.UserID, j.Status, j.Priority, j.Progress, j.CurrentStep, j.TotalSteps,
		attempts, rawOrNil(j.Data), rawOrNil(j.Result), errJSON, j.QueuedAt, j.StartedAt, j.CompletedAt,
		j.MaxRetries, j.RetryCount, j.RetryOf, j.CancelRequested, j.DedupKey, time.Now().UTC())
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.create: %w", err)
	}
	return j, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if noRows(err) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// GetOwned loads a job by id scoped to its owner.
func (r *JobRepo) GetOwned(ctx domain.Context, id, userID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.GetOwned")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1 AND user_id=$2`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id, userID))
	if err != nil {
		if noRows(err) {
			return domain.Job{}, fmt.Errorf("op=job.get_owned: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get_owned: %w", err)
	}
	return j, nil
}

// List returns a filtered page of the user's jobs, newest first.
func (r *JobRepo) List(ctx domain.Context, userID string, f domain.JobFilter, page domain.Page) ([]domain.Job, int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()
	if page.Limit <= 0 {
		page.Limit = 20
	}

	where := `WHERE user_id=$1`
	args := []any{userID}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		where += fmt.Sprintf(` AND type = ANY($%d)`, len(args))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		where += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		where += fmt.Sprintf(` AND queued_at >= $%d`, len(args))
	}
	if f.Until != nil {
		args = append(args, *f.Until)
		where += fmt.Sprintf(` AND queued_at <= $%d`, len(args))
	}

	var total int64
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=job.list: %w", err)
	}

	args = append(args, page.Limit, page.Offset)
	q := fmt.Sprintf(`SELECT %s FROM jobs %s ORDER BY queued_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, len(args)-1, len(args))
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=job.list: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=job.list: %w", err)
	}
	return out, total, nil
}

// MarkProcessing moves the job to processing and opens a new attempt.
// Re-leasing a job that is already processing (lease expiry redelivery)
// resets its progress and opens a fresh attempt.
func (r *JobRepo) MarkProcessing(ctx domain.Context, id, workerID string, at time.Time) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkProcessing")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.mark_processing: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if noRows(err) {
			return domain.Job{}, fmt.Errorf("op=job.mark_processing: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.mark_processing: %w", err)
	}
	if j.Status != domain.JobPending && j.Status != domain.JobProcessing {
		return domain.Job{}, fmt.Errorf("op=job.mark_processing: %w", transitionError(j.Status, domain.JobProcessing))
	}

	j.Attempts = append(j.Attempts, domain.JobAttempt{
		Number:    len(j.Attempts) + 1,
		StartedAt: at,
		WorkerID:  workerID,
	})
	attempts, err := marshalAttempts(j.Attempts)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.mark_processing: %w", err)
	}
	j.Status = domain.JobProcessing
	j.StartedAt = &at
	j.Progress = 0
	j.CurrentStep = ""

	q := `UPDATE jobs SET status=$2, started_at=$3, progress=0, current_step='', attempts=$4, updated_at=$5 WHERE id=$1`
	if _, err := tx.Exec(ctx, q, id, j.Status, at, attempts, time.Now().UTC()); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.mark_processing: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.mark_processing: %w", err)
	}
	return j, nil
}

// ReportProgress updates the progress fields of a processing job and
// reports whether cancellation was requested. A job already cancelled
// reports true so in-flight processors stop without a separate poll.
func (r *JobRepo) ReportProgress(ctx domain.Context, id string, progress int, currentStep string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ReportProgress")
	defer span.End()
	q := `UPDATE jobs SET progress=$2, current_step=$3, updated_at=$4
		WHERE id=$1 AND status='processing'
		RETURNING cancel_requested`
	var cancel bool
	err := r.Pool.QueryRow(ctx, q, id, progress, currentStep, time.Now().UTC()).Scan(&cancel)
	if err == nil {
		return cancel, nil
	}
	if !noRows(err) {
		return false, fmt.Errorf("op=job.report_progress: %w", err)
	}
	var status domain.JobStatus
	probe := r.Pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id=$1`, id)
	if err := probe.Scan(&status); err != nil {
		if noRows(err) {
			return false, fmt.Errorf("op=job.report_progress: %w", domain.ErrNotFound)
		}
		return false, fmt.Errorf("op=job.report_progress: %w", err)
	}
	if status == domain.JobCancelled {
		return true, nil
	}
	return false, fmt.Errorf("op=job.report_progress: %w", transitionError(status, domain.JobProcessing))
}

// SetTotalSteps records the progress denominator once a processor knows it.
func (r *JobRepo) SetTotalSteps(ctx domain.Context, id string, totalSteps int) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetTotalSteps")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE jobs SET total_steps=$2, updated_at=$3 WHERE id=$1`,
		id, totalSteps, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.set_total_steps: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.set_total_steps: %w", domain.ErrNotFound)
	}
	return nil
}

// Complete records the terminal success and closes the open attempt.
func (r *JobRepo) Complete(ctx domain.Context, id string, result json.RawMessage, at time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status domain.JobStatus
	var attemptsRaw []byte
	row := tx.QueryRow(ctx, `SELECT status, attempts FROM jobs WHERE id=$1 FOR UPDATE`, id)
	if err := row.Scan(&status, &attemptsRaw); err != nil {
		if noRows(err) {
			return fmt.Errorf("op=job.complete: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.complete: %w", err)
	}
	if status != domain.JobProcessing {
		return fmt.Errorf("op=job.complete: %w", transitionError(status, domain.JobCompleted))
	}

	var attempts []domain.JobAttempt
	if err := fromJSONB(attemptsRaw, &attempts); err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	attempts = finishAttempt(attempts, at, "", "", false)
	attemptsJSON, err := marshalAttempts(attempts)
	if err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}

	q := `UPDATE jobs SET status=$2, progress=100, current_step='completed',
		result=$3, completed_at=$4, attempts=$5, updated_at=$6 WHERE id=$1`
	if _, err := tx.Exec(ctx, q, id, domain.JobCompleted, rawOrNil(result), at, attemptsJSON, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	return nil
}

// Fail records the terminal failure and atomically marks the companion
// row failed so the two records never disagree.
func (r *JobRepo) Fail(ctx domain.Context, id string, jerr domain.JobError, status domain.JobStatus, at time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Fail")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
		attribute.String("job.error_code", jerr.Code),
	)
	if !status.Terminal() || status == domain.JobCompleted {
		return fmt.Errorf("op=job.fail: %w",
			domain.E(domain.CodeJobInvalidState, "%s is not a failure status", status))
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.fail: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		jobType     domain.JobType
		current     domain.JobStatus
		attemptsRaw []byte
	)
	row := tx.QueryRow(ctx, `SELECT type, status, attempts FROM jobs WHERE id=$1 FOR UPDATE`, id)
	if err := row.Scan(&jobType, &current, &attemptsRaw); err != nil {
		if noRows(err) {
			return fmt.Errorf("op=job.fail: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.fail: %w", err)
	}
	probe := domain.Job{Status: current}
	if !probe.CanTransitionTo(status) {
		return fmt.Errorf("op=job.fail: %w", transitionError(current, status))
	}

	var attempts []domain.JobAttempt
	if err := fromJSONB(attemptsRaw, &attempts); err != nil {
		return fmt.Errorf("op=job.fail: %w", err)
	}
	attempts = finishAttempt(attempts, at, jerr.Message, jerr.Code, false)
	attemptsJSON, err := marshalAttempts(attempts)
	if err != nil {
		return fmt.Errorf("op=job.fail: %w", err)
	}
	errJSON, err := toJSONB(jerr)
	if err != nil {
		return fmt.Errorf("op=job.fail: %w", err)
	}

	q := `UPDATE jobs SET status=$2, error=$3, completed_at=$4, attempts=$5, updated_at=$6 WHERE id=$1`
	if _, err := tx.Exec(ctx, q, id, status, errJSON, at, attemptsJSON, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.fail: %w", err)
	}
	if err := companionFail(ctx, tx, jobType, id, jerr.Message, at); err != nil {
		return fmt.Errorf("op=job.fail: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.fail: %w", err)
	}
	return nil
}

// Reschedule moves a processing job back to pending for a later retry,
// closing the current attempt with its error.
func (r *JobRepo) Reschedule(ctx domain.Context, id string, attemptErr domain.JobError, at time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Reschedule")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.reschedule: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		current     domain.JobStatus
		attemptsRaw []byte
	)
	row := tx.QueryRow(ctx, `SELECT status, attempts FROM jobs WHERE id=$1 FOR UPDATE`, id)
	if err := row.Scan(&current, &attemptsRaw); err != nil {
		if noRows(err) {
			return fmt.Errorf("op=job.reschedule: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.reschedule: %w", err)
	}
	if current != domain.JobProcessing {
		return fmt.Errorf("op=job.reschedule: %w", transitionError(current, domain.JobPending))
	}

	var attempts []domain.JobAttempt
	if err := fromJSONB(attemptsRaw, &attempts); err != nil {
		return fmt.Errorf("op=job.reschedule: %w", err)
	}
	attempts = finishAttempt(attempts, at, attemptErr.Message, attemptErr.Code, true)
	attemptsJSON, err := marshalAttempts(attempts)
	if err != nil {
		return fmt.Errorf("op=job.reschedule: %w", err)
	}

	q := `UPDATE jobs SET status='pending', retry_count=retry_count+1, progress=0,
		current_step='', started_at=NULL, attempts=$2, updated_at=$3 WHERE id=$1`
	if _, err := tx.Exec(ctx, q, id, attemptsJSON, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.reschedule: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.reschedule: %w", err)
	}
	return nil
}

// RequestCancel flags a live job for cooperative cancellation.
func (r *JobRepo) RequestCancel(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequestCancel")
	defer span.End()
	q := `UPDATE jobs SET cancel_requested=TRUE, updated_at=$2
		WHERE id=$1 AND status IN ('pending','processing')`
	tag, err := r.Pool.Exec(ctx, q, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.request_cancel: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status domain.JobStatus
	probe := r.Pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id=$1`, id)
	if err := probe.Scan(&status); err != nil {
		if noRows(err) {
			return fmt.Errorf("op=job.request_cancel: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.request_cancel: %w", err)
	}
	return fmt.Errorf("op=job.request_cancel: %w",
		domain.E(domain.CodeJobAlreadyTerminal, "job is already %s", status))
}

// Cancel records the terminal cancellation and fails the companion row.
func (r *JobRepo) Cancel(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Cancel")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.cancel: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		jobType     domain.JobType
		current     domain.JobStatus
		attemptsRaw []byte
	)
	row := tx.QueryRow(ctx, `SELECT type, status, attempts FROM jobs WHERE id=$1 FOR UPDATE`, id)
	if err := row.Scan(&jobType, &current, &attemptsRaw); err != nil {
		if noRows(err) {
			return fmt.Errorf("op=job.cancel: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.cancel: %w", err)
	}
	probe := domain.Job{Status: current}
	if !probe.CanTransitionTo(domain.JobCancelled) {
		return fmt.Errorf("op=job.cancel: %w", transitionError(current, domain.JobCancelled))
	}

	var attempts []domain.JobAttempt
	if err := fromJSONB(attemptsRaw, &attempts); err != nil {
		return fmt.Errorf("op=job.cancel: %w", err)
	}
	attempts = finishAttempt(attempts, at, "job cancelled", string(domain.CodeJobCancelled), false)
	attemptsJSON, err := marshalAttempts(attempts)
	if err != nil {
		return fmt.Errorf("op=job.cancel: %w", err)
	}

	q := `UPDATE jobs SET status='cancelled', completed_at=$2, cancel_requested=TRUE, attempts=$3, updated_at=$4 WHERE id=$1`
	if _, err := tx.Exec(ctx, q, id, at, attemptsJSON, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.cancel: %w", err)
	}
	if err := companionFail(ctx, tx, jobType, id, "job cancelled", at); err != nil {
		return fmt.Errorf("op=job.cancel: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.cancel: %w", err)
	}
	return nil
}

// CountByStatus returns the number of jobs per status.
func (r *JobRepo) CountByStatus(ctx domain.Context) (map[domain.JobStatus]int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountByStatus")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("op=job.count_by_status: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.JobStatus]int64)
	for rows.Next() {
		var status domain.JobStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("op=job.count_by_status: %w", err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.count_by_status: %w", err)
	}
	return out, nil
}

// ListStuck returns processing jobs of the queue whose attempt started
// before the cutoff, oldest first, for the timeout reaper.
func (r *JobRepo) ListStuck(ctx domain.Context, queue string, cutoff time.Time, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListStuck")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE type=$1 AND status='processing' AND started_at < $2
		ORDER BY started_at ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, queue, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stuck: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_stuck: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_stuck: %w", err)
	}
	return out, nil
}

// DeleteTerminalBefore trims terminal jobs finished before the cutoff and
// returns the number removed. Empty types means every type.
func (r *JobRepo) DeleteTerminalBefore(ctx domain.Context, statuses []domain.JobStatus, types []domain.JobType, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DeleteTerminalBefore")
	defer span.End()
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	q := `DELETE FROM jobs WHERE status = ANY($1) AND completed_at IS NOT NULL AND completed_at < $2`
	args := []any{ss, cutoff}
	if len(types) > 0 {
		ts := make([]string, len(types))
		for i, t := range types {
			ts[i] = string(t)
		}
		args = append(args, ts)
		q += ` AND type = ANY($3)`
	}
	tag, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("op=job.delete_terminal: %w", err)
	}
	return tag.RowsAffected(), nil
}
