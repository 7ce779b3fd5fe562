package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/cvforge/cvforge/internal/domain"
)

// AtsRepo persists ATS analysis job companions.
type AtsRepo struct{ Pool PgxPool }

// NewAtsRepo constructs an AtsRepo with the given pool.
func NewAtsRepo(p PgxPool) *AtsRepo { return &AtsRepo{Pool: p} }

const atsColumns = `id, job_id, user_id, cv_id, analysis_type, status,
	target_job, input_content, results, error,
	started_at, completed_at, created_at, updated_at`

func scanAts(row interface{ Scan(dest ...any) error }) (domain.AtsAnalysis, error) {
	var (
		a            domain.AtsAnalysis
		targetJob    []byte
		inputContent []byte
		results      []byte
	)
	err := row.Scan(&a.ID, &a.JobID, &a.UserID, &a.CVID, &a.Type, &a.Status,
		&targetJob, &inputContent, &results, &a.Error,
		&a.StartedAt, &a.CompletedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return domain.AtsAnalysis{}, err
	}
	if err := fromJSONB(targetJob, &a.TargetJob); err != nil {
		return domain.AtsAnalysis{}, err
	}
	if err := fromJSONB(inputContent, &a.InputContent); err != nil {
		return domain.AtsAnalysis{}, err
	}
	if len(results) > 0 {
		var res domain.AtsResult
		if err := fromJSONB(results, &res); err != nil {
			return domain.AtsAnalysis{}, err
		}
		a.Results = &res
	}
	return a, nil
}

// Create inserts a new analysis companion.
func (r *AtsRepo) Create(ctx domain.Context, a domain.AtsAnalysis) (domain.AtsAnalysis, error) {
	tracer := otel.Tracer("repo.ats")
	ctx, span := tracer.Start(ctx, "ats.Create")
	defer span.End()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = domain.AtsPending
	}
	targetJob, err := toJSONB(a.TargetJob)
	if err != nil {
		return domain.AtsAnalysis{}, fmt.Errorf("op=ats.create: %w", err)
	}
	inputContent, err := toJSONB(a.InputContent)
	if err != nil {
		return domain.AtsAnalysis{}, fmt.Errorf("op=ats.create: %w", err)
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	q := `INSERT INTO ats_analyses (id, job_id, user_id, cv_id, analysis_type, status,
		target_job, input_content, error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err = r.Pool.Exec(ctx, q, a.ID, a.JobID, a.UserID, a.CVID, a.Type, a.Status,
		targetJob, inputContent, a.Error, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.AtsAnalysis{}, fmt.Errorf("op=ats.create: %w",
				domain.E(domain.CodeConflict, "analysis for job %s already exists", a.JobID))
		}
		return domain.AtsAnalysis{}, fmt.Errorf("op=ats.create: %w", err)
	}
	return a, nil
}

// GetByJobID loads the companion for a job.
func (r *AtsRepo) GetByJobID(ctx domain.Context, jobID string) (domain.AtsAnalysis, error) {
	tracer := otel.Tracer("repo.ats")
	ctx, span := tracer.Start(ctx, "ats.GetByJobID")
	defer span.End()
	q := `SELECT ` + atsColumns + ` FROM ats_analyses WHERE job_id=$1`
	a, err := scanAts(r.Pool.QueryRow(ctx, q, jobID))
	if err != nil {
		if noRows(err) {
			return domain.AtsAnalysis{}, fmt.Errorf("op=ats.get_by_job: %w", domain.ErrNotFound)
		}
		return domain.AtsAnalysis{}, fmt.Errorf("op=ats.get_by_job: %w", err)
	}
	return a, nil
}

// GetOwnedByJobID loads the companion for a job scoped to its owner.
func (r *AtsRepo) GetOwnedByJobID(ctx domain.Context, jobID, userID string) (domain.AtsAnalysis, error) {
	tracer := otel.Tracer("repo.ats")
	ctx, span := tracer.Start(ctx, "ats.GetOwnedByJobID")
	defer span.End()
	q := `SELECT ` + atsColumns + ` FROM ats_analyses WHERE job_id=$1 AND user_id=$2`
	a, err := scanAts(r.Pool.QueryRow(ctx, q, jobID, userID))
	if err != nil {
		if noRows(err) {
			return domain.AtsAnalysis{}, fmt.Errorf("op=ats.get_owned: %w", domain.ErrNotFound)
		}
		return domain.AtsAnalysis{}, fmt.Errorf("op=ats.get_owned: %w", err)
	}
	return a, nil
}

// MarkProcessing stamps the companion as started.
func (r *AtsRepo) MarkProcessing(ctx domain.Context, jobID string, at time.Time) error {
	tracer := otel.Tracer("repo.ats")
	ctx, span := tracer.Start(ctx, "ats.MarkProcessing")
	defer span.End()
	q := `UPDATE ats_analyses SET status='processing', started_at=COALESCE(started_at,$2), updated_at=$2
		WHERE job_id=$1 AND status IN ('pending','processing')`
	tag, err := r.Pool.Exec(ctx, q, jobID, at)
	if err != nil {
		return fmt.Errorf("op=ats.mark_processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.liveRowError(ctx, jobID, "op=ats.mark_processing")
	}
	return nil
}

// Complete records the analysis result.
func (r *AtsRepo) Complete(ctx domain.Context, jobID string, res domain.AtsResult, at time.Time) error {
	tracer := otel.Tracer("repo.ats")
	ctx, span := tracer.Start(ctx, "ats.Complete")
	defer span.End()
	results, err := toJSONB(res)
	if err != nil {
		return fmt.Errorf("op=ats.complete: %w", err)
	}
	q := `UPDATE ats_analyses SET status='completed', results=$2, error='', completed_at=$3, updated_at=$3
		WHERE job_id=$1 AND status IN ('pending','processing')`
	tag, err := r.Pool.Exec(ctx, q, jobID, results, at)
	if err != nil {
		return fmt.Errorf("op=ats.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.liveRowError(ctx, jobID, "op=ats.complete")
	}
	return nil
}

// Fail records the failure; failing an already failed companion is a no-op.
func (r *AtsRepo) Fail(ctx domain.Context, jobID, errMsg string, at time.Time) error {
	tracer := otel.Tracer("repo.ats")
	ctx, span := tracer.Start(ctx, "ats.Fail")
	defer span.End()
	q := `UPDATE ats_analyses SET status='failed', error=$2, completed_at=$3, updated_at=$3
		WHERE job_id=$1 AND status IN ('pending','processing')`
	tag, err := r.Pool.Exec(ctx, q, jobID, errMsg, at)
	if err != nil {
		return fmt.Errorf("op=ats.fail: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status domain.AtsStatus
	probe := r.Pool.QueryRow(ctx, `SELECT status FROM ats_analyses WHERE job_id=$1`, jobID)
	if err := probe.Scan(&status); err != nil {
		if noRows(err) {
			return fmt.Errorf("op=ats.fail: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=ats.fail: %w", err)
	}
	if status == domain.AtsFailed {
		return nil
	}
	return fmt.Errorf("op=ats.fail: %w",
		domain.E(domain.CodeConflict, "analysis for job %s is already %s", jobID, status))
}

func (r *AtsRepo) liveRowError(ctx domain.Context, jobID, op string) error {
	var status domain.AtsStatus
	probe := r.Pool.QueryRow(ctx, `SELECT status FROM ats_analyses WHERE job_id=$1`, jobID)
	if err := probe.Scan(&status); err != nil {
		if noRows(err) {
			return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op,
		domain.E(domain.CodeConflict, "analysis for job %s is already %s", jobID, status))
}
