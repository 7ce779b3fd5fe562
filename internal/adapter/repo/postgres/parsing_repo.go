package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/cvforge/cvforge/internal/domain"
)

// ParsingJobRepo persists CV parsing job companions.
type ParsingJobRepo struct{ Pool PgxPool }

// NewParsingJobRepo constructs a ParsingJobRepo with the given pool.
func NewParsingJobRepo(p PgxPool) *ParsingJobRepo { return &ParsingJobRepo{Pool: p} }

const parsingColumns = `id, job_id, user_id, cv_id, status, file_ref, file_mime,
	page_count, raw_text_len, parsed_content, confidence, version_id, error,
	started_at, completed_at, created_at, updated_at`

func scanParsingJob(row interface{ Scan(dest ...any) error }) (domain.CvParsingJob, error) {
	var (
		p      domain.CvParsingJob
		parsed []byte
	)
	err := row.Scan(&p.ID, &p.JobID, &p.UserID, &p.CVID, &p.Status, &p.FileRef, &p.FileMIME,
		&p.PageCount, &p.RawTextLen, &parsed, &p.Confidence, &p.VersionID, &p.Error,
		&p.StartedAt, &p.CompletedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.CvParsingJob{}, err
	}
	if len(parsed) > 0 {
		var content domain.CVContent
		if err := fromJSONB(parsed, &content); err != nil {
			return domain.CvParsingJob{}, err
		}
		p.ParsedContent = &content
	}
	return p, nil
}

// Create inserts a new parsing companion.
func (r *ParsingJobRepo) Create(ctx domain.Context, p domain.CvParsingJob) (domain.CvParsingJob, error) {
	tracer := otel.Tracer("repo.parsing")
	ctx, span := tracer.Start(ctx, "parsing.Create")
	defer span.End()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = domain.ParseJobPending
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	q := `INSERT INTO cv_parsing_jobs (id, job_id, user_id, cv_id, status, file_ref, file_mime, error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := r.Pool.Exec(ctx, q, p.ID, p.JobID, p.UserID, p.CVID, p.Status, p.FileRef, p.FileMIME,
		p.Error, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.CvParsingJob{}, fmt.Errorf("op=parsing.create: %w",
				domain.E(domain.CodeConflict, "parsing companion for job %s already exists", p.JobID))
		}
		return domain.CvParsingJob{}, fmt.Errorf("op=parsing.create: %w", err)
	}
	return p, nil
}

// GetByJobID loads the companion for a job.
func (r *ParsingJobRepo) GetByJobID(ctx domain.Context, jobID string) (domain.CvParsingJob, error) {
	tracer := otel.Tracer("repo.parsing")
	ctx, span := tracer.Start(ctx, "parsing.GetByJobID")
	defer span.End()
	q := `SELECT ` + parsingColumns + ` FROM cv_parsing_jobs WHERE job_id=$1`
	p, err := scanParsingJob(r.Pool.QueryRow(ctx, q, jobID))
	if err != nil {
		if noRows(err) {
			return domain.CvParsingJob{}, fmt.Errorf("op=parsing.get_by_job: %w", domain.ErrNotFound)
		}
		return domain.CvParsingJob{}, fmt.Errorf("op=parsing.get_by_job: %w", err)
	}
	return p, nil
}

// GetOwnedByJobID loads the companion for a job scoped to its owner.
func (r *ParsingJobRepo) GetOwnedByJobID(ctx domain.Context, jobID, userID string) (domain.CvParsingJob, error) {
	tracer := otel.Tracer("repo.parsing")
	ctx, span := tracer.Start(ctx, "parsing.GetOwnedByJobID")
	defer span.End()
	q := `SELECT ` + parsingColumns + ` FROM cv_parsing_jobs WHERE job_id=$1 AND user_id=$2`
	p, err := scanParsingJob(r.Pool.QueryRow(ctx, q, jobID, userID))
	if err != nil {
		if noRows(err) {
			return domain.CvParsingJob{}, fmt.Errorf("op=parsing.get_owned: %w", domain.ErrNotFound)
		}
		return domain.CvParsingJob{}, fmt.Errorf("op=parsing.get_owned: %w", err)
	}
	return p, nil
}

// MarkProcessing stamps the companion as started.
func (r *ParsingJobRepo) MarkProcessing(ctx domain.Context, jobID string, at time.Time) error {
	tracer := otel.Tracer("repo.parsing")
	ctx, span := tracer.Start(ctx, "parsing.MarkProcessing")
	defer span.End()
	q := `UPDATE cv_parsing_jobs SET status='processing', started_at=COALESCE(started_at,$2), updated_at=$2
		WHERE job_id=$1 AND status IN ('pending','processing')`
	tag, err := r.Pool.Exec(ctx, q, jobID, at)
	if err != nil {
		return fmt.Errorf("op=parsing.mark_processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.liveRowError(ctx, jobID, "op=parsing.mark_processing")
	}
	return nil
}

// RecordExtraction stores the raw extraction measurements before the LLM
// structuring step runs.
func (r *ParsingJobRepo) RecordExtraction(ctx domain.Context, jobID string, pageCount, rawTextLen int) error {
	tracer := otel.Tracer("repo.parsing")
	ctx, span := tracer.Start(ctx, "parsing.RecordExtraction")
	defer span.End()
	q := `UPDATE cv_parsing_jobs SET page_count=$2, raw_text_len=$3, updated_at=$4 WHERE job_id=$1`
	tag, err := r.Pool.Exec(ctx, q, jobID, pageCount, rawTextLen, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=parsing.record_extraction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=parsing.record_extraction: %w", domain.ErrNotFound)
	}
	return nil
}

// Complete records the parsed content, its confidence and the created
// version id.
func (r *ParsingJobRepo) Complete(ctx domain.Context, jobID string, content domain.CVContent, confidence float64, versionID string, at time.Time) error {
	tracer := otel.Tracer("repo.parsing")
	ctx, span := tracer.Start(ctx, "parsing.Complete")
	defer span.End()
	parsed, err := toJSONB(content)
	if err != nil {
		return fmt.Errorf("op=parsing.complete: %w", err)
	}
	q := `UPDATE cv_parsing_jobs SET status='completed', parsed_content=$2, confidence=$3,
		version_id=$4, error='', completed_at=$5, updated_at=$5
		WHERE job_id=$1 AND status IN ('pending','processing')`
	tag, err := r.Pool.Exec(ctx, q, jobID, parsed, confidence, versionID, at)
	if err != nil {
		return fmt.Errorf("op=parsing.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.liveRowError(ctx, jobID, "op=parsing.complete")
	}
	return nil
}

// Fail records the failure; failing an already failed companion is a no-op.
func (r *ParsingJobRepo) Fail(ctx domain.Context, jobID, errMsg string, at time.Time) error {
	tracer := otel.Tracer("repo.parsing")
	ctx, span := tracer.Start(ctx, "parsing.Fail")
	defer span.End()
	q := `UPDATE cv_parsing_jobs SET status='failed', error=$2, completed_at=$3, updated_at=$3
		WHERE job_id=$1 AND status IN ('pending','processing')`
	tag, err := r.Pool.Exec(ctx, q, jobID, errMsg, at)
	if err != nil {
		return fmt.Errorf("op=parsing.fail: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status domain.ParsingJobStatus
	probe := r.Pool.QueryRow(ctx, `SELECT status FROM cv_parsing_jobs WHERE job_id=$1`, jobID)
	if err := probe.Scan(&status); err != nil {
		if noRows(err) {
			return fmt.Errorf("op=parsing.fail: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=parsing.fail: %w", err)
	}
	if status == domain.ParseJobFailed {
		return nil
	}
	return fmt.Errorf("op=parsing.fail: %w",
		domain.E(domain.CodeConflict, "parsing companion for job %s is already %s", jobID, status))
}

func (r *ParsingJobRepo) liveRowError(ctx domain.Context, jobID, op string) error {
	var status domain.ParsingJobStatus
	probe := r.Pool.QueryRow(ctx, `SELECT status FROM cv_parsing_jobs WHERE job_id=$1`, jobID)
	if err := probe.Scan(&status); err != nil {
		if noRows(err) {
			return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op,
		domain.E(domain.CodeConflict, "parsing companion for job %s is already %s", jobID, status))
}
