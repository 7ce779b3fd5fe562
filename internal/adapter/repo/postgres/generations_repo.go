package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/cvforge/cvforge/internal/domain"
)

// GenerationRepo persists generation job companions.
type GenerationRepo struct{ Pool PgxPool }

// NewGenerationRepo constructs a GenerationRepo with the given pool.
func NewGenerationRepo(p PgxPool) *GenerationRepo { return &GenerationRepo{Pool: p} }

const generationColumns = `id, job_id, user_id, status, template_id, output_format,
	customization, input, output_file, stats, error,
	started_at, completed_at, created_at, updated_at`

func scanGeneration(row interface{ Scan(dest ...any) error }) (domain.Generation, error) {
	var (
		g             domain.Generation
		customization []byte
		input         []byte
		outputFile    []byte
		stats         []byte
	)
	err := row.Scan(&g.ID, &g.JobID, &g.UserID, &g.Status, &g.TemplateID, &g.OutputFormat,
		&customization, &input, &outputFile, &stats, &g.Error,
		&g.StartedAt, &g.CompletedAt, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return domain.Generation{}, err
	}
	if err := fromJSONB(customization, &g.Customization); err != nil {
		return domain.Generation{}, err
	}
	if err := fromJSONB(input, &g.Input); err != nil {
		return domain.Generation{}, err
	}
	if len(outputFile) > 0 {
		var f domain.OutputFile
		if err := fromJSONB(outputFile, &f); err != nil {
			return domain.Generation{}, err
		}
		g.OutputFile = &f
	}
	if len(stats) > 0 {
		var s domain.GenerationStats
		if err := fromJSONB(stats, &s); err != nil {
			return domain.Generation{}, err
		}
		g.Stats = &s
	}
	return g, nil
}

// Create inserts a new generation companion.
func (r *GenerationRepo) Create(ctx domain.Context, g domain.Generation) (domain.Generation, error) {
	tracer := otel.Tracer("repo.generations")
	ctx, span := tracer.Start(ctx, "generations.Create")
	defer span.End()
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if g.Status == "" {
		g.Status = domain.GenerationPending
	}
	customization, err := toJSONB(g.Customization)
	if err != nil {
		return domain.Generation{}, fmt.Errorf("op=generation.create: %w", err)
	}
	input, err := toJSONB(g.Input)
	if err != nil {
		return domain.Generation{}, fmt.Errorf("op=generation.create: %w", err)
	}
	now := time.Now().UTC()
	g.CreatedAt, g.UpdatedAt = now, now
	q := `INSERT INTO generations (id, job_id, user_id, status, template_id, output_format,
		customization, input, error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err = r.Pool.Exec(ctx, q, g.ID, g.JobID, g.UserID, g.Status, g.TemplateID, g.OutputFormat,
		customization, input, g.Error, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Generation{}, fmt.Errorf("op=generation.create: %w",
				domain.E(domain.CodeConflict, "generation for job %s already exists", g.JobID))
		}
		return domain.Generation{}, fmt.Errorf("op=generation.create: %w", err)
	}
	return g, nil
}

// GetByJobID loads the companion for a job.
func (r *GenerationRepo) GetByJobID(ctx domain.Context, jobID string) (domain.Generation, error) {
	tracer := otel.Tracer("repo.generations")
	ctx, span := tracer.Start(ctx, "generations.GetByJobID")
	defer span.End()
	q := `SELECT ` + generationColumns + ` FROM generations WHERE job_id=$1`
	g, err := scanGeneration(r.Pool.QueryRow(ctx, q, jobID))
	if err != nil {
		if noRows(err) {
			return domain.Generation{}, fmt.Errorf("op=generation.get_by_job: %w", domain.ErrNotFound)
		}
		return domain.Generation{}, fmt.Errorf("op=generation.get_by_job: %w", err)
	}
	return g, nil
}

// GetOwnedByJobID loads the companion for a job scoped to its owner.
func (r *GenerationRepo) GetOwnedByJobID(ctx domain.Context, jobID, userID string) (domain.Generation, error) {
	tracer := otel.Tracer("repo.generations")
	ctx, span := tracer.Start(ctx, "generations.GetOwnedByJobID")
	defer span.End()
	q := `SELECT ` + generationColumns + ` FROM generations WHERE job_id=$1 AND user_id=$2`
	g, err := scanGeneration(r.Pool.QueryRow(ctx, q, jobID, userID))
	if err != nil {
		if noRows(err) {
			return domain.Generation{}, fmt.Errorf("op=generation.get_owned: %w", domain.ErrNotFound)
		}
		return domain.Generation{}, fmt.Errorf("op=generation.get_owned: %w", err)
	}
	return g, nil
}

// MarkProcessing stamps the companion as started. Redelivered jobs keep
// their original start time.
func (r *GenerationRepo) MarkProcessing(ctx domain.Context, jobID string, at time.Time) error {
	tracer := otel.Tracer("repo.generations")
	ctx, span := tracer.Start(ctx, "generations.MarkProcessing")
	defer span.End()
	q := `UPDATE generations SET status='processing', started_at=COALESCE(started_at,$2), updated_at=$2
		WHERE job_id=$1 AND status IN ('pending','processing')`
	tag, err := r.Pool.Exec(ctx, q, jobID, at)
	if err != nil {
		return fmt.Errorf("op=generation.mark_processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.liveRowError(ctx, jobID, "op=generation.mark_processing")
	}
	return nil
}

// Complete records the rendered artifact and stats.
func (r *GenerationRepo) Complete(ctx domain.Context, jobID string, out domain.OutputFile, stats domain.GenerationStats, at time.Time) error {
	tracer := otel.Tracer("repo.generations")
	ctx, span := tracer.Start(ctx, "generations.Complete")
	defer span.End()
	outputFile, err := toJSONB(out)
	if err != nil {
		return fmt.Errorf("op=generation.complete: %w", err)
	}
	statsJSON, err := toJSONB(stats)
	if err != nil {
		return fmt.Errorf("op=generation.complete: %w", err)
	}
	q := `UPDATE generations SET status='completed', output_file=$2, stats=$3, error='',
		completed_at=$4, updated_at=$4
		WHERE job_id=$1 AND status IN ('pending','processing')`
	tag, err := r.Pool.Exec(ctx, q, jobID, outputFile, statsJSON, at)
	if err != nil {
		return fmt.Errorf("op=generation.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.liveRowError(ctx, jobID, "op=generation.complete")
	}
	return nil
}

// Fail records the failure. Failing an already failed companion is a
// no-op so the job-level cascade and the processor path can both run.
func (r *GenerationRepo) Fail(ctx domain.Context, jobID, errMsg string, at time.Time) error {
	tracer := otel.Tracer("repo.generations")
	ctx, span := tracer.Start(ctx, "generations.Fail")
	defer span.End()
	q := `UPDATE generations SET status='failed', error=$2, completed_at=$3, updated_at=$3
		WHERE job_id=$1 AND status IN ('pending','processing')`
	tag, err := r.Pool.Exec(ctx, q, jobID, errMsg, at)
	if err != nil {
		return fmt.Errorf("op=generation.fail: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status domain.GenerationStatus
	probe := r.Pool.QueryRow(ctx, `SELECT status FROM generations WHERE job_id=$1`, jobID)
	if err := probe.Scan(&status); err != nil {
		if noRows(err) {
			return fmt.Errorf("op=generation.fail: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=generation.fail: %w", err)
	}
	if status == domain.GenerationFailed {
		return nil
	}
	return fmt.Errorf("op=generation.fail: %w",
		domain.E(domain.CodeConflict, "generation for job %s is already %s", jobID, status))
}

func (r *GenerationRepo) liveRowError(ctx domain.Context, jobID, op string) error {
	var status domain.GenerationStatus
	probe := r.Pool.QueryRow(ctx, `SELECT status FROM generations WHERE job_id=$1`, jobID)
	if err := probe.Scan(&status); err != nil {
		if noRows(err) {
			return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op,
		domain.E(domain.CodeConflict, "generation for job %s is already %s", jobID, status))
}
