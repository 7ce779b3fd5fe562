package usecase

import (
	"errors"
	"strings"

	"github.com/cvforge/cvforge/internal/domain"
	"github.com/cvforge/cvforge/internal/engine"
)

// OptimizeService starts LLM content-optimization jobs. There is no
// companion row: the outcome is the job result plus, when the content
// actually changed, a new (non-activated) version.
type OptimizeService struct {
	Engine   JobEngine
	Jobs     domain.JobRepository
	CVs      domain.CVRepository
	Versions domain.VersionRepository
	Users    domain.UserRepository
}

// NewOptimizeService constructs an OptimizeService.
func NewOptimizeService(eng JobEngine, jobs domain.JobRepository, cvs domain.CVRepository,
	versions domain.VersionRepository, users domain.UserRepository) OptimizeService {
	return OptimizeService{Engine: eng, Jobs: jobs, CVs: cvs, Versions: versions, Users: users}
}

// StartOptimizeInput is the optimization request.
type StartOptimizeInput struct {
	CVID           string
	TargetRole     string
	JobDescription string
	Sections       []string
	Priority       *int
}

// Start validates the request and enqueues an optimization job. The
// enhancements counter is NOT consumed here: the processor increments it
// when a new version is actually persisted, so cancelled and no-change
// runs leave the quota untouched. The guard only fails fast on an
// already-exhausted counter.
func (s OptimizeService) Start(ctx domain.Context, userID string, in StartOptimizeInput) (domain.Job, error) {
	if _, err := guardUser(ctx, s.Users, userID, domain.UsageEnhancements); err != nil {
		return domain.Job{}, err
	}
	targetRole := strings.TrimSpace(in.TargetRole)
	if targetRole == "" {
		return domain.Job{}, domain.E(domain.CodeValidationError, "targetRole is required")
	}
	cv, err := s.CVs.GetOwned(ctx, in.CVID, userID)
	if err != nil {
		return domain.Job{}, err
	}
	if cv.Status == domain.CVArchived {
		return domain.Job{}, domain.E(domain.CodeCVArchived, "cannot optimize an archived cv")
	}
	if _, err := s.Versions.GetActive(ctx, cv.ID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Job{}, domain.E(domain.CodeOptimizationNoSource,
				"cv %s has no active version to optimize", cv.ID)
		}
		return domain.Job{}, err
	}

	return s.Engine.Create(ctx, domain.JobTypeOptimization, domain.OptimizationPayload{
		CVID:           cv.ID,
		TargetRole:     targetRole,
		JobDescription: strings.TrimSpace(in.JobDescription),
		Sections:       in.Sections,
	}, engine.CreateOptions{UserID: userID, Priority: in.Priority})
}

// Status returns the live job state.
func (s OptimizeService) Status(ctx domain.Context, userID, jobID string) (domain.Job, error) {
	job, err := s.Jobs.GetOwned(ctx, jobID, userID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Type != domain.JobTypeOptimization {
		return domain.Job{}, domain.E(domain.CodeJobNotFound, "job %s is not an optimization job", jobID)
	}
	return job, nil
}
