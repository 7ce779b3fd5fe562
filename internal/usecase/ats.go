package usecase

import (
	"fmt"
	"strings"
	"time"

	"github.com/cvforge/cvforge/internal/domain"
	"github.com/cvforge/cvforge/internal/engine"
)

// AtsService starts and reads ATS analysis jobs.
type AtsService struct {
	Engine JobEngine
	Jobs   domain.JobRepository
	CVs    domain.CVRepository
	Ats    domain.AtsRepository
	Users  domain.UserRepository
}

// NewAtsService constructs an AtsService.
func NewAtsService(eng JobEngine, jobs domain.JobRepository, cvs domain.CVRepository,
	ats domain.AtsRepository, users domain.UserRepository) AtsService {
	return AtsService{Engine: eng, Jobs: jobs, CVs: cvs, Ats: ats, Users: users}
}

// StartAtsInput is the analysis request.
type StartAtsInput struct {
	CVID      string
	Type      domain.AnalysisType
	TargetJob domain.TargetJob
	Priority  *int
}

// Start consumes one monthly analysis and enqueues an ats job. The CV
// content is snapshotted onto the companion row so later edits cannot
// change what gets scored.
func (s AtsService) Start(ctx domain.Context, userID string, in StartAtsInput) (domain.Job, error) {
	if _, err := guardUser(ctx, s.Users, userID, domain.UsageAnalyses); err != nil {
		return domain.Job{}, err
	}
	if !in.Type.Valid() {
		return domain.Job{}, domain.E(domain.CodeATSInvalidType, "unknown analysis type %q", in.Type)
	}
	if in.Type != domain.AnalysisFormatCheck && strings.TrimSpace(in.TargetJob.Title) == "" {
		return domain.Job{}, domain.E(domain.CodeValidationError, "targetJob.title is required for %s analysis", in.Type)
	}
	cv, err := s.CVs.GetOwned(ctx, in.CVID, userID)
	if err != nil {
		return domain.Job{}, err
	}
	if cv.Content.IsEmpty() {
		return domain.Job{}, domain.E(domain.CodeCVInvalid, "cv %s has no content to analyze", cv.ID)
	}

	now := time.Now().UTC()
	if err := s.Users.ConsumeUsage(ctx, userID, domain.UsageAnalyses, monthStart(now)); err != nil {
		return domain.Job{}, err
	}
	job, err := s.Engine.Create(ctx, domain.JobTypeATS, domain.AtsPayload{
		CVID: cv.ID,
		Type: in.Type,
	}, engine.CreateOptions{UserID: userID, Priority: in.Priority})
	if err != nil {
		return domain.Job{}, err
	}
	_, err = s.Ats.Create(ctx, domain.AtsAnalysis{
		JobID:        job.ID,
		UserID:       userID,
		CVID:         cv.ID,
		Type:         in.Type,
		Status:       domain.AtsPending,
		TargetJob:    in.TargetJob,
		InputContent: cv.Content,
	})
	if err != nil {
		_, _ = s.Engine.Cancel(ctx, job.ID, userID)
		return domain.Job{}, fmt.Errorf("op=ats.start: %w", err)
	}
	return job, nil
}

// Result returns the analysis companion; results are nil until completed.
func (s AtsService) Result(ctx domain.Context, userID, jobID string) (domain.AtsAnalysis, error) {
	return s.Ats.GetOwnedByJobID(ctx, jobID, userID)
}
