package usecase

import (
	"fmt"

	"github.com/cvforge/cvforge/internal/domain"
	"github.com/cvforge/cvforge/internal/engine"
)

// ParsingService starts and reads CV parsing jobs.
type ParsingService struct {
	Engine JobEngine
	Jobs   domain.JobRepository
	CVs    domain.CVRepository
	Parses domain.ParsingJobRepository
	Users  domain.UserRepository
}

// NewParsingService constructs a ParsingService.
func NewParsingService(eng JobEngine, jobs domain.JobRepository, cvs domain.CVRepository,
	parses domain.ParsingJobRepository, users domain.UserRepository) ParsingService {
	return ParsingService{Engine: eng, Jobs: jobs, CVs: cvs, Parses: parses, Users: users}
}

// StartParsingInput is the parse request.
type StartParsingInput struct {
	CVID     string
	Priority *int
}

// Start enqueues a parsing job for the CV's uploaded file. A dedup key on
// the CV id suppresses a second enqueue while one is in flight.
func (s ParsingService) Start(ctx domain.Context, userID string, in StartParsingInput) (domain.Job, error) {
	if _, err := guardUser(ctx, s.Users, userID, ""); err != nil {
		return domain.Job{}, err
	}
	cv, err := s.CVs.GetOwned(ctx, in.CVID, userID)
	if err != nil {
		return domain.Job{}, err
	}
	if cv.FileRef == "" {
		return domain.Job{}, domain.E(domain.CodeCVNoFileToParse, "cv %s has no uploaded file", cv.ID)
	}

	job, err := s.Engine.Create(ctx, domain.JobTypeParsing, domain.ParsingPayload{CVID: cv.ID}, engine.CreateOptions{
		UserID:   userID,
		Priority: in.Priority,
		DedupKey: "parsing:" + cv.ID,
	})
	if err != nil {
		return domain.Job{}, err
	}
	_, err = s.Parses.Create(ctx, domain.CvParsingJob{
		JobID:    job.ID,
		UserID:   userID,
		CVID:     cv.ID,
		Status:   domain.ParseJobPending,
		FileRef:  cv.FileRef,
		FileMIME: cv.FileMIME,
	})
	if err != nil {
		_, _ = s.Engine.Cancel(ctx, job.ID, userID)
		return domain.Job{}, fmt.Errorf("op=parsing.start: %w", err)
	}
	if err := s.CVs.SetParsingStatus(ctx, cv.ID, domain.ParsingPending); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// Status returns the live job state (progress, current step).
func (s ParsingService) Status(ctx domain.Context, userID, jobID string) (domain.Job, error) {
	job, err := s.Jobs.GetOwned(ctx, jobID, userID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Type != domain.JobTypeParsing {
		return domain.Job{}, domain.E(domain.CodeJobNotFound, "job %s is not a parsing job", jobID)
	}
	return job, nil
}

// Result returns the parsing companion with the extracted content and
// confidence once the job completed.
func (s ParsingService) Result(ctx domain.Context, userID, jobID string) (domain.CvParsingJob, error) {
	return s.Parses.GetOwnedByJobID(ctx, jobID, userID)
}
