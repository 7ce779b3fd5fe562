package usecase

import (
	"fmt"
	"time"

	"github.com/cvforge/cvforge/internal/domain"
	"github.com/cvforge/cvforge/internal/engine"
)

// GenerationService starts document generation jobs and streams finished
// artifacts back out of the object store.
type GenerationService struct {
	Engine JobEngine
	Jobs   domain.JobRepository
	CVs    domain.CVRepository
	Vers   domain.VersionRepository
	Gens   domain.GenerationRepository
	Users  domain.UserRepository
	Store  domain.ObjectStore
}

// NewGenerationService constructs a GenerationService.
func NewGenerationService(eng JobEngine, jobs domain.JobRepository, cvs domain.CVRepository,
	vers domain.VersionRepository, gens domain.GenerationRepository,
	users domain.UserRepository, store domain.ObjectStore) GenerationService {
	return GenerationService{Engine: eng, Jobs: jobs, CVs: cvs, Vers: vers, Gens: gens, Users: users, Store: store}
}

// StartGenerationInput is the render request. Exactly one of CVID (with
// optional VersionID) or Content supplies the input document.
type StartGenerationInput struct {
	CVID          string
	VersionID     string
	Content       *domain.CVContent
	OutputFormat  domain.OutputFormat
	TemplateID    string
	Customization domain.Customization
	Priority      *int
}

// Start consumes one monthly generation, snapshots the render input onto
// the companion row and enqueues a generation job.
func (s GenerationService) Start(ctx domain.Context, userID string, in StartGenerationInput) (domain.Job, error) {
	if _, err := guardUser(ctx, s.Users, userID, domain.UsageGenerations); err != nil {
		return domain.Job{}, err
	}
	switch in.OutputFormat {
	case domain.OutputPDF, domain.OutputDOCX:
	default:
		return domain.Job{}, domain.E(domain.CodeValidationError, "outputFormat must be pdf or docx")
	}
	if !domain.KnownTemplate(in.TemplateID) {
		return domain.Job{}, domain.E(domain.CodeGenerationBadTemplate, "unknown template %q", in.TemplateID)
	}

	input, err := s.resolveInput(ctx, userID, in)
	if err != nil {
		return domain.Job{}, err
	}
	if input.Content.IsEmpty() {
		return domain.Job{}, domain.E(domain.CodeCVInvalid, "nothing to render: content is empty")
	}

	now := time.Now().UTC()
	if err := s.Users.ConsumeUsage(ctx, userID, domain.UsageGenerations, monthStart(now)); err != nil {
		return domain.Job{}, err
	}
	job, err := s.Engine.Create(ctx, domain.JobTypeGeneration, domain.GenerationPayload{
		CVID:          input.CVID,
		VersionID:     input.VersionID,
		OutputFormat:  in.OutputFormat,
		TemplateID:    in.TemplateID,
		Customization: in.Customization,
	}, engine.CreateOptions{UserID: userID, Priority: in.Priority})
	if err != nil {
		return domain.Job{}, err
	}
	_, err = s.Gens.Create(ctx, domain.Generation{
		JobID:         job.ID,
		UserID:        userID,
		Status:        domain.GenerationPending,
		TemplateID:    in.TemplateID,
		OutputFormat:  in.OutputFormat,
		Customization: in.Customization,
		Input:         input,
	})
	if err != nil {
		_, _ = s.Engine.Cancel(ctx, job.ID, userID)
		return domain.Job{}, fmt.Errorf("op=generation.start: %w", err)
	}
	return job, nil
}

// resolveInput materializes the content snapshot: raw content as given,
// a specific version, or the CV's current (active) content.
func (s GenerationService) resolveInput(ctx domain.Context, userID string, in StartGenerationInput) (domain.GenerationInput, error) {
	if in.Content != nil {
		return domain.GenerationInput{Content: *in.Content}, nil
	}
	if in.CVID == "" {
		return domain.GenerationInput{}, domain.E(domain.CodeValidationError, "either cvId or content is required")
	}
	cv, err := s.CVs.GetOwned(ctx, in.CVID, userID)
	if err != nil {
		return domain.GenerationInput{}, err
	}
	if in.VersionID != "" {
		v, err := s.Vers.GetOwned(ctx, in.VersionID, userID)
		if err != nil {
			return domain.GenerationInput{}, err
		}
		if v.CVID != cv.ID {
			return domain.GenerationInput{}, domain.E(domain.CodeVersionNotFound,
				"version %s does not belong to cv %s", in.VersionID, cv.ID)
		}
		return domain.GenerationInput{CVID: cv.ID, VersionID: v.ID, Content: v.Content, Title: cv.Title}, nil
	}
	return domain.GenerationInput{CVID: cv.ID, Content: cv.Content, Title: cv.Title}, nil
}

// Result returns the generation companion.
func (s GenerationService) Result(ctx domain.Context, userID, jobID string) (domain.Generation, error) {
	return s.Gens.GetOwnedByJobID(ctx, jobID, userID)
}

// Download streams the finished artifact. Non-completed generations read
// as GENERATION_NOT_READY.
func (s GenerationService) Download(ctx domain.Context, userID, jobID string) (data []byte, contentType, fileName string, err error) {
	g, err := s.Gens.GetOwnedByJobID(ctx, jobID, userID)
	if err != nil {
		return nil, "", "", err
	}
	if g.Status != domain.GenerationCompleted || g.OutputFile == nil {
		return nil, "", "", domain.E(domain.CodeGenerationNotReady, "generation is %s", g.Status)
	}
	data, err = s.Store.Download(ctx, g.OutputFile.FilePath)
	if err != nil {
		return nil, "", "", fmt.Errorf("op=generation.download: %w", err)
	}
	return data, g.OutputFile.MimeType, g.OutputFile.FileName, nil
}
