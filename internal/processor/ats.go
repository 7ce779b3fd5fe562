package processor

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/cvforge/cvforge/internal/adapter/ai"
	"github.com/cvforge/cvforge/internal/domain"
	"github.com/cvforge/cvforge/internal/engine"
	"github.com/cvforge/cvforge/pkg/canonjson"
)

// Ats scores a content snapshot against a target job. The analysis type
// sets the declared step count; the overall score is always recomputed
// from the capped breakdown so it stays in [0,100] regardless of what
// the model claims.
type Ats struct {
	analyses domain.AtsRepository
	llm      domain.AIClient
	prompts  *ai.Prompts
}

// NewAts constructs the ATS processor.
func NewAts(analyses domain.AtsRepository, llm domain.AIClient, prompts *ai.Prompts) *Ats {
	return &Ats{analyses: analyses, llm: llm, prompts: prompts}
}

func (p *Ats) Kind() domain.JobType { return domain.JobTypeATS }

// atsStepNames returns the declared step sequence for the analysis
// type. Every sequence is a prefix-ordered subset of the comprehensive
// one so a single code path can drive all four.
func atsStepNames(t domain.AnalysisType) []string {
	switch t {
	case domain.AnalysisComprehensive:
		return []string{"load-input", "build-prompt", "llm-analyze", "score-breakdown", "persist-results"}
	case domain.AnalysisCompatibility:
		return []string{"load-input", "llm-analyze", "persist-results"}
	case domain.AnalysisKeyword:
		return []string{"llm-analyze", "persist-results"}
	case domain.AnalysisFormatCheck:
		return []string{"llm-analyze"}
	}
	return nil
}

func (p *Ats) Run(ctx context.Context, jc *engine.JobContext) error {
	var payload domain.AtsPayload
	if err := decodePayload(jc, &payload); err != nil {
		return err
	}

	cp, err := p.analyses.GetByJobID(ctx, jc.Job.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return companionPending("ats", jc.Job.ID)
	}
	if err != nil {
		return err
	}
	switch cp.Status {
	case domain.AtsCompleted:
		if cp.Results != nil {
			return jc.SetResult(*cp.Results)
		}
		return jc.SetResult(struct{}{})
	case domain.AtsFailed:
		return domain.E(domain.CodeATSScoreRange, "analysis already failed: %s", cp.Error)
	}

	if !cp.Type.Valid() {
		return domain.E(domain.CodeATSInvalidType, "unknown analysis type %q", cp.Type)
	}
	if err := p.analyses.MarkProcessing(ctx, jc.Job.ID, time.Now().UTC()); err != nil {
		return err
	}
	steps := &stepper{jc: jc, names: atsStepNames(cp.Type)}
	if err := jc.DeclareSteps(ctx, cp.Type.Steps()); err != nil {
		return err
	}

	// load-input
	if cp.InputContent.IsEmpty() {
		return domain.E(domain.CodeCVInvalid, "analysis input snapshot is empty")
	}
	cvJSON, err := canonjson.Canonicalize(cp.InputContent)
	if err != nil {
		return domain.E(domain.CodeInternalError, "input snapshot does not serialize").WithCause(err)
	}
	if err := steps.mark(ctx, "load-input"); err != nil {
		return err
	}

	// build-prompt
	requirements := "none provided"
	if len(cp.TargetJob.Requirements) > 0 {
		requirements = "- " + strings.Join(cp.TargetJob.Requirements, "\n- ")
	}
	messages := []domain.AIMessage{
		{Role: domain.RoleSystem, Content: p.prompts.System(domain.TaskATS)},
		{Role: domain.RoleUser, Content: p.prompts.RenderUser(domain.TaskATS, map[string]string{
			"analysis_type":   string(cp.Type),
			"job_title":       cp.TargetJob.Title,
			"job_description": cp.TargetJob.Description,
			"requirements":    requirements,
			"cv_json":         string(cvJSON),
		})},
	}
	if err := steps.mark(ctx, "build-prompt"); err != nil {
		return err
	}

	// llm-analyze
	temp := 0.2
	raw, err := p.llm.Call(ctx, domain.TaskATS, messages, domain.AICallOptions{
		Format:      domain.FormatJSON,
		Temperature: &temp,
	})
	if err != nil {
		return err
	}
	if err := steps.mark(ctx, "llm-analyze"); err != nil {
		return err
	}

	// score-breakdown. The breakdown caps sum to 100, so the recomputed
	// overall score cannot leave the range.
	res, err := ai.DecodeATSResult(raw)
	if err != nil {
		return err
	}
	b := res.Breakdown
	res.OverallScore = int(math.Round(b.Structure + b.Skills + b.Experience + b.Formatting))
	if res.OverallScore < 0 || res.OverallScore > 100 {
		return domain.E(domain.CodeATSScoreRange, "overall score %d out of range", res.OverallScore)
	}
	if err := steps.mark(ctx, "score-breakdown"); err != nil {
		return err
	}

	// persist-results
	if err := p.analyses.Complete(ctx, jc.Job.ID, res, time.Now().UTC()); err != nil {
		return err
	}
	if err := steps.mark(ctx, "persist-results"); err != nil {
		return err
	}

	score := float64(res.OverallScore)
	jc.SetEvent(domain.Event{
		CVID:  cp.CVID,
		Score: &score,
		Extra: map[string]any{"analysisType": string(cp.Type)},
	})
	return jc.SetResult(res)
}
