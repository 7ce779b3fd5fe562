package processor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cvforge/cvforge/internal/adapter/ai"
	"github.com/cvforge/cvforge/internal/domain"
	"github.com/cvforge/cvforge/internal/engine"
	"github.com/cvforge/cvforge/internal/usecase"
	"github.com/cvforge/cvforge/pkg/canonjson"
)

// Optimize rewrites the active version's content toward a target role.
// The result is snapshotted as a new, non-active version so the user
// reviews before switching; unchanged output completes with noChange and
// never moves the usage counter.
type Optimize struct {
	versions  domain.VersionRepository
	users     domain.UserRepository
	llm       domain.AIClient
	prompts   *ai.Prompts
	snapshots usecase.VersionService
}

// NewOptimize constructs the optimization processor.
func NewOptimize(
	versions domain.VersionRepository,
	users domain.UserRepository,
	llm domain.AIClient,
	prompts *ai.Prompts,
	snapshots usecase.VersionService,
) *Optimize {
	return &Optimize{versions: versions, users: users, llm: llm, prompts: prompts, snapshots: snapshots}
}

func (p *Optimize) Kind() domain.JobType { return domain.JobTypeOptimization }

type optimizeResult struct {
	CVID           string `json:"cvId"`
	VersionID      string `json:"versionId,omitempty"`
	NoChange       bool   `json:"noChange"`
	WordCountDelta int    `json:"wordCountDelta,omitempty"`
}

func (p *Optimize) Run(ctx context.Context, jc *engine.JobContext) error {
	var payload domain.OptimizationPayload
	if err := decodePayload(jc, &payload); err != nil {
		return err
	}
	if err := jc.DeclareSteps(ctx, 5); err != nil {
		return err
	}

	// load-source-version
	source, err := p.versions.GetActive(ctx, payload.CVID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.E(domain.CodeOptimizationNoSource, "cv %s has no active version to optimize", payload.CVID)
	}
	if err != nil {
		return err
	}
	if err := jc.StepDone(ctx, "load-source-version"); err != nil {
		return err
	}

	// build-prompt
	cvJSON, err := canonjson.Canonicalize(source.Content)
	if err != nil {
		return domain.E(domain.CodeInternalError, "source content does not serialize").WithCause(err)
	}
	sections := "all"
	if len(payload.Sections) > 0 {
		sections = strings.Join(payload.Sections, ", ")
	}
	messages := []domain.AIMessage{
		{Role: domain.RoleSystem, Content: p.prompts.System(domain.TaskOptimize)},
		{Role: domain.RoleUser, Content: p.prompts.RenderUser(domain.TaskOptimize, map[string]string{
			"target_role":     payload.TargetRole,
			"job_description": payload.JobDescription,
			"sections":        sections,
			"cv_json":         string(cvJSON),
		})},
	}
	if err := jc.StepDone(ctx, "build-prompt"); err != nil {
		return err
	}

	// llm-optimize
	temp := 0.3
	raw, err := p.llm.Call(ctx, domain.TaskOptimize, messages, domain.AICallOptions{
		Format:      domain.FormatJSON,
		Temperature: &temp,
	})
	if err != nil {
		return err
	}
	var optimized domain.CVContent
	if err := json.Unmarshal([]byte(raw), &optimized); err != nil {
		return domain.E(domain.CodeAIInvalidResponse, "optimize response is not a CV document").WithCause(err)
	}
	if optimized.IsEmpty() {
		return domain.E(domain.CodeOptimizationFailed, "optimizer returned an empty document")
	}
	if err := jc.StepDone(ctx, "llm-optimize"); err != nil {
		return err
	}

	// diff-check
	equal, err := p.snapshots.IsContentEqual(optimized, source.Content)
	if err != nil {
		return err
	}
	if err := jc.StepDone(ctx, "diff-check"); err != nil {
		return err
	}
	if equal {
		// Nothing to persist; the skipped write still counts as a step
		// so progress reaches 100.
		if err := jc.StepDone(ctx, "persist-version"); err != nil {
			return err
		}
		jc.SetEvent(domain.Event{CVID: payload.CVID, Extra: map[string]any{"noChange": true}})
		return jc.SetResult(optimizeResult{CVID: payload.CVID, NoChange: true})
	}

	// persist-version. The enhancements counter moves here, with the
	// version write, so cancelled and no-change runs never consume quota.
	if err := p.users.ConsumeUsage(ctx, jc.Job.UserID, domain.UsageEnhancements, monthStart(time.Now().UTC())); err != nil {
		return err
	}
	v, err := p.snapshots.NewVersion(ctx, jc.Job.UserID, payload.CVID, optimized, usecase.NewVersionOptions{
		ChangeType:  domain.ChangeOptimization,
		Description: "Optimized for " + payload.TargetRole,
	})
	if err != nil {
		return err
	}
	if err := jc.StepDone(ctx, "persist-version"); err != nil {
		return err
	}

	jc.SetEvent(domain.Event{CVID: payload.CVID, Extra: map[string]any{"versionId": v.ID}})
	return jc.SetResult(optimizeResult{
		CVID:           payload.CVID,
		VersionID:      v.ID,
		WordCountDelta: v.Metadata.WordCount - source.Metadata.WordCount,
	})
}
