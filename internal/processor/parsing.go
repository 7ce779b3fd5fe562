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
	"github.com/cvforge/cvforge/pkg/textx"
)

// Parsing turns an uploaded document into structured CV content:
// download, extract, normalize, LLM parse, structural validation,
// snapshot as the active version.
type Parsing struct {
	cvs       domain.CVRepository
	parses    domain.ParsingJobRepository
	store     domain.ObjectStore
	extractor domain.TextExtractor
	llm       domain.AIClient
	prompts   *ai.Prompts
	snapshots usecase.VersionService
}

// NewParsing constructs the parsing processor.
func NewParsing(
	cvs domain.CVRepository,
	parses domain.ParsingJobRepository,
	store domain.ObjectStore,
	extractor domain.TextExtractor,
	llm domain.AIClient,
	prompts *ai.Prompts,
	snapshots usecase.VersionService,
) *Parsing {
	return &Parsing{
		cvs:       cvs,
		parses:    parses,
		store:     store,
		extractor: extractor,
		llm:       llm,
		prompts:   prompts,
		snapshots: snapshots,
	}
}

func (p *Parsing) Kind() domain.JobType { return domain.JobTypeParsing }

type parseResult struct {
	CVID         string  `json:"cvId"`
	VersionID    string  `json:"versionId,omitempty"`
	Confidence   float64 `json:"confidence"`
	PageCount    int     `json:"pageCount"`
	SectionCount int     `json:"sectionCount"`
}

func (p *Parsing) Run(ctx context.Context, jc *engine.JobContext) error {
	var payload domain.ParsingPayload
	if err := decodePayload(jc, &payload); err != nil {
		return err
	}

	cp, err := p.parses.GetByJobID(ctx, jc.Job.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return companionPending("parsing", jc.Job.ID)
	}
	if err != nil {
		return err
	}
	if done, err := p.resumeTerminal(jc, cp); done {
		return err
	}

	if err := p.parses.MarkProcessing(ctx, jc.Job.ID, time.Now().UTC()); err != nil {
		return err
	}
	if err := p.cvs.SetParsingStatus(ctx, payload.CVID, domain.ParsingProcessing); err != nil {
		return err
	}
	if err := jc.DeclareSteps(ctx, 6); err != nil {
		return err
	}

	// load-file
	if cp.FileRef == "" {
		return domain.E(domain.CodeCVNoFileToParse, "cv %s has no uploaded file", payload.CVID)
	}
	blob, err := p.store.Download(ctx, cp.FileRef)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.E(domain.CodeCVNoFileToParse, "uploaded file %s is gone", cp.FileRef).WithCause(err)
		}
		return err
	}
	if err := jc.StepDone(ctx, "load-file"); err != nil {
		return err
	}

	// extract-text
	extracted, err := p.extractor.Extract(ctx, blob, cp.FileMIME)
	if err != nil {
		return err
	}
	if err := p.parses.RecordExtraction(ctx, jc.Job.ID, extracted.PageCount, len(extracted.Text)); err != nil {
		return err
	}
	if err := jc.StepDone(ctx, "extract-text"); err != nil {
		return err
	}

	// normalize-text
	text := textx.CollapseWhitespace(textx.ExpandLigatures(textx.SanitizeText(extracted.Text)))
	if text == "" {
		return domain.E(domain.CodeParsingFailed, "document yielded no text")
	}
	headers := textx.DetectSectionHeaders(text)
	if err := jc.StepDone(ctx, "normalize-text"); err != nil {
		return err
	}

	// llm-parse
	content, err := p.parseWithLLM(ctx, text, headers)
	if err != nil {
		return err
	}
	confidence := content.Confidence()
	if err := jc.StepDone(ctx, "llm-parse"); err != nil {
		return err
	}

	// structural-validate
	if strings.TrimSpace(content.Personal.Name) == "" ||
		(len(content.Experience) == 0 && len(content.Education) == 0 && content.Skills.Empty()) {
		return domain.E(domain.CodeParsingFailed, "parsed document lacks a name or any substantive section")
	}
	if err := jc.StepDone(ctx, "structural-validate"); err != nil {
		return err
	}

	// persist-content. Hash-equal content keeps the existing active
	// version; the parse still completes and the CV reads as parsed.
	versionID := ""
	v, err := p.snapshots.NewVersion(ctx, jc.Job.UserID, payload.CVID, content, usecase.NewVersionOptions{
		ChangeType:   domain.ChangeParsing,
		AIConfidence: confidence,
		Activate:     true,
	})
	switch {
	case err == nil:
		versionID = v.ID
	case domain.AsAppError(err).Code == domain.CodeVersionConflict:
	default:
		return err
	}
	if err := p.parses.Complete(ctx, jc.Job.ID, content, confidence, versionID, time.Now().UTC()); err != nil {
		return err
	}
	if err := p.cvs.SetParsingStatus(ctx, payload.CVID, domain.ParsingParsed); err != nil {
		return err
	}
	if err := jc.StepDone(ctx, "persist-content"); err != nil {
		return err
	}

	jc.SetEvent(domain.Event{
		CVID:  payload.CVID,
		Extra: map[string]any{"confidence": confidence, "versionId": versionID},
	})
	return jc.SetResult(parseResult{
		CVID:         payload.CVID,
		VersionID:    versionID,
		Confidence:   confidence,
		PageCount:    extracted.PageCount,
		SectionCount: content.SectionCount(),
	})
}

// resumeTerminal short-circuits redeliveries of jobs whose companion is
// already terminal.
func (p *Parsing) resumeTerminal(jc *engine.JobContext, cp domain.CvParsingJob) (bool, error) {
	switch cp.Status {
	case domain.ParseJobCompleted:
		res := parseResult{
			CVID:       cp.CVID,
			VersionID:  cp.VersionID,
			Confidence: cp.Confidence,
			PageCount:  cp.PageCount,
		}
		if cp.ParsedContent != nil {
			res.SectionCount = cp.ParsedContent.SectionCount()
		}
		return true, jc.SetResult(res)
	case domain.ParseJobFailed:
		return true, domain.E(domain.CodeParsingFailed, "parsing already failed: %s", cp.Error)
	}
	return false, nil
}

func (p *Parsing) parseWithLLM(ctx context.Context, text string, headers []string) (domain.CVContent, error) {
	cvText := text
	if len(headers) > 0 {
		cvText = "Detected section headers: " + strings.Join(headers, ", ") + "\n\n" + text
	}
	temp := 0.1
	messages := []domain.AIMessage{
		{Role: domain.RoleSystem, Content: p.prompts.System(domain.TaskParse)},
		{Role: domain.RoleUser, Content: p.prompts.RenderUser(domain.TaskParse, map[string]string{"cv_text": cvText})},
	}
	raw, err := p.llm.Call(ctx, domain.TaskParse, messages, domain.AICallOptions{
		Format:      domain.FormatJSON,
		Temperature: &temp,
	})
	if err != nil {
		return domain.CVContent{}, err
	}
	var content domain.CVContent
	if err := json.Unmarshal([]byte(raw), &content); err != nil {
		return domain.CVContent{}, domain.E(domain.CodeAIInvalidResponse, "parse response is not a CV document").WithCause(err)
	}
	return content, nil
}
