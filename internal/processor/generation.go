package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cvforge/cvforge/internal/domain"
	"github.com/cvforge/cvforge/internal/engine"
)

// Generation renders the snapshotted input into a deliverable artifact:
// HTML rasterized to PDF through the headless browser, or a directly
// written DOCX package. The artifact lands under generated/<jobId>.
type Generation struct {
	gens     domain.GenerationRepository
	renderer domain.DocRenderer
	browser  domain.BrowserRenderer
	store    domain.ObjectStore
}

// NewGeneration constructs the generation processor.
func NewGeneration(
	gens domain.GenerationRepository,
	renderer domain.DocRenderer,
	browser domain.BrowserRenderer,
	store domain.ObjectStore,
) *Generation {
	return &Generation{gens: gens, renderer: renderer, browser: browser, store: store}
}

func (p *Generation) Kind() domain.JobType { return domain.JobTypeGeneration }

type generationResult struct {
	OutputFile domain.OutputFile      `json:"outputFile"`
	Stats      domain.GenerationStats `json:"stats"`
}

func (p *Generation) Run(ctx context.Context, jc *engine.JobContext) error {
	start := time.Now()

	var payload domain.GenerationPayload
	if err := decodePayload(jc, &payload); err != nil {
		return err
	}

	cp, err := p.gens.GetByJobID(ctx, jc.Job.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return companionPending("generation", jc.Job.ID)
	}
	if err != nil {
		return err
	}
	switch cp.Status {
	case domain.GenerationCompleted:
		if cp.OutputFile != nil && cp.Stats != nil {
			return jc.SetResult(generationResult{OutputFile: *cp.OutputFile, Stats: *cp.Stats})
		}
		return jc.SetResult(struct{}{})
	case domain.GenerationFailed:
		return domain.E(domain.CodeGenerationFailed, "generation already failed: %s", cp.Error)
	}

	if err := p.gens.MarkProcessing(ctx, jc.Job.ID, time.Now().UTC()); err != nil {
		return err
	}
	if err := jc.DeclareSteps(ctx, 4); err != nil {
		return err
	}

	// resolve-input. The content was materialized onto the companion at
	// enqueue time; an empty snapshot cannot render.
	input := cp.Input
	if input.Content.IsEmpty() {
		return domain.E(domain.CodeCVInvalid, "generation input snapshot is empty")
	}
	if err := jc.StepDone(ctx, "resolve-input"); err != nil {
		return err
	}

	// render-template / rasterize
	var data []byte
	var pages int
	switch cp.OutputFormat {
	case domain.OutputPDF:
		html, err := p.renderer.RenderHTML(input, cp.TemplateID, cp.Customization)
		if err != nil {
			return err
		}
		if err := jc.StepDone(ctx, "render-template"); err != nil {
			return err
		}
		data, err = p.browser.RenderPDF(ctx, html, domain.PDFOptions{})
		if err != nil {
			return err
		}
		pages = countPDFPages(data)
	case domain.OutputDOCX:
		doc, err := p.renderer.RenderDOCX(input, cp.TemplateID, cp.Customization)
		if err != nil {
			return err
		}
		if err := jc.StepDone(ctx, "render-template"); err != nil {
			return err
		}
		data, pages = doc.Data, doc.PageCount
	default:
		return domain.E(domain.CodeValidationError, "unsupported output format %q", cp.OutputFormat)
	}
	if len(data) == 0 {
		return domain.E(domain.CodeGenerationEmptyOutput, "renderer produced an empty %s", cp.OutputFormat)
	}
	if err := jc.StepDone(ctx, "rasterize"); err != nil {
		return err
	}

	// persist-artifact
	key := fmt.Sprintf("generated/%s.%s", jc.Job.ID, cp.OutputFormat.Ext())
	obj, err := p.store.Upload(ctx, data, key, domain.UploadOptions{ContentType: cp.OutputFormat.MIME()})
	if err != nil {
		return err
	}
	out := domain.OutputFile{
		FileName: artifactName(input, cp.OutputFormat),
		FilePath: key,
		FileSize: obj.Size,
		MimeType: cp.OutputFormat.MIME(),
	}
	stats := domain.GenerationStats{
		PageCount:        pages,
		WordCount:        input.Content.WordCount(),
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
	if err := p.gens.Complete(ctx, jc.Job.ID, out, stats, time.Now().UTC()); err != nil {
		return err
	}
	if err := jc.StepDone(ctx, "persist-artifact"); err != nil {
		return err
	}

	jc.SetEvent(domain.Event{
		CVID: input.CVID,
		Extra: map[string]any{
			"format":   string(cp.OutputFormat),
			"fileName": out.FileName,
			"fileSize": out.FileSize,
		},
	})
	return jc.SetResult(generationResult{OutputFile: out, Stats: stats})
}

// artifactName derives the download filename from the document title.
func artifactName(input domain.GenerationInput, format domain.OutputFormat) string {
	base := strings.TrimSpace(input.Title)
	if base == "" {
		base = strings.TrimSpace(input.Content.Personal.Name)
	}
	if base == "" {
		base = "cv"
	}
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == ' ', r == '-', r == '_':
			return '-'
		}
		return -1
	}, base)
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "cv"
	}
	return slug + "." + format.Ext()
}

// countPDFPages counts page objects in the rasterized document. Chrome
// does not report a page count, so the object table is the only source.
func countPDFPages(data []byte) int {
	n := bytes.Count(data, []byte("/Type /Page")) - bytes.Count(data, []byte("/Type /Pages"))
	if n < 1 {
		n = 1
	}
	return n
}
