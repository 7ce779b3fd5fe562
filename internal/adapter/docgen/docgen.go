// Package docgen renders CV content into deliverable documents: themed
// self-contained HTML for the PDF pipeline, and OOXML word-processing
// files written directly. Templates are embedded and parsed once.
package docgen

import (
	"bytes"
	"embed"
	"html/template"
	"strings"

	"github.com/cvforge/cvforge/internal/domain"
)

//go:embed templates/*.html
var templateFiles embed.FS

// Renderer implements domain.DocRenderer.
type Renderer struct {
	templates *template.Template
}

var _ domain.DocRenderer = (*Renderer)(nil)

func New() (*Renderer, error) {
	funcs := template.FuncMap{
		"join":      strings.Join,
		"dateRange": dateRange,
	}
	templates, err := template.New("docgen").Funcs(funcs).ParseFS(templateFiles, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Renderer{templates: templates}, nil
}

// RenderHTML produces a complete HTML document for templateID with the
// customization applied. Invalid customization values fall back to the
// template's defaults rather than failing the render.
func (r *Renderer) RenderHTML(input domain.GenerationInput, templateID string, c domain.Customization) (string, error) {
	resolved, ok := resolveStyle(templateID, c)
	if !ok {
		return "", domain.E(domain.CodeGenerationBadTemplate, "unknown template %q", templateID)
	}
	t := r.templates.Lookup(templateID + ".html")
	if t == nil {
		return "", domain.E(domain.CodeGenerationBadTemplate, "unknown template %q", templateID)
	}

	view := documentView{
		Title:    docTitle(input),
		CV:       &input.Content,
		Style:    resolved.css(),
		Sections: orderedSections(&input.Content, c.SectionOrder),
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, view); err != nil {
		return "", domain.E(domain.CodeGenerationFailed, "render template %q", templateID).WithCause(err)
	}
	return buf.String(), nil
}

// RenderDOCX writes the document as an OOXML package. The template
// determines the visual identity (colors, fonts) through styles.xml;
// the structural layout is shared.
func (r *Renderer) RenderDOCX(input domain.GenerationInput, templateID string, c domain.Customization) (domain.RenderedDoc, error) {
	resolved, ok := resolveStyle(templateID, c)
	if !ok {
		return domain.RenderedDoc{}, domain.E(domain.CodeGenerationBadTemplate, "unknown template %q", templateID)
	}
	data, pages, err := buildDocx(input, resolved, orderedSections(&input.Content, c.SectionOrder))
	if err != nil {
		return domain.RenderedDoc{}, err
	}
	return domain.RenderedDoc{Data: data, PageCount: pages}, nil
}
