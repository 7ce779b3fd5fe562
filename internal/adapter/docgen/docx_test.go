package docgen

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvforge/cvforge/internal/adapter/extract"
	"github.com/cvforge/cvforge/internal/domain"
)

func readZipPart(t *testing.T, zr *zip.Reader, name string) string {
	t.Helper()
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		return string(body)
	}
	t.Fatalf("part %s not in archive", name)
	return ""
}

func TestRenderDOCXPackageLayout(t *testing.T) {
	r := newRenderer(t)

	doc, err := r.RenderDOCX(sampleInput(), domain.TemplateModern, domain.Customization{})
	require.NoError(t, err)
	require.NotEmpty(t, doc.Data)
	assert.GreaterOrEqual(t, doc.PageCount, 1)

	zr, err := zip.NewReader(bytes.NewReader(doc.Data), int64(len(doc.Data)))
	require.NoError(t, err)
	require.NotEmpty(t, zr.File)
	assert.Equal(t, "[Content_Types].xml", zr.File[0].Name)

	document := readZipPart(t, zr, "word/document.xml")
	assert.Contains(t, document, "<w:document")
	assert.Contains(t, document, "Jane Roe")
	assert.Contains(t, document, "Staff Engineer, Acme Payments")
	assert.Contains(t, document, `w:val="Heading1"`)

	styles := readZipPart(t, zr, "word/styles.xml")
	assert.Contains(t, styles, `w:val="2563EB"`)
	assert.Contains(t, styles, `w:ascii="Segoe UI"`)
}

func TestRenderDOCXRoundTripsThroughExtract(t *testing.T) {
	r := newRenderer(t)

	doc, err := r.RenderDOCX(sampleInput(), domain.TemplateProfessional, domain.Customization{})
	require.NoError(t, err)

	got, err := extract.New().Extract(context.Background(), doc.Data, domain.OutputDOCX.MIME())
	require.NoError(t, err)
	assert.Contains(t, got.Text, "Jane Roe")
	assert.Contains(t, got.Text, "Acme Payments")
	assert.Contains(t, got.Text, "Cut ledger close time")
	assert.Equal(t, doc.PageCount, got.PageCount)
	assert.Equal(t, "docx", got.Metadata["format"])
	assert.Equal(t, "Jane Roe CV", got.Metadata["title"])
	assert.Equal(t, "CV Enhancer", got.Metadata["author"])
}

func TestRenderDOCXUnknownTemplate(t *testing.T) {
	r := newRenderer(t)

	_, err := r.RenderDOCX(sampleInput(), "vaporwave", domain.Customization{})
	require.Error(t, err)
	assert.Equal(t, domain.CodeGenerationBadTemplate, domain.AsAppError(err).Code)
}

func TestDocxUnitConversions(t *testing.T) {
	assert.Equal(t, 21, halfPoints("10.5pt"))
	assert.Equal(t, 24, halfPoints("16px"))
	assert.Equal(t, 21, halfPoints("bogus"))

	assert.Equal(t, 360, lineTwips("1.5"))
	assert.Equal(t, 240, lineTwips("tall"))

	assert.Equal(t, "Segoe UI", firstFontName("'Segoe UI', Arial, sans-serif"))
	assert.Equal(t, "Georgia", firstFontName("Georgia"))
	assert.Equal(t, "Calibri", firstFontName(""))

	assert.Equal(t, "AABBCC", docxColor("#abc"))
	assert.Equal(t, "A1B2C3", docxColor("#a1b2c3"))
}

func TestJoinNonEmpty(t *testing.T) {
	assert.Equal(t, "a | c", joinNonEmpty(" | ", "a", "", "c", "  "))
	assert.Equal(t, "", joinNonEmpty(", "))
}
