// Package extract turns uploaded CV files into plain text. PDF and DOCX
// are handled in process; everything the sniffer reports as text passes
// through with control characters stripped.
package extract

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/cvforge/cvforge/internal/domain"
	"github.com/cvforge/cvforge/pkg/textx"
)

const (
	mimePDF  = "application/pdf"
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// Extractor implements domain.TextExtractor with format-specific readers
// selected by content sniffing.
type Extractor struct{}

func New() *Extractor { return &Extractor{} }

var _ domain.TextExtractor = (*Extractor)(nil)

// Extract dispatches on the sniffed content type. The declared type from
// upload metadata is only a fallback for payloads the sniffer cannot
// settle, since stored content types repeat whatever the client sent.
func (e *Extractor) Extract(ctx domain.Context, data []byte, declared string) (domain.ExtractedText, error) {
	if len(data) == 0 {
		return domain.ExtractedText{}, domain.E(domain.CodeParsingFailed, "file is empty")
	}

	detected := mimetype.Detect(data)
	switch {
	case detected.Is(mimePDF):
		return extractPDF(ctx, data)
	case detected.Is(mimeDOCX):
		return extractDOCX(data)
	case strings.HasPrefix(detected.String(), "text/"):
		return extractPlainText(data), nil
	}

	// generic sniffs (octet-stream, bare zip) defer to the declared type
	switch normalizeDeclared(declared) {
	case mimePDF:
		return extractPDF(ctx, data)
	case mimeDOCX:
		return extractDOCX(data)
	case "text/plain":
		return extractPlainText(data), nil
	}

	return domain.ExtractedText{}, domain.E(domain.CodeParsingUnsupported,
		"unsupported file format %s", detected.String())
}

func normalizeDeclared(declared string) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if i := strings.Index(declared, ";"); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	if strings.HasPrefix(declared, "text/") {
		return "text/plain"
	}
	return declared
}

func extractPlainText(data []byte) domain.ExtractedText {
	text := textx.SanitizeText(string(data))
	return domain.ExtractedText{
		Text:      text,
		PageCount: estimatePages(text),
		Metadata:  map[string]string{"format": "text"},
	}
}

// estimatePages approximates print pages for formats that have none.
func estimatePages(text string) int {
	const charsPerPage = 3000
	n := len(text)/charsPerPage + 1
	return n
}
