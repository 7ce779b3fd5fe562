package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/cvforge/cvforge/internal/domain"
)

// extractDOCX walks word/document.xml for run text, reading page count
// from docProps/app.xml when the producer recorded one and falling back
// to explicit page breaks.
func extractDOCX(data []byte) (domain.ExtractedText, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return domain.ExtractedText{}, domain.E(domain.CodeParsingFailed, "not a valid docx archive").WithCause(err)
	}
	doc := findZipFile(zr, "word/document.xml")
	if doc == nil {
		return domain.ExtractedText{}, domain.E(domain.CodeParsingFailed, "docx has no word/document.xml")
	}

	text, pageBreaks, err := docxBodyText(doc)
	if err != nil {
		return domain.ExtractedText{}, err
	}

	md := map[string]string{"format": "docx"}
	docxCoreProperties(zr, md)

	return domain.ExtractedText{
		Text:      strings.TrimSpace(text),
		PageCount: docxPageCount(zr, pageBreaks),
		Metadata:  md,
	}, nil
}

func findZipFile(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// docxBodyText streams through the document XML collecting run text.
// Paragraphs and table rows end lines, table cells separate with tabs.
func docxBodyText(doc *zip.File) (string, int, error) {
	rc, err := doc.Open()
	if err != nil {
		return "", 0, domain.E(domain.CodeParsingFailed, "open document xml").WithCause(err)
	}
	defer func() { _ = rc.Close() }()

	dec := xml.NewDecoder(rc)
	var b strings.Builder
	inText := false
	pageBreaks := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", 0, domain.E(domain.CodeParsingFailed, "malformed document xml").WithCause(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "br":
				if brIsPageBreak(t) {
					pageBreaks++
				}
				b.WriteByte('\n')
			case "cr":
				b.WriteByte('\n')
			case "tab":
				b.WriteByte('\t')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p", "tr":
				b.WriteByte('\n')
			case "tc":
				b.WriteByte('\t')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), pageBreaks, nil
}

func brIsPageBreak(el xml.StartElement) bool {
	for _, attr := range el.Attr {
		if attr.Name.Local == "type" && attr.Value == "page" {
			return true
		}
	}
	return false
}

func docxPageCount(zr *zip.Reader, pageBreaks int) int {
	if f := findZipFile(zr, "docProps/app.xml"); f != nil {
		if rc, err := f.Open(); err == nil {
			var app struct {
				Pages int `xml:"Pages"`
			}
			err := xml.NewDecoder(rc).Decode(&app)
			_ = rc.Close()
			if err == nil && app.Pages > 0 {
				return app.Pages
			}
		}
	}
	return pageBreaks + 1
}

func docxCoreProperties(zr *zip.Reader, md map[string]string) {
	f := findZipFile(zr, "docProps/core.xml")
	if f == nil {
		return
	}
	rc, err := f.Open()
	if err != nil {
		return
	}
	defer func() { _ = rc.Close() }()

	var core struct {
		Title   string `xml:"title"`
		Creator string `xml:"creator"`
	}
	if err := xml.NewDecoder(rc).Decode(&core); err != nil {
		return
	}
	if s := strings.TrimSpace(core.Title); s != "" {
		md["title"] = s
	}
	if s := strings.TrimSpace(core.Creator); s != "" {
		md["author"] = s
	}
}
