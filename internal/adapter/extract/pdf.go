package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/cvforge/cvforge/internal/domain"
)

// extractPDF reads page count and metadata with pdfcpu, extracts the
// decoded content streams per page, and decodes their text-showing
// operators. pdfcpu works on files, so the payload takes a detour
// through the temp dir.
func extractPDF(_ domain.Context, data []byte) (domain.ExtractedText, error) {
	tmp, err := os.CreateTemp("", "cvforge-extract-*.pdf")
	if err != nil {
		return domain.ExtractedText{}, domain.E(domain.CodeParsingExtract, "create temp pdf").WithCause(err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return domain.ExtractedText{}, domain.E(domain.CodeParsingExtract, "write temp pdf").WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		return domain.ExtractedText{}, domain.E(domain.CodeParsingExtract, "write temp pdf").WithCause(err)
	}

	pdfCtx, err := api.ReadContextFile(tmp.Name())
	if err != nil {
		return domain.ExtractedText{}, domain.E(domain.CodeParsingFailed, "unreadable pdf").WithCause(err)
	}
	if pdfCtx.Encrypt != nil {
		return domain.ExtractedText{}, domain.E(domain.CodeParsingUnsupported, "pdf is encrypted")
	}
	pageCount := pdfCtx.PageCount

	outDir, err := os.MkdirTemp("", "cvforge-pages-*")
	if err != nil {
		return domain.ExtractedText{}, domain.E(domain.CodeParsingExtract, "create page dir").WithCause(err)
	}
	defer func() { _ = os.RemoveAll(outDir) }()

	conf := model.NewDefaultConfiguration()
	if err := api.ExtractContentFile(tmp.Name(), outDir, nil, conf); err != nil {
		return domain.ExtractedText{}, domain.E(domain.CodeParsingExtract, "extract pdf content").WithCause(err)
	}

	pages, err := readPageStreams(outDir)
	if err != nil {
		return domain.ExtractedText{}, err
	}

	var b strings.Builder
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		text := strings.TrimSpace(textFromContentStream(pages[pageNum]))
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}

	return domain.ExtractedText{
		Text:      b.String(),
		PageCount: pageCount,
		Metadata:  map[string]string{"format": "pdf"},
	}, nil
}

// readPageStreams collects extracted content by page number. pdfcpu names
// the files page_N or Content_page_N depending on version.
func readPageStreams(dir string) (map[int][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, domain.E(domain.CodeParsingExtract, "read page dir").WithCause(err)
	}
	pages := make(map[int][]byte, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		var pageNum int
		if _, err := fmt.Sscanf(name, "Content_page_%d", &pageNum); err != nil {
			if _, err := fmt.Sscanf(name, "page_%d", &pageNum); err != nil {
				continue
			}
		}
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, domain.E(domain.CodeParsingExtract, "read page content").WithCause(err)
		}
		pages[pageNum] = content
	}
	return pages, nil
}

// streamParser walks a decoded PDF content stream and collects the
// arguments of text-showing operators. Layout recovery is heuristic:
// vertical cursor moves become line breaks, horizontal-only moves and
// large TJ kerning gaps become spaces.
type streamParser struct {
	data    []byte
	i       int
	depth   int // TJ array nesting
	nums    []float64
	lastY   float64
	hasY    bool
	out     strings.Builder
	pending strings.Builder
}

// textFromContentStream decodes the text shown by a content stream.
func textFromContentStream(stream []byte) string {
	p := &streamParser{data: stream}
	p.run()
	return p.out.String()
}

func (p *streamParser) run() {
	for p.i < len(p.data) {
		c := p.data[p.i]
		switch {
		case c == '(':
			p.pending.WriteString(p.literalString())
		case c == '<':
			if p.i+1 < len(p.data) && p.data[p.i+1] == '<' {
				p.skipDict()
			} else {
				p.pending.WriteString(p.hexString())
			}
		case c == '[':
			p.depth++
			p.i++
		case c == ']':
			if p.depth > 0 {
				p.depth--
			}
			p.i++
		case c == '>' || c == '{' || c == '}':
			p.i++
		case c == '/':
			p.i++
			p.skipToken()
		case c == '%':
			p.skipLine()
		case isPDFSpace(c):
			p.i++
		default:
			p.operator(p.token())
		}
	}
}

func (p *streamParser) operator(tok string) {
	if tok == "" {
		p.i++
		return
	}
	if v, err := strconv.ParseFloat(tok, 64); err == nil {
		if p.depth > 0 {
			// kerning gaps below -100/1000 em read as word spaces
			if v <= -100 && !p.pendingEndsWithSpace() {
				p.pending.WriteByte(' ')
			}
		} else {
			p.nums = append(p.nums, v)
		}
		return
	}

	switch tok {
	case "Tj", "TJ":
		p.flushPending()
	case "'", "\"":
		s := p.pending.String()
		p.pending.Reset()
		p.lineBreak()
		p.out.WriteString(s)
	case "Td", "TD":
		if n := len(p.nums); n >= 2 {
			tx, ty := p.nums[n-2], p.nums[n-1]
			if ty != 0 {
				p.lineBreak()
			} else if tx > 0 {
				p.spaceBreak()
			}
		}
	case "Tm":
		if n := len(p.nums); n >= 6 {
			y := p.nums[n-1]
			if p.hasY && y == p.lastY {
				p.spaceBreak()
			} else {
				p.lineBreak()
			}
			p.lastY, p.hasY = y, true
		}
	case "T*", "ET":
		p.lineBreak()
	case "BI":
		p.skipInlineImage()
	}
	p.nums = p.nums[:0]
}

func (p *streamParser) flushPending() {
	p.out.WriteString(p.pending.String())
	p.pending.Reset()
}

func (p *streamParser) lineBreak() {
	p.flushPending()
	if b := p.out.String(); b != "" && !strings.HasSuffix(b, "\n") {
		p.out.WriteByte('\n')
	}
}

func (p *streamParser) spaceBreak() {
	p.flushPending()
	if b := p.out.String(); b != "" && !strings.HasSuffix(b, " ") && !strings.HasSuffix(b, "\n") {
		p.out.WriteByte(' ')
	}
}

func (p *streamParser) pendingEndsWithSpace() bool {
	s := p.pending.String()
	return s == "" || strings.HasSuffix(s, " ")
}

// literalString consumes a (...) string with PDF escapes and balanced
// nested parentheses.
func (p *streamParser) literalString() string {
	var raw []byte
	depth := 1
	p.i++ // consume (
	for p.i < len(p.data) {
		c := p.data[p.i]
		if c == '\\' {
			p.i++
			if p.i >= len(p.data) {
				break
			}
			e := p.data[p.i]
			switch e {
			case 'n':
				raw = append(raw, '\n')
			case 'r':
				raw = append(raw, '\r')
			case 't':
				raw = append(raw, '\t')
			case 'b':
				raw = append(raw, '\b')
			case 'f':
				raw = append(raw, '\f')
			case '\n':
				// escaped newline is a line continuation
			case '\r':
				if p.i+1 < len(p.data) && p.data[p.i+1] == '\n' {
					p.i++
				}
			case '0', '1', '2', '3', '4', '5', '6', '7':
				v := int(e - '0')
				for k := 0; k < 2 && p.i+1 < len(p.data); k++ {
					d := p.data[p.i+1]
					if d < '0' || d > '7' {
						break
					}
					v = v*8 + int(d-'0')
					p.i++
				}
				raw = append(raw, byte(v))
			default:
				raw = append(raw, e)
			}
			p.i++
			continue
		}
		if c == '(' {
			depth++
		}
		if c == ')' {
			depth--
			if depth == 0 {
				p.i++
				break
			}
		}
		raw = append(raw, c)
		p.i++
	}
	return decodePDFString(raw)
}

// hexString consumes a <...> string. Mostly-unprintable results are glyph
// indexes from subsetted fonts and get dropped rather than emitted as
// garbage.
func (p *streamParser) hexString() string {
	var raw []byte
	var hi byte
	half := false
	p.i++ // consume <
	for p.i < len(p.data) {
		c := p.data[p.i]
		if c == '>' {
			p.i++
			break
		}
		if v, ok := hexVal(c); ok {
			if half {
				raw = append(raw, hi<<4|v)
				half = false
			} else {
				hi = v
				half = true
			}
		}
		p.i++
	}
	if half {
		raw = append(raw, hi<<4)
	}
	if !mostlyPrintable(raw) {
		return ""
	}
	return decodePDFString(raw)
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// decodePDFString maps raw string bytes to text, honoring the UTF-16BE
// BOM some producers emit.
func decodePDFString(raw []byte) string {
	if len(raw) >= 2 && raw[0] == 0xFE && raw[1] == 0xFF {
		u := make([]uint16, 0, (len(raw)-2)/2)
		for k := 2; k+1 < len(raw); k += 2 {
			u = append(u, uint16(raw[k])<<8|uint16(raw[k+1]))
		}
		return string(utf16.Decode(u))
	}
	return string(raw)
}

func mostlyPrintable(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	if len(raw) >= 2 && raw[0] == 0xFE && raw[1] == 0xFF {
		return true
	}
	printable := 0
	for _, c := range raw {
		if c == '\n' || c == '\r' || c == '\t' || (c >= 32 && c < 127) {
			printable++
		}
	}
	return printable*10 >= len(raw)*6
}

func (p *streamParser) token() string {
	start := p.i
	for p.i < len(p.data) && !isPDFDelim(p.data[p.i]) {
		p.i++
	}
	return string(p.data[start:p.i])
}

func (p *streamParser) skipToken() {
	for p.i < len(p.data) && !isPDFDelim(p.data[p.i]) {
		p.i++
	}
}

func (p *streamParser) skipLine() {
	for p.i < len(p.data) && p.data[p.i] != '\n' {
		p.i++
	}
}

// skipDict advances past a balanced << ... >> dictionary so string values
// inside marked-content properties never reach the output.
func (p *streamParser) skipDict() {
	p.i += 2
	depth := 1
	for p.i < len(p.data) && depth > 0 {
		switch {
		case p.data[p.i] == '(':
			_ = p.literalString()
		case p.data[p.i] == '<' && p.i+1 < len(p.data) && p.data[p.i+1] == '<':
			depth++
			p.i += 2
		case p.data[p.i] == '>' && p.i+1 < len(p.data) && p.data[p.i+1] == '>':
			depth--
			p.i += 2
		default:
			p.i++
		}
	}
}

// skipInlineImage advances past BI ... EI image data.
func (p *streamParser) skipInlineImage() {
	for p.i+1 < len(p.data) {
		if p.data[p.i] == 'E' && p.data[p.i+1] == 'I' &&
			(p.i == 0 || isPDFSpace(p.data[p.i-1])) &&
			(p.i+2 >= len(p.data) || isPDFDelim(p.data[p.i+2])) {
			p.i += 2
			return
		}
		p.i++
	}
	p.i = len(p.data)
}

func isPDFSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '\f' || c == 0
}

func isPDFDelim(c byte) bool {
	return isPDFSpace(c) || c == '(' || c == ')' || c == '<' || c == '>' ||
		c == '[' || c == ']' || c == '{' || c == '}' || c == '/' || c == '%'
}
