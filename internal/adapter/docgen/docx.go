package docgen

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/cvforge/cvforge/internal/domain"
)

// Static package parts. [Content_Types].xml must be the first zip entry
// so format sniffers recognize the archive as a docx.
const (
	docxContentTypes = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
<Override PartName="/word/styles.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.styles+xml"/>
<Override PartName="/docProps/core.xml" ContentType="application/vnd.openxmlformats-package.core-properties+xml"/>
<Override PartName="/docProps/app.xml" ContentType="application/vnd.openxmlformats-officedocument.extended-properties+xml"/>
</Types>`

	docxRootRels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
<Relationship Id="rId2" Type="http://schemas.openxmlformats.org/package/2006/relationships/metadata/core-properties" Target="docProps/core.xml"/>
<Relationship Id="rId3" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/extended-properties" Target="docProps/app.xml"/>
</Relationships>`

	docxDocumentRels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/styles" Target="styles.xml"/>
</Relationships>`

	wordMLNamespace = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"
)

// document.xml structure. Field order inside each struct follows the
// OOXML schema sequence, which encoding/xml preserves.

type docxDocument struct {
	XMLName xml.Name `xml:"w:document"`
	NS      string   `xml:"xmlns:w,attr"`
	Body    docxBody `xml:"w:body"`
}

type docxBody struct {
	Paras []docxPara `xml:"w:p"`
	Sect  docxSectPr `xml:"w:sectPr"`
}

type docxSectPr struct {
	PageSize docxPageSize `xml:"w:pgSz"`
	Margins  docxPageMar  `xml:"w:pgMar"`
}

type docxPageSize struct {
	W int `xml:"w:w,attr"`
	H int `xml:"w:h,attr"`
}

type docxPageMar struct {
	Top    int `xml:"w:top,attr"`
	Right  int `xml:"w:right,attr"`
	Bottom int `xml:"w:bottom,attr"`
	Left   int `xml:"w:left,attr"`
	Header int `xml:"w:header,attr"`
	Footer int `xml:"w:footer,attr"`
	Gutter int `xml:"w:gutter,attr"`
}

type docxPara struct {
	Props *docxParaProps `xml:"w:pPr"`
	Runs  []docxRun      `xml:"w:r"`
}

type docxParaProps struct {
	Style *docxVal `xml:"w:pStyle"`
	Ind   *docxInd `xml:"w:ind"`
}

type docxInd struct {
	Left int `xml:"w:left,attr"`
}

type docxVal struct {
	Val string `xml:"w:val,attr"`
}

type docxRun struct {
	Props *docxRunProps `xml:"w:rPr"`
	Text  *docxText     `xml:"w:t"`
}

type docxRunProps struct {
	Bold   *docxEmpty `xml:"w:b"`
	Italic *docxEmpty `xml:"w:i"`
	Color  *docxVal   `xml:"w:color"`
	Size   *docxVal   `xml:"w:sz"`
	SizeCs *docxVal   `xml:"w:szCs"`
}

type docxEmpty struct{}

type docxText struct {
	Space string `xml:"xml:space,attr"`
	Text  string `xml:",chardata"`
}

type docxCoreProps struct {
	XMLName xml.Name `xml:"cp:coreProperties"`
	NSCP    string   `xml:"xmlns:cp,attr"`
	NSDC    string   `xml:"xmlns:dc,attr"`
	Title   string   `xml:"dc:title"`
	Creator string   `xml:"dc:creator"`
}

type docxAppProps struct {
	XMLName     xml.Name `xml:"Properties"`
	NS          string   `xml:"xmlns,attr"`
	Application string   `xml:"Application"`
	Pages       int      `xml:"Pages"`
	Words       int      `xml:"Words"`
}

// docxBuilder accumulates paragraphs and counts words as it goes.
type docxBuilder struct {
	paras []docxPara
	words int
}

type span struct {
	text   string
	bold   bool
	italic bool
	muted  bool
}

func (b *docxBuilder) runs(spans ...span) []docxRun {
	out := make([]docxRun, 0, len(spans))
	for _, sp := range spans {
		if sp.text == "" {
			continue
		}
		b.words += len(strings.Fields(sp.text))
		var props *docxRunProps
		if sp.bold || sp.italic || sp.muted {
			props = &docxRunProps{}
			if sp.bold {
				props.Bold = &docxEmpty{}
			}
			if sp.italic {
				props.Italic = &docxEmpty{}
			}
			if sp.muted {
				props.Color = &docxVal{Val: "595959"}
			}
		}
		out = append(out, docxRun{
			Props: props,
			Text:  &docxText{Space: "preserve", Text: sp.text},
		})
	}
	return out
}

func (b *docxBuilder) line(spans ...span) {
	runs := b.runs(spans...)
	if len(runs) == 0 {
		return
	}
	b.paras = append(b.paras, docxPara{Runs: runs})
}

func (b *docxBuilder) styled(styleID, text string) {
	if text == "" {
		return
	}
	b.paras = append(b.paras, docxPara{
		Props: &docxParaProps{Style: &docxVal{Val: styleID}},
		Runs:  b.runs(span{text: text}),
	})
}

func (b *docxBuilder) bullet(text string) {
	if text == "" {
		return
	}
	b.paras = append(b.paras, docxPara{
		Props: &docxParaProps{Ind: &docxInd{Left: 360}},
		Runs:  b.runs(span{text: "• " + text}),
	})
}

// entry writes a lead line with the title bolded and an optional
// right-hand detail rendered inline in muted text.
func (b *docxBuilder) entry(title, when string) {
	spans := []span{{text: title, bold: true}}
	if when != "" {
		spans = append(spans, span{text: "   " + when, muted: true})
	}
	b.line(spans...)
}

func buildDocx(input domain.GenerationInput, s style, sections []section) ([]byte, int, error) {
	b := &docxBuilder{}
	c := &input.Content

	b.styled("Title", c.Personal.Name)
	if c.Personal.Title != "" {
		b.line(span{text: c.Personal.Title, italic: true})
	}
	if contact := joinNonEmpty(" | ", c.Personal.Email, c.Personal.Phone, c.Personal.Location,
		c.Personal.Website, c.Personal.LinkedIn, c.Personal.GitHub); contact != "" {
		b.line(span{text: contact, muted: true})
	}

	for _, sec := range sections {
		b.styled("Heading1", sec.Title)
		switch sec.ID {
		case "summary":
			b.line(span{text: c.Summary})
		case "experience":
			for _, e := range c.Experience {
				b.entry(joinNonEmpty(", ", e.Position, e.Company), dateRange(e.StartDate, e.EndDate, e.Current))
				if e.Location != "" {
					b.line(span{text: e.Location, italic: true, muted: true})
				}
				b.line(span{text: e.Description})
				for _, a := range e.Achievements {
					b.bullet(a)
				}
				if len(e.Technologies) > 0 {
					b.line(span{text: "Technologies: " + strings.Join(e.Technologies, ", "), muted: true})
				}
			}
		case "education":
			for _, e := range c.Education {
				b.entry(e.Institution, dateRange(e.StartDate, e.EndDate, false))
				detail := joinNonEmpty(", ", e.Degree, e.Field)
				if e.GPA != "" {
					detail = joinNonEmpty(" | ", detail, "GPA "+e.GPA)
				}
				b.line(span{text: detail, muted: true})
				for _, h := range e.Honors {
					b.bullet(h)
				}
			}
		case "skills":
			if len(c.Skills.Technical) > 0 {
				b.line(span{text: "Technical: ", bold: true}, span{text: strings.Join(c.Skills.Technical, ", ")})
			}
			if len(c.Skills.Tools) > 0 {
				b.line(span{text: "Tools: ", bold: true}, span{text: strings.Join(c.Skills.Tools, ", ")})
			}
			if len(c.Skills.Soft) > 0 {
				b.line(span{text: "Soft skills: ", bold: true}, span{text: strings.Join(c.Skills.Soft, ", ")})
			}
		case "projects":
			for _, p := range c.Projects {
				b.entry(p.Name, p.URL)
				b.line(span{text: p.Description})
				for _, h := range p.Highlights {
					b.bullet(h)
				}
				if len(p.Technologies) > 0 {
					b.line(span{text: "Technologies: " + strings.Join(p.Technologies, ", "), muted: true})
				}
			}
		case "certifications":
			for _, cert := range c.Certifications {
				b.entry(joinNonEmpty(", ", cert.Name, cert.Issuer), cert.Date)
			}
		case "languages":
			parts := make([]string, 0, len(c.Languages))
			for _, l := range c.Languages {
				if l.Proficiency != "" {
					parts = append(parts, l.Language+" ("+l.Proficiency+")")
				} else {
					parts = append(parts, l.Language)
				}
			}
			b.line(span{text: strings.Join(parts, ", ")})
		}
	}

	pages := 1 + b.words/450

	doc := docxDocument{
		NS: wordMLNamespace,
		Body: docxBody{
			Paras: b.paras,
			Sect: docxSectPr{
				PageSize: docxPageSize{W: 11906, H: 16838},
				Margins:  docxPageMar{Top: 720, Right: 720, Bottom: 720, Left: 720, Header: 708, Footer: 708},
			},
		},
	}
	documentXML, err := marshalPart(doc)
	if err != nil {
		return nil, 0, domain.E(domain.CodeGenerationFailed, "encode document xml").WithCause(err)
	}
	coreXML, err := marshalPart(docxCoreProps{
		NSCP:    "http://schemas.openxmlformats.org/package/2006/metadata/core-properties",
		NSDC:    "http://purl.org/dc/elements/1.1/",
		Title:   docTitle(input),
		Creator: "CV Enhancer",
	})
	if err != nil {
		return nil, 0, domain.E(domain.CodeGenerationFailed, "encode core properties").WithCause(err)
	}
	appXML, err := marshalPart(docxAppProps{
		NS:          "http://schemas.openxmlformats.org/officeDocument/2006/extended-properties",
		Application: "CV Enhancer",
		Pages:       pages,
		Words:       b.words,
	})
	if err != nil {
		return nil, 0, domain.E(domain.CodeGenerationFailed, "encode app properties").WithCause(err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	parts := []struct {
		name string
		body []byte
	}{
		{"[Content_Types].xml", []byte(docxContentTypes)},
		{"_rels/.rels", []byte(docxRootRels)},
		{"word/_rels/document.xml.rels", []byte(docxDocumentRels)},
		{"word/document.xml", documentXML},
		{"word/styles.xml", []byte(stylesXML(s))},
		{"docProps/core.xml", coreXML},
		{"docProps/app.xml", appXML},
	}
	for _, part := range parts {
		w, err := zw.Create(part.name)
		if err == nil {
			_, err = w.Write(part.body)
		}
		if err != nil {
			return nil, 0, domain.E(domain.CodeGenerationFailed, "write docx part %s", part.name).WithCause(err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, 0, domain.E(domain.CodeGenerationFailed, "finalize docx archive").WithCause(err)
	}
	return buf.Bytes(), pages, nil
}

func marshalPart(v any) ([]byte, error) {
	body, err := xml.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

// stylesXML renders the style sheet carrying the template's visual
// identity. Sizes are in half-points, spacing in twips.
func stylesXML(s style) string {
	base := halfPoints(s.fontSize)
	line := lineTwips(s.lineHeight)
	font := xmlEscape(firstFontName(s.fontFamily))
	color := docxColor(s.primaryColor)
	title := base * 18 / 10
	heading := base * 11 / 10
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:styles xmlns:w="%s">
<w:docDefaults>
<w:rPrDefault><w:rPr><w:rFonts w:ascii="%s" w:hAnsi="%s"/><w:sz w:val="%d"/><w:szCs w:val="%d"/></w:rPr></w:rPrDefault>
<w:pPrDefault><w:pPr><w:spacing w:after="60" w:line="%d" w:lineRule="auto"/></w:pPr></w:pPrDefault>
</w:docDefaults>
<w:style w:type="paragraph" w:styleId="Title">
<w:name w:val="Title"/>
<w:pPr><w:spacing w:after="40"/></w:pPr>
<w:rPr><w:b/><w:sz w:val="%d"/><w:szCs w:val="%d"/></w:rPr>
</w:style>
<w:style w:type="paragraph" w:styleId="Heading1">
<w:name w:val="heading 1"/>
<w:pPr><w:spacing w:before="200" w:after="80"/></w:pPr>
<w:rPr><w:b/><w:caps/><w:color w:val="%s"/><w:sz w:val="%d"/><w:szCs w:val="%d"/></w:rPr>
</w:style>
</w:styles>`,
		wordMLNamespace, font, font, base, base, line, title, title, color, heading, heading)
}

// halfPoints converts a CSS font size (pt or px) to Word half-points.
func halfPoints(fontSize string) int {
	unit := "pt"
	num := fontSize
	switch {
	case strings.HasSuffix(fontSize, "pt"):
		num = strings.TrimSuffix(fontSize, "pt")
	case strings.HasSuffix(fontSize, "px"):
		num = strings.TrimSuffix(fontSize, "px")
		unit = "px"
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil || v <= 0 {
		return 21
	}
	if unit == "px" {
		v *= 0.75
	}
	return int(v*2 + 0.5)
}

// lineTwips converts a unitless CSS line-height to the w:line value
// (240 twips per single-spaced line).
func lineTwips(lineHeight string) int {
	v, err := strconv.ParseFloat(lineHeight, 64)
	if err != nil || v <= 0 {
		return 240
	}
	return int(v*240 + 0.5)
}

// firstFontName takes the leading family from a CSS font stack.
func firstFontName(stack string) string {
	name := stack
	if i := strings.IndexByte(stack, ','); i >= 0 {
		name = stack[:i]
	}
	name = strings.Trim(strings.TrimSpace(name), `'"`)
	if name == "" {
		return "Calibri"
	}
	return name
}

// docxColor converts a validated #RGB or #RRGGBB value to Word's
// RRGGBB form.
func docxColor(hex string) string {
	hex = strings.TrimPrefix(hex, "#")
	if len(hex) == 3 {
		var sb strings.Builder
		for _, r := range hex {
			sb.WriteRune(r)
			sb.WriteRune(r)
		}
		hex = sb.String()
	}
	if len(hex) != 6 {
		return "000000"
	}
	return strings.ToUpper(hex)
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

func joinNonEmpty(sep string, parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
