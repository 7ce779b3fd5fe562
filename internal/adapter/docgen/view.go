package docgen

import (
	"html/template"
	"regexp"
	"strings"

	"github.com/cvforge/cvforge/internal/domain"
)

// Section identifiers accepted in customization.sectionOrder. The
// personal header is not a section; it always renders first.
var defaultSectionOrder = []string{
	"summary",
	"experience",
	"education",
	"skills",
	"projects",
	"certifications",
	"languages",
}

var sectionTitles = map[string]string{
	"summary":        "Summary",
	"experience":     "Experience",
	"education":      "Education",
	"skills":         "Skills",
	"projects":       "Projects",
	"certifications": "Certifications",
	"languages":      "Languages",
}

type section struct {
	ID    string
	Title string
}

// orderedSections returns the populated sections in render order:
// the caller's sectionOrder first (unknown names skipped), then any
// remaining populated sections in the default order.
func orderedSections(c *domain.CVContent, order []string) []section {
	seen := make(map[string]bool, len(defaultSectionOrder))
	out := make([]section, 0, len(defaultSectionOrder))
	add := func(id string) {
		id = strings.ToLower(strings.TrimSpace(id))
		if seen[id] || sectionTitles[id] == "" || !sectionPopulated(c, id) {
			return
		}
		seen[id] = true
		out = append(out, section{ID: id, Title: sectionTitles[id]})
	}
	for _, id := range order {
		add(id)
	}
	for _, id := range defaultSectionOrder {
		add(id)
	}
	return out
}

func sectionPopulated(c *domain.CVContent, id string) bool {
	switch id {
	case "summary":
		return strings.TrimSpace(c.Summary) != ""
	case "experience":
		return len(c.Experience) > 0
	case "education":
		return len(c.Education) > 0
	case "skills":
		return !c.Skills.Empty()
	case "projects":
		return len(c.Projects) > 0
	case "certifications":
		return len(c.Certifications) > 0
	case "languages":
		return len(c.Languages) > 0
	}
	return false
}

// style holds the resolved look of a document as plain strings. The
// zero knobs of a Customization fall back to the template's defaults,
// as do values that fail validation.
type style struct {
	primaryColor string
	fontFamily   string
	fontSize     string
	lineHeight   string
}

var templateStyles = map[string]style{
	domain.TemplateModern: {
		primaryColor: "#2563eb",
		fontFamily:   "'Segoe UI', Arial, sans-serif",
		fontSize:     "10.5pt",
		lineHeight:   "1.45",
	},
	domain.TemplateProfessional: {
		primaryColor: "#1f3a5f",
		fontFamily:   "Georgia, 'Times New Roman', serif",
		fontSize:     "11pt",
		lineHeight:   "1.5",
	},
	domain.TemplateMinimal: {
		primaryColor: "#111827",
		fontFamily:   "Helvetica, Arial, sans-serif",
		fontSize:     "10pt",
		lineHeight:   "1.4",
	},
}

// Validation keeps customization values inert: nothing that could close
// a CSS declaration or smuggle markup survives, so the resolved style
// is safe to emit as template.CSS.
var (
	reColor      = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)
	reFontFamily = regexp.MustCompile(`^[a-zA-Z0-9'" ,-]{1,80}$`)
	reFontSize   = regexp.MustCompile(`^[0-9]{1,2}(?:\.[0-9])?(?:pt|px)$`)
	reLineHeight = regexp.MustCompile(`^[0-9](?:\.[0-9]{1,2})?$`)
)

func resolveStyle(templateID string, c domain.Customization) (style, bool) {
	s, ok := templateStyles[templateID]
	if !ok {
		return style{}, false
	}
	if reColor.MatchString(c.PrimaryColor) {
		s.primaryColor = c.PrimaryColor
	}
	if reFontFamily.MatchString(c.FontFamily) {
		s.fontFamily = c.FontFamily
	}
	if reFontSize.MatchString(c.FontSize) {
		s.fontSize = c.FontSize
	}
	if reLineHeight.MatchString(c.LineHeight) {
		s.lineHeight = c.LineHeight
	}
	return s, true
}

// cssStyle is the template-facing view of a resolved style. The values
// are pre-validated, so typing them CSS keeps html/template from
// mangling font stacks.
type cssStyle struct {
	PrimaryColor template.CSS
	FontFamily   template.CSS
	FontSize     template.CSS
	LineHeight   template.CSS
}

func (s style) css() cssStyle {
	return cssStyle{
		PrimaryColor: template.CSS(s.primaryColor),
		FontFamily:   template.CSS(s.fontFamily),
		FontSize:     template.CSS(s.fontSize),
		LineHeight:   template.CSS(s.lineHeight),
	}
}

type documentView struct {
	Title    string
	CV       *domain.CVContent
	Style    cssStyle
	Sections []section
}

func docTitle(input domain.GenerationInput) string {
	if t := strings.TrimSpace(input.Title); t != "" {
		return t
	}
	if n := strings.TrimSpace(input.Content.Personal.Name); n != "" {
		return n + " - CV"
	}
	return "CV"
}

// dateRange formats a start/end pair for display. Open-ended entries
// read "Present".
func dateRange(start, end string, current bool) string {
	start = strings.TrimSpace(start)
	to := strings.TrimSpace(end)
	if current {
		to = "Present"
	}
	switch {
	case start == "" && to == "":
		return ""
	case start == "":
		return to
	case to == "":
		return start
	}
	return start + " - " + to
}
