// Package textx provides small text utilities used across the project.
package textx

import (
	"strings"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// ligatures maps typographic ligatures and punctuation that PDF
// extraction frequently emits to ASCII equivalents.
var ligatures = strings.NewReplacer(
	"ﬀ", "ff",
	"ﬁ", "fi",
	"ﬂ", "fl",
	"ﬃ", "ffi",
	"ﬄ", "ffl",
	"’", "'",
	"‘", "'",
	"“", `"`,
	"”", `"`,
	"–", "-",
	"—", "-",
	" ", " ",
)

// ExpandLigatures rewrites common ligatures and typographic punctuation
// into plain ASCII.
func ExpandLigatures(s string) string {
	return ligatures.Replace(s)
}

// CollapseWhitespace folds runs of spaces and tabs into single spaces and
// runs of blank lines into one, preserving paragraph breaks.
func CollapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	newlines := 0
	for _, r := range s {
		switch r {
		case ' ', '\t':
			space = true
		case '\n', '\r':
			if r == '\n' {
				newlines++
			}
			space = false
		default:
			if newlines > 0 {
				if newlines >= 2 {
					b.WriteString("\n\n")
				} else {
					b.WriteByte('\n')
				}
				newlines = 0
			} else if space {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// sectionHeaders are the headings recognized as CV section boundaries.
var sectionHeaders = []string{
	"EXPERIENCE", "WORK EXPERIENCE", "EMPLOYMENT", "PROFESSIONAL EXPERIENCE",
	"EDUCATION", "ACADEMIC BACKGROUND",
	"SKILLS", "TECHNICAL SKILLS", "COMPETENCIES",
	"PROJECTS", "CERTIFICATIONS", "LANGUAGES",
	"SUMMARY", "PROFILE", "OBJECTIVE",
}

// DetectSectionHeaders scans normalized text for known CV section
// headings and returns them in order of first appearance. The result is
// advisory; it only seeds hints for the parsing prompt.
func DetectSectionHeaders(s string) []string {
	seen := make(map[string]bool, 8)
	var found []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || len(line) > 64 {
			continue
		}
		upper := strings.ToUpper(strings.TrimRight(line, ":"))
		for _, h := range sectionHeaders {
			if upper == h && !seen[h] {
				seen[h] = true
				found = append(found, h)
			}
		}
	}
	return found
}
