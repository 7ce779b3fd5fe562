// Package ai adapts the task-routed LLM port to concrete providers. One
// Client fans out to openai, anthropic, gemini, huggingface, ollama or a
// deterministic mock, retries transient failures with exponential backoff
// behind a circuit breaker, and repairs JSON-format responses before they
// reach a processor.
package ai

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/cvforge/cvforge/internal/domain"
)

// Repair normalizes a model response into parseable JSON. Already-valid
// input passes through untouched, so Repair(Repair(x)) == Repair(x). The
// pass walks fixed stages: drop code fences, cut to the first JSON value,
// close unterminated strings and delimiters, drop trailing commas, and as
// a second phase collapse one level of double escaping. Anything still
// unparseable is rejected with AI_INVALID_RESPONSE.
func Repair(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if len(s) > 0 && (s[0] == '{' || s[0] == '[') && json.Valid([]byte(s)) {
		return s, nil
	}

	s = stripFences(s)
	if out, ok := repairOnce(s); ok {
		return out, nil
	}
	if collapsed := collapseEscapes(s); collapsed != s {
		if out, ok := repairOnce(collapsed); ok {
			return out, nil
		}
	}
	if !strings.ContainsAny(s, "{[") {
		return "", domain.E(domain.CodeAIInvalidResponse, "response contains no JSON value")
	}
	return "", domain.E(domain.CodeAIInvalidResponse, "response is not valid JSON after repair")
}

// repairOnce runs the cut/close/comma stages and reports whether the
// result parses.
func repairOnce(s string) (string, bool) {
	sub, st, found := scanValue(s)
	if !found {
		return "", false
	}
	repaired := closeDelimiters(sub, st)
	repaired = stripTrailingCommas(repaired)
	if json.Valid([]byte(repaired)) {
		return repaired, true
	}
	return "", false
}

// scanState carries what is still open when the scan hits end of input.
type scanState struct {
	open     []byte
	inString bool
	escaped  bool
}

// scanValue cuts s down to its first JSON object or array. A balanced
// value is returned exactly; a truncated one is returned to end of input
// together with the delimiters that never closed.
func scanValue(s string) (string, scanState, bool) {
	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return "", scanState{}, false
	}
	var st scanState
	for i := start; i < len(s); i++ {
		c := s[i]
		if st.inString {
			switch {
			case st.escaped:
				st.escaped = false
			case c == '\\':
				st.escaped = true
			case c == '"':
				st.inString = false
			}
			continue
		}
		switch c {
		case '"':
			st.inString = true
		case '{':
			st.open = append(st.open, '}')
		case '[':
			st.open = append(st.open, ']')
		case '}', ']':
			if n := len(st.open); n > 0 && st.open[n-1] == c {
				st.open = st.open[:n-1]
				if len(st.open) == 0 {
					return s[start : i+1], scanState{}, true
				}
			}
		}
	}
	return s[start:], st, true
}

// closeDelimiters terminates whatever scanValue left open: a dangling
// escape is dropped, an open string gets its quote, then the delimiter
// stack unwinds innermost first.
func closeDelimiters(s string, st scanState) string {
	if st.escaped {
		s = s[:len(s)-1]
	}
	var b strings.Builder
	b.Grow(len(s) + len(st.open) + 1)
	b.WriteString(s)
	if st.inString {
		b.WriteByte('"')
	}
	for i := len(st.open) - 1; i >= 0; i-- {
		b.WriteByte(st.open[i])
	}
	return b.String()
}

// stripTrailingCommas removes commas that sit directly before a closing
// delimiter. String content is never touched.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && isJSONSpace(s[j]) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// collapseEscapes undoes one level of string escaping. Models sometimes
// return a JSON document that was itself JSON-encoded, which leaves \"
// around every key and \\n inside every string.
func collapseEscapes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			case '"':
				b.WriteByte('"')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// stripFences extracts the first fenced block that holds a JSON value.
// Text without a usable fence is returned unchanged.
func stripFences(s string) string {
	rest := s
	for {
		i := strings.Index(rest, "```")
		if i == -1 {
			return s
		}
		after := rest[i+3:]
		if nl := strings.IndexByte(after, '\n'); nl != -1 && isFenceTag(after[:nl]) {
			after = after[nl+1:]
		}
		end := strings.Index(after, "```")
		payload := after
		if end != -1 {
			payload = after[:end]
		}
		if strings.ContainsAny(payload, "{[") {
			return strings.TrimSpace(payload)
		}
		if end == -1 {
			return s
		}
		rest = after[end+3:]
	}
}

// isFenceTag reports whether s looks like a fence language tag such as
// "json" rather than payload.
func isFenceTag(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) > 16 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
