// Package canonjson produces a canonical JSON form and a stable 128-bit
// digest for structured documents. Two values hash equal exactly when
// their canonical forms are byte-identical; semantically empty values
// hash to nil.
package canonjson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Canonicalize renders v as canonical JSON: object keys sorted
// recursively, whitespace-only strings, empty objects/arrays and nulls
// omitted, no insignificant whitespace. It returns nil when nothing
// meaningful remains.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("op=canonjson.marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("op=canonjson.decode: %w", err)
	}
	pruned, keep := prune(tree)
	if !keep {
		return nil, nil
	}
	var b bytes.Buffer
	if err := writeCanonical(&b, pruned); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Hash returns the hex 128-bit digest of the canonical form, or nil for
// semantically empty input.
func Hash(v any) (*string, error) {
	c, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}
	sum := sha256.Sum256(c)
	h := hex.EncodeToString(sum[:16])
	return &h, nil
}

// Equal reports whether a and b share a content hash; two empty values
// are equal.
func Equal(a, b any) (bool, error) {
	ha, err := Hash(a)
	if err != nil {
		return false, err
	}
	hb, err := Hash(b)
	if err != nil {
		return false, err
	}
	if ha == nil || hb == nil {
		return ha == nil && hb == nil, nil
	}
	return *ha == *hb, nil
}

// HashEqual compares two precomputed hashes under the nil==nil rule.
func HashEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// prune drops empty leaves bottom-up. keep is false when the whole
// subtree is empty.
func prune(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, false
		}
		return t, true
	case bool:
		// false is meaningful only as an explicit flag; a zero-value
		// false carries no content, matching omitted booleans.
		if !t {
			return nil, false
		}
		return t, true
	case json.Number:
		return t, true
	case []any:
		out := make([]any, 0, len(t))
		for _, el := range t {
			if p, keep := prune(el); keep {
				out = append(out, p)
			}
		}
		if len(out) == 0 {
			return nil, false
		}
		return out, true
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, el := range t {
			if p, keep := prune(el); keep {
				out[k] = p
			}
		}
		if len(out) == 0 {
			return nil, false
		}
		return out, true
	default:
		return t, true
	}
}

func writeCanonical(b *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(kb)
			b.WriteByte(':')
			if err := writeCanonical(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil
	case []any:
		b.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, el); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	case json.Number:
		b.WriteString(t.String())
		return nil
	default:
		eb, err := json.Marshal(t)
		if err != nil {
			return err
		}
		b.Write(eb)
		return nil
	}
}
