// Package converters turns documents into canonical markdown: YAML
// frontmatter handling and a constrained HTML to markdown conversion.
package converters

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const fence = "---"

// SplitFrontmatter separates a leading YAML frontmatter block from the body.
// A document without frontmatter returns a nil map and the input unchanged.
func SplitFrontmatter(doc string) (map[string]any, string, error) {
	normalized := strings.ReplaceAll(doc, "\r\n", "\n")
	if !strings.HasPrefix(normalized, fence+"\n") {
		return nil, doc, nil
	}
	rest := normalized[len(fence)+1:]

	var block, body string
	switch {
	case strings.HasPrefix(rest, fence+"\n"), rest == fence:
		block, body = "", strings.TrimPrefix(strings.TrimPrefix(rest, fence), "\n")
	default:
		end := strings.Index(rest, "\n"+fence+"\n")
		if end < 0 {
			if !strings.HasSuffix(rest, "\n"+fence) {
				return nil, doc, nil
			}
			end = len(rest) - len(fence) - 1
			block, body = rest[:end], ""
		} else {
			block, body = rest[:end], rest[end+len(fence)+2:]
		}
	}

	meta := map[string]any{}
	if strings.TrimSpace(block) != "" {
		if err := yaml.Unmarshal([]byte(block), &meta); err != nil {
			return nil, doc, fmt.Errorf("failed to parse frontmatter: %w", err)
		}
	}
	return meta, strings.TrimLeft(body, "\n"), nil
}

// RenderFrontmatter writes meta as a YAML frontmatter block followed by body.
func RenderFrontmatter(meta any, body string) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(meta); err != nil {
		return "", fmt.Errorf("failed to encode frontmatter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to encode frontmatter: %w", err)
	}

	var out strings.Builder
	out.WriteString(fence + "\n")
	out.Write(buf.Bytes())
	out.WriteString(fence + "\n\n")
	out.WriteString(strings.TrimLeft(body, "\n"))
	return out.String(), nil
}

// MergeFrontmatter returns base overlaid with overlay. Keys in overlay win.
func MergeFrontmatter(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// StringField reads a scalar frontmatter field as a string.
func StringField(meta map[string]any, key string) string {
	v, ok := meta[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
