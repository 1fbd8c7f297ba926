package imagestore

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

var (
	markdownImage = regexp.MustCompile(`!\[[^\]]*\]\(\s*<?([^)\s>]+)>?(?:\s+["'][^"']*["'])?\s*\)`)
	htmlImage     = regexp.MustCompile(`(?i)<img\b[^>]*\bsrc\s*=\s*["']([^"']+)["']`)
)

// Slide is one page of slide data delivered in the worker metadata.
type Slide struct {
	Title    string `json:"title,omitempty"`
	ImageURL string `json:"image_url"`
}

// ExtractMarkdownRefs returns local image references in order of first
// appearance. Remote and inline data references are skipped.
func ExtractMarkdownRefs(md string) []string {
	seen := make(map[string]bool)
	refs := make([]string, 0)
	add := func(ref string) {
		ref = normalizeRef(ref)
		if ref == "" || seen[ref] {
			return
		}
		seen[ref] = true
		refs = append(refs, ref)
	}

	type match struct {
		pos int
		ref string
	}
	found := make([]match, 0)
	for _, m := range markdownImage.FindAllStringSubmatchIndex(md, -1) {
		found = append(found, match{pos: m[0], ref: md[m[2]:m[3]]})
	}
	for _, m := range htmlImage.FindAllStringSubmatchIndex(md, -1) {
		found = append(found, match{pos: m[0], ref: md[m[2]:m[3]]})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].pos < found[j].pos })
	for _, f := range found {
		add(f.ref)
	}
	return refs
}

// ExtractSlideRefs returns the local image references of slides.
func ExtractSlideRefs(slides []Slide) []string {
	seen := make(map[string]bool)
	refs := make([]string, 0, len(slides))
	for _, s := range slides {
		ref := normalizeRef(s.ImageURL)
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	return refs
}

// SlidesFromMetadata reads the optional "slides" list of worker metadata.
func SlidesFromMetadata(meta map[string]any) []Slide {
	raw, ok := meta["slides"].([]any)
	if !ok {
		return nil
	}
	slides := make([]Slide, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		s := Slide{}
		s.Title, _ = m["title"].(string)
		for _, k := range []string{"image_url", "imageUrl", "image"} {
			if v, ok := m[k].(string); ok && v != "" {
				s.ImageURL = v
				break
			}
		}
		slides = append(slides, s)
	}
	return slides
}

func normalizeRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "//") {
		return ""
	}
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" {
		return ""
	}
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	if unescaped, err := url.PathUnescape(ref); err == nil {
		ref = unescaped
	}
	return strings.TrimPrefix(ref, "./")
}
