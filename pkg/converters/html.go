package converters

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	spaceRun   = regexp.MustCompile(`[ \t\r\n]+`)
	blankLines = regexp.MustCompile(`\n{3,}`)
	listItem   = regexp.MustCompile(`^\s+(- |\d+\. )`)
)

// HTMLDocument is the result of converting a web page.
type HTMLDocument struct {
	Title    string
	Markdown string
}

// HTMLToMarkdown converts a constrained tag subset (headings, paragraphs,
// links, lists, emphasis, code, quotes, images) to markdown. Scripts and
// styles are dropped; any other element contributes its text.
func HTMLToMarkdown(r io.Reader) (*HTMLDocument, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	doc.Find("script, style, noscript, iframe, template, svg").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	root := doc.Find("article").First()
	if root.Length() == 0 {
		root = doc.Find("body").First()
	}
	if root.Length() == 0 {
		root = doc.Selection
	}

	var b strings.Builder
	convertChildren(&b, root, 0)

	return &HTMLDocument{
		Title:    collapse(title),
		Markdown: tidy(b.String()),
	}, nil
}

// tidy strips the whitespace left between block elements. Fenced code is
// kept verbatim.
func tidy(md string) string {
	lines := strings.Split(md, "\n")
	inFence := false
	for i, line := range lines {
		if strings.TrimSpace(line) == "```" {
			inFence = !inFence
			lines[i] = "```"
			continue
		}
		if inFence {
			continue
		}
		line = strings.TrimRight(line, " \t")
		if !listItem.MatchString(line) {
			line = strings.TrimLeft(line, " \t")
		}
		lines[i] = line
	}
	out := blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(out) + "\n"
}

func convertChildren(b *strings.Builder, sel *goquery.Selection, depth int) {
	sel.Contents().Each(func(_ int, s *goquery.Selection) {
		convertNode(b, s, depth)
	})
}

func convertNode(b *strings.Builder, s *goquery.Selection, depth int) {
	name := goquery.NodeName(s)
	switch name {
	case "#text":
		b.WriteString(spaceRun.ReplaceAllString(s.Text(), " "))
	case "#comment", "head", "title", "nav", "footer", "form", "button":
	case "h1", "h2", "h3", "h4", "h5", "h6":
		level := int(name[1] - '0')
		b.WriteString("\n\n" + strings.Repeat("#", level) + " " + inline(s) + "\n\n")
	case "p", "div", "section", "main", "header":
		b.WriteString("\n\n")
		convertChildren(b, s, depth)
		b.WriteString("\n\n")
	case "br":
		b.WriteString("\n")
	case "hr":
		b.WriteString("\n\n---\n\n")
	case "strong", "b":
		if t := inline(s); t != "" {
			b.WriteString("**" + t + "**")
		}
	case "em", "i":
		if t := inline(s); t != "" {
			b.WriteString("_" + t + "_")
		}
	case "code":
		b.WriteString("`" + s.Text() + "`")
	case "pre":
		b.WriteString("\n\n```\n" + strings.Trim(s.Text(), "\n") + "\n```\n\n")
	case "a":
		text := inline(s)
		href, ok := s.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "javascript:") {
			b.WriteString(text)
			return
		}
		if text == "" {
			text = href
		}
		b.WriteString("[" + text + "](" + href + ")")
	case "img":
		src, _ := s.Attr("src")
		if src == "" {
			return
		}
		alt, _ := s.Attr("alt")
		b.WriteString("![" + collapse(alt) + "](" + src + ")")
	case "ul", "ol":
		b.WriteString("\n\n")
		ordered := name == "ol"
		s.ChildrenFiltered("li").Each(func(i int, li *goquery.Selection) {
			marker := "- "
			if ordered {
				marker = fmt.Sprintf("%d. ", i+1)
			}
			var item strings.Builder
			convertChildren(&item, li, depth+1)
			b.WriteString(strings.Repeat("  ", depth) + marker + strings.TrimSpace(item.String()) + "\n")
		})
		b.WriteString("\n")
	case "blockquote":
		var inner strings.Builder
		convertChildren(&inner, s, depth)
		b.WriteString("\n\n")
		for _, line := range strings.Split(strings.TrimSpace(inner.String()), "\n") {
			b.WriteString("> " + strings.TrimSpace(line) + "\n")
		}
		b.WriteString("\n")
	default:
		convertChildren(b, s, depth)
	}
}

func inline(s *goquery.Selection) string {
	var b strings.Builder
	convertChildren(&b, s, 0)
	return collapse(b.String())
}

func collapse(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}
