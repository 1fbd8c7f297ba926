package adapters

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/feichai0017/shadowtwin/internal/models"
	"github.com/feichai0017/shadowtwin/pkg/converters"
)

const defaultMaxPageBytes = 10 << 20

// Fetcher downloads web pages with a bounded size and timeout.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = defaultMaxPageBytes
	}
	return &Fetcher{client: &http.Client{Timeout: timeout}, maxBytes: maxBytes}
}

func (f *Fetcher) Fetch(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to fetch %s: status %d", pageURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", pageURL, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("page %s exceeds %d bytes", pageURL, f.maxBytes)
	}
	return data, nil
}

// WebsiteAdapter fetches a page (unless its HTML is supplied) and converts
// it to markdown.
type WebsiteAdapter struct {
	raw     RawStore
	fetcher *Fetcher
}

func NewWebsiteAdapter(raw RawStore, fetcher *Fetcher) *WebsiteAdapter {
	return &WebsiteAdapter{raw: raw, fetcher: fetcher}
}

func (a *WebsiteAdapter) Normalize(ctx context.Context, in Input) (*Output, error) {
	if in.URL == "" {
		return nil, fmt.Errorf("website source requires a url")
	}
	u, err := url.Parse(in.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid website url %q", in.URL)
	}
	if in.Name == "" {
		in.Name = PageName(u)
	}
	if in.SourceID == "" {
		sum := sha256.Sum256([]byte(u.String()))
		in.SourceID = "web-" + hex.EncodeToString(sum[:8])
	}

	page := in.Content
	if len(page) == 0 {
		if a.fetcher == nil {
			return nil, fmt.Errorf("no fetcher configured for %s", in.URL)
		}
		if page, err = a.fetcher.Fetch(ctx, u.String()); err != nil {
			return nil, err
		}
	}

	ref, err := a.raw.StoreRaw(ctx, in.sourceRef(), page, "text/html")
	if err != nil {
		return nil, fmt.Errorf("failed to store raw source: %w", err)
	}

	doc, err := converters.HTMLToMarkdown(bytes.NewReader(page))
	if err != nil {
		return &Output{RawOriginRef: ref}, err
	}
	title := doc.Title
	if title == "" {
		title = u.Host
	}
	meta := models.CanonicalMeta{
		Source:    u.String(),
		Title:     title,
		Date:      today(),
		Type:      TypeWebsite,
		OriginRef: ref,
	}
	md, err := render(meta, nil, doc.Markdown)
	if err != nil {
		return &Output{RawOriginRef: ref}, err
	}
	return &Output{CanonicalMarkdown: md, CanonicalMeta: meta, RawOriginRef: ref}, nil
}

var nameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9.-]+`)

// PageName derives a file name for a page, e.g. example.com-docs-intro.html.
func PageName(u *url.URL) string {
	name := u.Host + strings.TrimSuffix(u.Path, "/")
	name = strings.TrimSuffix(name, ".html")
	name = strings.Trim(nameUnsafe.ReplaceAllString(strings.ReplaceAll(name, "/", "-"), "-"), "-.")
	if name == "" {
		name = "page"
	}
	return name + ".html"
}
