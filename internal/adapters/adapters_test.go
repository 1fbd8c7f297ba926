package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/shadowtwin/internal/provider"
	"github.com/feichai0017/shadowtwin/internal/provider/localfs"
	"github.com/feichai0017/shadowtwin/internal/shadowtwin"
	"github.com/feichai0017/shadowtwin/pkg/converters"
	"github.com/feichai0017/shadowtwin/pkg/logger"
)

func newRaw(t *testing.T) (*localfs.FS, RawStore) {
	t.Helper()
	fs, err := localfs.New(t.TempDir())
	require.NoError(t, err)
	w := shadowtwin.NewWriter(fs, nil, nil, nil, logger.NewNop())
	return fs, TwinRawStore{Writer: w}
}

func readRaw(t *testing.T, fs *localfs.FS, id string) string {
	t.Helper()
	data, err := provider.ReadAll(context.Background(), fs, id)
	require.NoError(t, err)
	return string(data)
}

func TestMarkdownAdapter_BackfillsMissingFields(t *testing.T) {
	fs, raw := newRaw(t)
	doc := "---\ntitle: Kept Title\ntags: [a, b]\n---\n# Heading\n\nBody text.\n"

	out, err := NewMarkdownAdapter(raw).Normalize(context.Background(), Input{
		SourceID: "notes.md", Name: "notes.md", Content: []byte(doc),
	})
	require.NoError(t, err)

	assert.Equal(t, "Kept Title", out.CanonicalMeta.Title)
	assert.Equal(t, "notes.md", out.CanonicalMeta.Source)
	assert.Equal(t, TypeMarkdown, out.CanonicalMeta.Type)
	assert.Equal(t, out.RawOriginRef, out.CanonicalMeta.OriginRef)
	assert.NotEmpty(t, out.CanonicalMeta.Date)

	meta, body, err := converters.SplitFrontmatter(out.CanonicalMarkdown)
	require.NoError(t, err)
	assert.Equal(t, "Kept Title", meta["title"])
	assert.Equal(t, []any{"a", "b"}, meta["tags"])
	assert.Equal(t, out.RawOriginRef, meta["originRef"])
	assert.Contains(t, body, "Body text.")

	assert.Equal(t, doc, readRaw(t, fs, out.RawOriginRef))
}

func TestMarkdownAdapter_TitleFromHeading(t *testing.T) {
	_, raw := newRaw(t)
	out, err := NewMarkdownAdapter(raw).Normalize(context.Background(), Input{
		SourceID: "a.md", Name: "a.md", Content: []byte("intro\n\n# Real Title\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Real Title", out.CanonicalMeta.Title)
}

func TestMarkdownAdapter_RawStoredEvenWhenParsingFails(t *testing.T) {
	fs, raw := newRaw(t)
	broken := "---\ntitle: [unclosed\n---\nbody\n"

	out, err := NewMarkdownAdapter(raw).Normalize(context.Background(), Input{
		SourceID: "b.md", Name: "b.md", Content: []byte(broken),
	})
	require.Error(t, err)
	require.NotNil(t, out)
	assert.Equal(t, broken, readRaw(t, fs, out.RawOriginRef))
}

func TestTextAdapter(t *testing.T) {
	_, raw := newRaw(t)
	out, err := NewTextAdapter(raw).Normalize(context.Background(), Input{
		SourceID: "memo.txt", Name: "memo.txt", Content: []byte("\n  Quarterly memo  \r\nsecond line\r\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Quarterly memo", out.CanonicalMeta.Title)
	assert.Equal(t, TypeText, out.CanonicalMeta.Type)
	assert.NotContains(t, out.CanonicalMarkdown, "\r")

	_, err = NewTextAdapter(raw).Normalize(context.Background(), Input{
		SourceID: "bin.txt", Name: "bin.txt", Content: []byte{0xff, 0xfe, 0x00},
	})
	assert.Error(t, err)

	_, err = NewTextAdapter(raw).Normalize(context.Background(), Input{Name: "x.txt"})
	assert.Error(t, err)
}

func TestTextAdapter_TitleFallsBackToName(t *testing.T) {
	_, raw := newRaw(t)
	out, err := NewTextAdapter(raw).Normalize(context.Background(), Input{
		SourceID: "empty.txt", Name: "meeting_notes.txt", Content: []byte("   \n"),
	})
	require.NoError(t, err)
	assert.Equal(t, "meeting notes", out.CanonicalMeta.Title)
}

func TestWebsiteAdapter_FetchesAndConverts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Docs</title><script>x()</script></head>
<body><h1>Intro</h1><p>Hello <a href="/next">next</a></p></body></html>`))
	}))
	defer srv.Close()

	fs, raw := newRaw(t)
	a := NewWebsiteAdapter(raw, NewFetcher(5*time.Second, 0))
	out, err := a.Normalize(context.Background(), Input{URL: srv.URL + "/docs/intro"})
	require.NoError(t, err)

	assert.Equal(t, "Docs", out.CanonicalMeta.Title)
	assert.Equal(t, TypeWebsite, out.CanonicalMeta.Type)
	assert.Equal(t, srv.URL+"/docs/intro", out.CanonicalMeta.Source)
	assert.Contains(t, out.CanonicalMarkdown, "# Intro")
	assert.Contains(t, out.CanonicalMarkdown, "[next](/next)")
	assert.NotContains(t, out.CanonicalMarkdown, "x()")
	assert.Contains(t, readRaw(t, fs, out.RawOriginRef), "<title>Docs</title>")
}

func TestWebsiteAdapter_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	_, raw := newRaw(t)
	a := NewWebsiteAdapter(raw, NewFetcher(time.Second, 0))

	_, err := a.Normalize(context.Background(), Input{URL: srv.URL})
	assert.ErrorContains(t, err, "status 410")

	_, err = a.Normalize(context.Background(), Input{URL: "ftp://example.com/file"})
	assert.Error(t, err)

	_, err = a.Normalize(context.Background(), Input{})
	assert.Error(t, err)
}

func TestWebsiteAdapter_PageTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 64)))
	}))
	defer srv.Close()

	_, err := NewFetcher(time.Second, 16).Fetch(context.Background(), srv.URL)
	assert.ErrorContains(t, err, "exceeds")
}

func TestPageName(t *testing.T) {
	for raw, want := range map[string]string{
		"https://example.com/":           "example.com.html",
		"https://example.com/docs/intro": "example.com-docs-intro.html",
		"https://example.com/a/b.html":   "example.com-a-b.html",
		"http://localhost:8080/x?y=1":    "localhost-8080-x.html",
	} {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, want, PageName(u), raw)
	}
}

func TestRegistry(t *testing.T) {
	_, raw := newRaw(t)
	r := NewRegistry(raw, nil)

	a, err := r.For("text/markdown")
	require.NoError(t, err)
	assert.IsType(t, &MarkdownAdapter{}, a)

	a, err = r.For(" URL ")
	require.NoError(t, err)
	assert.IsType(t, &WebsiteAdapter{}, a)

	_, err = r.For("application/pdf")
	assert.Error(t, err)
}
