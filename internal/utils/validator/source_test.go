package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/shadowtwin/pkg/logger"
)

func TestValidate_AcceptsText(t *testing.T) {
	v := NewSourceValidator(logger.NewNop(), nil)

	res := v.Validate("notes.md", "markdown", []byte("# Notes\n\nplain words"))
	assert.True(t, res.IsValid, res.Errors)
	assert.Equal(t, ".md", res.FileInfo.Extension)
	assert.Len(t, res.FileInfo.Hash, 64)
	assert.True(t, strings.HasPrefix(res.FileInfo.MimeType, "text/plain"))

	res = v.Validate("page.html", "website", []byte("<!DOCTYPE html><html><body>hi</body></html>"))
	assert.True(t, res.IsValid, res.Errors)
}

func TestValidate_EmptyContentForFetchedSources(t *testing.T) {
	v := NewSourceValidator(logger.NewNop(), nil)
	res := v.Validate("", "website", nil)
	assert.True(t, res.IsValid)
	assert.Empty(t, res.FileInfo.Hash)
}

func TestValidate_Rejections(t *testing.T) {
	v := NewSourceValidator(logger.NewNop(), &ValidatorConfig{
		MaxContentSize: 16,
		AllowedTypes:   DefaultConfig().AllowedTypes,
	})

	tests := []struct {
		name      string
		fileName  string
		mediaType string
		content   []byte
		code      string
	}{
		{name: "unknown media type", fileName: "a.pdf", mediaType: "application/pdf", content: []byte("x"), code: "INVALID_MEDIA_TYPE"},
		{name: "path in name", fileName: "../a.md", mediaType: "markdown", content: []byte("x"), code: "INVALID_NAME"},
		{name: "too large", fileName: "a.txt", mediaType: "text", content: []byte(strings.Repeat("a", 17)), code: "CONTENT_TOO_LARGE"},
		{name: "binary as text", fileName: "a.txt", mediaType: "text", content: []byte("%PDF-1.7\n\x00\x01"), code: "INVALID_MIME_TYPE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(tt.fileName, tt.mediaType, tt.content)
			require.False(t, res.IsValid)
			codes := make([]string, 0, len(res.Errors))
			for _, e := range res.Errors {
				codes = append(codes, e.Code)
			}
			assert.Contains(t, codes, tt.code)
		})
	}
}
