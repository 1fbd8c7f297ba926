package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Kind
	}{
		{"empty body", ``, KindNoop},
		{"progress", `{"progress": 10}`, KindProgress},
		{"nested percent", `{"data": {"percent": 10}}`, KindProgress},
		{"message only", `{"message": "ocr page 3"}`, KindProgress},
		{"error wins over final", `{"error": {"message": "x"}, "data": {"extracted_text": "t"}}`, KindError},
		{"string error", `{"error": "boom"}`, KindError},
		{"null error ignored", `{"error": null, "progress": 5}`, KindProgress},
		{"text", `{"data": {"extracted_text": ""}}`, KindFinal},
		{"archive", `{"data": {"images_archive_url": "http://x/a.zip"}}`, KindFinal},
		{"completed marker without payload", `{"status": "completed"}`, KindNoop},
		{"completed marker with text", `{"status": "completed", "data": {"extracted_text": "t"}}`, KindFinal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePayload([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, Classify(p))
		})
	}
}

func TestParsePayload_RejectsWrongTypes(t *testing.T) {
	for _, body := range []string{
		`{"progress": "ten"}`,
		`{"data": {"extracted_text": 5}}`,
		`{"data": "text"}`,
		`{"error": 42}`,
		`[1, 2]`,
		`{`,
	} {
		_, err := ParsePayload([]byte(body))
		assert.ErrorIs(t, err, ErrInvalidPayload, body)
	}
}

func TestProgressValue_Clamps(t *testing.T) {
	for body, want := range map[string]float64{
		`{"progress": -5}`:                          0,
		`{"progress": 150}`:                         100,
		`{"progress": 42.7}`:                        42.7,
		`{"percent": 30, "data": {"progress": 90}}`: 30,
		`{"data": {"percent": 101}}`:                100,
	} {
		p, err := ParsePayload([]byte(body))
		require.NoError(t, err)
		require.NotNil(t, p.ProgressValue(), body)
		assert.Equal(t, want, *p.ProgressValue(), body)
	}
}

func TestPayload_ProcessIDAndWorkerError(t *testing.T) {
	p, err := ParsePayload([]byte(`{"process": {"id": 1234}, "error": {"code": "OCR", "message": "page 2 unreadable"}}`))
	require.NoError(t, err)
	assert.Equal(t, "1234", p.ProcessID())
	msg, details := p.WorkerError()
	assert.Equal(t, "page 2 unreadable", msg)
	assert.Equal(t, map[string]any{"code": "OCR", "message": "page 2 unreadable"}, details)

	p, err = ParsePayload([]byte(`{"process": {"id": "proc-7"}, "error": "boom"}`))
	require.NoError(t, err)
	assert.Equal(t, "proc-7", p.ProcessID())
	msg, _ = p.WorkerError()
	assert.Equal(t, "boom", msg)
}

func TestResolveToken_Precedence(t *testing.T) {
	assert.Equal(t, "body", ResolveToken("body", Credentials{Header: "header", Bearer: "bearer"}))
	assert.Equal(t, "header", ResolveToken("", Credentials{Header: "header", Bearer: "bearer"}))
	assert.Equal(t, "bearer", ResolveToken(" ", Credentials{Bearer: "bearer"}))
	assert.Equal(t, "", ResolveToken("", Credentials{}))

	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc"))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken("Bearer "))
}
