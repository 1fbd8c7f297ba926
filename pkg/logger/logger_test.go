package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromConfig_WritesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "app.log")

	cfg := DefaultConfig()
	cfg.OutputPaths = []string{path}
	cfg.ErrorPaths = nil
	log, err := NewFromConfig(cfg)
	require.NoError(t, err)

	log.Named("orchestrator").Info("Job completed", String("jobId", "job-1"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"jobId":"job-1"`)
	assert.Contains(t, string(data), `"logger":"orchestrator"`)
}

func TestNewFromConfig_RejectsUnknownLevel(t *testing.T) {
	_, err := NewFromConfig(&Config{Level: "loud", Encoding: "json", OutputPaths: []string{"stdout"}})
	assert.ErrorContains(t, err, "can't parse log level")
}

func TestFromContext(t *testing.T) {
	tl := NewTestLogger()

	FromContext(context.Background(), tl).Info("plain")
	ctx := WithUserID(WithRequestID(context.Background(), "req-1"), "ada@example.com")
	FromContext(ctx, tl).Info("enriched")

	entries := tl.GetEntries()
	require.Len(t, entries, 2)
	assert.Empty(t, entries[0].Fields)

	keys := make([]string, 0, len(entries[1].Fields))
	for _, f := range entries[1].Fields {
		keys = append(keys, f.Key)
	}
	assert.ElementsMatch(t, []string{"request_id", "user_id"}, keys)
}
