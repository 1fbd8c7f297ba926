package handlers_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/shadowtwin/api/handlers"
	"github.com/feichai0017/shadowtwin/api/routes"
	"github.com/feichai0017/shadowtwin/internal/adapters"
	"github.com/feichai0017/shadowtwin/internal/models"
	"github.com/feichai0017/shadowtwin/internal/provider"
	"github.com/feichai0017/shadowtwin/internal/provider/localfs"
	"github.com/feichai0017/shadowtwin/internal/service/events"
	"github.com/feichai0017/shadowtwin/internal/service/jobs"
	"github.com/feichai0017/shadowtwin/internal/service/logbuffer"
	"github.com/feichai0017/shadowtwin/internal/service/orchestrator"
	"github.com/feichai0017/shadowtwin/internal/service/watchdog"
	"github.com/feichai0017/shadowtwin/internal/shadowtwin"
	"github.com/feichai0017/shadowtwin/pkg/logger"
	"github.com/feichai0017/shadowtwin/pkg/metrics"
)

const (
	owner  = "ada@example.com"
	secret = "s3cret-token"
)

type testEnv struct {
	router   *gin.Engine
	store    *jobs.Store
	bus      *events.Bus
	mr       *miniredis.Miniredis
	folderID string
	source   models.SourceRef
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	fs, err := localfs.New(t.TempDir())
	require.NoError(t, err)
	folder, err := fs.CreateFolder(ctx, provider.RootID, "lectures")
	require.NoError(t, err)
	src, err := fs.WriteFile(ctx, folder.ID, "week1.pdf", []byte("%PDF-1.7"), "application/pdf")
	require.NoError(t, err)

	log := logger.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store := jobs.NewStore(rdb, 0)
	index := shadowtwin.NewRedisIndex(rdb)
	writer := shadowtwin.NewWriter(fs, index, store, m, log)
	bus := events.NewBus(log, m)
	wd := watchdog.New(time.Hour, log)
	t.Cleanup(wd.Stop)

	svc := orchestrator.NewService(orchestrator.Deps{
		Jobs:     store,
		Logs:     logbuffer.New(),
		Watchdog: wd,
		Events:   bus,
		Provider: fs,
		Writer:   writer,
		Resolver: shadowtwin.NewResolver(fs, index, log),
		Metrics:  m,
		Logger:   log,
	}, &orchestrator.ServiceConfig{})

	registry := adapters.NewRegistry(adapters.TwinRawStore{Writer: writer}, adapters.NewFetcher(5*time.Second, 0))
	h := handlers.NewHandlers(svc, bus, registry, rdb, reg, log)

	r := gin.New()
	routes.SetupRoutes(r, h, nil, log)

	return &testEnv{
		router:   r,
		store:    store,
		bus:      bus,
		mr:       mr,
		folderID: folder.ID,
		source:   models.SourceRef{ItemID: src.ID, Name: "week1.pdf", ParentID: folder.ID, MediaType: "pdf"},
	}
}

func (e *testEnv) createJob(t *testing.T, id string) {
	t.Helper()
	job := jobs.NewJob(id, owner, secret, e.source, models.JobOptions{TargetLanguage: "en"})
	require.NoError(t, e.store.Create(context.Background(), job))
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func callbackRequest(jobID, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+jobID, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestCallback_StatusCodes(t *testing.T) {
	env := setupTestEnv(t)
	env.createJob(t, "job-1")

	tests := []struct {
		name   string
		jobID  string
		body   string
		token  string
		bearer string
		want   int
	}{
		{name: "missing token", jobID: "job-1", body: `{"progress": 10}`, want: http.StatusBadRequest},
		{name: "wrong token", jobID: "job-1", body: `{"progress": 10}`, token: "nope", want: http.StatusUnauthorized},
		{name: "unknown job", jobID: "job-404", body: `{"progress": 10}`, token: secret, want: http.StatusNotFound},
		{name: "malformed body", jobID: "job-1", body: `{"progress":`, token: secret, want: http.StatusBadRequest},
		{name: "header token", jobID: "job-1", body: `{"progress": 10}`, token: secret, want: http.StatusOK},
		{name: "bearer token", jobID: "job-1", body: `{"progress": 20}`, bearer: secret, want: http.StatusOK},
		{name: "body token", jobID: "job-1", body: `{"callback_token": "s3cret-token", "progress": 30}`, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := callbackRequest(tt.jobID, tt.body)
			if tt.token != "" {
				req.Header.Set("X-Callback-Token", tt.token)
			}
			if tt.bearer != "" {
				req.Header.Set("Authorization", "Bearer "+tt.bearer)
			}
			w := env.do(req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestCallback_FinalResponse(t *testing.T) {
	env := setupTestEnv(t)
	env.createJob(t, "job-1")

	req := callbackRequest("job-1", `{"data": {"extracted_text": "Hello"}}`)
	req.Header.Set("X-Callback-Token", secret)
	w := env.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out orchestrator.Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "final", out.Kind)
	assert.Equal(t, models.JobCompleted, out.Status)

	job, err := env.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
}

func TestGetStatus(t *testing.T) {
	env := setupTestEnv(t)
	env.createJob(t, "job-1")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/job-1", nil)
	assert.Equal(t, http.StatusUnauthorized, env.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs/job-1", nil)
	req.Header.Set("X-User-Email", "eve@example.com")
	assert.Equal(t, http.StatusForbidden, env.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs/job-1?limit=x", nil)
	req.Header.Set("X-User-Email", owner)
	assert.Equal(t, http.StatusBadRequest, env.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs/job-1", nil)
	req.Header.Set("X-User-Email", "Ada@Example.com")
	w := env.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var view orchestrator.StatusView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "job-1", view.JobID)
	assert.Equal(t, models.JobQueued, view.Status)
}

func TestStream_DeliversOwnerUpdates(t *testing.T) {
	env := setupTestEnv(t)
	env.createJob(t, "job-1")

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/jobs/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-Email", owner)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	require.Eventually(t, func() bool { return env.bus.SubscriberCount(owner) == 1 }, time.Second, 10*time.Millisecond)

	cb := callbackRequest("job-1", `{"progress": 42, "message": "ocr"}`)
	cb.Header.Set("X-Callback-Token", secret)
	require.Equal(t, http.StatusOK, env.do(cb).Code)

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			event = strings.TrimPrefix(line, "event:")
		}
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimPrefix(line, "data:")
			break
		}
	}
	assert.Equal(t, models.EventTypeJobUpdate, event)

	var ev models.JobUpdateEvent
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "job-1", ev.JobID)
	require.NotNil(t, ev.Progress)
	assert.InDelta(t, 42, *ev.Progress, 0.001)

	cancel()
	require.Eventually(t, func() bool { return env.bus.SubscriberCount(owner) == 0 }, time.Second, 10*time.Millisecond)
}

func TestNormalize(t *testing.T) {
	env := setupTestEnv(t)

	body := `{"sourceId": "notes-1", "name": "notes.md", "parentId": "` + env.folderID + `", "mediaType": "markdown", "content": "# Weekly Notes\n\nbody"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sources/normalize", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Email", owner)
	w := env.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out adapters.Output
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "Weekly Notes", out.CanonicalMeta.Title)
	assert.NotEmpty(t, out.RawOriginRef)
	assert.Contains(t, out.CanonicalMarkdown, out.RawOriginRef)
}

func TestNormalize_Rejections(t *testing.T) {
	env := setupTestEnv(t)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sources/normalize", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-Email", owner)
		return env.do(req)
	}

	assert.Equal(t, http.StatusBadRequest, post(`{"name": "a.pdf"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"sourceId": "a", "name": "a.pdf", "mediaType": "application/pdf"}`).Code)


	w := post(`{"sourceId": "a", "name": "a.txt", "mediaType": "text", "content": "%PDF-1.7\u0000\u0001"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_MIME_TYPE")

	w = post(`{"name": "page", "mediaType": "website", "url": "ftp://example.com/page"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	var resp handlers.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Normalization failed", resp.Message)
}

func TestHealth(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	env.mr.Close()
	w = env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
