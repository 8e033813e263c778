package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mediaflow/internal/domain"
	"mediaflow/internal/metrics"
)

type stubRepo struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func (r *stubRepo) Create(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	return nil
}

func (r *stubRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

func (r *stubRepo) NextWaiting(ctx context.Context, now time.Time) (*domain.Job, error) {
	return nil, domain.ErrJobNotFound
}

func (r *stubRepo) Claim(ctx context.Context, id string) error                  { return nil }
func (r *stubRepo) SetProgress(ctx context.Context, id string, p float64) error { return nil }
func (r *stubRepo) Complete(ctx context.Context, id string, res domain.Result) error {
	return nil
}
func (r *stubRepo) Fail(ctx context.Context, id, reason string) error { return nil }
func (r *stubRepo) Retry(ctx context.Context, id, reason string, nb time.Time) error {
	return nil
}
func (r *stubRepo) Release(ctx context.Context, id, reason string, nb time.Time) error {
	return nil
}

func (r *stubRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return domain.ErrJobNotFound
	}
	delete(r.jobs, id)
	return nil
}

func (r *stubRepo) RecoverStale(ctx context.Context) (int64, error) { return 0, nil }

func (r *stubRepo) CountByState(ctx context.Context, state domain.JobState) (int64, error) {
	return 0, nil
}

type stubCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func (c *stubCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	val, ok := c.entries[key]
	return val, ok
}

func (c *stubCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
}

type stubRunner struct {
	info      json.RawMessage
	infoErr   error
	infoCalls int
}

func (r *stubRunner) Download(ctx context.Context, job *domain.Job, onProgress func(float64)) error {
	return nil
}

func (r *stubRunner) FetchInfo(ctx context.Context, url string) (json.RawMessage, error) {
	r.infoCalls++
	return r.info, r.infoErr
}

func (r *stubRunner) ResolveFilename(ctx context.Context, url string) (string, error) {
	return "video.mp4", nil
}

func (r *stubRunner) Stream(ctx context.Context, url, format string, w io.Writer) error {
	_, err := w.Write([]byte("stream-bytes"))
	return err
}

type stubScheduler struct{}

func (stubScheduler) Wake()               {}
func (stubScheduler) CancelJob(id string) {}

// stubLimiter admits everything unless deny is set.
type stubLimiter struct {
	deny       bool
	retryAfter time.Duration
}

func (l *stubLimiter) Allow(ctx context.Context, class, clientKey string) domain.Decision {
	if l.deny {
		return domain.Decision{Allowed: false, RetryAfter: l.retryAfter}
	}
	return domain.Decision{Allowed: true}
}

type harness struct {
	server  *Server
	repo    *stubRepo
	runner  *stubRunner
	limiter *stubLimiter
	dataDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := &stubRepo{jobs: make(map[string]*domain.Job)}
	runner := &stubRunner{info: json.RawMessage(`{"title":"My Video!","duration":42}`)}
	limiter := &stubLimiter{}
	dataDir := t.TempDir()
	svc := domain.NewJobService(repo, &stubCache{entries: make(map[string][]byte)},
		runner, stubScheduler{}, dataDir, time.Hour)
	return &harness{
		server:  NewServer(svc, limiter, runner, metrics.New(), nil, ":0"),
		repo:    repo,
		runner:  runner,
		limiter: limiter,
		dataDir: dataDir,
	}
}

func (h *harness) do(method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func TestServer_SubmitDownload(t *testing.T) {
	h := newHarness(t)
	rec := h.do("POST", "/api/download", `{"url":"https://example.com/v","format":"best"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var result domain.SubmitResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.JobID == "" || result.DownloadID == "" {
		t.Errorf("result = %+v, want job and download ids", result)
	}
	if result.Filename != "video.mp4" {
		t.Errorf("Filename = %q, want %q", result.Filename, "video.mp4")
	}
}

func TestServer_SubmitDownload_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing url", `{"format":"best"}`},
		{"missing format", `{"url":"https://example.com/v"}`},
		{"malformed url", `{"url":"not a url","format":"best"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if rec := h.do("POST", "/api/download", tt.body); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestServer_RateLimited(t *testing.T) {
	h := newHarness(t)
	h.limiter.deny = true
	h.limiter.retryAfter = 30 * time.Second

	rec := h.do("POST", "/api/download", `{"url":"https://example.com/v","format":"best"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "31" {
		t.Errorf("Retry-After = %q, want %q", got, "31")
	}
}

func TestServer_Status(t *testing.T) {
	h := newHarness(t)
	h.repo.jobs["j1"] = &domain.Job{
		ID:       "j1",
		State:    domain.StateActive,
		Progress: 42.5,
		Attempts: 2,
	}

	rec := h.do("GET", "/api/status/j1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.State != string(domain.StateActive) || got.Progress != 42.5 || got.Attempts != 2 {
		t.Errorf("got %+v", got)
	}
}

func TestServer_Status_NotFound(t *testing.T) {
	h := newHarness(t)
	if rec := h.do("GET", "/api/status/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServer_Cancel(t *testing.T) {
	h := newHarness(t)
	h.repo.jobs["j1"] = &domain.Job{ID: "j1", State: domain.StateWaiting}

	if rec := h.do("DELETE", "/api/download/j1", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, ok := h.repo.jobs["j1"]; ok {
		t.Error("job still present after cancel")
	}

	if rec := h.do("DELETE", "/api/download/j1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second cancel status = %d, want 404", rec.Code)
	}
}

func TestServer_FetchArtifact(t *testing.T) {
	h := newHarness(t)
	dir := filepath.Join(h.dataDir, "dl-1")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "video.mp4"), []byte("media-bytes"), 0644); err != nil {
		t.Fatal(err)
	}

	rec := h.do("GET", "/api/download/dl-1/video.mp4", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "media-bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, "video.mp4") {
		t.Errorf("Content-Disposition = %q", got)
	}
}

func TestServer_FetchArtifact_Missing(t *testing.T) {
	h := newHarness(t)
	if rec := h.do("GET", "/api/download/dl-1/gone.mp4", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServer_FetchArtifact_TraversalRejected(t *testing.T) {
	h := newHarness(t)
	// An encoded separator keeps the dotted segment inside one path value.
	rec := h.do("GET", "/api/download/..%2Fsecrets/creds.txt", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestServer_Info(t *testing.T) {
	h := newHarness(t)
	rec := h.do("POST", "/api/info", `{"url":"https://example.com/v"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var meta struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
		t.Fatal(err)
	}
	if meta.Title != "My Video!" {
		t.Errorf("title = %q", meta.Title)
	}

	// Second lookup is served from cache without re-running the tool.
	h.do("POST", "/api/info", `{"url":"https://example.com/v"}`)
	if h.runner.infoCalls != 1 {
		t.Errorf("infoCalls = %d, want 1", h.runner.infoCalls)
	}
}

func TestServer_Info_ToolFailure(t *testing.T) {
	h := newHarness(t)
	h.runner.infoErr = errors.New("exit status 1")
	if rec := h.do("POST", "/api/info", `{"url":"https://example.com/v"}`); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestServer_Stream(t *testing.T) {
	h := newHarness(t)
	rec := h.do("POST", "/api/stream", `{"url":"https://example.com/v","format":"bestaudio mp3"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "stream-bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
	// Title comes from metadata, sanitized; extension from the first format token.
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, "My_Video_.bestaudio") {
		t.Errorf("Content-Disposition = %q", got)
	}
}

func TestServer_Metrics(t *testing.T) {
	h := newHarness(t)
	h.do("POST", "/api/download", `{"url":"https://example.com/v","format":"best"}`)

	rec := h.do("GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `download_requests_total{status="requested"} 1`) {
		t.Errorf("missing requested counter in:\n%s", body)
	}
	if !strings.Contains(body, `download_requests_total{status="queued"} 1`) {
		t.Errorf("missing queued counter in:\n%s", body)
	}
}

func TestServer_Health(t *testing.T) {
	h := newHarness(t)
	if rec := h.do("GET", "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestServer_Health_BackendDown(t *testing.T) {
	h := newHarness(t)
	svc := domain.NewJobService(h.repo, &stubCache{entries: make(map[string][]byte)},
		h.runner, stubScheduler{}, h.dataDir, time.Hour)
	down := NewServer(svc, h.limiter, h.runner, metrics.New(), func(context.Context) error {
		return errors.New("connection refused")
	}, ":0")

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	down.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
