package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/pagevision/internal/domain"
	"github.com/spherical-ai/pagevision/internal/observability"
	"github.com/spherical-ai/pagevision/internal/ocr"
	"github.com/spherical-ai/pagevision/internal/store"
)

type fakeRenderer struct {
	pageCount int

	mu       sync.Mutex
	rendered []int
	closed   bool
}

func (f *fakeRenderer) PageCount() int { return f.pageCount }

func (f *fakeRenderer) RenderPage(ctx context.Context, pageNumber int) (domain.PageImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rendered = append(f.rendered, pageNumber)
	return domain.PageImage{
		PageNumber: pageNumber,
		Path:       fmt.Sprintf("page_%04d.png", pageNumber),
		Width:      100,
		Height:     140,
	}, nil
}

func (f *fakeRenderer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRenderer) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeEngine returns a fixed page text. When a gate is set, Complete blocks
// until the gate is closed so tests can observe a run mid-flight.
type fakeEngine struct {
	mu    sync.Mutex
	gate  chan struct{}
	calls int
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "# Page\n\nRecognized text.", nil
}

func (f *fakeEngine) setGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEnv struct {
	ts       *httptest.Server
	jobs     *Jobs
	runs     *store.RunRepository
	renderer *fakeRenderer
	engine   *fakeEngine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := observability.Nop()
	renderer := &fakeRenderer{pageCount: 3}
	engine := &fakeEngine{}

	db, err := store.OpenLedger(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	runs := store.NewRunRepository(db)

	factory := func(sourcePath, imagesDir string, log *observability.Logger) (domain.PageRenderer, error) {
		return renderer, nil
	}
	jobs := NewJobs(log, &ocr.Engines{OpenAI: engine}, runs, factory)

	defaults := JobDefaults{
		OutputDir:   t.TempDir(),
		Mode:        domain.ModeExtract,
		Language:    domain.LanguageEnglish,
		BatchSize:   1,
		Concurrency: 2,
		Engine:      "openai",
		Model:       "test-model",
	}

	ts := httptest.NewServer(NewRouter(log, jobs, runs, defaults))
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, jobs: jobs, runs: runs, renderer: renderer, engine: engine}
}

func (e *testEnv) createJob(t *testing.T, body string) JobDTO {
	t.Helper()

	resp, err := http.Post(e.ts.URL+"/api/v1/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var dto JobDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dto))
	require.NotEmpty(t, dto.ID)
	return dto
}

func (e *testEnv) waitForStatus(t *testing.T, id string, status domain.RunStatus) JobDTO {
	t.Helper()

	var dto JobDTO
	require.Eventually(t, func() bool {
		resp, err := http.Get(e.ts.URL + "/api/v1/jobs/" + id)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
			return false
		}
		return dto.Status == string(status)
	}, 5*time.Second, 10*time.Millisecond)
	return dto
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "pagevision", body["service"])
}

func TestCreateJobRunsToCompletion(t *testing.T) {
	env := newTestEnv(t)

	dto := env.createJob(t, `{"pdfPath":"/docs/report.pdf"}`)
	assert.Equal(t, string(domain.StatusIdle), dto.Status)
	assert.Equal(t, "/docs/report.pdf", dto.PDFPath)

	final := env.waitForStatus(t, dto.ID, domain.StatusCompleted)
	assert.Equal(t, 100, final.Progress)
	assert.NotEmpty(t, final.ConsolidatedPath)
	assert.Equal(t, 3, final.PagesRendered)
	assert.Equal(t, 3, final.PagesTotal)
	assert.Equal(t, 3, final.BatchesTotal)
	assert.Zero(t, final.BatchesFailed)
	assert.Empty(t, final.Error)

	assert.True(t, env.renderer.wasClosed())
	assert.Equal(t, 3, env.engine.callCount())

	// Terminal state also lands in the ledger.
	id, err := uuid.Parse(dto.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		run, err := env.runs.GetByID(context.Background(), id)
		return err == nil && run.Status == string(domain.StatusCompleted)
	}, 5*time.Second, 10*time.Millisecond)

	run, err := env.runs.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, final.ConsolidatedPath, run.ConsolidatedPath)
	assert.Equal(t, 3, run.PagesDone)
	assert.Equal(t, 3, run.PagesTotal)
}

func TestCreateJobRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing pdf path", `{}`},
		{"malformed json", `{`},
		{"bad mode", `{"pdfPath":"/docs/report.pdf","mode":"translate"}`},
		{"bad language", `{"pdfPath":"/docs/report.pdf","language":"klingon"}`},
		{"batch size too large", `{"pdfPath":"/docs/report.pdf","batchSize":9}`},
		{"concurrency too large", `{"pdfPath":"/docs/report.pdf","concurrency":99}`},
		{"interval too large", `{"pdfPath":"/docs/report.pdf","callIntervalSeconds":60}`},
		{"negative page", `{"pdfPath":"/docs/report.pdf","startPage":-1}`},
		{"reversed page range", `{"pdfPath":"/docs/report.pdf","startPage":5,"endPage":2}`},
		{"unknown engine", `{"pdfPath":"/docs/report.pdf","engine":"claude"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(env.ts.URL+"/api/v1/jobs", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestCreateJobSourceOpenFailure(t *testing.T) {
	log := observability.Nop()
	factory := func(sourcePath, imagesDir string, l *observability.Logger) (domain.PageRenderer, error) {
		return nil, domain.ValidationError("PDF file not found", nil)
	}
	jobs := NewJobs(log, &ocr.Engines{OpenAI: &fakeEngine{}}, nil, factory)
	defaults := JobDefaults{
		OutputDir:   t.TempDir(),
		Mode:        domain.ModeExtract,
		Language:    domain.LanguageEnglish,
		BatchSize:   1,
		Concurrency: 1,
		Engine:      "openai",
	}
	ts := httptest.NewServer(NewRouter(log, jobs, nil, defaults))
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", strings.NewReader(`{"pdfPath":"/missing.pdf"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "failed to start job", body["error"])
	assert.Contains(t, body["detail"], "PDF file not found")
}

func TestGetJobNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/api/v1/jobs/" + uuid.NewString())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(env.ts.URL + "/api/v1/jobs/not-a-uuid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t)
	gate := make(chan struct{})
	env.engine.setGate(gate)

	dto := env.createJob(t, `{"pdfPath":"/docs/report.pdf"}`)

	// Wait until a worker is inside a model call, then cancel.
	require.Eventually(t, func() bool {
		return env.engine.callCount() >= 1
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Post(env.ts.URL+"/api/v1/jobs/"+dto.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	close(gate)

	final := env.waitForStatus(t, dto.ID, domain.StatusCancelled)
	assert.Empty(t, final.ConsolidatedPath)
	assert.Empty(t, final.Error)
	assert.True(t, env.renderer.wasClosed())
}

func TestCancelUnknownJob(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.ts.URL+"/api/v1/jobs/"+uuid.NewString()+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsReplayForFinishedJob(t *testing.T) {
	env := newTestEnv(t)

	dto := env.createJob(t, `{"pdfPath":"/docs/report.pdf"}`)
	env.waitForStatus(t, dto.ID, domain.StatusCompleted)

	resp, err := http.Get(env.ts.URL + "/api/v1/jobs/" + dto.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "data: ")
	assert.Contains(t, string(body), `"type":"complete"`)
	assert.Contains(t, string(body), `"status":"completed"`)
}

func TestEventsStreamsLiveRun(t *testing.T) {
	env := newTestEnv(t)
	gate := make(chan struct{})
	env.engine.setGate(gate)

	dto := env.createJob(t, `{"pdfPath":"/docs/report.pdf"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.ts.URL+"/api/v1/jobs/"+dto.ID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	released := false
	var events []domain.StreamEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev domain.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)

		// The first frame is the state replay; after that, let the
		// gated model calls finish so the run can complete.
		if !released {
			close(gate)
			released = true
		}
		if ev.Type == domain.EventComplete {
			break
		}
	}
	require.NoError(t, scanner.Err())

	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventStatus, events[0].Type)

	last := events[len(events)-1]
	assert.Equal(t, domain.EventComplete, last.Type)
	assert.Equal(t, domain.StatusCompleted, last.Status)
}

func TestEventsUnknownJob(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/api/v1/jobs/" + uuid.NewString() + "/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, src := range []string{"a.pdf", "b.pdf"} {
		require.NoError(t, env.runs.Create(ctx, &store.Run{
			Source:    src,
			StartPage: 1,
			EndPage:   3,
			Mode:      "extract",
			Language:  "english",
			Engine:    "openai",
			Model:     "test-model",
			Status:    "completed",
		}))
	}

	resp, err := http.Get(env.ts.URL + "/api/v1/runs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Runs []RunDTO `json:"runs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Runs, 2)

	limited, err := http.Get(env.ts.URL + "/api/v1/runs?limit=1")
	require.NoError(t, err)
	defer limited.Body.Close()
	require.Equal(t, http.StatusOK, limited.StatusCode)

	body.Runs = nil
	require.NoError(t, json.NewDecoder(limited.Body).Decode(&body))
	assert.Len(t, body.Runs, 1)

	bad, err := http.Get(env.ts.URL + "/api/v1/runs?limit=zero")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestGetRun(t *testing.T) {
	env := newTestEnv(t)

	dto := env.createJob(t, `{"pdfPath":"/docs/report.pdf"}`)
	env.waitForStatus(t, dto.ID, domain.StatusCompleted)

	id, err := uuid.Parse(dto.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		run, err := env.runs.GetByID(context.Background(), id)
		return err == nil && run.Status == string(domain.StatusCompleted)
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(env.ts.URL + "/api/v1/runs/" + dto.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var run RunDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Equal(t, dto.ID, run.ID)
	assert.Equal(t, "/docs/report.pdf", run.Source)
	assert.Equal(t, string(domain.StatusCompleted), run.Status)
	assert.NotEmpty(t, run.ConsolidatedPath)

	missing, err := http.Get(env.ts.URL + "/api/v1/runs/" + uuid.NewString())
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	bad, err := http.Get(env.ts.URL + "/api/v1/runs/not-a-uuid")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestListRunsLedgerDisabled(t *testing.T) {
	log := observability.Nop()
	factory := func(sourcePath, imagesDir string, l *observability.Logger) (domain.PageRenderer, error) {
		return &fakeRenderer{pageCount: 1}, nil
	}
	jobs := NewJobs(log, &ocr.Engines{OpenAI: &fakeEngine{}}, nil, factory)
	defaults := JobDefaults{
		OutputDir:   t.TempDir(),
		Mode:        domain.ModeExtract,
		Language:    domain.LanguageEnglish,
		BatchSize:   1,
		Concurrency: 1,
		Engine:      "openai",
	}
	ts := httptest.NewServer(NewRouter(log, jobs, nil, defaults))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/runs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.ts.URL+"/api/v1/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}
