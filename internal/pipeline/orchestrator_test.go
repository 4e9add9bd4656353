package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/pagevision/internal/domain"
	"github.com/spherical-ai/pagevision/internal/observability"
)

type fakeRenderer struct {
	pageCount  int
	failOn     int
	afterPage  func(pageNum int)
	mu         sync.Mutex
	rendered   []int
	closeCalls int
}

func (f *fakeRenderer) PageCount() int {
	return f.pageCount
}

func (f *fakeRenderer) RenderPage(ctx context.Context, pageNumber int) (domain.PageImage, error) {
	if err := ctx.Err(); err != nil {
		return domain.PageImage{}, err
	}
	if f.failOn != 0 && pageNumber == f.failOn {
		return domain.PageImage{}, domain.RenderError(fmt.Sprintf("Failed to render page %d", pageNumber), nil)
	}

	f.mu.Lock()
	f.rendered = append(f.rendered, pageNumber)
	f.mu.Unlock()

	if f.afterPage != nil {
		f.afterPage(pageNumber)
	}
	return domain.PageImage{
		PageNumber: pageNumber,
		Path:       fmt.Sprintf("images/page_%04d.png", pageNumber),
		Width:      1836,
		Height:     2376,
	}, nil
}

func (f *fakeRenderer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

type fakeEngine struct {
	mu      sync.Mutex
	calls   []domain.CompletionRequest
	respond func(req domain.CompletionRequest) (string, error)
}

func (f *fakeEngine) Name() string {
	return "fake"
}

func (f *fakeEngine) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.respond != nil {
		return f.respond(req)
	}

	var sb strings.Builder
	for _, n := range pagesFromPaths(req.ImagePaths) {
		fmt.Fprintf(&sb, "# Page %d\n\nContent of page %d\n\n", n, n)
	}
	return sb.String(), nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func pagesFromPaths(paths []string) []int {
	nums := make([]int, 0, len(paths))
	for _, p := range paths {
		base := filepath.Base(p)
		numPart := strings.Split(strings.Split(base, "_")[1], ".")[0]
		n, _ := strconv.Atoi(numPart)
		nums = append(nums, n)
	}
	return nums
}

func testJob(t *testing.T) domain.Job {
	return domain.Job{
		SourcePath:  "report.pdf",
		OutputDir:   t.TempDir(),
		Mode:        domain.ModeExtract,
		Language:    domain.LanguageEnglish,
		BatchSize:   1,
		Concurrency: 2,
		Engine:      "fake",
		Model:       "test-model",
	}
}

func drainEvents(events chan domain.StreamEvent) []domain.StreamEvent {
	var out []domain.StreamEvent
	for {
		select {
		case e := <-events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestRunHappyPath(t *testing.T) {
	job := testJob(t)
	renderer := &fakeRenderer{pageCount: 3}
	engine := &fakeEngine{}

	orch, err := New(job, renderer, engine, observability.Nop())
	require.NoError(t, err)

	events := make(chan domain.StreamEvent, 1024)
	result, err := orch.Run(context.Background(), events)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, result.Status)
	assert.Equal(t, domain.StatusCompleted, orch.Status())
	assert.Equal(t, 3, result.PagesRendered)
	assert.Equal(t, 3, result.PagesTotal)
	assert.Equal(t, 3, result.BatchesTotal)
	assert.Equal(t, 0, result.BatchesFailed)
	assert.Equal(t, 3, engine.callCount())

	for n := 1; n <= 3; n++ {
		data, err := os.ReadFile(filepath.Join(job.OutputDir, "md", fmt.Sprintf("page_%04d.md", n)))
		require.NoError(t, err)
		assert.Contains(t, string(data), fmt.Sprintf("Content of page %d", n))
	}

	assert.Equal(t, filepath.Join(job.OutputDir, "report_consolidated.md"), result.ConsolidatedPath)
	data, err := os.ReadFile(result.ConsolidatedPath)
	require.NoError(t, err)
	content := string(data)
	assert.True(t, strings.HasPrefix(content, "# report\n\n"))
	assert.Contains(t, content, "Consolidated text extraction from 1 to 3")
	assert.Less(t, strings.Index(content, "Content of page 1"), strings.Index(content, "Content of page 2"))
}

func TestRunMultiPageBatches(t *testing.T) {
	job := testJob(t)
	job.BatchSize = 2
	renderer := &fakeRenderer{pageCount: 4}
	engine := &fakeEngine{}

	orch, err := New(job, renderer, engine, observability.Nop())
	require.NoError(t, err)

	events := make(chan domain.StreamEvent, 1024)
	result, err := orch.Run(context.Background(), events)
	require.NoError(t, err)

	assert.Equal(t, 2, result.BatchesTotal)
	assert.Equal(t, 2, engine.callCount())

	// Each page lands in its own file, including batch members split out of
	// a combined response
	for n := 1; n <= 4; n++ {
		data, err := os.ReadFile(filepath.Join(job.OutputDir, "md", fmt.Sprintf("page_%04d.md", n)))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), fmt.Sprintf("# Page %d", n)))
	}
}

func TestRunPromptsCarryPageNumbers(t *testing.T) {
	job := testJob(t)
	job.BatchSize = 2
	renderer := &fakeRenderer{pageCount: 2}
	engine := &fakeEngine{}

	orch, err := New(job, renderer, engine, observability.Nop())
	require.NoError(t, err)

	_, err = orch.Run(context.Background(), make(chan domain.StreamEvent, 1024))
	require.NoError(t, err)

	require.Equal(t, 1, engine.callCount())
	req := engine.calls[0]
	assert.Equal(t, "test-model", req.Model)
	assert.Contains(t, req.UserPrompt, "These are pages 1-2")
	assert.Contains(t, req.SystemPrompt, "OCR assistant")
	assert.Len(t, req.ImagePaths, 2)
}

func TestRunBatchFailureIsSwallowed(t *testing.T) {
	job := testJob(t)
	renderer := &fakeRenderer{pageCount: 3}
	engine := &fakeEngine{
		respond: func(req domain.CompletionRequest) (string, error) {
			nums := pagesFromPaths(req.ImagePaths)
			if nums[0] == 2 {
				return "", domain.NewAPIError(500, "server exploded")
			}
			return fmt.Sprintf("# Page %d\n\nok", nums[0]), nil
		},
	}

	orch, err := New(job, renderer, engine, observability.Nop())
	require.NoError(t, err)

	events := make(chan domain.StreamEvent, 1024)
	result, err := orch.Run(context.Background(), events)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, result.Status)
	assert.Equal(t, 1, result.BatchesFailed)

	_, statErr := os.Stat(filepath.Join(job.OutputDir, "md", "page_0002.md"))
	assert.True(t, os.IsNotExist(statErr))

	data, err := os.ReadFile(result.ConsolidatedPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Page 2")

	var sawError bool
	for _, e := range drainEvents(events) {
		if e.Type == domain.EventLog && strings.Contains(e.Message, "Error processing page(s) [2]") {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestRunAllBatchesFailedStillConsolidates(t *testing.T) {
	job := testJob(t)
	renderer := &fakeRenderer{pageCount: 2}
	engine := &fakeEngine{
		respond: func(req domain.CompletionRequest) (string, error) {
			return "", domain.NewAPIError(401, "unauthorized")
		},
	}

	orch, err := New(job, renderer, engine, observability.Nop())
	require.NoError(t, err)

	result, err := orch.Run(context.Background(), make(chan domain.StreamEvent, 1024))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, result.Status)
	assert.Equal(t, 2, result.BatchesFailed)

	data, err := os.ReadFile(result.ConsolidatedPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# report")
}

func TestRunRenderFailureFailsRun(t *testing.T) {
	job := testJob(t)
	renderer := &fakeRenderer{pageCount: 3, failOn: 2}
	engine := &fakeEngine{}

	orch, err := New(job, renderer, engine, observability.Nop())
	require.NoError(t, err)

	result, err := orch.Run(context.Background(), make(chan domain.StreamEvent, 1024))
	require.Error(t, err)

	assert.Equal(t, domain.StatusFailed, result.Status)
	assert.Equal(t, 0, engine.callCount())
	assert.Empty(t, result.ConsolidatedPath)
}

func TestRunCancelBeforeStart(t *testing.T) {
	job := testJob(t)
	renderer := &fakeRenderer{pageCount: 5}
	engine := &fakeEngine{}

	orch, err := New(job, renderer, engine, observability.Nop())
	require.NoError(t, err)
	orch.Cancel()

	result, err := orch.Run(context.Background(), make(chan domain.StreamEvent, 1024))
	require.ErrorIs(t, err, domain.ErrCancelled)

	assert.Equal(t, domain.StatusCancelled, result.Status)
	assert.Equal(t, 0, result.PagesRendered)
	assert.Equal(t, 0, engine.callCount())

	entries, err := os.ReadDir(filepath.Join(job.OutputDir, "md"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunCancelDuringRender(t *testing.T) {
	job := testJob(t)
	renderer := &fakeRenderer{pageCount: 10}
	engine := &fakeEngine{}

	orch, err := New(job, renderer, engine, observability.Nop())
	require.NoError(t, err)
	renderer.afterPage = func(pageNum int) {
		if pageNum == 2 {
			orch.Cancel()
		}
	}

	events := make(chan domain.StreamEvent, 1024)
	result, err := orch.Run(context.Background(), events)
	require.ErrorIs(t, err, domain.ErrCancelled)

	assert.Equal(t, domain.StatusCancelled, result.Status)
	assert.Equal(t, domain.StatusCancelled, orch.Status())
	assert.Equal(t, 2, result.PagesRendered)
	assert.Equal(t, 0, engine.callCount())
	assert.Empty(t, result.ConsolidatedPath)

	var sawCancelLog bool
	for _, e := range drainEvents(events) {
		if e.Type == domain.EventLog && e.Message == "Operation cancelled." {
			sawCancelLog = true
		}
	}
	assert.True(t, sawCancelLog)
}

func TestRunCancelDuringDispatch(t *testing.T) {
	job := testJob(t)
	job.Concurrency = 1
	renderer := &fakeRenderer{pageCount: 3}

	var orch *Orchestrator
	engine := &fakeEngine{}
	engine.respond = func(req domain.CompletionRequest) (string, error) {
		orch.Cancel()
		nums := pagesFromPaths(req.ImagePaths)
		return fmt.Sprintf("# Page %d\n\nok", nums[0]), nil
	}

	orch, err := New(job, renderer, engine, observability.Nop())
	require.NoError(t, err)

	result, err := orch.Run(context.Background(), make(chan domain.StreamEvent, 1024))
	require.ErrorIs(t, err, domain.ErrCancelled)

	assert.Equal(t, domain.StatusCancelled, result.Status)
	// The in-flight batch finished, the rest were skipped
	assert.Equal(t, 1, engine.callCount())
	assert.FileExists(t, filepath.Join(job.OutputDir, "md", "page_0001.md"))
	assert.Empty(t, result.ConsolidatedPath)
	_, statErr := os.Stat(filepath.Join(job.OutputDir, "report_consolidated.md"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunContextCancellation(t *testing.T) {
	job := testJob(t)
	renderer := &fakeRenderer{pageCount: 5}
	engine := &fakeEngine{}

	orch, err := New(job, renderer, engine, observability.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	renderer.afterPage = func(pageNum int) {
		if pageNum == 1 {
			cancel()
		}
	}

	result, err := orch.Run(ctx, make(chan domain.StreamEvent, 1024))
	require.ErrorIs(t, err, domain.ErrCancelled)
	assert.Equal(t, domain.StatusCancelled, result.Status)
}

func TestRunProgressIsMonotonic(t *testing.T) {
	job := testJob(t)
	renderer := &fakeRenderer{pageCount: 5}
	engine := &fakeEngine{}

	orch, err := New(job, renderer, engine, observability.Nop())
	require.NoError(t, err)

	events := make(chan domain.StreamEvent, 4096)
	_, err = orch.Run(context.Background(), events)
	require.NoError(t, err)

	last := 0
	final := 0
	for _, e := range drainEvents(events) {
		if e.Type != domain.EventProgress {
			continue
		}
		assert.GreaterOrEqual(t, e.Progress, last)
		last = e.Progress
		final = e.Progress
	}
	assert.Equal(t, 100, final)
}

func TestRunEmitsSingleTerminalEvent(t *testing.T) {
	job := testJob(t)
	renderer := &fakeRenderer{pageCount: 2}
	engine := &fakeEngine{}

	orch, err := New(job, renderer, engine, observability.Nop())
	require.NoError(t, err)

	events := make(chan domain.StreamEvent, 1024)
	_, err = orch.Run(context.Background(), events)
	require.NoError(t, err)

	completes := 0
	for _, e := range drainEvents(events) {
		if e.Type == domain.EventComplete {
			completes++
			assert.Equal(t, domain.StatusCompleted, e.Status)
		}
	}
	assert.Equal(t, 1, completes)
}

func TestRunClampsPageRange(t *testing.T) {
	job := testJob(t)
	job.StartPage = 3
	job.EndPage = 99
	renderer := &fakeRenderer{pageCount: 5}
	engine := &fakeEngine{}

	orch, err := New(job, renderer, engine, observability.Nop())
	require.NoError(t, err)

	result, err := orch.Run(context.Background(), make(chan domain.StreamEvent, 1024))
	require.NoError(t, err)

	assert.Equal(t, 3, result.PagesTotal)
	assert.Equal(t, []int{3, 4, 5}, renderer.rendered)

	data, err := os.ReadFile(result.ConsolidatedPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Consolidated text extraction from 3 to 5")
}

func TestRunChineseMessages(t *testing.T) {
	job := testJob(t)
	job.Language = domain.LanguageChinese
	renderer := &fakeRenderer{pageCount: 1}
	engine := &fakeEngine{
		respond: func(req domain.CompletionRequest) (string, error) {
			return "# 第 1 页\n\n内容", nil
		},
	}

	orch, err := New(job, renderer, engine, observability.Nop())
	require.NoError(t, err)

	events := make(chan domain.StreamEvent, 1024)
	result, err := orch.Run(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, result.Status)

	var sawChineseStatus bool
	for _, e := range drainEvents(events) {
		if e.Type == domain.EventStatus && e.Message == "处理完成" {
			sawChineseStatus = true
		}
	}
	assert.True(t, sawChineseStatus)

	require.Equal(t, 1, engine.callCount())
	assert.Contains(t, engine.calls[0].UserPrompt, "这是PDF文档的第1页")
}
