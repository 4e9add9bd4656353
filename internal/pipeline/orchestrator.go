// Package pipeline drives a full processing run: render pages to images,
// dispatch them to a vision model in batches, then consolidate the results.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spherical-ai/pagevision/internal/batch"
	"github.com/spherical-ai/pagevision/internal/consolidate"
	"github.com/spherical-ai/pagevision/internal/domain"
	"github.com/spherical-ai/pagevision/internal/observability"
	"github.com/spherical-ai/pagevision/internal/ocr"
	"github.com/spherical-ai/pagevision/internal/ratelimit"
	"github.com/spherical-ai/pagevision/internal/split"
	"github.com/spherical-ai/pagevision/internal/store"
)

// Orchestrator runs one job from rendering through consolidation.
type Orchestrator struct {
	job          domain.Job
	renderer     domain.PageRenderer
	engine       domain.OCREngine
	pages        *store.PageStore
	consolidator *consolidate.Consolidator
	limiter      *ratelimit.Limiter
	log          *observability.Logger

	mu        sync.Mutex
	status    domain.RunStatus
	cancelled bool
}

// New creates an orchestrator for one job. The markdown directory is created
// under the job's output directory.
func New(job domain.Job, renderer domain.PageRenderer, engine domain.OCREngine, log *observability.Logger) (*Orchestrator, error) {
	pages, err := store.NewPageStore(filepath.Join(job.OutputDir, "md"))
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		job:          job,
		renderer:     renderer,
		engine:       engine,
		pages:        pages,
		consolidator: consolidate.New(log),
		limiter:      ratelimit.New(job.MinCallInterval),
		log:          log.WithComponent("pipeline"),
		status:       domain.StatusIdle,
	}, nil
}

// Cancel requests a graceful stop. In-flight model calls finish; no new
// batches start and no consolidated file is written.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelled = true
}

// Status returns the current run status.
func (o *Orchestrator) Status() domain.RunStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Run executes the job. Events are emitted to the channel best-effort; a
// full channel drops events rather than stalling the pipeline. The returned
// error is nil only when the run completed; a cancelled run returns
// domain.ErrCancelled.
func (o *Orchestrator) Run(ctx context.Context, events chan<- domain.StreamEvent) (domain.RunResult, error) {
	startTime := time.Now()
	result := domain.RunResult{Status: domain.StatusIdle}

	o.emitLog(events, o.tr("Starting PDF processing...", "开始处理 PDF..."))

	total := o.renderer.PageCount()
	o.emitLog(events, o.tr(
		fmt.Sprintf("PDF has %d pages", total),
		fmt.Sprintf("PDF 有 %d 页", total)))

	start, end := domain.ClampPageRange(o.job.StartPage, o.job.EndPage, total)
	numPages := end - start + 1
	result.PagesTotal = numPages
	o.emitLog(events, o.tr(
		fmt.Sprintf("Processing pages %d to %d (%d pages)", start, end, numPages),
		fmt.Sprintf("处理第 %d 页到第 %d 页（共 %d 页）", start, end, numPages)))

	o.setStatus(events, domain.StatusRendering, o.tr("Converting PDF to images...", "正在将 PDF 转换为图像..."))
	o.emitLog(events, o.tr("Converting PDF pages to images...", "正在将 PDF 页面转换为图像..."))

	images, err := o.renderPages(ctx, events, start, end)
	result.PagesRendered = len(images)
	if err != nil {
		return o.fail(events, result, startTime, err)
	}
	if o.runCancelled(ctx) {
		return o.cancelRun(events, result, startTime)
	}

	o.setStatus(events, domain.StatusDispatching, o.tr("Processing images with OCR...", "正在使用 OCR 处理图像..."))
	o.emitLog(events, o.tr("Starting OCR processing...", "开始 OCR 处理..."))

	if interval := o.limiter.Interval(); interval > 0 {
		o.emitLog(events, o.tr(
			fmt.Sprintf("Using API call interval of %g seconds", interval.Seconds()),
			fmt.Sprintf("使用 %g 秒的 API 调用间隔", interval.Seconds())))
	}

	groups := batch.Plan(images, o.job.BatchSize)
	result.BatchesTotal = len(groups)
	result.BatchesFailed = o.dispatchBatches(ctx, events, groups)
	if o.runCancelled(ctx) {
		return o.cancelRun(events, result, startTime)
	}

	o.setStatus(events, domain.StatusConsolidating, o.tr("Consolidating results...", "正在整合结果..."))
	o.emitLog(events, o.tr("Consolidating markdown files...", "正在整合 Markdown 文件..."))

	o.log.Debug().Str("dir", o.pages.Dir()).Msg("Collecting page files")
	pages, err := o.pages.List()
	if err != nil {
		return o.fail(events, result, startTime, err)
	}
	consolidatedPath, err := o.consolidator.Consolidate(pages, consolidate.Options{
		SourceName: domain.SourceName(o.job.SourcePath),
		OutputDir:  o.job.OutputDir,
		Mode:       o.job.Mode,
		Language:   o.job.Language,
		StartPage:  start,
		EndPage:    end,
	})
	if err != nil {
		return o.fail(events, result, startTime, err)
	}
	result.ConsolidatedPath = consolidatedPath
	o.emitLog(events, o.tr(
		fmt.Sprintf("Consolidated file created: %s", consolidatedPath),
		fmt.Sprintf("已创建整合文件：%s", consolidatedPath)))

	o.emitProgress(events, 100)
	o.setStatus(events, domain.StatusCompleted, o.tr("Processing completed", "处理完成"))

	result.Status = domain.StatusCompleted
	result.Duration = time.Since(startTime)
	o.emitComplete(events, domain.StatusCompleted, o.tr("Processing completed", "处理完成"))
	o.log.Info().
		Int("pages", result.PagesRendered).
		Int("batches", result.BatchesTotal).
		Int("failed_batches", result.BatchesFailed).
		Dur("duration", result.Duration).
		Msg("Run completed")
	return result, nil
}

// renderPages renders the requested range sequentially. Rendering stops at
// the first error or cancellation; pages rendered so far are returned.
func (o *Orchestrator) renderPages(ctx context.Context, events chan<- domain.StreamEvent, start, end int) ([]domain.PageImage, error) {
	numPages := end - start + 1
	images := make([]domain.PageImage, 0, numPages)
	processed := 0

	for pageNum := start; pageNum <= end; pageNum++ {
		if o.runCancelled(ctx) {
			break
		}

		img, err := o.renderer.RenderPage(ctx, pageNum)
		if err != nil {
			if o.runCancelled(ctx) {
				break
			}
			o.emitLog(events, o.tr(
				fmt.Sprintf("Error converting PDF to images: %v", err),
				fmt.Sprintf("将PDF转换为图像时出错：%v", err)))
			return images, err
		}

		images = append(images, img)
		processed++

		// Rendering accounts for the first half of overall progress
		progress := int(float64(processed) / float64(numPages) * 50)
		o.emitProgress(events, progress)
		o.emitEvent(events, domain.StreamEvent{
			Type:       domain.EventPageRendered,
			PageNumber: pageNum,
			Progress:   progress,
			Message: o.tr(
				fmt.Sprintf("Converted page %d to image", pageNum),
				fmt.Sprintf("已将第 %d 页转换为图像", pageNum)),
			Timestamp: time.Now(),
		})
	}

	return images, nil
}

type batchOutcome struct {
	pages   []int
	err     error
	skipped bool
}

// dispatchBatches fans batches out to a bounded worker pool. Batch errors
// are logged and swallowed so remaining batches still run. Returns the
// number of failed batches.
func (o *Orchestrator) dispatchBatches(ctx context.Context, events chan<- domain.StreamEvent, groups []domain.Batch) int {
	if len(groups) == 0 {
		return 0
	}

	workChan := make(chan domain.Batch, len(groups))
	outcomes := make(chan batchOutcome, len(groups))
	var wg sync.WaitGroup

	for _, g := range groups {
		workChan <- g
	}
	close(workChan)

	workers := o.job.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(groups) {
		workers = len(groups)
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for g := range workChan {
				nums := g.PageNumbers()
				if o.runCancelled(ctx) {
					outcomes <- batchOutcome{pages: nums, skipped: true}
					continue
				}

				err := o.processBatch(ctx, events, g)
				if err != nil {
					o.emitLog(events, o.tr(
						fmt.Sprintf("Error processing page(s) %v: %v", nums, err),
						fmt.Sprintf("处理第 %v 页时出错：%v", nums, err)))
				}
				outcomes <- batchOutcome{pages: nums, err: err}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	completed := 0
	failed := 0
	for outcome := range outcomes {
		completed++
		if outcome.err != nil {
			failed++
		}

		// Dispatch accounts for the next 40% of overall progress
		progress := 50 + int(float64(completed)/float64(len(groups))*40)
		o.emitProgress(events, progress)
		if !outcome.skipped {
			o.emitEvent(events, domain.StreamEvent{
				Type:      domain.EventBatchComplete,
				Progress:  progress,
				Message:   fmt.Sprintf("Batch complete: pages %v", outcome.pages),
				Timestamp: time.Now(),
			})
		}
	}

	return failed
}

// processBatch runs one model call and stores its per-page results.
func (o *Orchestrator) processBatch(ctx context.Context, events chan<- domain.StreamEvent, g domain.Batch) error {
	nums := g.PageNumbers()
	o.log.Debug().Int("first_page", g.First()).Int("last_page", g.Last()).Msg("Dispatching batch")

	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}

	systemPrompt, userPrompt := ocr.BuildPrompts(o.job.Mode, o.job.Language, nums)
	paths := make([]string, len(g.Pages))
	for i, p := range g.Pages {
		paths[i] = p.Path
	}

	text, err := o.engine.Complete(ctx, domain.CompletionRequest{
		Model:        o.job.Model,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		ImagePaths:   paths,
	})
	if err != nil {
		return err
	}

	if len(nums) == 1 {
		if err := o.pages.Save(nums[0], text); err != nil {
			return err
		}
		o.emitProcessedPage(events, nums[0])
		return nil
	}

	segments, usedFallback := split.Split(text, nums, o.job.Language)
	if usedFallback {
		o.emitLog(events, o.tr(
			"Warning: No page headers found in multi-page response. Using heuristic splitting.",
			"警告：在多页响应中未找到页面标题。使用启发式拆分。"))
	}

	order := make([]int, 0, len(segments))
	for n := range segments {
		order = append(order, n)
	}
	sort.Ints(order)
	for _, n := range order {
		if err := o.pages.Save(n, segments[n]); err != nil {
			return err
		}
		o.emitProcessedPage(events, n)
	}
	return nil
}

func (o *Orchestrator) fail(events chan<- domain.StreamEvent, result domain.RunResult, start time.Time, err error) (domain.RunResult, error) {
	o.emitLog(events, o.tr(
		fmt.Sprintf("Error: %v", err),
		fmt.Sprintf("错误：%v", err)))
	o.setStatus(events, domain.StatusFailed, o.tr("Error occurred", "发生错误"))

	result.Status = domain.StatusFailed
	result.Duration = time.Since(start)
	o.emitComplete(events, domain.StatusFailed, o.tr("Error occurred", "发生错误"))
	o.log.Error().Err(err).Msg("Run failed")
	return result, err
}

func (o *Orchestrator) cancelRun(events chan<- domain.StreamEvent, result domain.RunResult, start time.Time) (domain.RunResult, error) {
	o.emitLog(events, o.tr("Operation cancelled.", "操作已取消。"))
	o.setStatus(events, domain.StatusCancelled, o.tr("Operation cancelled.", "操作已取消。"))

	result.Status = domain.StatusCancelled
	result.Duration = time.Since(start)
	o.emitComplete(events, domain.StatusCancelled, o.tr("Operation cancelled.", "操作已取消。"))
	o.log.Info().Msg("Run cancelled")
	return result, domain.ErrCancelled
}

func (o *Orchestrator) runCancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

func (o *Orchestrator) setStatus(events chan<- domain.StreamEvent, status domain.RunStatus, message string) {
	o.mu.Lock()
	o.status = status
	o.mu.Unlock()

	o.log.Info().Str("status", string(status)).Msg(message)
	o.emitEvent(events, domain.StreamEvent{
		Type:      domain.EventStatus,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	})
}

func (o *Orchestrator) emitProgress(events chan<- domain.StreamEvent, progress int) {
	o.emitEvent(events, domain.StreamEvent{
		Type:      domain.EventProgress,
		Progress:  progress,
		Timestamp: time.Now(),
	})
}

func (o *Orchestrator) emitProcessedPage(events chan<- domain.StreamEvent, pageNum int) {
	o.emitLog(events, o.tr(
		fmt.Sprintf("Processed page %d", pageNum),
		fmt.Sprintf("已处理第 %d 页", pageNum)))
}

func (o *Orchestrator) emitComplete(events chan<- domain.StreamEvent, status domain.RunStatus, message string) {
	o.emitEvent(events, domain.StreamEvent{
		Type:      domain.EventComplete,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	})
}

func (o *Orchestrator) emitLog(events chan<- domain.StreamEvent, message string) {
	o.log.Info().Msg(message)
	o.emitEvent(events, domain.StreamEvent{
		Type:      domain.EventLog,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// emitEvent safely emits an event to the channel
func (o *Orchestrator) emitEvent(events chan<- domain.StreamEvent, event domain.StreamEvent) {
	if events != nil {
		select {
		case events <- event:
		default:
			o.log.Warn().Str("type", string(event.Type)).Msg("Event channel full, dropping event")
		}
	}
}

// tr picks the English or Chinese variant of a user-facing string.
func (o *Orchestrator) tr(en, zh string) string {
	if o.job.Language == domain.LanguageChinese {
		return zh
	}
	return en
}
