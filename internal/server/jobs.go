// Package server exposes the processing pipeline over HTTP: job submission,
// status polling, an SSE event stream, cooperative cancel, and the run ledger.
package server

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/pagevision/internal/domain"
	"github.com/spherical-ai/pagevision/internal/observability"
	"github.com/spherical-ai/pagevision/internal/ocr"
	"github.com/spherical-ai/pagevision/internal/pipeline"
	"github.com/spherical-ai/pagevision/internal/store"
)

// eventBuffer sizes the orchestrator event channel and each subscriber
// channel. A subscriber that falls this far behind loses events.
const eventBuffer = 256

// ErrJobNotFound is returned when a job id is not in the table.
var ErrJobNotFound = errors.New("job not found")

// RendererFactory opens a page renderer for one job's source document.
type RendererFactory func(sourcePath, imagesDir string, log *observability.Logger) (domain.PageRenderer, error)

// JobSnapshot is a point-in-time view of one job.
type JobSnapshot struct {
	ID         uuid.UUID
	SourcePath string
	Status     domain.RunStatus
	Progress   int
	Message    string
	CreatedAt  time.Time

	// Result and Err are set once the run reaches a terminal status.
	Result *domain.RunResult
	Err    string
}

// Jobs tracks live and finished runs in memory. Terminal state is also
// written to the ledger when one is configured.
type Jobs struct {
	log         *observability.Logger
	engines     *ocr.Engines
	runs        *store.RunRepository
	newRenderer RendererFactory

	mu   sync.Mutex
	jobs map[uuid.UUID]*jobEntry
}

// NewJobs creates a job table. The runs repository may be nil when the
// ledger is disabled.
func NewJobs(log *observability.Logger, engines *ocr.Engines, runs *store.RunRepository, newRenderer RendererFactory) *Jobs {
	return &Jobs{
		log:         log.WithComponent("server"),
		engines:     engines,
		runs:        runs,
		newRenderer: newRenderer,
		jobs:        make(map[uuid.UUID]*jobEntry),
	}
}

// Start opens the source document, resolves the engine, and launches the
// run. Construction errors are returned synchronously so the handler can
// reject the request; everything after that is reported through the job's
// event stream.
func (j *Jobs) Start(id uuid.UUID, job domain.Job) error {
	renderer, err := j.newRenderer(job.SourcePath, filepath.Join(job.OutputDir, "images"), j.log)
	if err != nil {
		return err
	}

	engine, err := j.engines.Get(job.Engine)
	if err != nil {
		renderer.Close()
		return err
	}

	orch, err := pipeline.New(job, renderer, engine, j.log)
	if err != nil {
		renderer.Close()
		return err
	}

	entry := &jobEntry{
		snapshot: JobSnapshot{
			ID:         id,
			SourcePath: job.SourcePath,
			Status:     domain.StatusIdle,
			CreatedAt:  time.Now(),
		},
		orch:        orch,
		subscribers: make(map[int]chan domain.StreamEvent),
	}

	j.mu.Lock()
	j.jobs[id] = entry
	j.mu.Unlock()

	j.recordStart(id, job)
	j.log.Info().
		Str("job_id", id.String()).
		Str("source", job.SourcePath).
		Str("engine", job.Engine).
		Msg("Starting job")

	events := make(chan domain.StreamEvent, eventBuffer)
	drained := make(chan struct{})

	go func() {
		for ev := range events {
			entry.apply(ev)
			if ev.Type == domain.EventStatus {
				j.recordStatus(id, ev.Status)
			}
		}
		close(drained)
	}()

	go func() {
		result, runErr := orch.Run(context.Background(), events)
		close(events)
		<-drained

		if err := renderer.Close(); err != nil {
			j.log.Warn().Err(err).Str("job_id", id.String()).Msg("Failed to close renderer")
		}

		entry.finish(result, runErr)
		j.recordFinish(id, result, runErr)
	}()

	return nil
}

// Get returns a snapshot of the job.
func (j *Jobs) Get(id uuid.UUID) (JobSnapshot, error) {
	entry, err := j.entry(id)
	if err != nil {
		return JobSnapshot{}, err
	}
	return entry.view(), nil
}

// Cancel requests a cooperative stop. Cancelling a finished job is a no-op.
func (j *Jobs) Cancel(id uuid.UUID) (JobSnapshot, error) {
	entry, err := j.entry(id)
	if err != nil {
		return JobSnapshot{}, err
	}
	entry.orch.Cancel()
	j.log.Info().Str("job_id", id.String()).Msg("Cancel requested")
	return entry.view(), nil
}

// Subscribe attaches a listener to the job's event stream. The returned
// channel is closed when the run reaches a terminal status; the cancel
// function detaches early. Subscribing to a finished job returns a closed
// channel, so callers see the snapshot and an immediate end of stream.
func (j *Jobs) Subscribe(id uuid.UUID) (JobSnapshot, <-chan domain.StreamEvent, func(), error) {
	entry, err := j.entry(id)
	if err != nil {
		return JobSnapshot{}, nil, nil, err
	}
	snapshot, ch, cancel := entry.subscribe()
	return snapshot, ch, cancel, nil
}

func (j *Jobs) entry(id uuid.UUID) (*jobEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	entry, ok := j.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return entry, nil
}

// recordStart writes the initial ledger row. Ledger failures are warnings;
// they never stop a run.
func (j *Jobs) recordStart(id uuid.UUID, job domain.Job) {
	if j.runs == nil {
		return
	}
	err := j.runs.Create(context.Background(), &store.Run{
		ID:        id,
		Source:    job.SourcePath,
		StartPage: job.StartPage,
		EndPage:   job.EndPage,
		Mode:      string(job.Mode),
		Language:  string(job.Language),
		Engine:    job.Engine,
		Model:     job.Model,
		Status:    string(domain.StatusIdle),
	})
	if err != nil {
		j.log.Warn().Err(err).Str("job_id", id.String()).Msg("Failed to record run in ledger")
	}
}

func (j *Jobs) recordStatus(id uuid.UUID, status domain.RunStatus) {
	if j.runs == nil {
		return
	}
	if err := j.runs.UpdateStatus(context.Background(), id, string(status)); err != nil {
		j.log.Warn().Err(err).Str("job_id", id.String()).Msg("Failed to update run status in ledger")
	}
}

func (j *Jobs) recordFinish(id uuid.UUID, result domain.RunResult, runErr error) {
	if j.runs == nil {
		return
	}
	ctx := context.Background()
	if err := j.runs.UpdateProgress(ctx, id, result.PagesRendered, result.PagesTotal); err != nil {
		j.log.Warn().Err(err).Str("job_id", id.String()).Msg("Failed to update run progress in ledger")
	}
	errMsg := ""
	if runErr != nil && !errors.Is(runErr, domain.ErrCancelled) {
		errMsg = runErr.Error()
	}
	if err := j.runs.Complete(ctx, id, string(result.Status), result.ConsolidatedPath, errMsg); err != nil {
		j.log.Warn().Err(err).Str("job_id", id.String()).Msg("Failed to complete run in ledger")
	}
}

// jobEntry holds the mutable state of one job and its event subscribers.
type jobEntry struct {
	orch *pipeline.Orchestrator

	mu          sync.Mutex
	snapshot    JobSnapshot
	done        bool
	subscribers map[int]chan domain.StreamEvent
	nextSub     int
}

// apply folds one orchestrator event into the snapshot and fans it out.
// Terminal statuses are left to finish so a poller never sees a terminal
// snapshot without its result.
func (e *jobEntry) apply(ev domain.StreamEvent) {
	e.mu.Lock()
	switch ev.Type {
	case domain.EventStatus, domain.EventComplete:
		if !ev.Status.Terminal() {
			e.snapshot.Status = ev.Status
		}
		e.snapshot.Message = ev.Message
	}
	if ev.Progress > e.snapshot.Progress {
		e.snapshot.Progress = ev.Progress
	}

	subs := make([]chan domain.StreamEvent, 0, len(e.subscribers))
	for _, ch := range e.subscribers {
		subs = append(subs, ch)
	}
	e.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// finish records the terminal result and closes all subscriber channels.
func (e *jobEntry) finish(result domain.RunResult, runErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.done = true
	e.snapshot.Status = result.Status
	e.snapshot.Result = &result
	if runErr != nil && !errors.Is(runErr, domain.ErrCancelled) {
		e.snapshot.Err = runErr.Error()
	}
	if result.Status == domain.StatusCompleted {
		e.snapshot.Progress = 100
	}

	for id, ch := range e.subscribers {
		close(ch)
		delete(e.subscribers, id)
	}
}

func (e *jobEntry) view() JobSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot
}

func (e *jobEntry) subscribe() (JobSnapshot, <-chan domain.StreamEvent, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan domain.StreamEvent, eventBuffer)
	if e.done {
		close(ch)
		return e.snapshot, ch, func() {}
	}

	id := e.nextSub
	e.nextSub++
	e.subscribers[id] = ch

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subscribers, id)
	}
	return e.snapshot, ch, cancel
}
